package service

import (
	"archive/zip"
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vipul43/efactura-worker/internal/kvstore"
	"github.com/vipul43/efactura-worker/internal/models"
	"github.com/vipul43/efactura-worker/internal/ratelimit"
	"github.com/vipul43/efactura-worker/internal/repository"
	"github.com/vipul43/efactura-worker/internal/status"
)

type mockEfacturaClient struct {
	listMessagesFunc    func(ctx context.Context, accessToken string, req ListRequest) (*MessagePage, error)
	downloadMessageFunc func(ctx context.Context, accessToken string, downloadID string) ([]byte, error)
	convertToPDFFunc    func(ctx context.Context, accessToken string, xml []byte, standard string) ([]byte, error)
	uploadStateFunc     func(ctx context.Context, accessToken string, uploadID string) (*UploadState, error)

	mu        sync.Mutex
	listed    []ListRequest
	downloads []string
}

func (m *mockEfacturaClient) ListMessages(ctx context.Context, accessToken string, req ListRequest) (*MessagePage, error) {
	m.mu.Lock()
	m.listed = append(m.listed, req)
	m.mu.Unlock()
	if m.listMessagesFunc != nil {
		return m.listMessagesFunc(ctx, accessToken, req)
	}
	return &MessagePage{}, nil
}

func (m *mockEfacturaClient) DownloadMessage(ctx context.Context, accessToken string, downloadID string) ([]byte, error) {
	m.mu.Lock()
	m.downloads = append(m.downloads, downloadID)
	m.mu.Unlock()
	if m.downloadMessageFunc != nil {
		return m.downloadMessageFunc(ctx, accessToken, downloadID)
	}
	return nil, nil
}

func (m *mockEfacturaClient) ConvertToPDF(ctx context.Context, accessToken string, xml []byte, standard string) ([]byte, error) {
	if m.convertToPDFFunc != nil {
		return m.convertToPDFFunc(ctx, accessToken, xml, standard)
	}
	return []byte("%PDF-1.4"), nil
}

func (m *mockEfacturaClient) UploadState(ctx context.Context, accessToken string, uploadID string) (*UploadState, error) {
	if m.uploadStateFunc != nil {
		return m.uploadStateFunc(ctx, accessToken, uploadID)
	}
	return &UploadState{State: "ok"}, nil
}

type mockTokenProvider struct {
	accessTokenFunc func(ctx context.Context) (string, error)
}

func (m *mockTokenProvider) AccessToken(ctx context.Context) (string, error) {
	if m.accessTokenFunc != nil {
		return m.accessTokenFunc(ctx)
	}
	return "access-token", nil
}

type publishedEvent struct {
	routingKey string
	event      any
}

type mockPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (m *mockPublisher) Publish(ctx context.Context, routingKey string, event any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, publishedEvent{routingKey: routingKey, event: event})
	return m.err
}

func (m *mockPublisher) count(routingKey string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.routingKey == routingKey {
			n++
		}
	}
	return n
}

// memoryInvoiceStore keeps invoice records keyed by download id.
type memoryInvoiceStore struct {
	mu         sync.Mutex
	records    map[string]*models.InvoiceRecord
	createErr  error
	existsErr  error
	loseRaceOn string
}

func newMemoryInvoiceStore() *memoryInvoiceStore {
	return &memoryInvoiceStore{records: make(map[string]*models.InvoiceRecord)}
}

func (s *memoryInvoiceStore) ExistsByDownloadID(ctx context.Context, downloadID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.existsErr != nil {
		return false, s.existsErr
	}
	_, ok := s.records[downloadID]
	return ok, nil
}

func (s *memoryInvoiceStore) Create(ctx context.Context, rec *models.InvoiceRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return false, s.createErr
	}
	if rec.DownloadID == s.loseRaceOn {
		return false, nil
	}
	if _, ok := s.records[rec.DownloadID]; ok {
		return false, nil
	}
	s.records[rec.DownloadID] = rec
	return true, nil
}

func (s *memoryInvoiceStore) GetByID(ctx context.Context, id string) (*models.InvoiceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.ID == id {
			cp := *r
			return &cp, nil
		}
	}
	return nil, repository.ErrInvoiceNotFound
}

func (s *memoryInvoiceStore) AttachPDF(ctx context.Context, id string, pdf []byte, generatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.ID == id && len(r.PDFContent) == 0 {
			r.PDFContent = pdf
			r.PDFGeneratedAt = &generatedAt
		}
	}
	return nil
}

func (s *memoryInvoiceStore) get(downloadID string) *models.InvoiceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[downloadID]
}

func noSleep(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}

func newTestLimiter(opts ...ratelimit.Option) *ratelimit.Limiter {
	base := []ratelimit.Option{ratelimit.WithSleeper(noSleep)}
	return ratelimit.New(kvstore.NewMemoryStore(), zap.NewNop(), append(base, opts...)...)
}

func newTestStatusStore() *status.Store {
	return status.NewStore(kvstore.NewMemoryStore())
}

func buildArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

const testUBLInvoice = `<?xml version="1.0" encoding="UTF-8"?>
<Invoice xmlns="urn:oasis:names:specification:ubl:schema:xsd:Invoice-2"
  xmlns:cac="urn:oasis:names:specification:ubl:schema:xsd:CommonAggregateComponents-2"
  xmlns:cbc="urn:oasis:names:specification:ubl:schema:xsd:CommonBasicComponents-2">
  <cbc:CustomizationID>urn:cen.eu:en16931:2017#compliant#urn:efactura.mfinante.ro:CIUS-RO:1.0.1</cbc:CustomizationID>
  <cbc:ID>INV-001</cbc:ID>
  <cbc:IssueDate>2025-02-14</cbc:IssueDate>
  <cac:AccountingSupplierParty><cac:Party>
    <cac:PartyName><cbc:Name>Furnizor SRL</cbc:Name></cac:PartyName>
    <cac:PartyTaxScheme><cbc:CompanyID>RO111111</cbc:CompanyID></cac:PartyTaxScheme>
  </cac:Party></cac:AccountingSupplierParty>
  <cac:AccountingCustomerParty><cac:Party>
    <cac:PartyName><cbc:Name>Client SRL</cbc:Name></cac:PartyName>
  </cac:Party></cac:AccountingCustomerParty>
  <cac:LegalMonetaryTotal>
    <cbc:PayableAmount currencyID="RON">1190.00</cbc:PayableAmount>
  </cac:LegalMonetaryTotal>
</Invoice>`

func invoiceArchive(t *testing.T, downloadID string) []byte {
	t.Helper()
	return buildArchive(t, map[string]string{
		downloadID + ".xml":                testUBLInvoice,
		"semnatura_" + downloadID + ".xml": `<Signature/>`,
	})
}
