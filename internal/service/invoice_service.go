package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vipul43/efactura-worker/internal/invoice"
	"github.com/vipul43/efactura-worker/internal/models"
	"github.com/vipul43/efactura-worker/internal/ratelimit"
)

var (
	ErrNoInvoiceXML = errors.New("invoice has no xml document to render")
	ErrQuotaDenied  = errors.New("e-Factura quota exhausted")
)

// InvoiceReader interface for reading stored invoices and attaching renderings
type InvoiceReader interface {
	GetByID(ctx context.Context, id string) (*models.InvoiceRecord, error)
	AttachPDF(ctx context.Context, id string, pdf []byte, generatedAt time.Time) error
}

// InvoiceService serves artifacts derived from stored invoices.
type InvoiceService struct {
	invoices InvoiceReader
	client   EfacturaClient
	limiter  RateLimiter
	tokens   TokenProvider
	policy   ratelimit.AdmitPolicy
	logger   *zap.Logger
	now      func() time.Time
}

func NewInvoiceService(
	invoices InvoiceReader,
	client EfacturaClient,
	limiter RateLimiter,
	tokens TokenProvider,
	logger *zap.Logger,
) *InvoiceService {
	return &InvoiceService{
		invoices: invoices,
		client:   client,
		limiter:  limiter,
		tokens:   tokens,
		policy:   ratelimit.DefaultAdmitPolicy(),
		logger:   logger,
		now:      time.Now,
	}
}

// GeneratePDF returns the PDF rendering of the invoice, asking the
// authority's transformation endpoint on first use only.
func (s *InvoiceService) GeneratePDF(ctx context.Context, invoiceID string) ([]byte, error) {
	rec, err := s.invoices.GetByID(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if rec.HasPDF() {
		return rec.PDFContent, nil
	}
	if len(rec.XMLContent) == 0 {
		return nil, ErrNoInvoiceXML
	}

	ok, err := s.limiter.Admit(ctx, ratelimit.Global, "", s.policy)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrQuotaDenied
	}

	accessToken, err := s.tokens.AccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain access token: %w", err)
	}

	standard := invoice.PDFStandard(rec.XMLContent)
	pdf, err := s.client.ConvertToPDF(ctx, accessToken, rec.XMLContent, standard)
	if recErr := s.limiter.RecordCall(ctx, ratelimit.Global, ""); recErr != nil {
		s.logger.Warn("failed to record transform call", zap.Error(recErr))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to render pdf: %w", err)
	}

	if err := s.invoices.AttachPDF(ctx, rec.ID, pdf, s.now()); err != nil {
		return nil, err
	}

	s.logger.Info("invoice pdf generated",
		zap.String("invoice_id", rec.ID),
		zap.String("standard", standard),
		zap.Int("bytes", len(pdf)))

	// A concurrent request may have stored its rendering first; that one wins.
	stored, err := s.invoices.GetByID(ctx, rec.ID)
	if err != nil || !stored.HasPDF() {
		return pdf, nil
	}
	return stored.PDFContent, nil
}

// CheckUploadState asks the authority for the processing state of an upload.
func (s *InvoiceService) CheckUploadState(ctx context.Context, uploadID string) (*UploadState, error) {
	if uploadID == "" {
		return nil, errors.New("upload id is required")
	}

	ok, err := s.limiter.Admit(ctx, ratelimit.StatusCheck, uploadID, s.policy)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: status checks for upload %s", ErrQuotaDenied, uploadID)
	}

	accessToken, err := s.tokens.AccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain access token: %w", err)
	}

	state, err := s.client.UploadState(ctx, accessToken, uploadID)
	if recErr := s.limiter.RecordCall(ctx, ratelimit.StatusCheck, uploadID); recErr != nil {
		s.logger.Warn("failed to record status check", zap.String("upload_id", uploadID), zap.Error(recErr))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check upload state: %w", err)
	}
	return state, nil
}
