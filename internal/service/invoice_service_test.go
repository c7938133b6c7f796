package service

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/vipul43/efactura-worker/internal/invoice"
	"github.com/vipul43/efactura-worker/internal/models"
	"github.com/vipul43/efactura-worker/internal/ratelimit"
	"github.com/vipul43/efactura-worker/internal/repository"
)

func TestInvoiceService_GeneratePDF(t *testing.T) {
	store := newMemoryInvoiceStore()
	store.records["d1"] = &models.InvoiceRecord{ID: "inv-1", DownloadID: "d1", XMLContent: []byte(testUBLInvoice)}

	var calls int
	var gotStandard string
	client := &mockEfacturaClient{
		convertToPDFFunc: func(ctx context.Context, accessToken string, xml []byte, standard string) ([]byte, error) {
			calls++
			gotStandard = standard
			return []byte("%PDF-rendered"), nil
		},
	}
	svc := NewInvoiceService(store, client, newTestLimiter(), &mockTokenProvider{}, zap.NewNop())

	pdf, err := svc.GeneratePDF(context.Background(), "inv-1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if string(pdf) != "%PDF-rendered" {
		t.Errorf("unexpected pdf %q", pdf)
	}
	if gotStandard != invoice.StandardFCN {
		t.Errorf("expected FCN for an EN 16931 invoice, got %s", gotStandard)
	}

	// Second call is served from the stored rendering.
	if _, err := svc.GeneratePDF(context.Background(), "inv-1"); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected one transformation call, got %d", calls)
	}
	if store.get("d1").PDFGeneratedAt == nil {
		t.Error("expected generation time to be stored")
	}
}

func TestInvoiceService_GeneratePDF_Errors(t *testing.T) {
	tests := []struct {
		name      string
		invoiceID string
		record    *models.InvoiceRecord
		limiter   *ratelimit.Limiter
		wantErr   error
	}{
		{
			name:      "unknown invoice",
			invoiceID: "missing",
			wantErr:   repository.ErrInvoiceNotFound,
		},
		{
			name:      "no xml",
			invoiceID: "inv-1",
			record:    &models.InvoiceRecord{ID: "inv-1", DownloadID: "d1"},
			wantErr:   ErrNoInvoiceXML,
		},
		{
			name:      "global quota spent",
			invoiceID: "inv-1",
			record:    &models.InvoiceRecord{ID: "inv-1", DownloadID: "d1", XMLContent: []byte("<Invoice/>")},
			limiter:   newTestLimiter(ratelimit.WithQuota(ratelimit.Global, ratelimit.Quota{Limit: 0, Window: ratelimit.PerMinute})),
			wantErr:   ErrQuotaDenied,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemoryInvoiceStore()
			if tt.record != nil {
				store.records[tt.record.DownloadID] = tt.record
			}
			limiter := tt.limiter
			if limiter == nil {
				limiter = newTestLimiter()
			}
			svc := NewInvoiceService(store, &mockEfacturaClient{}, limiter, &mockTokenProvider{}, zap.NewNop())

			_, err := svc.GeneratePDF(context.Background(), tt.invoiceID)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestInvoiceService_CheckUploadState(t *testing.T) {
	client := &mockEfacturaClient{
		uploadStateFunc: func(ctx context.Context, accessToken string, uploadID string) (*UploadState, error) {
			return &UploadState{State: "ok", DownloadID: "d-" + uploadID}, nil
		},
	}
	limiter := newTestLimiter(ratelimit.WithQuota(ratelimit.StatusCheck, ratelimit.Quota{Limit: 2, Window: ratelimit.PerDay}))
	svc := NewInvoiceService(newMemoryInvoiceStore(), client, limiter, &mockTokenProvider{}, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		st, err := svc.CheckUploadState(ctx, "u1")
		if err != nil {
			t.Fatalf("check %d: %v", i+1, err)
		}
		if st.DownloadID != "d-u1" {
			t.Errorf("unexpected state %+v", st)
		}
	}

	if _, err := svc.CheckUploadState(ctx, "u1"); !errors.Is(err, ErrQuotaDenied) {
		t.Fatalf("expected the third check to be refused, got %v", err)
	}

	// Quotas are per upload id.
	if _, err := svc.CheckUploadState(ctx, "u2"); err != nil {
		t.Errorf("expected another upload to be admitted, got %v", err)
	}

	if _, err := svc.CheckUploadState(ctx, ""); err == nil {
		t.Error("expected error for an empty upload id")
	}
}
