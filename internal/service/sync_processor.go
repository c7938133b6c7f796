package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vipul43/efactura-worker/internal/archive"
	"github.com/vipul43/efactura-worker/internal/broker"
	"github.com/vipul43/efactura-worker/internal/invoice"
	"github.com/vipul43/efactura-worker/internal/metrics"
	"github.com/vipul43/efactura-worker/internal/models"
	"github.com/vipul43/efactura-worker/internal/ratelimit"
)

const (
	DefaultMaxPages   = 100
	DefaultJobTimeout = time.Hour
)

var (
	errJobTimedOut = errors.New("sync job timed out")
	errJobCanceled = errors.New("sync cancelled")
)

// RateLimiter gates and records calls against the authority's quotas
type RateLimiter interface {
	Admit(ctx context.Context, class ratelimit.Class, scope string, p ratelimit.AdmitPolicy) (bool, error)
	RecordCall(ctx context.Context, class ratelimit.Class, scope string) error
	WaitForSlot(ctx context.Context, testMode bool) error
}

// InvoiceStore interface for invoice record persistence
type InvoiceStore interface {
	ExistsByDownloadID(ctx context.Context, downloadID string) (bool, error)
	Create(ctx context.Context, rec *models.InvoiceRecord) (bool, error)
}

// StatusStore publishes job snapshots and carries the cancel flag
type StatusStore interface {
	Publish(ctx context.Context, job *models.SyncJob) error
	Get(ctx context.Context, jobID string) (*models.SyncJob, error)
	Latest(ctx context.Context) (*models.SyncJob, error)
	RequestCancel(ctx context.Context, jobID string) error
	IsCancelled(ctx context.Context, jobID string) (bool, error)
	ClearCancel(ctx context.Context, jobID string) error
}

// TokenProvider hands out the active access secret
type TokenProvider interface {
	AccessToken(ctx context.Context) (string, error)
}

type SyncProcessorConfig struct {
	MaxPages    int
	JobTimeout  time.Duration
	AdmitPolicy ratelimit.AdmitPolicy
}

// SyncProcessor drives one sync job through its accounts and items. Jobs are
// independent; a processor may run several concurrently.
type SyncProcessor struct {
	client    EfacturaClient
	limiter   RateLimiter
	invoices  InvoiceStore
	status    StatusStore
	tokens    TokenProvider
	publisher EventPublisher
	cfg       SyncProcessorConfig
	logger    *zap.Logger
	now       func() time.Time
}

func NewSyncProcessor(
	client EfacturaClient,
	limiter RateLimiter,
	invoices InvoiceStore,
	status StatusStore,
	tokens TokenProvider,
	publisher EventPublisher,
	cfg SyncProcessorConfig,
	logger *zap.Logger,
) *SyncProcessor {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	if cfg.AdmitPolicy.MaxAttempts <= 0 {
		cfg.AdmitPolicy = ratelimit.DefaultAdmitPolicy()
	}
	return &SyncProcessor{
		client:    client,
		limiter:   limiter,
		invoices:  invoices,
		status:    status,
		tokens:    tokens,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// itemError carries the bucket an item failure is filed under.
type itemError struct {
	category models.ErrorCategory
	err      error
}

func (e *itemError) Error() string { return e.err.Error() }
func (e *itemError) Unwrap() error { return e.err }

func protocolErr(err error) error { return &itemError{category: models.ErrorProtocol, err: err} }
func storageErr(err error) error  { return &itemError{category: models.ErrorStorage, err: err} }

func categoryOf(err error) models.ErrorCategory {
	var ie *itemError
	if errors.As(err, &ie) {
		return ie.category
	}
	return models.ErrorOther
}

// Run processes job until it completes, fails, times out or is cancelled.
// The job is updated in place and its final snapshot is published before
// Run returns.
func (p *SyncProcessor) Run(ctx context.Context, job *models.SyncJob) {
	log := p.logger.With(zap.String("sync_id", job.ID))
	started := p.now()
	if job.StartedAt.IsZero() {
		job.StartedAt = started
	}

	runCtx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	defer cancel()

	log.Info("sync job started",
		zap.Int("accounts", len(job.Accounts)),
		zap.Time("window_start", job.WindowStart),
		zap.Time("window_end", job.WindowEnd),
		zap.Bool("test_mode", job.TestMode))

	err := p.run(runCtx, job, log)
	switch {
	case err == nil:
		job.Phase = models.SyncPhaseCompleted
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		job.Phase = models.SyncPhaseFailed
		job.LastError = errJobTimedOut.Error()
	case errors.Is(err, errJobCanceled), errors.Is(err, context.Canceled):
		job.Phase = models.SyncPhaseFailed
		job.LastError = errJobCanceled.Error()
	default:
		job.Phase = models.SyncPhaseFailed
		job.LastError = err.Error()
	}

	finished := p.now()
	job.FinishedAt = &finished

	// The parent context may be gone; the final snapshot must still land.
	finalCtx, finalCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer finalCancel()
	p.publish(finalCtx, job, log)
	if err := p.status.ClearCancel(finalCtx, job.ID); err != nil {
		log.Warn("failed to clear cancel flag", zap.Error(err))
	}

	metrics.SyncJobs.WithLabelValues(string(job.Phase)).Inc()
	metrics.SyncJobDuration.Observe(finished.Sub(started).Seconds())

	p.emit(finalCtx, broker.RoutingSyncFinished, broker.SyncFinished{
		SyncJobID:  job.ID,
		Phase:      string(job.Phase),
		Accounts:   len(job.Accounts),
		Processed:  job.Processed,
		Errored:    job.Errored,
		LastError:  job.LastError,
		StartedAt:  job.StartedAt,
		FinishedAt: finished,
	}, log)

	if job.Phase == models.SyncPhaseCompleted {
		log.Info("sync job completed",
			zap.Int("processed", job.Processed),
			zap.Int("errored", job.Errored),
			zap.Duration("duration", finished.Sub(started)))
		return
	}
	log.Error("sync job failed",
		zap.String("error", job.LastError),
		zap.Int("processed", job.Processed),
		zap.Int("errored", job.Errored))
}

func (p *SyncProcessor) run(ctx context.Context, job *models.SyncJob, log *zap.Logger) error {
	accessToken, err := p.tokens.AccessToken(ctx)
	if err != nil {
		return fmt.Errorf("failed to obtain access token: %w", err)
	}

	for i, account := range job.Accounts {
		if err := p.checkpoint(ctx, job.ID); err != nil {
			return err
		}

		job.AccountIndex = i + 1
		job.CurrentAccount = account
		job.ItemIndex = 0
		job.ItemsInAccount = 0
		job.CurrentItem = ""
		job.Phase = models.SyncPhaseListingAccount
		p.publish(ctx, job, log)

		items, err := p.listAccount(ctx, accessToken, job, account, log)
		if err != nil {
			return err
		}

		job.ItemsInAccount = len(items)
		for j, item := range items {
			if err := p.checkpoint(ctx, job.ID); err != nil {
				return err
			}

			job.ItemIndex = j + 1
			job.CurrentItem = item.ExternalID()
			job.Phase = models.SyncPhaseDownloadingItem
			p.publish(ctx, job, log)

			if err := p.processItem(ctx, accessToken, job, account, item, log); err != nil {
				if isFatal(ctx, err) {
					return err
				}
				p.recordFailure(job, account, item.ExternalID(), err)
				log.Warn("sync item failed",
					zap.String("account_id", account.TaxID),
					zap.String("download_id", item.ExternalID()),
					zap.String("category", string(categoryOf(err))),
					zap.Error(err))
			}
		}

		job.Phase = models.SyncPhaseAdvancingAccount
		p.publish(ctx, job, log)
	}
	return nil
}

// checkpoint stops the job at account and item boundaries when it was
// cancelled or ran out of time.
func (p *SyncProcessor) checkpoint(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cancelled, err := p.status.IsCancelled(ctx, jobID)
	if err != nil {
		p.logger.Warn("failed to read cancel flag", zap.String("sync_id", jobID), zap.Error(err))
		return nil
	}
	if cancelled {
		return errJobCanceled
	}
	return nil
}

// listAccount pages through the account's messages in listing order.
func (p *SyncProcessor) listAccount(ctx context.Context, accessToken string, job *models.SyncJob, account models.SyncAccount, log *zap.Logger) ([]MessageDescriptor, error) {
	var items []MessageDescriptor
	log = log.With(zap.String("account_id", account.TaxID))

	for page := 1; page <= p.cfg.MaxPages; page++ {
		ok, err := p.limiter.Admit(ctx, ratelimit.ListPaginated, account.TaxID, p.cfg.AdmitPolicy)
		if err != nil {
			return nil, err
		}
		if !ok {
			p.recordListingFailure(job, account, fmt.Errorf("listing page %d: %w", page, ErrQuotaDenied))
			log.Warn("listing quota exhausted, stopping pagination", zap.Int("page", page))
			break
		}

		res, err := p.client.ListMessages(ctx, accessToken, ListRequest{
			AccountID: account.TaxID,
			Start:     job.WindowStart,
			End:       job.WindowEnd,
			Page:      page,
			Filter:    job.Filter,
		})
		if recErr := p.limiter.RecordCall(ctx, ratelimit.ListPaginated, account.TaxID); recErr != nil {
			log.Warn("failed to record listing call", zap.Error(recErr))
		}
		if err != nil {
			if errors.Is(err, ErrUnauthorized) || ctx.Err() != nil {
				return nil, err
			}
			p.recordListingFailure(job, account, fmt.Errorf("listing page %d: %w", page, err))
			log.Warn("listing failed, stopping pagination", zap.Int("page", page), zap.Error(err))
			break
		}

		if res.ErrorMessage != "" {
			// The authority answers "no messages in window" with an error payload.
			log.Info("listing returned error payload", zap.Int("page", page), zap.String("eroare", res.ErrorMessage))
			break
		}
		if len(res.Messages) == 0 {
			break
		}
		items = append(items, res.Messages...)

		if res.TotalPages > 0 && page >= res.TotalPages {
			break
		}
	}

	log.Info("account listed", zap.Int("items", len(items)))
	return items, nil
}

// processItem downloads and stores one message. Counters are updated here
// for successes and skips; failures are counted by the caller.
func (p *SyncProcessor) processItem(ctx context.Context, accessToken string, job *models.SyncJob, account models.SyncAccount, item MessageDescriptor, log *zap.Logger) error {
	id := item.ExternalID()
	if id == "" {
		return errors.New("message has no download id")
	}

	exists, err := p.invoices.ExistsByDownloadID(ctx, id)
	if err != nil {
		return storageErr(err)
	}
	if exists {
		p.skip(job)
		return nil
	}

	ok, err := p.limiter.Admit(ctx, ratelimit.Download, id, p.cfg.AdmitPolicy)
	if err != nil {
		return err
	}
	if !ok {
		return protocolErr(fmt.Errorf("download %s: %w", id, ErrQuotaDenied))
	}

	data, err := p.client.DownloadMessage(ctx, accessToken, id)
	if recErr := p.limiter.RecordCall(ctx, ratelimit.Download, id); recErr != nil {
		log.Warn("failed to record download call", zap.String("download_id", id), zap.Error(recErr))
	}
	if err != nil {
		if errors.Is(err, ErrUnauthorized) || ctx.Err() != nil {
			return err
		}
		return protocolErr(fmt.Errorf("failed to download %s: %w", id, err))
	}

	bundle, err := archive.Unpack(data)
	if err != nil {
		return fmt.Errorf("failed to unpack %s: %w", id, err)
	}

	rec := p.buildRecord(job, account, item, bundle)
	created, err := p.invoices.Create(ctx, rec)
	if err != nil {
		return storageErr(err)
	}
	if !created {
		p.skip(job)
		return nil
	}

	job.Processed++
	metrics.SyncItems.WithLabelValues("stored").Inc()

	p.emit(ctx, broker.RoutingInvoiceSynced, broker.InvoiceSynced{
		SyncJobID:     job.ID,
		InvoiceID:     rec.ID,
		AccountID:     rec.AccountID,
		DownloadID:    rec.DownloadID,
		MessageType:   rec.MessageType,
		InvoiceNumber: rec.InvoiceNumber,
		SupplierTaxID: rec.SupplierTaxID,
		CustomerTaxID: rec.CustomerTaxID,
		TotalAmount:   rec.TotalAmount.StringFixed(2),
		Currency:      rec.Currency,
		ParseStatus:   rec.ParseStatus,
		StoredAt:      rec.DownloadedAt,
	}, log)

	if err := p.limiter.WaitForSlot(ctx, job.TestMode); err != nil {
		return err
	}
	return nil
}

func (p *SyncProcessor) buildRecord(job *models.SyncJob, account models.SyncAccount, item MessageDescriptor, bundle *archive.Bundle) *models.InvoiceRecord {
	var doc invoice.Document
	if bundle.HasInvoice() {
		doc = invoice.Parse(bundle.Invoice)
	} else {
		doc = invoice.Parse(nil)
	}

	rec := &models.InvoiceRecord{
		ID:            uuid.New().String(),
		AccountID:     account.TaxID,
		DownloadID:    item.ExternalID(),
		MessageType:   item.Type,
		InvoiceNumber: doc.Number,
		IssueDate:     doc.IssueDate,
		SupplierName:  doc.Supplier.Name,
		SupplierTaxID: firstNonEmpty(doc.Supplier.TaxID, item.IssuerTaxID),
		CustomerName:  doc.Customer.Name,
		CustomerTaxID: firstNonEmpty(doc.Customer.TaxID, item.BeneficiaryTaxID, item.TaxID),
		TotalAmount:   doc.Total,
		Currency:      doc.Currency,
		Format:        string(doc.Format),
		ParseStatus:   string(doc.Status),
		XMLContent:    bundle.Invoice,
		XMLSignature:  bundle.Signature,
		XMLErrors:     bundle.ErrorList,
		ArchiveSize:   bundle.ArchiveBytes,
		MessageData:   models.JSONB(item.Raw),
		SyncJobID:     job.ID,
		DownloadedAt:  p.now(),
	}
	if item.UploadID != "" {
		rec.UploadID = &item.UploadID
	}
	if doc.Err != nil {
		msg := doc.Err.Error()
		rec.ParseError = &msg
	}
	return rec
}

func (p *SyncProcessor) skip(job *models.SyncJob) {
	job.Processed++
	metrics.SyncItems.WithLabelValues("skipped").Inc()
}

func (p *SyncProcessor) recordFailure(job *models.SyncJob, account models.SyncAccount, downloadID string, err error) {
	job.Errored++
	job.LastError = err.Error()
	job.Errors.Add(categoryOf(err), models.ItemFailure{
		AccountID:  account.TaxID,
		DownloadID: downloadID,
		Error:      err.Error(),
		At:         p.now(),
	})
	metrics.SyncItems.WithLabelValues("error").Inc()
}

// recordListingFailure files a listing problem under the protocol bucket.
// No item was handled, so the item counters stay as they are.
func (p *SyncProcessor) recordListingFailure(job *models.SyncJob, account models.SyncAccount, err error) {
	job.LastError = err.Error()
	job.Errors.Add(models.ErrorProtocol, models.ItemFailure{
		AccountID: account.TaxID,
		Error:     err.Error(),
		At:        p.now(),
	})
}

func (p *SyncProcessor) publish(ctx context.Context, job *models.SyncJob, log *zap.Logger) {
	job.UpdatedAt = p.now()
	if err := p.status.Publish(ctx, job); err != nil {
		log.Warn("failed to publish sync status", zap.String("phase", string(job.Phase)), zap.Error(err))
	}
}

func (p *SyncProcessor) emit(ctx context.Context, routingKey string, event any, log *zap.Logger) {
	if p.publisher == nil {
		return
	}
	if err := p.publisher.Publish(ctx, routingKey, event); err != nil {
		log.Warn("failed to publish event", zap.String("routing_key", routingKey), zap.Error(err))
	}
}

// isFatal reports errors that end the whole job rather than one item. Only
// the job context decides cancellation and timeout; a per-call deadline that
// fired while the job is still live is an item failure.
func isFatal(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, errJobCanceled)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
