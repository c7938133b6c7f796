// Package watcher runs the daily unattended sync over every company.
package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/vipul43/efactura-worker/internal/models"
	"github.com/vipul43/efactura-worker/internal/repository"
	"github.com/vipul43/efactura-worker/internal/service"
)

const (
	// DefaultMaxWait bounds how long one auto-sync waits for its job.
	DefaultMaxWait      = 2 * time.Hour
	DefaultStatusPoll   = 10 * time.Second
	finalizeSaveTimeout = 10 * time.Second
)

type AutoSyncStore interface {
	Get(ctx context.Context) (*models.AutoSyncConfig, error)
	Save(ctx context.Context, cfg *models.AutoSyncConfig) error
}

type AccountSource interface {
	Resolve(ctx context.Context) ([]models.SyncAccount, error)
}

type SyncStarter interface {
	StartSync(ctx context.Context, req service.SyncRequest) (string, error)
	GetStatus(ctx context.Context, jobID string) (*models.SyncJob, error)
}

type ReportSource interface {
	InvoiceCountsBySyncJob(ctx context.Context, syncJobID string) ([]repository.AccountInvoiceCount, error)
}

// Report is stored as the last auto-sync report.
type Report struct {
	SyncID    string                           `json:"sync_id"`
	Phase     models.SyncPhase                 `json:"phase"`
	Window    [2]time.Time                     `json:"window"`
	Accounts  int                              `json:"accounts"`
	Processed int                              `json:"processed"`
	Errored   int                              `json:"errored"`
	Error     string                           `json:"error,omitempty"`
	Invoices  []repository.AccountInvoiceCount `json:"invoices"`
	Duration  string                           `json:"duration"`
}

type Options struct {
	PollInterval time.Duration
	StatusPoll   time.Duration
	MaxWait      time.Duration
	TestMode     bool
}

type Watcher struct {
	store    AutoSyncStore
	accounts AccountSource
	syncs    SyncStarter
	reports  ReportSource
	opts     Options
	logger   *zap.Logger
	now      func() time.Time
}

func New(store AutoSyncStore, accounts AccountSource, syncs SyncStarter, reports ReportSource, opts Options, logger *zap.Logger) *Watcher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Minute
	}
	if opts.StatusPoll <= 0 {
		opts.StatusPoll = DefaultStatusPoll
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = DefaultMaxWait
	}
	return &Watcher{
		store:    store,
		accounts: accounts,
		syncs:    syncs,
		reports:  reports,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

// Start checks the schedule every poll interval until ctx ends.
func (w *Watcher) Start(ctx context.Context) error {
	w.logger.Info("starting auto-sync watcher", zap.Duration("poll_interval", w.opts.PollInterval))

	if err := w.recover(ctx); err != nil {
		w.logger.Warn("failed to recover auto-sync state on startup", zap.Error(err))
	}

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("auto-sync watcher shutting down")
			return ctx.Err()
		case <-ticker.C:
			if err := w.Tick(ctx); err != nil {
				w.logger.Error("auto-sync tick failed", zap.Error(err))
			}
		}
	}
}

// recover fails a run left in the running state by a previous process.
func (w *Watcher) recover(ctx context.Context) error {
	cfg, err := w.store.Get(ctx)
	if err != nil {
		return err
	}
	if cfg.Status != models.AutoSyncRunning {
		return nil
	}
	w.logger.Warn("auto-sync was interrupted by a restart", zap.Stringp("sync_id", cfg.CurrentSyncID))
	if err := cfg.MarkFailed(w.now(), "interrupted by worker restart"); err != nil {
		return err
	}
	return w.store.Save(ctx, cfg)
}

// Tick runs the auto-sync if it is due. It blocks until the run finishes.
func (w *Watcher) Tick(ctx context.Context) error {
	cfg, err := w.store.Get(ctx)
	if err != nil {
		return err
	}

	now := w.now()
	if cfg.Enabled && cfg.NextRun == nil {
		next, err := cfg.CalculateNextRun(now)
		if err != nil {
			return err
		}
		cfg.NextRun = &next
		w.logger.Info("auto-sync scheduled", zap.Time("next_run", next))
		return w.store.Save(ctx, cfg)
	}

	if !cfg.ShouldRun(now) {
		return nil
	}
	return w.execute(ctx, cfg)
}

func (w *Watcher) execute(ctx context.Context, cfg *models.AutoSyncConfig) error {
	started := w.now()
	log := w.logger.With(zap.Int("sync_days", cfg.SyncDays))

	accounts, err := w.accounts.Resolve(ctx)
	if err != nil {
		return w.fail(ctx, cfg, nil, fmt.Sprintf("failed to resolve companies: %v", err))
	}

	days := cfg.SyncDays
	if days <= 0 || time.Duration(days)*24*time.Hour > service.MaxSyncWindow {
		days = int(service.MaxSyncWindow / (24 * time.Hour))
	}
	end := started.UTC()
	start := end.Add(-time.Duration(days) * 24 * time.Hour)

	syncID, err := w.syncs.StartSync(ctx, service.SyncRequest{
		Accounts: accounts,
		Start:    start,
		End:      end,
		TestMode: w.opts.TestMode,
	})
	if err != nil {
		return w.fail(ctx, cfg, nil, fmt.Sprintf("failed to start sync: %v", err))
	}

	cfg.MarkRunning(started, syncID)
	if err := w.store.Save(ctx, cfg); err != nil {
		return err
	}
	log = log.With(zap.String("sync_id", syncID))
	log.Info("auto-sync started", zap.Int("accounts", len(accounts)))

	job, err := w.await(ctx, syncID)
	report := &Report{
		SyncID:   syncID,
		Window:   [2]time.Time{start, end},
		Accounts: len(accounts),
	}
	if job != nil {
		report.Phase = job.Phase
		report.Processed = job.Processed
		report.Errored = job.Errored
		report.Error = job.LastError
	}
	if err != nil {
		return w.fail(ctx, cfg, report, err.Error())
	}

	counts, cerr := w.reports.InvoiceCountsBySyncJob(ctx, syncID)
	if cerr != nil {
		log.Warn("failed to build invoice counts for report", zap.Error(cerr))
	}
	report.Invoices = counts
	report.Duration = w.now().Sub(started).Round(time.Second).String()

	if job.Phase != models.SyncPhaseCompleted {
		return w.fail(ctx, cfg, report, job.LastError)
	}

	raw, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if err := cfg.MarkCompleted(w.now(), datatypes.JSON(raw)); err != nil {
		return err
	}
	log.Info("auto-sync completed",
		zap.Int("processed", report.Processed),
		zap.Int("errored", report.Errored),
		zap.Timep("next_run", cfg.NextRun))
	return w.store.Save(ctx, cfg)
}

// await polls the job until it is terminal or the wait budget is spent.
// The last snapshot seen is returned alongside any error.
func (w *Watcher) await(ctx context.Context, syncID string) (*models.SyncJob, error) {
	deadline := w.now().Add(w.opts.MaxWait)
	ticker := time.NewTicker(w.opts.StatusPoll)
	defer ticker.Stop()

	var last *models.SyncJob
	for {
		job, err := w.syncs.GetStatus(ctx, syncID)
		switch {
		case err == nil:
			last = job
			if job.IsTerminal() {
				return job, nil
			}
		case ctx.Err() != nil:
		default:
			w.logger.Warn("failed to read sync status", zap.String("sync_id", syncID), zap.Error(err))
		}

		if !w.now().Before(deadline) {
			return last, fmt.Errorf("sync %s did not finish within %s", syncID, w.opts.MaxWait)
		}

		select {
		case <-ctx.Done():
			return last, fmt.Errorf("auto-sync interrupted: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (w *Watcher) fail(ctx context.Context, cfg *models.AutoSyncConfig, report *Report, cause string) error {
	if cause == "" {
		cause = "sync failed"
	}
	if report != nil {
		report.Error = cause
		if raw, err := json.Marshal(report); err == nil {
			cfg.LastReport = datatypes.JSON(raw)
		}
	}
	if err := cfg.MarkFailed(w.now(), cause); err != nil {
		return errors.Join(errors.New(cause), err)
	}
	w.logger.Error("auto-sync failed",
		zap.String("error", cause),
		zap.Int("consecutive_failures", cfg.ConsecutiveFailures),
		zap.Timep("next_run", cfg.NextRun))

	// The run may have ended because ctx did; the outcome is still recorded.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeSaveTimeout)
	defer cancel()
	return w.store.Save(saveCtx, cfg)
}
