package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vipul43/efactura-worker/internal/models"
)

// MaxSyncWindow is the widest listing window the authority accepts.
const MaxSyncWindow = 60 * 24 * time.Hour

var (
	ErrNoAccounts    = errors.New("at least one account is required")
	ErrInvalidWindow = errors.New("window start must be before window end")
	ErrWindowTooWide = errors.New("window exceeds 60 days")
	ErrInvalidFilter = errors.New("filter must be one of E, T, P, R")
)

type SyncRequest struct {
	Accounts []models.SyncAccount
	Start    time.Time
	End      time.Time
	Filter   string
	TestMode bool
}

func (r SyncRequest) validate() error {
	if len(r.Accounts) == 0 {
		return ErrNoAccounts
	}
	if !r.Start.Before(r.End) {
		return ErrInvalidWindow
	}
	if r.End.Sub(r.Start) > MaxSyncWindow {
		return ErrWindowTooWide
	}
	switch r.Filter {
	case "", FilterErrors, FilterSent, FilterReceived, FilterMessages:
	default:
		return fmt.Errorf("%w, got %q", ErrInvalidFilter, r.Filter)
	}
	return nil
}

// JobRunner runs a sync job to a terminal phase
type JobRunner interface {
	Run(ctx context.Context, job *models.SyncJob)
}

// SyncService starts sync jobs in the background and answers status and
// cancellation requests for them.
type SyncService struct {
	runner JobRunner
	status StatusStore
	logger *zap.Logger
	now    func() time.Time

	// base outlives the request that started a job; it ends on Shutdown.
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSyncService(runner JobRunner, status StatusStore, logger *zap.Logger) *SyncService {
	base, cancel := context.WithCancel(context.Background())
	return &SyncService{
		runner: runner,
		status: status,
		logger: logger,
		now:    time.Now,
		base:   base,
		cancel: cancel,
	}
}

// StartSync validates req, publishes the initial snapshot and runs the job
// on its own goroutine. It returns the job id immediately.
func (s *SyncService) StartSync(ctx context.Context, req SyncRequest) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}
	if err := s.base.Err(); err != nil {
		return "", fmt.Errorf("sync service is shutting down: %w", err)
	}

	now := s.now()
	job := &models.SyncJob{
		ID:          uuid.New().String(),
		Accounts:    append([]models.SyncAccount(nil), req.Accounts...),
		WindowStart: req.Start,
		WindowEnd:   req.End,
		Filter:      req.Filter,
		TestMode:    req.TestMode,
		Phase:       models.SyncPhaseInitializing,
		StartedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.status.Publish(ctx, job); err != nil {
		return "", fmt.Errorf("failed to publish initial sync status: %w", err)
	}

	s.logger.Info("sync job queued",
		zap.String("sync_id", job.ID),
		zap.Int("accounts", len(job.Accounts)),
		zap.String("filter", job.Filter))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("sync job panicked", zap.String("sync_id", job.ID), zap.Any("panic", r))
			}
		}()
		s.runner.Run(s.base, job)
	}()

	return job.ID, nil
}

// GetStatus returns the latest snapshot of the job.
func (s *SyncService) GetStatus(ctx context.Context, jobID string) (*models.SyncJob, error) {
	return s.status.Get(ctx, jobID)
}

// Latest returns the snapshot of the most recently updated job.
func (s *SyncService) Latest(ctx context.Context) (*models.SyncJob, error) {
	return s.status.Latest(ctx)
}

// CancelSync asks a running job to stop at its next account or item boundary.
func (s *SyncService) CancelSync(ctx context.Context, jobID string) error {
	job, err := s.status.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		return fmt.Errorf("sync job %s already %s", jobID, job.Phase)
	}
	if err := s.status.RequestCancel(ctx, jobID); err != nil {
		return fmt.Errorf("failed to request cancellation: %w", err)
	}
	s.logger.Info("sync cancellation requested", zap.String("sync_id", jobID))
	return nil
}

// Wait blocks until every started job has returned.
func (s *SyncService) Wait() {
	s.wg.Wait()
}

// Shutdown cancels running jobs and waits for them, bounded by ctx.
func (s *SyncService) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
