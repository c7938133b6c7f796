// Package status publishes sync job snapshots for pollers.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vipul43/efactura-worker/internal/kvstore"
	"github.com/vipul43/efactura-worker/internal/models"
)

const (
	keyPrefix  = "efactura_sync_status"
	latestKey  = keyPrefix + ":latest"
	cancelKeys = "efactura_sync_cancel"

	DefaultLiveTTL     = time.Hour
	DefaultTerminalTTL = 30 * time.Second
)

var ErrNoActiveJob = errors.New("no active sync job")

// Store keeps one snapshot per job plus a pointer to the most recent one.
// Snapshots of finished jobs expire after a short grace period.
type Store struct {
	kv          kvstore.Store
	liveTTL     time.Duration
	terminalTTL time.Duration
}

func NewStore(kv kvstore.Store) *Store {
	return &Store{kv: kv, liveTTL: DefaultLiveTTL, terminalTTL: DefaultTerminalTTL}
}

// Publish replaces the stored snapshot of job.
func (s *Store) Publish(ctx context.Context, job *models.SyncJob) error {
	b, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode sync status: %w", err)
	}

	ttl := s.liveTTL
	if job.IsTerminal() {
		ttl = s.terminalTTL
	}

	if err := s.kv.Set(ctx, jobKey(job.ID), b, ttl); err != nil {
		return fmt.Errorf("failed to publish sync status: %w", err)
	}
	if err := s.kv.Set(ctx, latestKey, b, ttl); err != nil {
		return fmt.Errorf("failed to publish latest sync status: %w", err)
	}
	return nil
}

// Get returns the snapshot of jobID, or ErrNoActiveJob once it has expired.
func (s *Store) Get(ctx context.Context, jobID string) (*models.SyncJob, error) {
	return s.read(ctx, jobKey(jobID))
}

// Latest returns the most recently published snapshot of any job.
func (s *Store) Latest(ctx context.Context) (*models.SyncJob, error) {
	return s.read(ctx, latestKey)
}

// RequestCancel raises the cooperative cancellation flag of jobID.
func (s *Store) RequestCancel(ctx context.Context, jobID string) error {
	if err := s.kv.Set(ctx, cancelKey(jobID), []byte("1"), s.liveTTL); err != nil {
		return fmt.Errorf("failed to request cancellation: %w", err)
	}
	return nil
}

func (s *Store) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	_, found, err := s.kv.Get(ctx, cancelKey(jobID))
	if err != nil {
		return false, fmt.Errorf("failed to read cancellation flag: %w", err)
	}
	return found, nil
}

func (s *Store) ClearCancel(ctx context.Context, jobID string) error {
	return s.kv.Delete(ctx, cancelKey(jobID))
}

func (s *Store) read(ctx context.Context, key string) (*models.SyncJob, error) {
	b, found, err := s.kv.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync status: %w", err)
	}
	if !found {
		return nil, ErrNoActiveJob
	}
	var job models.SyncJob
	if err := json.Unmarshal(b, &job); err != nil {
		return nil, fmt.Errorf("failed to decode sync status: %w", err)
	}
	return &job, nil
}

func jobKey(id string) string {
	return keyPrefix + ":" + id
}

func cancelKey(id string) string {
	return cancelKeys + ":" + id
}
