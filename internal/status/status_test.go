package status

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vipul43/efactura-worker/internal/kvstore"
	"github.com/vipul43/efactura-worker/internal/models"
)

func TestStore_PublishAndGet(t *testing.T) {
	s := NewStore(kvstore.NewMemoryStore())
	ctx := context.Background()

	job := &models.SyncJob{ID: "job-1", Phase: models.SyncPhaseListingAccount, AccountIndex: 1, Processed: 3}
	if err := s.Publish(ctx, job); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got, err := s.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Phase != models.SyncPhaseListingAccount || got.Processed != 3 {
		t.Errorf("unexpected snapshot %+v", got)
	}

	latest, err := s.Latest(ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.ID != "job-1" {
		t.Errorf("expected latest to point at job-1, got %s", latest.ID)
	}
}

func TestStore_UnknownJob(t *testing.T) {
	s := NewStore(kvstore.NewMemoryStore())
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, ErrNoActiveJob) {
		t.Fatalf("expected ErrNoActiveJob, got %v", err)
	}
	if _, err := s.Latest(context.Background()); !errors.Is(err, ErrNoActiveJob) {
		t.Fatalf("expected ErrNoActiveJob for latest, got %v", err)
	}
}

func TestStore_TerminalSnapshotExpires(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	kv := kvstore.NewMemoryStore().WithClock(func() time.Time { return now })
	s := NewStore(kv)
	ctx := context.Background()

	_ = s.Publish(ctx, &models.SyncJob{ID: "live", Phase: models.SyncPhaseDownloadingItem})
	_ = s.Publish(ctx, &models.SyncJob{ID: "done", Phase: models.SyncPhaseCompleted})

	now = now.Add(DefaultTerminalTTL + time.Second)

	if _, err := s.Get(ctx, "done"); !errors.Is(err, ErrNoActiveJob) {
		t.Errorf("expected finished job to expire after the grace period, got %v", err)
	}
	if _, err := s.Get(ctx, "live"); err != nil {
		t.Errorf("expected running job to remain visible, got %v", err)
	}
}

func TestStore_Cancellation(t *testing.T) {
	s := NewStore(kvstore.NewMemoryStore())
	ctx := context.Background()

	cancelled, err := s.IsCancelled(ctx, "job-1")
	if err != nil || cancelled {
		t.Fatalf("expected no flag, got %v err=%v", cancelled, err)
	}
	if err := s.RequestCancel(ctx, "job-1"); err != nil {
		t.Fatalf("request cancel: %v", err)
	}
	if cancelled, _ := s.IsCancelled(ctx, "job-1"); !cancelled {
		t.Fatal("expected flag to be raised")
	}
	if cancelled, _ := s.IsCancelled(ctx, "job-2"); cancelled {
		t.Fatal("expected flags to be per job")
	}
	_ = s.ClearCancel(ctx, "job-1")
	if cancelled, _ := s.IsCancelled(ctx, "job-1"); cancelled {
		t.Fatal("expected flag to be cleared")
	}
}
