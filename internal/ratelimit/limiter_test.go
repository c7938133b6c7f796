package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vipul43/efactura-worker/internal/kvstore"
)

type failingStore struct {
	kvstore.Store
}

func (failingStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return nil, false, errors.New("connection refused")
}

func (failingStore) IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return 0, errors.New("connection refused")
}

func newTestLimiter(now *time.Time, opts ...Option) *Limiter {
	base := []Option{
		WithClock(func() time.Time { return *now }),
		WithLocation(time.UTC),
	}
	return New(kvstore.NewMemoryStore(), zap.NewNop(), append(base, opts...)...)
}

func TestLimiter_QuotaPerClass(t *testing.T) {
	tests := []struct {
		name  string
		class Class
		limit int64
	}{
		{"global", Global, 3},
		{"download", Download, 2},
		{"list simple", ListSimple, 4},
		{"list paginated", ListPaginated, 5},
		{"status check", StatusCheck, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := time.Date(2025, 3, 1, 10, 15, 0, 0, time.UTC)
			l := newTestLimiter(&now, WithQuota(tt.class, Quota{Limit: tt.limit, Window: DefaultQuotas()[tt.class].Window}))
			ctx := context.Background()

			for i := int64(0); i < tt.limit; i++ {
				if !l.CanProceed(ctx, tt.class, "scope-1") {
					t.Fatalf("call %d: expected admission under the limit", i+1)
				}
				if err := l.Record(ctx, tt.class, "scope-1"); err != nil {
					t.Fatalf("record: %v", err)
				}
			}
			if l.CanProceed(ctx, tt.class, "scope-1") {
				t.Fatalf("expected denial after %d calls", tt.limit)
			}
		})
	}
}

func TestLimiter_ScopesAreIndependent(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 15, 0, 0, time.UTC)
	l := newTestLimiter(&now, WithQuota(Download, Quota{Limit: 1, Window: PerDay}))
	ctx := context.Background()

	_ = l.Record(ctx, Download, "msg-1")
	if l.CanProceed(ctx, Download, "msg-1") {
		t.Fatal("expected msg-1 to be exhausted")
	}
	if !l.CanProceed(ctx, Download, "msg-2") {
		t.Fatal("expected msg-2 to have its own bucket")
	}
}

func TestLimiter_BucketRollover(t *testing.T) {
	now := time.Date(2025, 3, 1, 23, 59, 30, 0, time.UTC)
	l := newTestLimiter(&now,
		WithQuota(Global, Quota{Limit: 1, Window: PerMinute}),
		WithQuota(Download, Quota{Limit: 1, Window: PerDay}),
	)
	ctx := context.Background()

	_ = l.RecordCall(ctx, Download, "msg-1")
	if l.Allow(ctx, Download, "msg-1") {
		t.Fatal("expected both buckets to be exhausted")
	}

	// Next minute of the same day: global resets, day bucket does not
	now = time.Date(2025, 3, 1, 23, 59, 59, 0, time.UTC).Add(time.Second)
	if !l.CanProceed(ctx, Global, "") {
		t.Fatal("expected global bucket to reset on the next minute")
	}
	if now.Day() != 2 {
		t.Fatalf("test clock should have crossed midnight, got %s", now)
	}
	if !l.CanProceed(ctx, Download, "msg-1") {
		t.Fatal("expected day bucket to reset on the next day")
	}

	now = time.Date(2025, 3, 2, 12, 0, 0, 0, time.UTC)
	_ = l.Record(ctx, Download, "msg-1")
	now = now.Add(time.Hour)
	if l.CanProceed(ctx, Download, "msg-1") {
		t.Fatal("expected day bucket to hold for the rest of the day")
	}
}

func TestLimiter_FailsClosed(t *testing.T) {
	l := New(failingStore{}, zap.NewNop())
	ctx := context.Background()

	for _, class := range []Class{Global, Download, ListSimple, ListPaginated, StatusCheck} {
		if l.CanProceed(ctx, class, "x") {
			t.Errorf("expected %s to be denied when the store fails", class)
		}
	}
	if l.Allow(ctx, Download, "x") {
		t.Error("expected Allow to be denied when the store fails")
	}
	if err := l.Record(ctx, Download, "x"); err == nil {
		t.Error("expected Record to surface the store error")
	}
}

func TestLimiter_UnknownClassDenied(t *testing.T) {
	now := time.Now()
	l := newTestLimiter(&now)
	if l.CanProceed(context.Background(), Class("bogus"), "x") {
		t.Fatal("expected unknown class to be denied")
	}
}

func TestLimiter_WaitForSlot(t *testing.T) {
	var slept []time.Duration
	now := time.Now()
	l := newTestLimiter(&now,
		WithSlotIntervals(4*time.Second, 10*time.Second),
		WithSleeper(func(ctx context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		}),
	)

	_ = l.WaitForSlot(context.Background(), false)
	_ = l.WaitForSlot(context.Background(), true)

	if len(slept) != 2 || slept[0] != 4*time.Second || slept[1] != 10*time.Second {
		t.Fatalf("expected 4s then 10s, got %v", slept)
	}
}

func TestSleep_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestLimiter_Usage(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 15, 0, 0, time.UTC)
	l := newTestLimiter(&now)
	ctx := context.Background()

	_ = l.RecordCall(ctx, ListPaginated, "12345678")
	_ = l.RecordCall(ctx, ListPaginated, "12345678")

	stats, err := l.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Used != 2 || stats.Limit != 1000 || stats.Remaining != 998 {
		t.Errorf("unexpected global stats %+v", stats)
	}
	if stats.Bucket != "2025-03-01-10-15" {
		t.Errorf("unexpected minute bucket %q", stats.Bucket)
	}

	u, err := l.Usage(ctx, ListPaginated, "12345678")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if u.Used != 2 || u.Bucket != "2025-03-01" {
		t.Errorf("unexpected account usage %+v", u)
	}
}
