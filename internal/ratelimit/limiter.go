package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/vipul43/efactura-worker/internal/kvstore"
	"github.com/vipul43/efactura-worker/internal/metrics"
)

// Class names one of the authority's published call quotas.
type Class string

const (
	Global        Class = "global"
	Download      Class = "download"
	ListSimple    Class = "list_simple"
	ListPaginated Class = "list_paginated"
	StatusCheck   Class = "status_check"
)

// Window is the width of a counting bucket.
type Window int

const (
	PerMinute Window = iota
	PerDay
)

func (w Window) layout() string {
	if w == PerMinute {
		return "2006-01-02-15-04"
	}
	return "2006-01-02"
}

func (w Window) duration() time.Duration {
	if w == PerMinute {
		return time.Minute
	}
	return 24 * time.Hour
}

type Quota struct {
	Limit  int64
	Window Window
}

// DefaultQuotas returns the limits published for the e-Factura API.
func DefaultQuotas() map[Class]Quota {
	return map[Class]Quota{
		Global:        {Limit: 1000, Window: PerMinute},
		Download:      {Limit: 10, Window: PerDay},
		ListSimple:    {Limit: 1500, Window: PerDay},
		ListPaginated: {Limit: 100000, Window: PerDay},
		StatusCheck:   {Limit: 100, Window: PerDay},
	}
}

const keyPrefix = "anaf_rl"

// Limiter admits and records API calls against shared counters. Any store
// failure during admission denies the call.
type Limiter struct {
	store    kvstore.Store
	logger   *zap.Logger
	quotas   map[Class]Quota
	slot     time.Duration
	testSlot time.Duration
	loc      *time.Location
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

type Option func(*Limiter)

// WithQuota overrides the limit of a single class.
func WithQuota(class Class, q Quota) Option {
	return func(l *Limiter) { l.quotas[class] = q }
}

// WithSlotIntervals sets the pacing delays used by WaitForSlot.
func WithSlotIntervals(production, test time.Duration) Option {
	return func(l *Limiter) {
		l.slot = production
		l.testSlot = test
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func WithLocation(loc *time.Location) Option {
	return func(l *Limiter) { l.loc = loc }
}

func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Limiter) { l.sleep = sleep }
}

func New(store kvstore.Store, logger *zap.Logger, opts ...Option) *Limiter {
	loc, err := time.LoadLocation("Europe/Bucharest")
	if err != nil {
		loc = time.UTC
	}
	l := &Limiter{
		store:    store,
		logger:   logger,
		quotas:   DefaultQuotas(),
		slot:     4 * time.Second,
		testSlot: 10 * time.Second,
		loc:      loc,
		now:      time.Now,
		sleep:    Sleep,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CanProceed reports whether one more call of class fits the current bucket for scope.
func (l *Limiter) CanProceed(ctx context.Context, class Class, scope string) bool {
	q, ok := l.quotas[class]
	if !ok {
		l.logger.Warn("unknown quota class, denying call", zap.String("quota_class", string(class)))
		metrics.QuotaDenied.WithLabelValues(string(class)).Inc()
		return false
	}

	used, err := l.used(ctx, l.key(class, scope, q.Window))
	if err != nil {
		l.logger.Warn("rate limit store unavailable, denying call",
			zap.String("quota_class", string(class)),
			zap.String("scope", scope),
			zap.Error(err))
		metrics.QuotaDenied.WithLabelValues(string(class)).Inc()
		return false
	}

	if used >= q.Limit {
		l.logger.Info("quota exhausted",
			zap.String("quota_class", string(class)),
			zap.String("scope", scope),
			zap.Int64("used", used),
			zap.Int64("limit", q.Limit))
		metrics.QuotaDenied.WithLabelValues(string(class)).Inc()
		return false
	}
	return true
}

// Record counts one call of class against the current bucket for scope.
func (l *Limiter) Record(ctx context.Context, class Class, scope string) error {
	q, ok := l.quotas[class]
	if !ok {
		return fmt.Errorf("unknown quota class %q", class)
	}
	// Keep the counter one minute past its bucket so late readers never see a reset.
	if _, err := l.store.IncrWithExpiry(ctx, l.key(class, scope, q.Window), q.Window.duration()+time.Minute); err != nil {
		return fmt.Errorf("failed to record %s call: %w", class, err)
	}
	metrics.APICalls.WithLabelValues(string(class)).Inc()
	return nil
}

// Allow checks the global quota and, for other classes, the class quota.
func (l *Limiter) Allow(ctx context.Context, class Class, scope string) bool {
	if !l.CanProceed(ctx, Global, "") {
		return false
	}
	if class == Global {
		return true
	}
	return l.CanProceed(ctx, class, scope)
}

// RecordCall records a completed call against the global and class quotas.
func (l *Limiter) RecordCall(ctx context.Context, class Class, scope string) error {
	err := l.Record(ctx, Global, "")
	if class != Global {
		err = errors.Join(err, l.Record(ctx, class, scope))
	}
	return err
}

// WaitForSlot paces consecutive calls; the test environment gets a longer gap.
func (l *Limiter) WaitForSlot(ctx context.Context, testMode bool) error {
	d := l.slot
	if testMode {
		d = l.testSlot
	}
	return l.sleep(ctx, d)
}

type Usage struct {
	Class     Class  `json:"quota_class"`
	Scope     string `json:"scope"`
	Bucket    string `json:"bucket"`
	Used      int64  `json:"used"`
	Limit     int64  `json:"limit"`
	Remaining int64  `json:"remaining"`
}

// Usage reports the current bucket of class for scope.
func (l *Limiter) Usage(ctx context.Context, class Class, scope string) (Usage, error) {
	q, ok := l.quotas[class]
	if !ok {
		return Usage{}, fmt.Errorf("unknown quota class %q", class)
	}
	used, err := l.used(ctx, l.key(class, scope, q.Window))
	if err != nil {
		return Usage{}, fmt.Errorf("failed to read %s usage: %w", class, err)
	}
	if class == Global {
		scope = "global"
	}
	return Usage{
		Class:     class,
		Scope:     scope,
		Bucket:    l.bucket(q.Window),
		Used:      used,
		Limit:     q.Limit,
		Remaining: max(q.Limit-used, 0),
	}, nil
}

// Stats reports the global minute bucket.
func (l *Limiter) Stats(ctx context.Context) (Usage, error) {
	return l.Usage(ctx, Global, "")
}

func (l *Limiter) used(ctx context.Context, key string) (int64, error) {
	b, found, err := l.store.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if !found || len(b) == 0 {
		return 0, nil
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt counter at %s: %w", key, err)
	}
	return n, nil
}

func (l *Limiter) key(class Class, scope string, w Window) string {
	if class == Global || scope == "" {
		scope = "global"
	}
	return keyPrefix + ":" + string(class) + ":" + scope + ":" + l.bucket(w)
}

func (l *Limiter) bucket(w Window) string {
	return l.now().In(l.loc).Format(w.layout())
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
