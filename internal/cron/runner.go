// Package cronrunner runs the periodic credential maintenance jobs.
package cronrunner

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/vipul43/efactura-worker/internal/repository"
)

// TokenMaintainer is the part of the token manager the scheduled jobs drive.
type TokenMaintainer interface {
	SweepExpired(ctx context.Context) (int64, error)
	CheckExpiry(ctx context.Context, alertDays []int) error
}

// TokenSummarizer reports the credential history per status.
type TokenSummarizer interface {
	TokenStatusSummary(ctx context.Context, clientID string) ([]repository.TokenStatusCount, error)
}

type Runner struct {
	cron    *cron.Cron
	logger  *zap.Logger
	baseCtx context.Context
}

func New(logger *zap.Logger, baseCtx context.Context) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	cl := cronLogger{logger.Sugar()}
	return &Runner{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger:  logger,
		baseCtx: baseCtx,
	}
}

func (r *Runner) Add(schedule string, job func(context.Context)) (cron.EntryID, error) {
	return r.cron.AddFunc(schedule, func() {
		job(r.baseCtx)
	})
}

// AddTokenJobs schedules the expiry sweep followed by the expiry alert check.
func (r *Runner) AddTokenJobs(schedule string, tokens TokenMaintainer, summary TokenSummarizer, clientID string, alertDays []int) (cron.EntryID, error) {
	return r.Add(schedule, func(ctx context.Context) {
		RunTokenMaintenance(ctx, tokens, summary, clientID, alertDays, r.logger)
	})
}

// RunTokenMaintenance performs one maintenance pass. Each step runs even if
// the previous one failed.
func RunTokenMaintenance(ctx context.Context, tokens TokenMaintainer, summary TokenSummarizer, clientID string, alertDays []int, logger *zap.Logger) {
	if n, err := tokens.SweepExpired(ctx); err != nil {
		logger.Error("token expiry sweep failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("token expiry sweep", zap.Int64("expired", n))
	}

	if err := tokens.CheckExpiry(ctx, alertDays); err != nil {
		logger.Error("token expiry check failed", zap.Error(err))
	}

	if summary == nil {
		return
	}
	counts, err := summary.TokenStatusSummary(ctx, clientID)
	if err != nil {
		logger.Warn("token history summary failed", zap.Error(err))
		return
	}
	for _, c := range counts {
		logger.Debug("token history", zap.String("status", c.Status), zap.Int("count", c.Count))
	}
}

func (r *Runner) Start() {
	r.logger.Info("cron started")
	r.cron.Start()
}

func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Info("cron stopped")
}

// cronLogger adapts zap to the scheduler's logging interface.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
