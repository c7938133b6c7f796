package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vipul43/efactura-worker/internal/anaf"
	"github.com/vipul43/efactura-worker/internal/broker"
	"github.com/vipul43/efactura-worker/internal/config"
	cronrunner "github.com/vipul43/efactura-worker/internal/cron"
	"github.com/vipul43/efactura-worker/internal/database"
	"github.com/vipul43/efactura-worker/internal/kvstore"
	"github.com/vipul43/efactura-worker/internal/logger"
	"github.com/vipul43/efactura-worker/internal/ratelimit"
	"github.com/vipul43/efactura-worker/internal/repository"
	"github.com/vipul43/efactura-worker/internal/secrets"
	"github.com/vipul43/efactura-worker/internal/service"
	"github.com/vipul43/efactura-worker/internal/status"
	"github.com/vipul43/efactura-worker/internal/watcher"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

type publisher interface {
	service.EventPublisher
	Close() error
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	lg, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer lg.Sync()

	// Connect to database
	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	lg.Info("database connected")

	if err := database.RunMigrations(db); err != nil {
		return err
	}
	lg.Info("migrations completed")

	kv, closeKV, err := openKVStore(cfg, lg)
	if err != nil {
		return err
	}
	defer closeKV()

	sealer, err := secrets.NewSealerFromHex(cfg.Efactura.SecretKey)
	if err != nil {
		return err
	}

	// Initialize repositories
	invoiceRepo := repository.NewInvoiceRepository(db.Gorm)
	tokenRepo := repository.NewTokenRepository(db.Gorm)
	companyRepo := repository.NewCompanyRepository(db.Gorm)
	autoSyncRepo := repository.NewAutoSyncRepository(db.Gorm)
	reportRepo := repository.NewReportRepository(db.SQL)

	// Authority clients
	client := anaf.NewClient(cfg.Efactura.BaseURL, cfg.Sync.CallTimeout, lg)
	oauth := anaf.NewOAuth(
		cfg.Efactura.ClientID,
		cfg.Efactura.ClientSecret,
		cfg.Efactura.RedirectURI,
		cfg.Efactura.AuthorizeURL,
		cfg.Efactura.TokenURL,
		lg,
	)

	limiter := ratelimit.New(kv, lg, ratelimit.WithSlotIntervals(cfg.Sync.SlotInterval, cfg.Sync.TestSlotInterval))
	tokens := service.NewTokenManager(tokenRepo, kv, oauth, sealer, service.TokenManagerConfig{
		ClientID:     cfg.Efactura.ClientID,
		ClientSecret: cfg.Efactura.ClientSecret,
	}, lg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bootstrapToken(ctx, cfg, tokens, oauth, lg)

	pub, err := openPublisher(cfg, lg)
	if err != nil {
		return err
	}
	defer pub.Close()

	// Initialize services
	statusStore := status.NewStore(kv)
	processor := service.NewSyncProcessor(client, limiter, invoiceRepo, statusStore, tokens, pub, service.SyncProcessorConfig{
		MaxPages:   cfg.Sync.MaxPages,
		JobTimeout: cfg.Sync.JobTimeout,
	}, lg)
	syncService := service.NewSyncService(processor, statusStore, lg)
	resolver := service.NewAccountResolver(companyRepo, lg)

	w := watcher.New(autoSyncRepo, resolver, syncService, reportRepo, watcher.Options{
		PollInterval: cfg.PollInterval,
		TestMode:     cfg.IsTest(),
	}, lg)

	runner := cronrunner.New(lg, ctx)
	if _, err := runner.AddTokenJobs(cfg.Token.SweepSchedule, tokens, reportRepo, cfg.Efactura.ClientID, cfg.Token.AlertDays); err != nil {
		return err
	}
	cronrunner.RunTokenMaintenance(ctx, tokens, reportRepo, cfg.Efactura.ClientID, cfg.Token.AlertDays, lg)
	runner.Start()
	defer runner.Stop()

	metricsServer := newMetricsServer(cfg.MetricsAddr, pub)
	go func() {
		lg.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Error("metrics server failed", zap.Error(err))
		}
	}()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Start watcher in goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- w.Start(ctx)
	}()

	select {
	case <-sigChan:
		lg.Info("shutdown signal received")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer shutdownCancel()

		if err := syncService.Shutdown(shutdownCtx); err != nil {
			lg.Warn("sync jobs did not stop in time", zap.Error(err))
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			lg.Warn("metrics server shutdown failed", zap.Error(err))
		}

		select {
		case <-shutdownCtx.Done():
			lg.Warn("shutdown timeout exceeded")
		case err := <-errChan:
			if err != nil && !errors.Is(err, context.Canceled) {
				lg.Error("watcher error", zap.Error(err))
			}
		}

		lg.Info("application stopped")
		return nil

	case err := <-errChan:
		return err
	}
}

func openKVStore(cfg *config.Config, lg *zap.Logger) (kvstore.Store, func(), error) {
	if cfg.RedisAddr == "" {
		lg.Warn("REDIS_ADDR not set, using in-process store; quotas and locks are not shared between workers")
		return kvstore.NewMemoryStore(), func() {}, nil
	}

	rs := kvstore.NewRedisStore(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rs.Ping(ctx); err != nil {
		rs.Close()
		return nil, nil, err
	}
	lg.Info("redis connected", zap.String("addr", cfg.RedisAddr))
	return rs, func() { rs.Close() }, nil
}

func openPublisher(cfg *config.Config, lg *zap.Logger) (publisher, error) {
	if cfg.RabbitMQURL == "" {
		lg.Info("RABBITMQ_URL not set, events are not published")
		return broker.NoopPublisher{}, nil
	}
	return broker.NewRabbitMQPublisher(cfg.RabbitMQURL, cfg.RabbitMQExchange, lg)
}

// bootstrapToken exchanges a configured authorization code and reports the
// credential posture.
func bootstrapToken(ctx context.Context, cfg *config.Config, tokens *service.TokenManager, oauth *anaf.OAuth, lg *zap.Logger) {
	if cfg.Efactura.AuthCode != "" {
		issued, err := tokens.Issue(ctx, cfg.Efactura.AuthCode)
		var conflict *service.ConflictError
		switch {
		case errors.As(err, &conflict):
			lg.Warn("authorization code ignored, active token is still fresh",
				zap.String("token_id", conflict.TokenID),
				zap.Int("days_remaining", conflict.DaysRemaining))
		case err != nil:
			lg.Error("failed to exchange authorization code", zap.Error(err))
		default:
			lg.Info("e-Factura token issued",
				zap.String("token_id", issued.TokenID),
				zap.Time("expires_at", issued.ExpiresAt))
		}
	}

	st, err := tokens.Status(ctx)
	if err != nil {
		lg.Warn("failed to read token status", zap.Error(err))
		return
	}
	if !st.HasToken {
		lg.Warn("no active e-Factura token, authorize the application",
			zap.String("authorization_url", oauth.AuthorizationURL()))
		return
	}
	lg.Info("e-Factura token status",
		zap.String("state", st.State),
		zap.Int("days_until_expiry", st.DaysUntilExpiry))
}

func newMetricsServer(addr string, pub publisher) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if hc, ok := pub.(interface{ IsHealthy() bool }); ok && !hc.IsHealthy() {
			http.Error(w, "broker unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
