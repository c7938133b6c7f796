package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// APICalls counts calls recorded against each quota class
	APICalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "efactura_api_calls_total",
		Help: "Total number of e-Factura API calls recorded per quota class",
	}, []string{"quota_class"})

	// QuotaDenied counts admission checks that were refused, including fail-closed refusals
	QuotaDenied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "efactura_quota_denied_total",
		Help: "Total number of calls refused by the rate limiter per quota class",
	}, []string{"quota_class"})

	// SyncItems tracks per-item outcomes: stored, skipped or error
	SyncItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "efactura_sync_items_total",
		Help: "Total number of listed messages handled by sync jobs",
	}, []string{"result"})

	// SyncJobs counts finished sync jobs by terminal phase
	SyncJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "efactura_sync_jobs_total",
		Help: "Total number of sync jobs that reached a terminal phase",
	}, []string{"phase"})

	SyncJobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "efactura_sync_job_duration_seconds",
		Help:    "Duration of sync jobs in seconds",
		Buckets: []float64{10, 30, 60, 300, 600, 1800, 3600},
	})

	// TokenDaysUntilExpiry is -1 when no active credential exists
	TokenDaysUntilExpiry = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "efactura_token_days_until_expiry",
		Help: "Days until the active e-Factura credential expires",
	})

	TokenEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "efactura_token_events_total",
		Help: "Credential lifecycle events (issued, refreshed, compromised, expired)",
	}, []string{"event"})

	// BrokerHealthy is 1 while the RabbitMQ channel is open
	BrokerHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "efactura_broker_healthy",
		Help: "Current health status of the event broker connection (1 healthy, 0 unhealthy)",
	})
)
