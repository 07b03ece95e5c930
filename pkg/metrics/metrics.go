package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Asset metrics
	AssetsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kapp_assets_total",
			Help: "Total number of assets by status",
		},
		[]string{"status"},
	)

	AssetsRegistered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kapp_assets_registered_total",
			Help: "Total number of assets registered",
		},
	)

	// Publishing metrics
	PublishAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kapp_publish_attempts_total",
			Help: "Total number of publish attempts by outcome",
		},
		[]string{"outcome"},
	)

	PublishDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kapp_publish_duration_seconds",
			Help:    "Duration of publish attempts in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
		},
	)

	// Wallet metrics
	WalletsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kapp_wallets_total",
			Help: "Total number of active wallets",
		},
	)

	WalletsInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kapp_wallets_in_use",
			Help: "Number of wallets currently leased",
		},
	)

	WalletsUnlocked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kapp_wallets_unlocked_total",
			Help: "Total number of stuck wallets force-unlocked",
		},
	)

	// Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kapp_queue_depth",
			Help: "Number of jobs by queue state",
		},
		[]string{"state"},
	)

	JobsEnqueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kapp_jobs_enqueued_total",
			Help: "Total number of jobs enqueued by the poller",
		},
	)

	JobsDeduplicated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kapp_jobs_deduplicated_total",
			Help: "Total number of enqueue calls skipped as duplicates",
		},
	)

	// Poller metrics
	PollCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kapp_poll_cycle_duration_seconds",
			Help:    "Duration of queue poller cycles in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	PollCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kapp_poll_cycles_total",
			Help: "Total number of queue poller cycles",
		},
	)

	// Health monitor metrics
	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kapp_health_sweep_duration_seconds",
			Help:    "Duration of health monitor sweeps in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	AssetsRescued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kapp_assets_rescued_total",
			Help: "Total number of stuck assets rescued by stage",
		},
		[]string{"stage"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kapp_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kapp_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(AssetsTotal)
	prometheus.MustRegister(AssetsRegistered)
	prometheus.MustRegister(PublishAttemptsTotal)
	prometheus.MustRegister(PublishDuration)
	prometheus.MustRegister(WalletsTotal)
	prometheus.MustRegister(WalletsInUse)
	prometheus.MustRegister(WalletsUnlocked)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(JobsEnqueued)
	prometheus.MustRegister(JobsDeduplicated)
	prometheus.MustRegister(PollCycleDuration)
	prometheus.MustRegister(PollCyclesTotal)
	prometheus.MustRegister(SweepDuration)
	prometheus.MustRegister(AssetsRescued)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
