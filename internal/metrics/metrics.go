package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Worker metrics

	JobsClaimedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hookq",
		Name:      "jobs_claimed_total",
		Help:      "Total jobs claimed from the actions table.",
	})

	JobsFinishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hookq",
		Name:      "jobs_finished_total",
		Help:      "Total jobs finished, by outcome.",
	}, []string{"outcome"})

	JobsReleasedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hookq",
		Name:      "jobs_released_total",
		Help:      "Jobs released back to pending at the soft deadline.",
	})

	JobExecutionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "hookq",
		Name:      "job_execution_duration_seconds",
		Help:      "Duration of one handler invocation.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"outcome"})

	StaleRetriedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hookq",
		Name:      "stale_retried_total",
		Help:      "Running jobs reverted to pending by stale recovery.",
	})

	// Dispatcher metrics

	JobsBufferedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hookq",
		Name:      "jobs_buffered_total",
		Help:      "Deferred jobs buffered by the dispatcher.",
	})

	JobsInsertedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hookq",
		Name:      "jobs_inserted_total",
		Help:      "Jobs written at flush time, after dedupe.",
	})

	SpawnsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hookq",
		Name:      "worker_spawns_total",
		Help:      "Worker spawn requests, by result.",
	}, []string{"result"})

	// HTTP metrics

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "hookq",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hookq",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests.",
	}, []string{"method", "path", "status"})
)

func Register() {
	prometheus.MustRegister(
		JobsClaimedTotal,
		JobsFinishedTotal,
		JobsReleasedTotal,
		JobExecutionDuration,
		StaleRetriedTotal,
		JobsBufferedTotal,
		JobsInsertedTotal,
		SpawnsTotal,
		HTTPRequestDuration,
		HTTPRequestsTotal,
	)
}

func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{Addr: addr, Handler: mux}
}
