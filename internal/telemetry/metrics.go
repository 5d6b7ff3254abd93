package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsStarted         = prometheus.NewCounter(prometheus.CounterOpts{Name: "seedsearch_jobs_started_total", Help: "Search jobs started"})
	JobsFinished        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "seedsearch_jobs_finished_total", Help: "Search jobs that reached a terminal state"}, []string{"state"})
	JobsActive          = prometheus.NewGauge(prometheus.GaugeOpts{Name: "seedsearch_jobs_active", Help: "Search jobs currently running or paused"})
	ResultsInserted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "seedsearch_results_inserted_total", Help: "Result rows handed to result stores"})
	CheckpointsWritten  = prometheus.NewCounter(prometheus.CounterOpts{Name: "seedsearch_checkpoints_written_total", Help: "Checkpoints persisted"})
	CheckpointFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "seedsearch_checkpoint_failures_total", Help: "Checkpoint writes that failed"})
	FertilizerAppended  = prometheus.NewCounter(prometheus.CounterOpts{Name: "seedsearch_fertilizer_appended_total", Help: "Distinct seeds appended to the fertilizer file"})
	FertilizerFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "seedsearch_fertilizer_failures_total", Help: "Fertilizer writes that failed"})
	FertilizerDropped   = prometheus.NewCounter(prometheus.CounterOpts{Name: "seedsearch_fertilizer_dropped_total", Help: "Seeds not handed to the fertilizer sink because its queue was full"})
	StopWaitsAbandoned  = prometheus.NewCounter(prometheus.CounterOpts{Name: "seedsearch_stop_abandoned_total", Help: "Stops that gave up waiting for the worker loop"})
	ThroughputAnomalies = prometheus.NewCounter(prometheus.CounterOpts{Name: "seedsearch_throughput_anomalies_total", Help: "Progress samples with negative throughput clamped to zero"})
	RateLimitRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "seedsearch_rate_limit_rejects_total", Help: "Result page requests rejected by the rate limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

// Register adds the collectors to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			JobsStarted,
			JobsFinished,
			JobsActive,
			ResultsInserted,
			CheckpointsWritten,
			CheckpointFailures,
			FertilizerAppended,
			FertilizerFailures,
			FertilizerDropped,
			StopWaitsAbandoned,
			ThroughputAnomalies,
			RateLimitRejects,
		)
	})
}
