// Registers:
//
//	#optionflow_job_cycles_total
//	#optionflow_job_cycle_seconds
//	#optionflow_ticks_dropped_total
//	#optionflow_source_fallbacks_total
//	#optionflow_source_failures_total
//	#optionflow_snapshot_publishes_total
//	#optionflow_chain_version
//	#optionflow_job_last_success_timestamp_seconds
//	#optionflow_channel_drops_total
//	#go_* and process_* system metrics
//
// Served by the status server on /metrics.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	jobCycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "optionflow_job_cycles_total",
		Help: "Finished job cycles by outcome",
	}, []string{"asset", "job", "result"})

	jobCycleSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "optionflow_job_cycle_seconds",
		Help:    "Wall time of a job cycle",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"asset", "job"})

	ticksDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "optionflow_ticks_dropped_total",
		Help: "Timer ticks dropped because the previous cycle was still running",
	}, []string{"asset", "job"})

	sourceFallbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "optionflow_source_fallbacks_total",
		Help: "Calls answered by a non-primary source",
	}, []string{"operation", "source"})

	sourceFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "optionflow_source_failures_total",
		Help: "Failed calls per exchange source",
	}, []string{"source", "operation"})

	snapshotPublishes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "optionflow_snapshot_publishes_total",
		Help: "Snapshot writes to the shared store by outcome",
	}, []string{"asset", "expiry", "result"})

	chainVersion = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "optionflow_chain_version",
		Help: "Current instrument chain version",
	}, []string{"asset"})

	lastSuccess = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "optionflow_job_last_success_timestamp_seconds",
		Help: "Unix time of the last successful cycle",
	}, []string{"asset", "job"})

	channelDrops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "optionflow_channel_drops_total",
		Help: "Events dropped because a channel was full",
	}, []string{"channel"})
)

// Init registers the collectors with the default registry.
func Init() {
	once.Do(func() {
		for _, c := range []prometheus.Collector{
			jobCycles, jobCycleSeconds, ticksDropped, sourceFallbacks, sourceFailures,
			snapshotPublishes, chainVersion, lastSuccess, channelDrops,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		} {
			_ = prometheus.Register(c)
		}
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// JobCycle records the outcome and duration of one (asset, job) cycle.
func JobCycle(asset, job string, ok bool, d time.Duration, finishedAt time.Time) {
	jobCycles.WithLabelValues(asset, job, result(ok)).Inc()
	jobCycleSeconds.WithLabelValues(asset, job).Observe(d.Seconds())
	if ok {
		lastSuccess.WithLabelValues(asset, job).Set(float64(finishedAt.Unix()))
	}
}

func TickDropped(asset, job string) {
	ticksDropped.WithLabelValues(asset, job).Inc()
}

func SourceFallback(operation, source string) {
	sourceFallbacks.WithLabelValues(operation, source).Inc()
}

func SourceFailure(source, operation string) {
	sourceFailures.WithLabelValues(source, operation).Inc()
}

func SnapshotPublish(asset, expiry string, ok bool) {
	snapshotPublishes.WithLabelValues(asset, expiry, result(ok)).Inc()
}

func ChainVersion(asset string, version uint64) {
	chainVersion.WithLabelValues(asset).Set(float64(version))
}

func ChannelDrop(channel string) {
	channelDrops.WithLabelValues(channel).Inc()
}
