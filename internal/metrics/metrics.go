// Package metrics exposes Prometheus counters/gauges for the sync
// orchestration core, following the promauto-factory pattern in
// princeparmar-Backup-Tools/pkg/prometheus/metrics.go.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the counters/gauges the worker, scheduler and queue
// publish. A single instance is constructed at process start and passed
// down by reference.
type Registry struct {
	reg *prometheus.Registry

	JobsClaimed     *prometheus.CounterVec // by sync_type
	JobsCompleted   *prometheus.CounterVec // by sync_type
	JobsFailed      *prometheus.CounterVec // by sync_type, reason
	JobsReclaimed   prometheus.Counter
	SyncDuration    *prometheus.HistogramVec // by sync_type
	MessagesSynced  prometheus.Counter
	ActiveWorkers   prometheus.Gauge
	SchedulerTicks  *prometheus.CounterVec // by task
	WatchesRenewed  prometheus.Counter
	TokensRefreshed *prometheus.CounterVec // by outcome
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Registry{
		reg: reg,
		JobsClaimed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailsync_jobs_claimed_total",
			Help: "Sync jobs claimed by a worker, by sync_type.",
		}, []string{"sync_type"}),
		JobsCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailsync_jobs_completed_total",
			Help: "Sync jobs that reached status=completed, by sync_type.",
		}, []string{"sync_type"}),
		JobsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailsync_jobs_failed_total",
			Help: "Sync jobs that reached status=failed, by sync_type and reason.",
		}, []string{"sync_type", "reason"}),
		JobsReclaimed: f.NewCounter(prometheus.CounterOpts{
			Name: "mailsync_jobs_reclaimed_total",
			Help: "Jobs reassigned from a silent worker via reclaim_abandoned.",
		}),
		SyncDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mailsync_sync_duration_seconds",
			Help:    "Wall-clock duration of a sync job, by sync_type.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"sync_type"}),
		MessagesSynced: f.NewCounter(prometheus.CounterOpts{
			Name: "mailsync_messages_synced_total",
			Help: "Messages upserted into the cache across all jobs.",
		}),
		ActiveWorkers: f.NewGauge(prometheus.GaugeOpts{
			Name: "mailsync_active_workers",
			Help: "Workers currently registered with status=active or processing.",
		}),
		SchedulerTicks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailsync_scheduler_ticks_total",
			Help: "Scheduler periodic-task runs, by task name.",
		}, []string{"task"}),
		WatchesRenewed: f.NewCounter(prometheus.CounterOpts{
			Name: "mailsync_watches_renewed_total",
			Help: "Push-notification watch installs/renewals.",
		}),
		TokensRefreshed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailsync_token_refresh_total",
			Help: "OAuth token refresh attempts, by outcome (fresh, refreshed, revoked, transient_error).",
		}, []string{"outcome"}),
	}
}

// Handler returns the HTTP handler serving this registry's /metrics page.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
