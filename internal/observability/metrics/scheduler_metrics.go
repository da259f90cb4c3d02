package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SchedulerMetrics captures settlement scheduler health signals.
type SchedulerMetrics struct {
	jobRuns        *prometheus.CounterVec
	jobErrors      *prometheus.CounterVec
	jobTimeouts    *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	batchProcessed *prometheus.CounterVec
	lockSkipped    *prometheus.CounterVec
}

var (
	schedulerMetricsOnce sync.Once
	schedulerMetrics     *SchedulerMetrics
)

// Scheduler returns the singleton scheduler metrics registry.
func Scheduler() *SchedulerMetrics {
	schedulerMetricsOnce.Do(func() {
		schedulerMetrics = newSchedulerMetrics(prometheus.DefaultRegisterer)
	})
	return schedulerMetrics
}

func newSchedulerMetrics(reg prometheus.Registerer) *SchedulerMetrics {
	factory := promauto.With(reg)
	return &SchedulerMetrics{
		jobRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "medvoya_scheduler_job_runs_total",
			Help: "Number of scheduler job invocations.",
		}, []string{"job"}),
		jobErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "medvoya_scheduler_job_errors_total",
			Help: "Number of scheduler job failures.",
		}, []string{"job"}),
		jobTimeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "medvoya_scheduler_job_timeouts_total",
			Help: "Number of scheduler jobs that hit their deadline.",
		}, []string{"job"}),
		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "medvoya_scheduler_job_duration_seconds",
			Help:    "Scheduler job duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
		batchProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "medvoya_scheduler_batch_processed_total",
			Help: "Rows processed per scheduler job.",
		}, []string{"job"}),
		lockSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "medvoya_scheduler_lock_skipped_total",
			Help: "Job runs skipped because another replica held the lock.",
		}, []string{"job"}),
	}
}

func (m *SchedulerMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *SchedulerMetrics) IncJobError(job string) {
	if m == nil {
		return
	}
	m.jobErrors.WithLabelValues(job).Inc()
}

func (m *SchedulerMetrics) IncJobTimeout(job string) {
	if m == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

func (m *SchedulerMetrics) ObserveJobDuration(job string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *SchedulerMetrics) AddBatchProcessed(job string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.batchProcessed.WithLabelValues(job).Add(float64(n))
}

func (m *SchedulerMetrics) IncLockSkipped(job string) {
	if m == nil {
		return
	}
	m.lockSkipped.WithLabelValues(job).Inc()
}
