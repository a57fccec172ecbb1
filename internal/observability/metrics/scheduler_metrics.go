package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

// Error reasons attached to minutely_scheduler_job_errors_total.
const (
	SchedulerJobReasonDeadlineExceeded     = "deadline_exceeded"
	SchedulerJobReasonDBLockTimeout        = "db_lock_timeout"
	SchedulerJobReasonSerializationFailure = "serialization_failure"
	SchedulerJobReasonUniqueViolation      = "unique_violation"
	SchedulerJobReasonDB                   = "db"
	SchedulerJobReasonUnknown              = "unknown"
)

const (
	JobSettleLapsed     = "settle_lapsed"
	JobReconcileRefunds = "reconcile_refunds"

	ResourcePayLogs = "pay_logs"
	ResourceRefunds = "refunds"
)

// pgReasons maps postgres SQLSTATE codes to job error reasons.
var pgReasons = map[string]string{
	"55P03": SchedulerJobReasonDBLockTimeout,
	"40001": SchedulerJobReasonSerializationFailure,
	"23505": SchedulerJobReasonUniqueViolation,
}

var (
	latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}
	waitBuckets    = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
)

// SchedulerMetrics records settlement job runs and serializer contention.
// A nil *SchedulerMetrics is valid and records nothing.
type SchedulerMetrics struct {
	runs           *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	timeouts       *prometheus.CounterVec
	failures       *prometheus.CounterVec
	processed      *prometheus.CounterVec
	runLoopLag     prometheus.Histogram
	serializerWait prometheus.Histogram
}

var (
	schedulerOnce    sync.Once
	schedulerMetrics *SchedulerMetrics
)

// SchedulerWithConfig registers the scheduler collectors on the default
// registerer the first time it is called and returns the shared instance.
func SchedulerWithConfig(cfg Config) *SchedulerMetrics {
	schedulerOnce.Do(func() {
		schedulerMetrics = newSchedulerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return schedulerMetrics
}

func ResetSchedulerMetricsForTest() {
	schedulerOnce = sync.Once{}
	schedulerMetrics = nil
}

func schedulerLabels(cfg Config) prometheus.Labels {
	labels := prometheus.Labels{"service": "minutely", "env": "unknown"}
	if v := strings.TrimSpace(cfg.ServiceName); v != "" {
		labels["service"] = v
	}
	if v := strings.TrimSpace(cfg.Environment); v != "" {
		labels["env"] = v
	}
	return labels
}

func newSchedulerMetrics(reg prometheus.Registerer, cfg Config) *SchedulerMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	labels := schedulerLabels(cfg)
	counter := func(name, help string, dims ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: name, Help: help, ConstLabels: labels,
		}, dims)
	}
	histogram := func(name, help string, buckets []float64) prometheus.Histogram {
		return prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: name, Help: help, Buckets: buckets, ConstLabels: labels,
		})
	}

	m := &SchedulerMetrics{
		runs:     counter("minutely_scheduler_job_runs_total", "Scheduler job runs by name.", "job"),
		timeouts: counter("minutely_scheduler_job_timeouts_total", "Scheduler job runs that hit their timeout.", "job"),
		failures: counter("minutely_scheduler_job_errors_total", "Scheduler job errors by reason.", "job", "reason"),
		processed: counter("minutely_scheduler_batch_processed_total",
			"Pay logs settled and refunds resolved by scheduler jobs.", "job", "resource"),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "minutely_scheduler_job_duration_seconds",
			Help:        "Scheduler job latency.",
			Buckets:     latencyBuckets,
			ConstLabels: labels,
		}, []string{"job"}),
		runLoopLag: histogram("minutely_scheduler_runloop_lag_seconds",
			"Delay between consecutive cron ticks beyond the expected interval.", latencyBuckets),
		serializerWait: histogram("minutely_serializer_wait_seconds",
			"Time a mutation waited to acquire the serializer.", waitBuckets),
	}
	reg.MustRegister(m.runs, m.duration, m.timeouts, m.failures, m.processed, m.runLoopLag, m.serializerWait)
	return m
}

func (m *SchedulerMetrics) IncJobRun(job string) {
	if m != nil {
		m.runs.WithLabelValues(job).Inc()
	}
}

func (m *SchedulerMetrics) ObserveJobDuration(job string, d time.Duration) {
	if m != nil {
		m.duration.WithLabelValues(job).Observe(d.Seconds())
	}
}

func (m *SchedulerMetrics) IncJobTimeout(job string) {
	if m != nil {
		m.timeouts.WithLabelValues(job).Inc()
	}
}

func (m *SchedulerMetrics) IncJobError(job string, err error) {
	if m != nil && err != nil {
		m.failures.WithLabelValues(job, ClassifySchedulerJobReason(err)).Inc()
	}
}

// AddBatchProcessed ignores non-positive counts.
func (m *SchedulerMetrics) AddBatchProcessed(job, resource string, count int) {
	if m != nil && count > 0 {
		m.processed.WithLabelValues(job, resource).Add(float64(count))
	}
}

func (m *SchedulerMetrics) ObserveRunLoopLag(d time.Duration) {
	if m != nil {
		m.runLoopLag.Observe(max(d, 0).Seconds())
	}
}

func (m *SchedulerMetrics) ObserveSerializerWait(d time.Duration) {
	if m != nil {
		m.serializerWait.Observe(d.Seconds())
	}
}

// IsSchedulerErrorRetryable is true for context expiry and database faults.
// Domain errors such as pay_log_not_found are not retried.
func IsSchedulerErrorRetryable(err error) bool {
	if err == nil {
		return false
	}
	return contextExpired(err) || isDBError(err)
}

// ClassifySchedulerJobReason reduces err to one of the SchedulerJobReason values.
func ClassifySchedulerJobReason(err error) string {
	switch {
	case err == nil:
		return SchedulerJobReasonUnknown
	case contextExpired(err):
		return SchedulerJobReasonDeadlineExceeded
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return SchedulerJobReasonUniqueViolation
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if reason, ok := pgReasons[pgErr.Code]; ok {
			return reason
		}
		return SchedulerJobReasonDB
	}
	if isDBError(err) {
		return SchedulerJobReasonDB
	}
	return SchedulerJobReasonUnknown
}

func contextExpired(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

func isDBError(err error) bool {
	for _, target := range []error{
		gorm.ErrInvalidDB,
		gorm.ErrInvalidTransaction,
		gorm.ErrInvalidData,
		gorm.ErrDuplicatedKey,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}
