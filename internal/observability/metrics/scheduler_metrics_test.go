package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"
)

func TestClassifySchedulerJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: SchedulerJobReasonDeadlineExceeded},
		{name: "wrapped_deadline", err: fmt.Errorf("settle: %w", context.Canceled), want: SchedulerJobReasonDeadlineExceeded},
		{name: "db_lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: SchedulerJobReasonDBLockTimeout},
		{name: "serialization_failure", err: &pgconn.PgError{Code: "40001"}, want: SchedulerJobReasonSerializationFailure},
		{name: "unique_violation", err: gorm.ErrDuplicatedKey, want: SchedulerJobReasonUniqueViolation},
		{name: "other_pg", err: &pgconn.PgError{Code: "08006"}, want: SchedulerJobReasonDB},
		{name: "unknown", err: errors.New("boom"), want: SchedulerJobReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifySchedulerJobReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestIsSchedulerErrorRetryable(t *testing.T) {
	if !IsSchedulerErrorRetryable(context.DeadlineExceeded) {
		t.Fatalf("expected deadline to be retryable")
	}
	if IsSchedulerErrorRetryable(errors.New("pay_log_not_found")) {
		t.Fatalf("expected business error to be terminal")
	}
	if IsSchedulerErrorRetryable(nil) {
		t.Fatalf("expected nil to be terminal")
	}
}

func TestAddBatchProcessed(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{
		ServiceName: "minutely",
		Environment: "test",
	})

	metrics.AddBatchProcessed(JobSettleLapsed, ResourcePayLogs, 3)
	metrics.AddBatchProcessed(JobSettleLapsed, ResourcePayLogs, 0)

	got := testutil.ToFloat64(metrics.processed.WithLabelValues(JobSettleLapsed, ResourcePayLogs))
	if got != 3 {
		t.Fatalf("expected processed count 3, got %v", got)
	}

	metrics.IncJobRun(JobReconcileRefunds)
	metrics.ObserveJobDuration(JobReconcileRefunds, 20*time.Millisecond)
	if runs := testutil.ToFloat64(metrics.runs.WithLabelValues(JobReconcileRefunds)); runs != 1 {
		t.Fatalf("expected 1 run, got %v", runs)
	}
}
