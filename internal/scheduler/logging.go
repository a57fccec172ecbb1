package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	obscontext "github.com/smallbiznis/minutely/internal/observability/context"
	obslogger "github.com/smallbiznis/minutely/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/minutely/internal/observability/metrics"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// jobRun carries per-run counters. Its run id doubles as the request id so
// engine and ledger logs emitted during the run correlate with it.
type jobRun struct {
	job            string
	runID          string
	batchSize      int
	startedAt      time.Time
	processedCount int
	errorCount     int
}

func (r *jobRun) AddProcessed(count int) {
	if r != nil && count > 0 {
		r.processedCount += count
	}
}

func (r *jobRun) IncError() {
	if r != nil {
		r.errorCount++
	}
}

func (r *jobRun) fields(extra ...zap.Field) []zap.Field {
	return append([]zap.Field{
		zap.String("job", r.job),
		zap.String("run_id", r.runID),
	}, extra...)
}

// finishLevel keeps idle runs at debug so a quiet marketplace does not flood
// the log every tick.
func (r *jobRun) finishLevel() zapcore.Level {
	switch {
	case r.errorCount > 0:
		return zapcore.WarnLevel
	case r.processedCount > 0:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

func (s *Scheduler) newJobRun(ctx context.Context, job string, batchSize int) (context.Context, *jobRun) {
	run := &jobRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		batchSize: batchSize,
		startedAt: s.clock.Now(),
	}
	return obscontext.WithRequestID(ctx, run.runID), run
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) logJobStart(ctx context.Context, run *jobRun) {
	s.logger(ctx).Debug("scheduler.job.start", run.fields(zap.Int("batch_size", run.batchSize))...)
}

func (s *Scheduler) logJobFinish(ctx context.Context, run *jobRun) {
	ce := s.logger(ctx).Check(run.finishLevel(), "scheduler.job.finish")
	if ce == nil {
		return
	}
	ce.Write(run.fields(
		zap.Int64("duration_ms", s.clock.Now().Sub(run.startedAt).Milliseconds()),
		zap.Int("processed_count", run.processedCount),
		zap.Int("error_count", run.errorCount),
	)...)
}

func (s *Scheduler) logSchedulerError(ctx context.Context, run *jobRun, msg string, err error) {
	if err == nil {
		return
	}
	run.IncError()
	s.logger(ctx).Error(msg, run.fields(
		zap.String("error_type", obsmetrics.ClassifySchedulerJobReason(err)),
		zap.Bool("retryable", obsmetrics.IsSchedulerErrorRetryable(err)),
		zap.Error(err),
	)...)
}

// cronLogger routes cron's internal logging through zap.
type cronLogger struct {
	log *zap.SugaredLogger
}

var _ cron.Logger = cronLogger{}

func newCronLogger(log *zap.Logger) cronLogger {
	return cronLogger{log: log.Named("cron").Sugar()}
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
