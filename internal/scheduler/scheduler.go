package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/robfig/cron/v3"
	"github.com/smallbiznis/minutely/internal/callercontext"
	"github.com/smallbiznis/minutely/internal/clock"
	"github.com/smallbiznis/minutely/internal/config"
	marketdomain "github.com/smallbiznis/minutely/internal/marketplace/domain"
	obsmetrics "github.com/smallbiznis/minutely/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

const systemActor = "system"

type Params struct {
	fx.In

	Log            *zap.Logger
	Engine         marketdomain.Engine
	GenID          *snowflake.Node
	Clock          clock.Clock
	Config         Config                          `optional:"true"`
	MarketplaceCfg *config.MarketplaceConfigHolder `optional:"true"`
	Metrics        *obsmetrics.SchedulerMetrics    `optional:"true"`
}

// Scheduler runs the periodic maintenance jobs of the marketplace engine.
type Scheduler struct {
	log            *zap.Logger
	cfg            Config
	genID          *snowflake.Node
	clock          clock.Clock
	engine         marketdomain.Engine
	marketplaceCfg *config.MarketplaceConfigHolder
	metrics        *obsmetrics.SchedulerMetrics

	mu   sync.Mutex
	cron *cron.Cron
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Engine == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:            p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:            p.Config.withDefaults(),
		genID:          p.GenID,
		clock:          p.Clock,
		engine:         p.Engine,
		marketplaceCfg: p.MarketplaceCfg,
		metrics:        p.Metrics,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context, run *jobRun) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx = callercontext.WithCaller(ctx, systemActor)
	ctx, run := s.newJobRun(ctx, name, batchSize)
	s.logJobStart(ctx, run)
	s.metrics.IncJobRun(name)

	err := fn(ctx, run)
	s.metrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if err != nil && run.errorCount == 0 {
		run.IncError()
	}
	s.logJobFinish(ctx, run)
	if err == nil {
		return nil
	}

	// Deadlines are soft: the next tick picks up the remaining work.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		s.metrics.IncJobTimeout(name)
	}
	s.metrics.IncJobError(name, err)
	if isTimeout {
		s.logger(ctx).Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs every enabled job once, in order.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error
	if s.isJobEnabled(obsmetrics.JobSettleLapsed) {
		err = errors.Join(err, s.runJob(parent, obsmetrics.JobSettleLapsed, s.batchSize(), s.cfg.JobTimeout, s.SettleLapsedJob))
	}
	if s.isJobEnabled(obsmetrics.JobReconcileRefunds) {
		err = errors.Join(err, s.runJob(parent, obsmetrics.JobReconcileRefunds, s.batchSize(), s.cfg.JobTimeout, s.ReconcileRefundsJob))
	}
	return err
}

// SettleLapsedJob closes leases whose due time passed without a stop.
func (s *Scheduler) SettleLapsedJob(ctx context.Context, run *jobRun) error {
	settled, err := s.engine.SettleLapsed(ctx, run.batchSize)
	run.AddProcessed(settled)
	s.metrics.AddBatchProcessed(obsmetrics.JobSettleLapsed, obsmetrics.ResourcePayLogs, settled)
	if err != nil {
		s.logSchedulerError(ctx, run, "settle lapsed leases failed", err)
		return err
	}
	return nil
}

// ReconcileRefundsJob confirms refunds whose transfer outcome is still unknown.
func (s *Scheduler) ReconcileRefundsJob(ctx context.Context, run *jobRun) error {
	resolved, err := s.engine.ReconcileRefunds(ctx, run.batchSize)
	run.AddProcessed(resolved)
	s.metrics.AddBatchProcessed(obsmetrics.JobReconcileRefunds, obsmetrics.ResourceRefunds, resolved)
	if err != nil {
		s.logSchedulerError(ctx, run, "reconcile refunds failed", err)
		return err
	}
	return nil
}

// Start registers the jobs on a cron runner and starts it.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	logger := newCronLogger(s.log)
	runner := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	jobs := []struct {
		name     string
		schedule string
		fn       func(context.Context, *jobRun) error
	}{
		{obsmetrics.JobSettleLapsed, s.cfg.SettleSchedule, s.SettleLapsedJob},
		{obsmetrics.JobReconcileRefunds, s.cfg.ReconcileSchedule, s.ReconcileRefundsJob},
	}
	for _, job := range jobs {
		job := job
		var entryID cron.EntryID
		id, err := runner.AddFunc(job.schedule, func() {
			if prev := runner.Entry(entryID).Prev; !prev.IsZero() {
				s.metrics.ObserveRunLoopLag(time.Since(prev))
			}
			if !s.isJobEnabled(job.name) {
				return
			}
			if err := s.runJob(ctx, job.name, s.batchSize(), s.cfg.JobTimeout, job.fn); err != nil {
				s.log.Warn("scheduler run failed", zap.Error(err))
			}
		})
		if err != nil {
			return fmt.Errorf("schedule %s %q: %w", job.name, job.schedule, err)
		}
		entryID = id
	}

	runner.Start()
	s.cron = runner
	s.log.Info("scheduler started",
		zap.String("settle_schedule", s.cfg.SettleSchedule),
		zap.String("reconcile_schedule", s.cfg.ReconcileSchedule),
	)
	return nil
}

// Stop halts the cron runner and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	runner := s.cron
	s.cron = nil
	s.mu.Unlock()
	if runner == nil {
		return nil
	}

	select {
	case <-runner.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// isJobEnabled re-reads the marketplace config so settlement can be toggled
// without a restart. Refund reconciliation always runs.
func (s *Scheduler) isJobEnabled(job string) bool {
	switch job {
	case obsmetrics.JobSettleLapsed:
		return s.marketplaceCfg.Get().Settlement.Enabled
	case obsmetrics.JobReconcileRefunds:
		return true
	default:
		return false
	}
}

func (s *Scheduler) batchSize() int {
	if size := s.marketplaceCfg.Get().Settlement.BatchSize; size > 0 {
		return size
	}
	return s.cfg.BatchSize
}
