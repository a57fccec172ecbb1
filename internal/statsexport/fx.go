package statsexport

import (
	"context"
	"time"

	"github.com/smallbiznis/minutely/internal/clock"
	"github.com/smallbiznis/minutely/internal/config"
	ledgerdomain "github.com/smallbiznis/minutely/internal/ledger/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultInterval = time.Minute

var Module = fx.Module("stats.export",
	fx.Provide(NewPusher),
	fx.Invoke(RegisterLifecycle),
)

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Cfg       config.Config
	DB        *gorm.DB
	Ledger    ledgerdomain.Service
	Clock     clock.Clock
	Pusher    Pusher `optional:"true"`
	Log       *zap.Logger
}

// RegisterLifecycle samples and pushes marketplace gauges on an interval
// while the app runs. Nothing starts when no exporter is configured.
func RegisterLifecycle(p Params) {
	if p.Pusher == nil {
		return
	}
	log := p.Log.Named("stats.export")
	sampler := NewSampler(p.DB, p.Ledger, p.Clock)

	interval := time.Duration(p.Cfg.Stats.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = defaultInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			log.Info("starting stats export", zap.String("exporter", p.Cfg.Stats.Exporter), zap.Duration("interval", interval))
			go func() {
				defer close(done)
				ticker := time.NewTicker(interval)
				defer ticker.Stop()

				for {
					exportOnce(ctx, sampler, p.Pusher, log)
					select {
					case <-ticker.C:
					case <-ctx.Done():
						return
					}
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			log.Info("stopped stats export")
			return nil
		},
	})
}

func exportOnce(ctx context.Context, sampler *Sampler, pusher Pusher, log *zap.Logger) {
	pushCtx, cancel := context.WithTimeout(ctx, defaultPushTimeout)
	defer cancel()

	if _, err := sampler.Sample(pushCtx); err != nil {
		log.Warn("stats sample failed", zap.Error(err))
		return
	}
	if err := pusher.Push(pushCtx, sampler.Registry()); err != nil {
		log.Warn("stats push failed", zap.Error(err))
	}
}
