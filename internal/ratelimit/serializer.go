package ratelimit

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/minutely/internal/config"
	obsmetrics "github.com/smallbiznis/minutely/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	serializerKey   = "minutely:engine:serializer"
	serializerTTL   = 30 * time.Second
	serializerRetry = 5 * time.Millisecond
)

// Serializer admits one state-mutating engine call at a time. The returned
// release func must be called exactly once.
type Serializer interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// LocalSerializer serializes calls within one process.
type LocalSerializer struct {
	slot chan struct{}
}

func NewLocalSerializer() *LocalSerializer {
	return &LocalSerializer{slot: make(chan struct{}, 1)}
}

func (s *LocalSerializer) Acquire(ctx context.Context) (func(), error) {
	select {
	case s.slot <- struct{}{}:
		return func() { <-s.slot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RedisSerializer serializes calls across replicas sharing one redis.
type RedisSerializer struct {
	locker *Locker
	log    *zap.Logger
}

func NewRedisSerializer(client *redis.Client, log *zap.Logger) *RedisSerializer {
	return &RedisSerializer{locker: NewLocker(client), log: log}
}

// Acquire keeps the lease alive in the background until release is called,
// so a slow transaction does not let another replica in.
func (s *RedisSerializer) Acquire(ctx context.Context) (func(), error) {
	lease, err := s.locker.Acquire(ctx, serializerKey, serializerTTL, serializerRetry)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(serializerTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				refreshCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				err := lease.Refresh(refreshCtx)
				cancel()
				if err != nil {
					s.log.Warn("serializer lease refresh failed", zap.Error(err))
					if errors.Is(err, ErrLockLost) {
						return
					}
				}
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			s.log.Warn("serializer release failed", zap.Error(err))
		}
	}, nil
}

type timedSerializer struct {
	inner   Serializer
	metrics *obsmetrics.SchedulerMetrics
}

func (s *timedSerializer) Acquire(ctx context.Context) (func(), error) {
	start := time.Now()
	release, err := s.inner.Acquire(ctx)
	s.metrics.ObserveSerializerWait(time.Since(start))
	return release, err
}

type SerializerParams struct {
	fx.In

	Config  config.Config
	Log     *zap.Logger
	Redis   *redis.Client                `optional:"true"`
	Metrics *obsmetrics.SchedulerMetrics `optional:"true"`
}

// NewSerializer picks the redis serializer when SERIALIZER=redis and redis is
// configured, and the process-local one otherwise.
func NewSerializer(p SerializerParams) Serializer {
	log := p.Log.Named("ratelimit.serializer")

	var inner Serializer
	if p.Config.Serializer == config.SerializerRedis && p.Redis != nil {
		log.Info("using redis serializer")
		inner = NewRedisSerializer(p.Redis, log)
	} else {
		if p.Config.Serializer == config.SerializerRedis {
			log.Warn("redis serializer requested without REDIS_ADDR, falling back to local")
		}
		inner = NewLocalSerializer()
	}

	if p.Metrics == nil {
		return inner
	}
	return &timedSerializer{inner: inner, metrics: p.Metrics}
}
