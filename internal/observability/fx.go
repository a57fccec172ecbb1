package observability

import (
	"github.com/smallbiznis/minutely/internal/observability/logger"
	"github.com/smallbiznis/minutely/internal/observability/metrics"
	"github.com/smallbiznis/minutely/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
)

var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		Config.logger,
		logger.New,
		Config.tracing,
		tracing.NewProvider,
		Config.metrics,
		metrics.NewProvider,
		metrics.New,
		metrics.NewHTTPMetrics,
		metrics.SchedulerWithConfig,
	),
	// The tracer provider installs itself globally; nothing else depends on it.
	fx.Invoke(func(*sdktrace.TracerProvider) {}),
)

func (c Config) logger() logger.Config {
	debug := c.Debug()
	return logger.Config{
		ServiceName:         c.ServiceName,
		Environment:         c.Environment,
		Version:             c.Version,
		Level:               c.Log.Level,
		Format:              c.Log.Format,
		Debug:               debug,
		IncludeCaller:       true,
		IncludeStackOnError: debug,
	}
}

func (c Config) tracing() tracing.Config {
	return tracing.Config{
		Enabled:          c.Otel.Enabled,
		ServiceName:      c.ServiceName,
		ServiceVersion:   c.Version,
		Environment:      c.Environment,
		ExporterEndpoint: c.Otel.Endpoint,
		ExporterProtocol: c.Otel.Protocol,
		SamplingRatio:    c.Otel.SamplingRatio,
	}
}

func (c Config) metrics() metrics.Config {
	return metrics.Config{
		Enabled:          c.Otel.Enabled,
		ExporterEndpoint: c.Otel.Endpoint,
		ExporterProtocol: c.Otel.Protocol,
		ServiceName:      c.ServiceName,
		Environment:      c.Environment,
	}
}
