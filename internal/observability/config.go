package observability

import (
	"strings"

	"github.com/smallbiznis/minutely/internal/config"
	"github.com/spf13/viper"
)

// Config is the observability view of the process settings.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	Log  LogSettings
	Otel OtelSettings
}

type LogSettings struct {
	Level  string
	Format string
}

// OtelSettings drives both the trace and the metric exporters.
type OtelSettings struct {
	Enabled       bool
	Endpoint      string
	Protocol      string
	SamplingRatio float64
}

func LoadConfig(cfg config.Config) Config {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("DEPLOYMENT_ENV", cfg.Environment)
	v.SetDefault("SERVICE_VERSION", cfg.AppVersion)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("OTEL_ENABLED", false)
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint)
	v.SetDefault("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")
	v.SetDefault("OTEL_SAMPLING_RATIO", 0.1)

	protocol := v.GetString("OTEL_EXPORTER_OTLP_PROTOCOL")
	if traces := v.GetString("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL"); strings.TrimSpace(traces) != "" {
		protocol = traces
	}

	name := strings.TrimSpace(cfg.AppName)
	if name == "" {
		name = "minutely"
	}

	return Config{
		ServiceName: name,
		Environment: strings.TrimSpace(v.GetString("DEPLOYMENT_ENV")),
		Version:     strings.TrimSpace(v.GetString("SERVICE_VERSION")),
		Log: LogSettings{
			Level:  normalize(v.GetString("LOG_LEVEL")),
			Format: normalize(v.GetString("LOG_FORMAT")),
		},
		Otel: OtelSettings{
			Enabled:       v.GetBool("OTEL_ENABLED"),
			Endpoint:      strings.TrimSpace(v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT")),
			Protocol:      normalize(protocol),
			SamplingRatio: v.GetFloat64("OTEL_SAMPLING_RATIO"),
		},
	}
}

// Debug turns on verbose logging and stack traces.
func (c Config) Debug() bool {
	if c.Log.Level == "debug" {
		return true
	}
	switch normalize(c.Environment) {
	case "dev", "development", "local", "test":
		return true
	}
	return false
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
