package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Redis      RedisConfig
	Serializer string
	NodeID     int64

	Stats StatsConfig
}

// StatsConfig controls the periodic export of marketplace gauges to an
// external Prometheus endpoint.
type StatsConfig struct {
	Exporter        string
	Endpoint        string
	AuthToken       string
	IntervalSeconds int
}

func (s StatsConfig) Enabled() bool {
	return strings.TrimSpace(s.Exporter) != "" && strings.TrimSpace(s.Endpoint) != ""
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Addr) != ""
}

const (
	SerializerLocal = "local"
	SerializerRedis = "redis"
)

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewMarketplaceConfigHolder),
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:           getenv("APP_SERVICE", "minutely"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "minutely"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
		},
		Serializer: normalizeSerializer(getenv("SERIALIZER", SerializerLocal)),
		NodeID:     getenvInt64("NODE_ID", 1),
		Stats: StatsConfig{
			Exporter:        strings.ToLower(strings.TrimSpace(getenv("STATS_EXPORTER", ""))),
			Endpoint:        strings.TrimSpace(getenv("STATS_ENDPOINT", "")),
			AuthToken:       getenv("STATS_AUTH_TOKEN", ""),
			IntervalSeconds: getenvInt("STATS_INTERVAL_SECONDS", 60),
		},
	}
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func normalizeSerializer(raw string) string {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case SerializerRedis:
		return SerializerRedis
	default:
		return SerializerLocal
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}
