package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// MarketplaceConfig holds runtime-tunable marketplace settings.
type MarketplaceConfig struct {
	AdminAddress     string           `mapstructure:"adminAddress"`
	Currency         string           `mapstructure:"currency"`
	CurrencyDecimals int              `mapstructure:"currencyDecimals"`
	Settlement       SettlementConfig `mapstructure:"settlement"`
	RateLimit        RateLimitConfig  `mapstructure:"rateLimit"`
}

type SettlementConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Schedule  string `mapstructure:"schedule"`
	BatchSize int    `mapstructure:"batchSize"`
}

type RateLimitConfig struct {
	Rate  float64 `mapstructure:"rate"`
	Burst int     `mapstructure:"burst"`
}

func DefaultMarketplaceConfig() MarketplaceConfig {
	return MarketplaceConfig{
		AdminAddress:     "admin.testnet",
		Currency:         "USDC",
		CurrencyDecimals: 6,
		Settlement: SettlementConfig{
			Enabled:   false,
			Schedule:  "@every 1m",
			BatchSize: 100,
		},
		RateLimit: RateLimitConfig{
			Rate:  5,
			Burst: 10,
		},
	}
}

type MarketplaceConfigHolder struct {
	current atomic.Value // holds MarketplaceConfig
}

// NewStaticMarketplaceConfigHolder returns a holder that never reloads.
func NewStaticMarketplaceConfigHolder(cfg MarketplaceConfig) *MarketplaceConfigHolder {
	holder := &MarketplaceConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewMarketplaceConfigHolder() (*MarketplaceConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("marketplace")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/minutely")
	v.AddConfigPath(".")

	v.SetEnvPrefix("MINUTELY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultMarketplaceConfig()
	v.SetDefault("marketplace.adminAddress", defaults.AdminAddress)
	v.SetDefault("marketplace.currency", defaults.Currency)
	v.SetDefault("marketplace.currencyDecimals", defaults.CurrencyDecimals)
	v.SetDefault("marketplace.settlement.enabled", defaults.Settlement.Enabled)
	v.SetDefault("marketplace.settlement.schedule", defaults.Settlement.Schedule)
	v.SetDefault("marketplace.settlement.batchSize", defaults.Settlement.BatchSize)
	v.SetDefault("marketplace.rateLimit.rate", defaults.RateLimit.Rate)
	v.SetDefault("marketplace.rateLimit.burst", defaults.RateLimit.Burst)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileLoaded = false
	}

	cfg := DefaultMarketplaceConfig()
	if err := v.UnmarshalKey("marketplace", &cfg); err != nil {
		return nil, err
	}
	if err := ValidateMarketplaceConfig(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticMarketplaceConfigHolder(cfg)

	if fileLoaded {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			updated := DefaultMarketplaceConfig()
			if err := v.UnmarshalKey("marketplace", &updated); err != nil {
				log.Printf("[marketplace-config] reload failed: %v", err)
				return
			}
			if err := ValidateMarketplaceConfig(updated); err != nil {
				log.Printf("[marketplace-config] invalid config ignored: %v", err)
				return
			}
			holder.current.Store(updated)
			log.Printf("[marketplace-config] reloaded from %s", e.Name)
		})
	}

	return holder, nil
}

func (h *MarketplaceConfigHolder) Get() MarketplaceConfig {
	if h == nil {
		return DefaultMarketplaceConfig()
	}
	return h.current.Load().(MarketplaceConfig)
}

func ValidateMarketplaceConfig(cfg MarketplaceConfig) error {
	if strings.TrimSpace(cfg.AdminAddress) == "" {
		return errors.New("marketplace.adminAddress cannot be empty")
	}
	if strings.TrimSpace(cfg.Currency) == "" {
		return errors.New("marketplace.currency cannot be empty")
	}
	if cfg.CurrencyDecimals < 0 || cfg.CurrencyDecimals > 18 {
		return errors.New("marketplace.currencyDecimals must be between 0 and 18")
	}
	if cfg.Settlement.BatchSize <= 0 {
		return errors.New("marketplace.settlement.batchSize must be positive")
	}
	if _, err := cron.ParseStandard(cfg.Settlement.Schedule); err != nil {
		return errors.New("marketplace.settlement.schedule is not a valid cron spec")
	}
	if cfg.RateLimit.Rate <= 0 || cfg.RateLimit.Burst <= 0 {
		return errors.New("marketplace.rateLimit rate and burst must be positive")
	}
	return nil
}
