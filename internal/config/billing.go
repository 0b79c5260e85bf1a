package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	AggregationModeAggregated = "AGGREGATED"
	AggregationModeItemized   = "ITEMIZED"
)

// BillingConfig carries the tunables of the billing engine. It is passed
// explicitly to the calculator, the detail builder and the composition
// strategies instead of being read from process-wide state.
type BillingConfig struct {
	DefaultUnitPrices    map[string]float64 `mapstructure:"defaultUnitPrices"`
	AggregationMode      string             `mapstructure:"aggregationMode"`
	DueDays              int                `mapstructure:"dueDays"`
	AmountEpsilon        float64            `mapstructure:"amountEpsilon"`
	AllowOverpayment     bool               `mapstructure:"allowOverpayment"`
	RequireDownstreamAck bool               `mapstructure:"requireDownstreamAck"`
	CheckBatchSize       int                `mapstructure:"checkBatchSize"`
	ReportTTL            time.Duration      `mapstructure:"reportTTL"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		DefaultUnitPrices: map[string]float64{
			"ELECTRICITY": 0.6,
			"COLD_WATER":  3.5,
			"HOT_WATER":   6,
			"GAS":         2.8,
		},
		AggregationMode: AggregationModeAggregated,
		DueDays:         15,
		AmountEpsilon:   0.01,
		CheckBatchSize:  200,
		ReportTTL:       24 * time.Hour,
	}
}

// DefaultUnitPrice returns the configured fallback price for a meter type,
// or zero when none is configured.
func (c BillingConfig) DefaultUnitPrice(meterType string) decimal.Decimal {
	price, ok := c.DefaultUnitPrices[strings.ToUpper(strings.TrimSpace(meterType))]
	if !ok {
		return decimal.Zero
	}
	return decimal.NewFromFloat(price)
}

// Epsilon returns the tolerance used when comparing currency amounts.
func (c BillingConfig) Epsilon() decimal.Decimal {
	if c.AmountEpsilon <= 0 {
		return decimal.New(1, -2)
	}
	return decimal.NewFromFloat(c.AmountEpsilon)
}

type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

// NewStaticBillingConfigHolder wraps a fixed config, used by tests and one-off commands.
func NewStaticBillingConfigHolder(cfg BillingConfig) *BillingConfigHolder {
	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewBillingConfigHolder(log *zap.Logger) (*BillingConfigHolder, error) {
	log = log.Named("config.billing")

	v := viper.New()
	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/rentway")
	v.AddConfigPath(".")

	v.SetEnvPrefix("RENTWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultBillingConfig()
	v.SetDefault("billing.defaultUnitPrices", defaults.DefaultUnitPrices)
	v.SetDefault("billing.aggregationMode", defaults.AggregationMode)
	v.SetDefault("billing.dueDays", defaults.DueDays)
	v.SetDefault("billing.amountEpsilon", defaults.AmountEpsilon)
	v.SetDefault("billing.allowOverpayment", defaults.AllowOverpayment)
	v.SetDefault("billing.requireDownstreamAck", defaults.RequireDownstreamAck)
	v.SetDefault("billing.checkBatchSize", defaults.CheckBatchSize)
	v.SetDefault("billing.reportTTL", defaults.ReportTTL)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileLoaded = false
	}

	cfg, err := decodeBillingConfig(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticBillingConfigHolder(cfg)

	if fileLoaded {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			updated, err := decodeBillingConfig(v)
			if err != nil {
				log.Warn("billing config reload ignored", zap.String("file", e.Name), zap.Error(err))
				return
			}
			holder.current.Store(updated)
			log.Info("billing config reloaded", zap.String("file", e.Name))
		})
	}

	return holder, nil
}

func (h *BillingConfigHolder) Get() BillingConfig {
	return h.current.Load().(BillingConfig)
}

func decodeBillingConfig(v *viper.Viper) (BillingConfig, error) {
	var cfg BillingConfig
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return BillingConfig{}, err
	}
	normalized := make(map[string]float64, len(cfg.DefaultUnitPrices))
	for key, price := range cfg.DefaultUnitPrices {
		normalized[strings.ToUpper(strings.TrimSpace(key))] = price
	}
	cfg.DefaultUnitPrices = normalized
	cfg.AggregationMode = strings.ToUpper(strings.TrimSpace(cfg.AggregationMode))
	if err := ValidateBillingConfig(cfg); err != nil {
		return BillingConfig{}, err
	}
	return cfg, nil
}

func ValidateBillingConfig(cfg BillingConfig) error {
	switch cfg.AggregationMode {
	case AggregationModeAggregated, AggregationModeItemized:
	default:
		return fmt.Errorf("billing.aggregationMode %q is not supported", cfg.AggregationMode)
	}
	for meterType, price := range cfg.DefaultUnitPrices {
		if price <= 0 {
			return fmt.Errorf("billing.defaultUnitPrices.%s must be positive", meterType)
		}
	}
	if cfg.DueDays < 0 {
		return errors.New("billing.dueDays cannot be negative")
	}
	if cfg.CheckBatchSize <= 0 {
		return errors.New("billing.checkBatchSize must be positive")
	}
	return nil
}
