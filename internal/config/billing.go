package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// BillingPolicy holds the tunable billing rules. It can be hot reloaded.
type BillingPolicy struct {
	GracePeriod           time.Duration `mapstructure:"grace_period"`
	RefundOnModuleDisable bool          `mapstructure:"refund_on_module_disable"`
	MinInspectionVolume   int64         `mapstructure:"min_inspection_volume"`
	Retry                 RetryPolicy   `mapstructure:"retry"`
	FX                    FXPolicy      `mapstructure:"fx"`
	Pricing               PricingPolicy `mapstructure:"pricing"`
}

type RetryPolicy struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

type FXPolicy struct {
	BaseCurrency  string             `mapstructure:"base_currency"`
	TTL           time.Duration      `mapstructure:"ttl"`
	FallbackRates map[string]float64 `mapstructure:"fallback_rates"`
}

type PricingPolicy struct {
	// MaxSmartPackExtra caps the credits a single pack recommendation covers.
	MaxSmartPackExtra int64 `mapstructure:"max_smart_pack_extra"`
}

func DefaultBillingPolicy() BillingPolicy {
	return BillingPolicy{
		GracePeriod:           72 * time.Hour,
		RefundOnModuleDisable: false,
		MinInspectionVolume:   10,
		Retry: RetryPolicy{
			MaxAttempts:     3,
			InitialInterval: 200 * time.Millisecond,
			MaxInterval:     2 * time.Second,
		},
		FX: FXPolicy{
			BaseCurrency: "USD",
			TTL:          time.Hour,
			FallbackRates: map[string]float64{
				"USD": 1,
				"GBP": 0.79,
				"EUR": 0.92,
				"AUD": 1.52,
				"CAD": 1.36,
				"NZD": 1.66,
			},
		},
		Pricing: PricingPolicy{
			MaxSmartPackExtra: 100000,
		},
	}
}

// BillingPolicyHolder serves the current policy to readers while a
// watcher swaps it on config file changes.
type BillingPolicyHolder struct {
	current atomic.Value // holds BillingPolicy
}

// NewStaticBillingPolicy returns a holder that never reloads.
func NewStaticBillingPolicy(policy BillingPolicy) *BillingPolicyHolder {
	holder := &BillingPolicyHolder{}
	holder.current.Store(policy)
	return holder
}

func NewBillingPolicyHolder(cfg Config, log *zap.Logger) (*BillingPolicyHolder, error) {
	log = log.Named("config.billing")
	v := viper.New()

	if path := strings.TrimSpace(cfg.BillingPolicyPath); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("billing")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/inspectbill")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("INSPECTBILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setBillingDefaults(v, DefaultBillingPolicy())

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read billing policy: %w", err)
		}
		fileLoaded = false
		log.Info("billing policy file not found, using defaults")
	}

	policy, err := decodeBillingPolicy(v)
	if err != nil {
		return nil, err
	}

	holder := &BillingPolicyHolder{}
	holder.current.Store(policy)

	if fileLoaded {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			updated, err := decodeBillingPolicy(v)
			if err != nil {
				log.Warn("billing policy reload rejected", zap.String("file", e.Name), zap.Error(err))
				return
			}
			holder.current.Store(updated)
			log.Info("billing policy reloaded", zap.String("file", e.Name))
		})
	}

	return holder, nil
}

func (h *BillingPolicyHolder) Get() BillingPolicy {
	return h.current.Load().(BillingPolicy)
}

func setBillingDefaults(v *viper.Viper, defaults BillingPolicy) {
	v.SetDefault("billing.grace_period", defaults.GracePeriod)
	v.SetDefault("billing.refund_on_module_disable", defaults.RefundOnModuleDisable)
	v.SetDefault("billing.min_inspection_volume", defaults.MinInspectionVolume)
	v.SetDefault("billing.retry.max_attempts", defaults.Retry.MaxAttempts)
	v.SetDefault("billing.retry.initial_interval", defaults.Retry.InitialInterval)
	v.SetDefault("billing.retry.max_interval", defaults.Retry.MaxInterval)
	v.SetDefault("billing.fx.base_currency", defaults.FX.BaseCurrency)
	v.SetDefault("billing.fx.ttl", defaults.FX.TTL)
	v.SetDefault("billing.fx.fallback_rates", defaults.FX.FallbackRates)
	v.SetDefault("billing.pricing.max_smart_pack_extra", defaults.Pricing.MaxSmartPackExtra)
}

func decodeBillingPolicy(v *viper.Viper) (BillingPolicy, error) {
	var policy BillingPolicy
	if err := v.UnmarshalKey("billing", &policy); err != nil {
		return BillingPolicy{}, err
	}
	policy.FX.BaseCurrency = strings.ToUpper(strings.TrimSpace(policy.FX.BaseCurrency))
	rates := make(map[string]float64, len(policy.FX.FallbackRates))
	for code, rate := range policy.FX.FallbackRates {
		rates[strings.ToUpper(strings.TrimSpace(code))] = rate
	}
	policy.FX.FallbackRates = rates
	if err := ValidateBillingPolicy(policy); err != nil {
		return BillingPolicy{}, err
	}
	return policy, nil
}

func ValidateBillingPolicy(policy BillingPolicy) error {
	if policy.GracePeriod <= 0 {
		return errors.New("billing.grace_period must be positive")
	}
	if policy.MinInspectionVolume < 0 {
		return errors.New("billing.min_inspection_volume cannot be negative")
	}
	if policy.Retry.MaxAttempts < 1 {
		return errors.New("billing.retry.max_attempts must be at least 1")
	}
	if policy.Retry.InitialInterval <= 0 || policy.Retry.MaxInterval < policy.Retry.InitialInterval {
		return errors.New("billing.retry intervals are invalid")
	}
	if len(policy.FX.BaseCurrency) != 3 {
		return errors.New("billing.fx.base_currency must be an ISO 4217 code")
	}
	if policy.FX.TTL <= 0 {
		return errors.New("billing.fx.ttl must be positive")
	}
	for code, rate := range policy.FX.FallbackRates {
		if rate <= 0 {
			return fmt.Errorf("billing.fx.fallback_rates.%s must be positive", code)
		}
	}
	if policy.Pricing.MaxSmartPackExtra <= 0 {
		return errors.New("billing.pricing.max_smart_pack_extra must be positive")
	}
	return nil
}
