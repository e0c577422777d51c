package config

import (
	"time"

	"github.com/spf13/viper"
)

// CommissionConfig carries the platform defaults applied when a business has
// no commission of its own configured. Magnitudes are deployment decisions,
// not core constants.
type CommissionConfig struct {
	DefaultFixedCents int64
	DefaultPct        float64
}

type GatewayConfig struct {
	BaseURL    string
	Timeout    time.Duration
	RetryCount int
}

type ReconcilerConfig struct {
	Interval time.Duration
}

func LoadCommissionConfig() CommissionConfig {
	viper.SetDefault("commission.default_fixed_cents", 0)
	viper.SetDefault("commission.default_pct", 0.03)

	return CommissionConfig{
		DefaultFixedCents: viper.GetInt64("commission.default_fixed_cents"),
		DefaultPct:        viper.GetFloat64("commission.default_pct"),
	}
}

func LoadGatewayConfig() GatewayConfig {
	viper.SetDefault("machine_gateway.base_url", "http://localhost:9090")
	viper.SetDefault("machine_gateway.timeout", 10*time.Second)
	viper.SetDefault("machine_gateway.retry_count", 2)

	return GatewayConfig{
		BaseURL:    viper.GetString("machine_gateway.base_url"),
		Timeout:    viper.GetDuration("machine_gateway.timeout"),
		RetryCount: viper.GetInt("machine_gateway.retry_count"),
	}
}

func LoadReconcilerConfig() ReconcilerConfig {
	viper.SetDefault("reconciler.interval", 30*time.Second)

	return ReconcilerConfig{
		Interval: viper.GetDuration("reconciler.interval"),
	}
}
