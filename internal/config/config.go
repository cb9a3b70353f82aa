// Package config loads the service configuration from the environment and
// the market definition from YAML.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"
)

// Config is the process configuration. Every field comes from an
// environment variable.
type Config struct {
	Env   string `env:"ENV"   envDefault:"development"`
	Debug bool   `env:"DEBUG"`
	Port  string `env:"PORT"  envDefault:"8080"`

	DatabasePath string `env:"DCA_DATABASE_PATH" envDefault:"dca.db"`
	JWTSecret    string `env:"DCA_JWT_SECRET"    envDefault:"klear-dca-secret"`
	AdminAddress string `env:"DCA_ADMIN_ADDRESS" envDefault:"admin"`
	FeeCollector string `env:"DCA_FEE_COLLECTOR" envDefault:"fee-collector"`

	SwapFeePercent        decimal.Decimal `env:"DCA_SWAP_FEE_PERCENT"        envDefault:"0.0005"`
	PerformanceFeePercent decimal.Decimal `env:"DCA_PERFORMANCE_FEE_PERCENT" envDefault:"0.2"`
	EscrowLevel           decimal.Decimal `env:"DCA_ESCROW_LEVEL"            envDefault:"0.05"`
	DefaultSlippage       decimal.Decimal `env:"DCA_DEFAULT_SLIPPAGE"        envDefault:"0.01"`

	PageLimit          int           `env:"DCA_PAGE_LIMIT"          envDefault:"30"`
	ProcessInterval    time.Duration `env:"DCA_PROCESS_INTERVAL"    envDefault:"10s"`
	SettleInterval     time.Duration `env:"DCA_SETTLE_INTERVAL"     envDefault:"10s"`
	AdjustmentInterval time.Duration `env:"DCA_ADJUSTMENT_INTERVAL" envDefault:"1h"`
	AdjustmentWindow   int           `env:"DCA_ADJUSTMENT_WINDOW"   envDefault:"30"`

	MarketFile string `env:"DCA_MARKET_FILE"`

	// api key -> api secret
	APICredentials map[string]string `env:"DCA_API_CREDENTIALS" envDefault:"test-api-key:test-api-secret"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load reads and validates the configuration.
func Load() (*Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func fraction(name string, d decimal.Decimal) error {
	if d.IsNegative() || d.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%s must be between 0 and 1, got %s", name, d)
	}
	return nil
}

func (c *Config) Validate() error {
	for name, value := range map[string]decimal.Decimal{
		"DCA_SWAP_FEE_PERCENT":        c.SwapFeePercent,
		"DCA_PERFORMANCE_FEE_PERCENT": c.PerformanceFeePercent,
		"DCA_ESCROW_LEVEL":            c.EscrowLevel,
		"DCA_DEFAULT_SLIPPAGE":        c.DefaultSlippage,
	} {
		if err := fraction(name, value); err != nil {
			return err
		}
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("DCA_JWT_SECRET is required")
	}
	if c.FeeCollector == "" {
		return fmt.Errorf("DCA_FEE_COLLECTOR is required")
	}
	if c.PageLimit <= 0 {
		return fmt.Errorf("DCA_PAGE_LIMIT must be positive")
	}
	if c.ProcessInterval <= 0 || c.SettleInterval <= 0 {
		return fmt.Errorf("processor intervals must be positive")
	}
	return nil
}
