package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"arbiter/internal/model"
)

// Config stores all configuration for the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Arbitrage ArbitrageConfig
	Database  DatabaseConfig
	Exchanges map[string]ExchangeConfig
}

// ArbitrageConfig defines the arbitrage-engine settings.
type ArbitrageConfig struct {
	Pairs              []string `mapstructure:"pairs"`
	MinSpreadPercent   float64  `mapstructure:"min_spread_percent"`
	OrderSizeQuote     float64  `mapstructure:"order_size_quote"`
	FeeRate            float64  `mapstructure:"fee_rate"`
	ScanIntervalMS     int      `mapstructure:"scan_interval_ms"`
	FreshnessWindowMS  int      `mapstructure:"freshness_window_ms"`
	SummaryIntervalMS  int      `mapstructure:"summary_interval_ms"`
	HistorySize        int      `mapstructure:"history_size"`
	PaperTrading       bool     `mapstructure:"paper_trading"`
	OrderBookDepth     int      `mapstructure:"order_book_depth"`
}

// DatabaseConfig defines the database connection settings. An empty DSN
// disables persistence.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// ExchangeConfig defines settings for a specific exchange.
type ExchangeConfig struct {
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	config.applyDefaults()
	err = config.Validate()
	return
}

func (c *Config) applyDefaults() {
	if c.Arbitrage.FeeRate == 0 {
		c.Arbitrage.FeeRate = 0.001
	}
	if c.Arbitrage.ScanIntervalMS == 0 {
		c.Arbitrage.ScanIntervalMS = 5000
	}
	if c.Arbitrage.FreshnessWindowMS == 0 {
		c.Arbitrage.FreshnessWindowMS = 10000
	}
	if c.Arbitrage.SummaryIntervalMS == 0 {
		c.Arbitrage.SummaryIntervalMS = 60000
	}
	if c.Arbitrage.HistorySize == 0 {
		c.Arbitrage.HistorySize = 50
	}
	if c.Arbitrage.OrderBookDepth == 0 {
		c.Arbitrage.OrderBookDepth = 20
	}
}

// Validate checks the parts of the configuration the engine cannot run
// without.
func (c *Config) Validate() error {
	if len(c.Arbitrage.Pairs) == 0 {
		return fmt.Errorf("config: at least one trading pair is required")
	}
	if _, err := c.Arbitrage.TradingPairs(); err != nil {
		return err
	}
	if c.Arbitrage.OrderSizeQuote <= 0 {
		return fmt.Errorf("config: order_size_quote must be positive")
	}
	if c.Arbitrage.MinSpreadPercent < 0 {
		return fmt.Errorf("config: min_spread_percent must not be negative")
	}
	if len(c.Exchanges) < 2 {
		return fmt.Errorf("config: at least two exchanges are required")
	}
	return nil
}

// TradingPairs parses the configured "BASE/QUOTE" strings.
func (a ArbitrageConfig) TradingPairs() ([]model.TradingPair, error) {
	pairs := make([]model.TradingPair, 0, len(a.Pairs))
	for _, raw := range a.Pairs {
		base, quote, ok := strings.Cut(raw, "/")
		if !ok || base == "" || quote == "" {
			return nil, fmt.Errorf("config: invalid trading pair %q, want BASE/QUOTE", raw)
		}
		pairs = append(pairs, model.NewTradingPair(base, quote))
	}
	return pairs, nil
}

// MinSpread returns the minimum spread threshold as a decimal percent.
func (a ArbitrageConfig) MinSpread() decimal.Decimal {
	return decimal.NewFromFloat(a.MinSpreadPercent)
}

// Fee returns the proportional per-leg fee rate (0.001 = 0.1%).
func (a ArbitrageConfig) Fee() decimal.Decimal {
	return decimal.NewFromFloat(a.FeeRate)
}

// OrderSize returns the per-trade order size in quote currency.
func (a ArbitrageConfig) OrderSize() decimal.Decimal {
	return decimal.NewFromFloat(a.OrderSizeQuote)
}

// ScanInterval returns the tick cadence of the scan loop.
func (a ArbitrageConfig) ScanInterval() time.Duration {
	return time.Duration(a.ScanIntervalMS) * time.Millisecond
}

// FreshnessWindow returns how old an order book may be before it is
// excluded from scanning.
func (a ArbitrageConfig) FreshnessWindow() time.Duration {
	return time.Duration(a.FreshnessWindowMS) * time.Millisecond
}

// SummaryInterval returns the cadence of performance-summary events.
func (a ArbitrageConfig) SummaryInterval() time.Duration {
	return time.Duration(a.SummaryIntervalMS) * time.Millisecond
}
