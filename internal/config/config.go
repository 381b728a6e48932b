package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ErrInvalidConfig marks configuration that must stop the process before trading starts.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config stores all configuration for the application.
// The values are read by viper from a config file or environment variables.
// It is loaded once and never mutated afterwards.
type Config struct {
	Exchange   string `mapstructure:"exchange"`
	Quote      string `mapstructure:"quote"`
	LogLevel   string `mapstructure:"log_level"`
	Thresholds ThresholdConfig
	Detector   DetectorConfig
	Trade      TradeConfig
	Spread     SpreadConfig
	Gateway    GatewayConfig
	Alerts     AlertConfig
	Engine     EngineConfig
	Database   DatabaseConfig
	Metrics    MetricsConfig
	Exchanges  map[string]ExchangeConfig
}

// ThresholdConfig holds the detection and exit thresholds shared by the
// detector and both controllers.
type ThresholdConfig struct {
	VolumeThreshold   float64       `mapstructure:"volume_threshold"`
	PriceThreshold    float64       `mapstructure:"price_threshold"`
	SpreadThreshold   float64       `mapstructure:"spread_threshold"`
	TargetProfitRatio float64       `mapstructure:"target_profit_ratio"`
	TimeLimit         time.Duration `mapstructure:"time_limit"`
	MaxLossFloor      float64       `mapstructure:"max_loss_floor"`
	RepriceBudget     int           `mapstructure:"reprice_budget"`
}

// DetectorConfig defines the market scanning loop.
type DetectorConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	BaselineWindow time.Duration `mapstructure:"baseline_window"`
	MinQuoteVolume float64       `mapstructure:"min_quote_volume"`
	Symbols        []string      `mapstructure:"symbols"`
}

// TradeConfig defines the pump trade controller.
type TradeConfig struct {
	Notional            float64       `mapstructure:"notional"`
	PartialFraction     float64       `mapstructure:"partial_fraction"`
	PartialTargetRatio  float64       `mapstructure:"partial_target_ratio"`
	MinRise             float64       `mapstructure:"min_rise"`
	StallWindow         time.Duration `mapstructure:"stall_window"`
	StallDecayRate      float64       `mapstructure:"stall_decay_rate"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	EntryFillTimeout    time.Duration `mapstructure:"entry_fill_timeout"`
	AdaptiveMaxDuration time.Duration `mapstructure:"adaptive_max_duration"`
	PegTicks            int           `mapstructure:"peg_ticks"`
	LiquidateOnStop     bool          `mapstructure:"liquidate_on_stop"`
	BookDepth           int           `mapstructure:"book_depth"`
}

// SpreadConfig defines the spread capture controller.
type SpreadConfig struct {
	Notional        float64       `mapstructure:"notional"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	MaxDuration     time.Duration `mapstructure:"max_duration"`
	BuyWindow       time.Duration `mapstructure:"buy_window"`
	FeeRate         float64       `mapstructure:"fee_rate"`
	LiquidateOnStop bool          `mapstructure:"liquidate_on_stop"`
	BookDepth       int           `mapstructure:"book_depth"`
}

// GatewayConfig defines retry and rate limiting around order operations.
type GatewayConfig struct {
	MaxAttempts       int           `mapstructure:"max_attempts"`
	InitialBackoff    time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

// Overflow policies of the alert queue.
const (
	OverflowDropOldest = "drop_oldest"
	OverflowDropNew    = "drop_new"
)

// Confirmation timeout policies.
const (
	OnTimeoutProceed = "proceed"
	OnTimeoutDecline = "decline"
)

// AlertConfig defines the alert queue and the optional confirmation gate.
type AlertConfig struct {
	QueueSize           int           `mapstructure:"queue_size"`
	Overflow            string        `mapstructure:"overflow"`
	RequireConfirmation bool          `mapstructure:"require_confirmation"`
	ConfirmTimeout      time.Duration `mapstructure:"confirm_timeout"`
	OnTimeout           string        `mapstructure:"on_timeout"`
}

// EngineConfig defines supervision of trading units.
type EngineConfig struct {
	MaxActiveTrades   int           `mapstructure:"max_active_trades"`
	SpreadSymbols     []string      `mapstructure:"spread_symbols"`
	SpreadAfterSignal time.Duration `mapstructure:"spread_after_signal"`
	UnwindTimeout     time.Duration `mapstructure:"unwind_timeout"`
	AutoTrade         bool          `mapstructure:"auto_trade"`
}

// DatabaseConfig defines the database connection settings.
type DatabaseConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
}

// DSN returns the pgx connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", d.User, d.Password, d.Host, d.Port, d.DBName)
}

// MetricsConfig defines the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string
}

// ExchangeConfig defines settings for a specific exchange.
type ExchangeConfig struct {
	TakerFeePercent float64 `mapstructure:"taker_fee_percent"`
	WSURL           string  `mapstructure:"ws_url"`
	PaperBalance    float64 `mapstructure:"paper_balance"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("exchange", "binance")
	v.SetDefault("quote", "USDT")
	v.SetDefault("log_level", "info")

	v.SetDefault("thresholds.volume_threshold", 1.1)
	v.SetDefault("thresholds.price_threshold", 0.02)
	v.SetDefault("thresholds.spread_threshold", 0.04)
	v.SetDefault("thresholds.target_profit_ratio", 0.01)
	v.SetDefault("thresholds.time_limit", 10*time.Second)
	v.SetDefault("thresholds.max_loss_floor", 0.05)
	v.SetDefault("thresholds.reprice_budget", 5)

	v.SetDefault("detector.poll_interval", 200*time.Millisecond)
	v.SetDefault("detector.baseline_window", time.Duration(0))
	v.SetDefault("detector.min_quote_volume", 5.0)
	v.SetDefault("detector.symbols", []string{})

	v.SetDefault("trade.notional", 10.0)
	v.SetDefault("trade.partial_fraction", 0.5)
	v.SetDefault("trade.partial_target_ratio", 0.004)
	v.SetDefault("trade.min_rise", 0.005)
	v.SetDefault("trade.stall_window", 20*time.Second)
	v.SetDefault("trade.stall_decay_rate", 0.002)
	v.SetDefault("trade.poll_interval", 300*time.Millisecond)
	v.SetDefault("trade.entry_fill_timeout", 2*time.Second)
	v.SetDefault("trade.adaptive_max_duration", time.Hour)
	v.SetDefault("trade.peg_ticks", 1)
	v.SetDefault("trade.liquidate_on_stop", true)
	v.SetDefault("trade.book_depth", 5)

	v.SetDefault("spread.notional", 4.0)
	v.SetDefault("spread.poll_interval", 500*time.Millisecond)
	v.SetDefault("spread.max_duration", time.Hour)
	v.SetDefault("spread.buy_window", time.Duration(0))
	v.SetDefault("spread.fee_rate", 0.001)
	v.SetDefault("spread.liquidate_on_stop", true)
	v.SetDefault("spread.book_depth", 5)

	v.SetDefault("gateway.max_attempts", 5)
	v.SetDefault("gateway.initial_backoff", 200*time.Millisecond)
	v.SetDefault("gateway.max_backoff", 2*time.Second)
	v.SetDefault("gateway.request_timeout", 3*time.Second)
	v.SetDefault("gateway.requests_per_second", 10.0)
	v.SetDefault("gateway.burst", 5)

	v.SetDefault("alerts.queue_size", 256)
	v.SetDefault("alerts.overflow", OverflowDropOldest)
	v.SetDefault("alerts.require_confirmation", false)
	v.SetDefault("alerts.confirm_timeout", 30*time.Second)
	v.SetDefault("alerts.on_timeout", OnTimeoutProceed)

	v.SetDefault("engine.max_active_trades", 1)
	v.SetDefault("engine.spread_symbols", []string{})
	v.SetDefault("engine.spread_after_signal", time.Duration(0))
	v.SetDefault("engine.unwind_timeout", 15*time.Second)
	v.SetDefault("engine.auto_trade", false)

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "pumpwatch")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "pumpwatch")

	v.SetDefault("metrics.addr", ":9102")
}

// LoadConfig reads configuration from file or environment variables.
// A .env file in path is loaded into the environment first when present.
func LoadConfig(path string) (config Config, err error) {
	if err = godotenv.Load(filepath.Join(path, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return config, fmt.Errorf("%w: load .env: %v", ErrInvalidConfig, err)
	}

	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err = v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return config, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}

	if err = v.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	config.Exchange = strings.ToLower(config.Exchange)
	config.Quote = strings.ToUpper(config.Quote)

	err = config.Validate()
	return
}

// Validate checks ranges that would make trading unsafe.
func (c Config) Validate() error {
	var problems []string
	t := c.Thresholds
	if t.VolumeThreshold <= 0 {
		problems = append(problems, "thresholds.volume_threshold must be > 0")
	}
	if t.PriceThreshold <= 0 {
		problems = append(problems, "thresholds.price_threshold must be > 0")
	}
	if t.SpreadThreshold <= 0 {
		problems = append(problems, "thresholds.spread_threshold must be > 0")
	}
	if t.TargetProfitRatio <= 0 {
		problems = append(problems, "thresholds.target_profit_ratio must be > 0")
	}
	if t.TimeLimit <= 0 {
		problems = append(problems, "thresholds.time_limit must be > 0")
	}
	if t.MaxLossFloor <= 0 || t.MaxLossFloor >= 1 {
		problems = append(problems, "thresholds.max_loss_floor must be in (0, 1)")
	}
	if t.RepriceBudget < 0 {
		problems = append(problems, "thresholds.reprice_budget must be >= 0")
	}
	if c.Trade.Notional <= 0 || c.Spread.Notional <= 0 {
		problems = append(problems, "trade.notional and spread.notional must be > 0")
	}
	if c.Trade.PartialFraction <= 0 || c.Trade.PartialFraction >= 1 {
		problems = append(problems, "trade.partial_fraction must be in (0, 1)")
	}
	if c.Trade.PartialTargetRatio >= t.TargetProfitRatio {
		problems = append(problems, "trade.partial_target_ratio must be below thresholds.target_profit_ratio")
	}
	if c.Trade.StallWindow <= 0 {
		problems = append(problems, "trade.stall_window must be > 0")
	}
	if c.Detector.PollInterval <= 0 || c.Trade.PollInterval <= 0 || c.Spread.PollInterval <= 0 {
		problems = append(problems, "poll intervals must be > 0")
	}
	if c.Gateway.MaxAttempts < 1 {
		problems = append(problems, "gateway.max_attempts must be >= 1")
	}
	if c.Gateway.RequestsPerSecond <= 0 {
		problems = append(problems, "gateway.requests_per_second must be > 0")
	}
	if c.Alerts.QueueSize < 1 {
		problems = append(problems, "alerts.queue_size must be >= 1")
	}
	if c.Alerts.Overflow != OverflowDropOldest && c.Alerts.Overflow != OverflowDropNew {
		problems = append(problems, fmt.Sprintf("alerts.overflow %q is not one of %s, %s", c.Alerts.Overflow, OverflowDropOldest, OverflowDropNew))
	}
	if c.Alerts.OnTimeout != OnTimeoutProceed && c.Alerts.OnTimeout != OnTimeoutDecline {
		problems = append(problems, fmt.Sprintf("alerts.on_timeout %q is not one of %s, %s", c.Alerts.OnTimeout, OnTimeoutProceed, OnTimeoutDecline))
	}
	if c.Engine.MaxActiveTrades < 1 {
		problems = append(problems, "engine.max_active_trades must be >= 1")
	}
	if c.Exchange == "" {
		problems = append(problems, "exchange must be set")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// ExchangeSettings returns the per-exchange settings for the selected exchange.
func (c Config) ExchangeSettings() ExchangeConfig {
	return c.Exchanges[c.Exchange]
}
