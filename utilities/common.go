package utilities

import (
	"fmt"
	"log"
	"os"
	"strings"

	"golang.org/x/time/rate"
)

// LogLevel defines the severity of a log message.
type LogLevel int

// Logging Level
const (
	Debug LogLevel = iota
	Info
	Warn
	Error
	Fatal
)

// Colors.
const (
	ColorReset  = "\033[0m"
	ColorYellow = "\033[93m" // For market symbols
	ColorCyan   = "\033[96m" // For buy/entry events
	ColorRed    = "\033[91m" // For sell/exit events
	ColorWhite  = "\033[97m" // For hold/no-op events
)

// --- Types (Alphabetized) ---

// AccountConfig describes one trading account and the strategy variant it runs.
type AccountConfig struct {
	Email      string         `mapstructure:"email"`
	Active     bool           `mapstructure:"active"`
	Simulation bool           `mapstructure:"simulation"`
	Strategy   StrategyConfig `mapstructure:"strategy"`
}

// AppConfig is the root configuration structure, holding all other config sections.
type AppConfig struct {
	AppName      string             `mapstructure:"app_name"`
	Version      string             `mapstructure:"version"`
	Environment  string             `mapstructure:"environment"`
	Accounts     []AccountConfig    `mapstructure:"accounts"`
	Binance      BinanceConfig      `mapstructure:"binance"`
	DB           DatabaseConfig     `mapstructure:"database"`
	Distributor  DistributorConfig  `mapstructure:"distributor"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Notification NotificationConfig `mapstructure:"notification"`
	Web          WebConfig          `mapstructure:"web"`
}

// BinanceConfig holds all settings for the Binance exchange integration.
type BinanceConfig struct {
	APIKey               string     `mapstructure:"api_key"`
	APISecret            string     `mapstructure:"api_secret"`
	BaseURL              string     `mapstructure:"base_url"`
	BalanceSettleDelayMs int        `mapstructure:"balance_settle_delay_ms"`
	MaxRetries           int        `mapstructure:"max_retries"`
	OrderPollIntervalSec int        `mapstructure:"order_poll_interval_sec"`
	RateLimitBurst       int        `mapstructure:"rate_limit_burst"`
	RateLimitPerSec      rate.Limit `mapstructure:"rate_limit_per_sec"`
	RequestTimeoutSec    int        `mapstructure:"request_timeout_sec"`
	RetryDelaySec        int        `mapstructure:"retry_delay_sec"`
	Simulation           bool       `mapstructure:"simulation"`
}

// Candlestick is a single OHLCV candle. Timestamp is the candle open time in
// milliseconds since the Unix epoch.
type Candlestick struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// DatabaseConfig holds settings for database connections.
type DatabaseConfig struct {
	DBPath string `mapstructure:"database_path"`
}

// DistributorConfig holds settings for the market data distribution cycle.
type DistributorConfig struct {
	AuthorizedQuoteAssets  []string `mapstructure:"authorized_quote_assets"`
	BaseInterval           string   `mapstructure:"base_interval"`
	CandlestickCount       int      `mapstructure:"candlestick_count"`
	FetchChunks            int      `mapstructure:"fetch_chunks"`
	LiveSleepSec           int      `mapstructure:"live_sleep_sec"`
	MaxObservers           int      `mapstructure:"max_observers"`
	MinFetchFloorSec       int      `mapstructure:"min_fetch_floor_sec"`
	MinPercentChange24h    float64  `mapstructure:"min_percent_change_24h"`
	MinVolume24h           float64  `mapstructure:"min_volume_24h"`
	SimulationAccountEmail string   `mapstructure:"simulation_account_email"`
	SimulationSleepSec     int      `mapstructure:"simulation_sleep_sec"`
	SingleCycle            bool     `mapstructure:"single_cycle"`
	SynthesizedIntervals   []string `mapstructure:"synthesized_intervals"`
}

// Logger provides a structured logger with different levels.
type Logger struct {
	Level  LogLevel
	Logger *log.Logger
}

// LoggingConfig holds settings related to logging.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// MarketTuning holds the per-market multipliers the eligibility filter and the
// monitoring loop derive their stop and take-profit distances from.
type MarketTuning struct {
	MaxStopLossPercent      float64 `mapstructure:"max_stop_loss_percent"`
	MinTakeProfitPercent    float64 `mapstructure:"min_take_profit_percent"`
	StopLossATRMultiplier   float64 `mapstructure:"stop_loss_atr_multiplier"`
	TakeProfitATRMultiplier float64 `mapstructure:"take_profit_atr_multiplier"`
}

// NotificationConfig holds settings for the trade notification webhook.
type NotificationConfig struct {
	MaxRetries int    `mapstructure:"max_retries"`
	WebhookURL string `mapstructure:"webhook_url"`
}

// StrategyConfig holds the tuning of one MountainSeeker strategy instance.
// Partially specified configs are completed by strategy.MergeDefaults and
// validated at construction time, never mutated in place afterwards.
type StrategyConfig struct {
	AbortLossPercent         float64                 `mapstructure:"abort_loss_percent"`
	ATRPeriod                int                     `mapstructure:"atr_period"`
	AutoRestart              bool                    `mapstructure:"auto_restart"`
	CombinedAbortLossPercent float64                 `mapstructure:"combined_abort_loss_percent"`
	DeductForeignCommission  bool                    `mapstructure:"deduct_foreign_commission"`
	DefaultTuning            MarketTuning            `mapstructure:"default_tuning"`
	IgnoredMarkets           []string                `mapstructure:"ignored_markets"`
	Intervals                []string                `mapstructure:"intervals"`
	MarketTuning             map[string]MarketTuning `mapstructure:"market_tuning"`
	MaxLastCandlePercent     float64                 `mapstructure:"max_last_candle_percent"`
	MaxMacdCrossoverAge      int                     `mapstructure:"max_macd_crossover_age"`
	MaxMoneyToTrade          float64                 `mapstructure:"max_money_to_trade"`
	MinLastCandlePercent     float64                 `mapstructure:"min_last_candle_percent"`
	MonitorIntervalSec       int                     `mapstructure:"monitor_interval_sec"`
	PreferredMarkets         []string                `mapstructure:"preferred_markets"`
	SqueezeScriptPath        string                  `mapstructure:"squeeze_script_path"`
	TradeCooldownMinutes     int                     `mapstructure:"trade_cooldown_minutes"`
}

// WebConfig holds settings for the administrative HTTP surface.
type WebConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// NewLogger creates a new Logger instance.
func NewLogger(level LogLevel) *Logger {
	return &Logger{
		Level:  level,
		Logger: log.New(os.Stdout, "[MountainSeeker] ", log.Ldate|log.Ltime|log.Lshortfile),
	}
}

// LogDebug logs a message at Debug level.
func (l *Logger) LogDebug(format string, v ...interface{}) {
	if l.Level <= Debug {
		_ = l.Logger.Output(2, fmt.Sprintf("[DEBUG] "+format, v...))
	}
}

// LogError logs a message at Error level.
func (l *Logger) LogError(format string, v ...interface{}) {
	if l.Level <= Error {
		_ = l.Logger.Output(2, fmt.Sprintf("[ERROR] "+format, v...))
	}
}

// LogFatal logs a message at Fatal level and then calls os.Exit(1).
func (l *Logger) LogFatal(format string, v ...interface{}) {
	_ = l.Logger.Output(2, fmt.Sprintf("[FATAL] "+format, v...))
	os.Exit(1)
}

// LogInfo logs a message at Info level.
func (l *Logger) LogInfo(format string, v ...interface{}) {
	if l.Level <= Info {
		_ = l.Logger.Output(2, fmt.Sprintf("[INFO] "+format, v...))
	}
}

// LogWarn logs a message at Warn level.
func (l *Logger) LogWarn(format string, v ...interface{}) {
	if l.Level <= Warn {
		_ = l.Logger.Output(2, fmt.Sprintf("[WARN] "+format, v...))
	}
}

// SetLogLevel updates the logging level of the logger.
func (l *Logger) SetLogLevel(level LogLevel) {
	l.Level = level
}

// ParseLogLevel converts a string log level to the LogLevel type.
func ParseLogLevel(levelStr string) (LogLevel, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return Debug, nil
	case "info":
		return Info, nil
	case "warn":
		return Warn, nil
	case "error":
		return Error, nil
	case "fatal":
		return Fatal, nil
	default:
		return Info, fmt.Errorf("invalid log level string: %s", levelStr)
	}
}
