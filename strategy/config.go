// File: strategy/config.go
package strategy

import (
	"fmt"

	"github.com/voyager418/mountain-seeker-sub000/utilities"
)

// DefaultConfig returns the baseline MountainSeeker tuning.
func DefaultConfig() utilities.StrategyConfig {
	return utilities.StrategyConfig{
		AbortLossPercent:         -7.0,
		ATRPeriod:                14,
		CombinedAbortLossPercent: -10.0,
		DefaultTuning: utilities.MarketTuning{
			MaxStopLossPercent:      5.0,
			MinTakeProfitPercent:    1.0,
			StopLossATRMultiplier:   2.0,
			TakeProfitATRMultiplier: 3.0,
		},
		Intervals:            []string{"5m", "15m"},
		MaxLastCandlePercent: 7.0,
		MaxMacdCrossoverAge:  3,
		MinLastCandlePercent: 1.5,
		MonitorIntervalSec:   30,
		TradeCooldownMinutes: 240,
	}
}

// MergeDefaults completes a partially specified config with the defaults.
// The input is never mutated; a fully populated copy is returned.
func MergeDefaults(cfg utilities.StrategyConfig) utilities.StrategyConfig {
	def := DefaultConfig()
	out := cfg

	if out.AbortLossPercent == 0 {
		out.AbortLossPercent = def.AbortLossPercent
	}
	if out.ATRPeriod == 0 {
		out.ATRPeriod = def.ATRPeriod
	}
	if out.CombinedAbortLossPercent == 0 {
		out.CombinedAbortLossPercent = def.CombinedAbortLossPercent
	}
	if out.DefaultTuning == (utilities.MarketTuning{}) {
		out.DefaultTuning = def.DefaultTuning
	}
	if len(out.Intervals) == 0 {
		out.Intervals = append([]string(nil), def.Intervals...)
	} else {
		out.Intervals = append([]string(nil), out.Intervals...)
	}
	if out.MaxLastCandlePercent == 0 {
		out.MaxLastCandlePercent = def.MaxLastCandlePercent
	}
	if out.MaxMacdCrossoverAge == 0 {
		out.MaxMacdCrossoverAge = def.MaxMacdCrossoverAge
	}
	if out.MinLastCandlePercent == 0 {
		out.MinLastCandlePercent = def.MinLastCandlePercent
	}
	if out.MonitorIntervalSec == 0 {
		out.MonitorIntervalSec = def.MonitorIntervalSec
	}
	if out.TradeCooldownMinutes == 0 {
		out.TradeCooldownMinutes = def.TradeCooldownMinutes
	}

	tuning := make(map[string]utilities.MarketTuning, len(cfg.MarketTuning))
	for symbol, t := range cfg.MarketTuning {
		tuning[symbol] = t
	}
	out.MarketTuning = tuning
	out.IgnoredMarkets = append([]string(nil), cfg.IgnoredMarkets...)
	out.PreferredMarkets = append([]string(nil), cfg.PreferredMarkets...)
	return out
}

// ValidateConfig rejects unusable configs before any order can be placed.
func ValidateConfig(cfg utilities.StrategyConfig) error {
	if cfg.MaxMoneyToTrade <= 0 {
		return fmt.Errorf("max_money_to_trade must be positive, got %v", cfg.MaxMoneyToTrade)
	}
	if len(cfg.Intervals) == 0 {
		return fmt.Errorf("at least one candlestick interval is required")
	}
	for _, interval := range cfg.Intervals {
		if _, err := utilities.ParseIntervalDuration(interval); err != nil {
			return err
		}
	}
	if cfg.MinLastCandlePercent >= cfg.MaxLastCandlePercent {
		return fmt.Errorf("min_last_candle_percent (%v) must be below max_last_candle_percent (%v)",
			cfg.MinLastCandlePercent, cfg.MaxLastCandlePercent)
	}
	if cfg.AbortLossPercent >= 0 {
		return fmt.Errorf("abort_loss_percent must be negative, got %v", cfg.AbortLossPercent)
	}
	if cfg.CombinedAbortLossPercent >= 0 {
		return fmt.Errorf("combined_abort_loss_percent must be negative, got %v", cfg.CombinedAbortLossPercent)
	}
	if err := validateTuning("default_tuning", cfg.DefaultTuning); err != nil {
		return err
	}
	for symbol, tuning := range cfg.MarketTuning {
		if err := validateTuning(symbol, tuning); err != nil {
			return err
		}
	}
	return nil
}

func validateTuning(name string, t utilities.MarketTuning) error {
	if t.StopLossATRMultiplier <= 0 || t.TakeProfitATRMultiplier <= 0 {
		return fmt.Errorf("tuning for %s: ATR multipliers must be positive", name)
	}
	if t.MaxStopLossPercent <= 0 {
		return fmt.Errorf("tuning for %s: max_stop_loss_percent must be positive", name)
	}
	if t.MinTakeProfitPercent < 0 {
		return fmt.Errorf("tuning for %s: min_take_profit_percent cannot be negative", name)
	}
	return nil
}

// TuningFor resolves the tuning for one market, falling back to the default.
func TuningFor(cfg utilities.StrategyConfig, symbol string) utilities.MarketTuning {
	if t, ok := cfg.MarketTuning[symbol]; ok {
		return t
	}
	return cfg.DefaultTuning
}
