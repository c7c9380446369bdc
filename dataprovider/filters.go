// File: dataprovider/filters.go
package dataprovider

import (
	"math"

	"github.com/voyager418/mountain-seeker-sub000/pkg/broker"
	"github.com/voyager418/mountain-seeker-sub000/utilities"
)

// FilterByQuoteAsset keeps only markets quoted in one of the allowed assets.
// An empty allow list keeps everything.
func FilterByQuoteAsset(markets []broker.Market, allowed []string) []broker.Market {
	if len(allowed) == 0 {
		return markets
	}
	allowedSet := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		allowedSet[a] = true
	}
	out := markets[:0]
	for _, m := range markets {
		if allowedSet[m.QuoteAsset] {
			out = append(out, m)
		}
	}
	return out
}

// FilterByMinVolume keeps only markets whose 24h quote volume meets the
// minimum. A zero minimum keeps everything.
func FilterByMinVolume(markets []broker.Market, minQuoteVolume float64) []broker.Market {
	if minQuoteVolume <= 0 {
		return markets
	}
	out := markets[:0]
	for _, m := range markets {
		if m.QuoteVolumeLast24h >= minQuoteVolume {
			out = append(out, m)
		}
	}
	return out
}

// FilterDuplicateVariations drops every market whose own percentage-variation
// series repeats a value after rounding to five decimals. A live orderbook
// practically never produces two identical candle variations; a repeat is the
// signature of a frozen or manipulated market. Markets without any variation
// series yet are kept.
func FilterDuplicateVariations(markets []broker.Market) []broker.Market {
	out := markets[:0]
	for _, m := range markets {
		if !hasDuplicateVariations(m) {
			out = append(out, m)
		}
	}
	return out
}

func hasDuplicateVariations(m broker.Market) bool {
	for _, series := range m.PercentVariations {
		seen := make(map[float64]bool, len(series))
		for _, v := range series {
			rounded := roundTo5Decimals(v)
			if seen[rounded] {
				return true
			}
			seen[rounded] = true
		}
	}
	return false
}

// ComputePercentVariations returns the open-to-close percent variation of
// each candle, in the same order as the input.
func ComputePercentVariations(candles []utilities.Candlestick) []float64 {
	variations := make([]float64, len(candles))
	for i, c := range candles {
		variations[i] = utilities.GetPercentVariation(c.Open, c.Close)
	}
	return variations
}

// ComputePercentVariationsLive is ComputePercentVariations with the final
// entry replaced by the move from the previous close to the live price, so
// the still-forming candle reflects the market right now.
func ComputePercentVariationsLive(candles []utilities.Candlestick, livePrice float64) []float64 {
	variations := ComputePercentVariations(candles)
	if len(candles) >= 2 && livePrice > 0 {
		variations[len(variations)-1] = utilities.GetPercentVariation(candles[len(candles)-2].Close, livePrice)
	}
	return variations
}

// AggregateCandlesticks synthesizes coarser candles by merging factor base
// candles into one: open of the first, close of the last, extreme high and
// low, summed volume. Grouping is anchored at the newest candle so the most
// recent synthetic candle is always complete; oldest leftovers are dropped.
func AggregateCandlesticks(candles []utilities.Candlestick, factor int) []utilities.Candlestick {
	if factor <= 1 {
		return candles
	}
	start := len(candles) % factor
	out := make([]utilities.Candlestick, 0, (len(candles)-start)/factor)
	for i := start; i+factor <= len(candles); i += factor {
		group := candles[i : i+factor]
		agg := utilities.Candlestick{
			Timestamp: group[0].Timestamp,
			Open:      group[0].Open,
			High:      group[0].High,
			Low:       group[0].Low,
			Close:     group[len(group)-1].Close,
		}
		for _, c := range group {
			agg.High = math.Max(agg.High, c.High)
			agg.Low = math.Min(agg.Low, c.Low)
			agg.Volume += c.Volume
		}
		out = append(out, agg)
	}
	return out
}

func roundTo5Decimals(v float64) float64 {
	return math.Round(v*1e5) / 1e5
}
