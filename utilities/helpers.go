package utilities

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DoJSONRequest performs an HTTP request, retries on transient errors, and
// unmarshals a JSON response. A nil result discards the response body, for
// endpoints whose success reply carries nothing of interest.
func DoJSONRequest(client *http.Client, req *http.Request, maxRetries int, retryDelay time.Duration, result interface{}) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		r := req
		if attempt > 0 && req.GetBody != nil {
			bodyReader, err := req.GetBody()
			if err != nil {
				return fmt.Errorf("retry %d: could not reset request body: %w", attempt, err)
			}
			r = req.Clone(req.Context())
			r.Body = bodyReader
		}

		resp, err := client.Do(r)
		if err != nil {
			lastErr = err
			time.Sleep(retryDelay)
			continue
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 && resp.StatusCode <= 599 {
			lastErr = fmt.Errorf("server error %d %s", resp.StatusCode, resp.Status)
			time.Sleep(retryDelay)
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("http %d: %s", resp.StatusCode, string(snippet))
		}

		if result == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("failed to decode JSON response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("all retries failed: %w", lastErr)
}

// GetPercentVariation returns the percent change from start to end.
// A positive result means end is above start.
func GetPercentVariation(start, end float64) float64 {
	if start == 0 {
		return 0
	}
	return (end - start) / start * 100.0
}

// JitteredDelay returns the base delay scaled by the attempt number with up to
// 50% random jitter added, so that concurrent retries do not fire in lockstep.
func JitteredDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base * time.Duration(attempt)
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	return d + jitter
}

// MinInt returns the minimum of two integers.
func MinInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// ParseIntervalDuration converts a candlestick interval string like "5m" or
// "1h" into a time.Duration.
func ParseIntervalDuration(interval string) (time.Duration, error) {
	durationMap := map[string]time.Duration{
		"1m":  time.Minute,
		"5m":  5 * time.Minute,
		"15m": 15 * time.Minute,
		"30m": 30 * time.Minute,
		"1h":  time.Hour,
		"2h":  2 * time.Hour,
		"4h":  4 * time.Hour,
		"6h":  6 * time.Hour,
		"12h": 12 * time.Hour,
		"1d":  24 * time.Hour,
		"1w":  7 * 24 * time.Hour,
	}
	if d, ok := durationMap[strings.ToLower(interval)]; ok {
		return d, nil
	}
	return 0, fmt.Errorf("unsupported candlestick interval: %s", interval)
}

// SignQueryHMACSHA256 signs a raw query string with an HMAC-SHA256 of the API
// secret and returns the hex encoded signature, as required by Binance signed
// endpoints.
func SignQueryHMACSHA256(apiSecret, query string) string {
	mac := hmac.New(sha256.New, []byte(apiSecret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// SortCandlesticksByTimestamp sorts a slice of Candlestick by ascending Timestamp.
func SortCandlesticksByTimestamp(candles []Candlestick) {
	sort.Slice(candles, func(i, j int) bool {
		return candles[i].Timestamp < candles[j].Timestamp
	})
}

// TruncateToPrecision cuts value down to the given number of decimal places
// without rounding, so order amounts never exceed the available balance.
// The string round trip avoids the drift that a multiply-floor-divide on
// float64 introduces for values like 0.00053.
func TruncateToPrecision(value float64, decimals int) float64 {
	if decimals < 0 {
		decimals = 0
	}
	s := strconv.FormatFloat(value, 'f', -1, 64)
	dot := strings.IndexByte(s, '.')
	if dot >= 0 {
		end := dot + 1 + decimals
		if decimals == 0 {
			end = dot
		}
		if end < len(s) {
			s = s[:end]
		}
	}
	out, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return value
	}
	return out
}

// TruncateToStepSize truncates value down to an integer multiple of step, the
// quantity granularity Binance publishes per market. A step of zero leaves the
// value unchanged.
func TruncateToStepSize(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	// Derive the decimal count from the step so the result survives a string
	// round trip, e.g. step 0.001 -> 3 decimals.
	decimals := 0
	s := strconv.FormatFloat(step, 'f', -1, 64)
	if dot := strings.IndexByte(s, '.'); dot >= 0 {
		decimals = len(s) - dot - 1
	}
	return TruncateToPrecision(value, decimals)
}
