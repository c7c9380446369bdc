// File: strategy/squeeze.go
package strategy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/voyager418/mountain-seeker-sub000/utilities"
)

// Squeeze momentum color states. Lime and green mark positive momentum,
// red and maroon negative momentum; the second color of each pair marks
// deceleration.
const (
	SqueezeLime   = "lime"
	SqueezeGreen  = "green"
	SqueezeRed    = "red"
	SqueezeMaroon = "maroon"
)

// squeezeInput is the JSON document written to the subprocess stdin.
type squeezeInput struct {
	High     []float64 `json:"high"`
	Low      []float64 `json:"low"`
	Close    []float64 `json:"close"`
	Length   int       `json:"length"`
	Mult     float64   `json:"mult"`
	LengthKC int       `json:"length_kc"`
	MultKC   float64   `json:"mult_kc"`
}

// SqueezeResult is the JSON document the subprocess prints on stdout: the
// momentum histogram and a parallel color classification per bar.
type SqueezeResult struct {
	Values []float64 `json:"values"`
	Colors []string  `json:"colors"`
}

// HasBuySignal reports the entry pattern: exactly two consecutive red bars
// immediately followed by two maroon bars at the end of the series, the
// signature of a decelerating downtrend.
func (r SqueezeResult) HasBuySignal() bool {
	n := len(r.Colors)
	if n < 4 {
		return false
	}
	if r.Colors[n-1] != SqueezeMaroon || r.Colors[n-2] != SqueezeMaroon ||
		r.Colors[n-3] != SqueezeRed || r.Colors[n-4] != SqueezeRed {
		return false
	}
	// A third red bar before the pair breaks the "exactly two" requirement.
	return n == 4 || r.Colors[n-5] != SqueezeRed
}

// SqueezeEngine computes the squeeze momentum indicator by delegating to an
// external numeric subprocess over a JSON stdin/stdout contract.
type SqueezeEngine struct {
	scriptPath string
	timeout    time.Duration
	logger     *utilities.Logger
}

func NewSqueezeEngine(scriptPath string, logger *utilities.Logger) *SqueezeEngine {
	return &SqueezeEngine{
		scriptPath: scriptPath,
		timeout:    20 * time.Second,
		logger:     logger,
	}
}

// Enabled reports whether a script is configured. Without one, strategies
// skip the squeeze confirmation entirely.
func (e *SqueezeEngine) Enabled() bool {
	return e != nil && e.scriptPath != ""
}

// Compute runs the subprocess over the candles and parses its output. Any
// stderr output is treated as a hard failure.
func (e *SqueezeEngine) Compute(ctx context.Context, candles []utilities.Candlestick) (SqueezeResult, error) {
	if !e.Enabled() {
		return SqueezeResult{}, fmt.Errorf("no squeeze script configured")
	}
	input := squeezeInput{
		High:     make([]float64, len(candles)),
		Low:      make([]float64, len(candles)),
		Close:    make([]float64, len(candles)),
		Length:   20,
		Mult:     2.0,
		LengthKC: 20,
		MultKC:   1.5,
	}
	for i, c := range candles {
		input.High[i] = c.High
		input.Low[i] = c.Low
		input.Close[i] = c.Close
	}
	payload, err := json.Marshal(input)
	if err != nil {
		return SqueezeResult{}, fmt.Errorf("marshal squeeze input: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	cmd := exec.CommandContext(runCtx, "python3", e.scriptPath)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return SqueezeResult{}, fmt.Errorf("squeeze subprocess failed: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}
	if stderr.Len() > 0 {
		return SqueezeResult{}, fmt.Errorf("squeeze subprocess wrote to stderr: %s", strings.TrimSpace(stderr.String()))
	}

	var result SqueezeResult
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return SqueezeResult{}, fmt.Errorf("decode squeeze output: %w", err)
	}
	if err := validateSqueezeResult(result, len(candles)); err != nil {
		return SqueezeResult{}, err
	}
	return result, nil
}

func validateSqueezeResult(r SqueezeResult, candleCount int) error {
	if len(r.Values) != len(r.Colors) {
		return fmt.Errorf("squeeze output mismatch: %d values vs %d colors", len(r.Values), len(r.Colors))
	}
	if len(r.Values) == 0 || len(r.Values) > candleCount {
		return fmt.Errorf("squeeze output has %d bars for %d candles", len(r.Values), candleCount)
	}
	for i, c := range r.Colors {
		switch c {
		case SqueezeLime, SqueezeGreen, SqueezeRed, SqueezeMaroon:
		default:
			return fmt.Errorf("squeeze output color %q at bar %d is not in the vocabulary", c, i)
		}
	}
	return nil
}
