// File: dataprovider/distributor.go
package dataprovider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/voyager418/mountain-seeker-sub000/pkg/broker"
	"github.com/voyager418/mountain-seeker-sub000/utilities"
)

// Distributor periodically fetches the most active markets, filters and
// enriches them, and fans the snapshot out to subscribed observers.
type Distributor struct {
	exchange broker.Exchange
	store    *SQLiteStore
	logger   *utilities.Logger
	cfg      *utilities.DistributorConfig

	mu        sync.Mutex
	observers []MarketObserver
}

func NewDistributor(exchange broker.Exchange, store *SQLiteStore, cfg *utilities.DistributorConfig, logger *utilities.Logger) *Distributor {
	return &Distributor{
		exchange: exchange,
		store:    store,
		logger:   logger,
		cfg:      cfg,
	}
}

// Subscribe registers an observer. Each account may hold at most one live
// observer; the designated simulation account may hold any number, since
// simulated strategies never compete for the same funds.
func (d *Distributor) Subscribe(obs MarketObserver) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	maxObservers := d.cfg.MaxObservers
	if maxObservers <= 0 {
		maxObservers = 16
	}
	if len(d.observers) >= maxObservers {
		return fmt.Errorf("observer capacity %d reached", maxObservers)
	}
	if !obs.IsSimulation() || obs.AccountEmail() != d.cfg.SimulationAccountEmail {
		for _, existing := range d.observers {
			if existing.AccountEmail() == obs.AccountEmail() {
				return fmt.Errorf("account %s already has a subscribed observer", obs.AccountEmail())
			}
		}
	}
	d.observers = append(d.observers, obs)
	d.logger.LogInfo("Observer subscribed for account %s (simulation=%v), %d total", obs.AccountEmail(), obs.IsSimulation(), len(d.observers))
	return nil
}

// Unsubscribe removes a previously registered observer.
func (d *Distributor) Unsubscribe(obs MarketObserver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, existing := range d.observers {
		if existing == obs {
			d.observers = append(d.observers[:i], d.observers[i+1:]...)
			d.logger.LogInfo("Observer for account %s unsubscribed, %d remaining", obs.AccountEmail(), len(d.observers))
			return
		}
	}
}

// ObserverCount returns the number of subscribed observers.
func (d *Distributor) ObserverCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.observers)
}

// Run executes fetch cycles until the context is canceled. With SingleCycle
// set it returns after the first cycle, which test setups rely on.
func (d *Distributor) Run(ctx context.Context) error {
	d.logger.LogInfo("Market data distributor starting (base interval %s)", d.baseInterval())
	for {
		start := time.Now()
		if err := d.runCycle(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.logger.LogError("Distribution cycle failed: %v", err)
		}
		if d.cfg.SingleCycle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.nextCycleWait(time.Since(start))):
		}
	}
}

func (d *Distributor) runCycle(ctx context.Context) error {
	correlationID := uuid.NewString()
	fetchedAt := time.Now()

	markets, err := d.exchange.GetMarketsBy24hVariation(ctx, d.cfg.MinPercentChange24h)
	if err != nil {
		return fmt.Errorf("fetch markets: %w", err)
	}
	total := len(markets)
	markets = FilterByQuoteAsset(markets, d.cfg.AuthorizedQuoteAssets)
	markets = FilterByMinVolume(markets, d.cfg.MinVolume24h)
	d.logger.LogInfo("[%s] %d of %d markets passed the filters", correlationID, len(markets), total)
	if len(markets) == 0 {
		return nil
	}

	if err := d.exchange.EnrichMarketMetadata(ctx, markets); err != nil {
		d.logger.LogWarn("[%s] Could not enrich market metadata: %v", correlationID, err)
	}

	markets = d.fetchCandlesticks(ctx, correlationID, markets)

	// The anomalous-market screen needs the variation series, so it runs
	// after the candlestick fetch.
	withCandles := len(markets)
	markets = FilterDuplicateVariations(markets)
	if dropped := withCandles - len(markets); dropped > 0 {
		d.logger.LogInfo("[%s] Dropped %d markets with repeating variation series", correlationID, dropped)
	}
	if len(markets) == 0 {
		return nil
	}
	d.persistCandlesticks(markets)

	d.notifyObservers(ctx, MarketUpdate{
		CorrelationID: correlationID,
		FetchedAt:     fetchedAt,
		BaseInterval:  d.baseInterval(),
		Markets:       markets,
	})
	return nil
}

// fetchCandlesticks loads the base interval candles for every market in
// parallel chunks and synthesizes the configured coarser intervals from
// them. Markets whose fetch fails are dropped from the snapshot. The chunked
// work is raced against a fixed-duration floor so a burst of fast fetches
// still spreads across the exchange's per-minute rate window.
func (d *Distributor) fetchCandlesticks(ctx context.Context, correlationID string, markets []broker.Market) []broker.Market {
	baseInterval := d.baseInterval()
	limit := d.cfg.CandlestickCount
	if limit <= 0 {
		limit = 400
	}
	chunks := d.cfg.FetchChunks
	if chunks <= 0 {
		chunks = 4
	}
	if chunks > len(markets) {
		chunks = len(markets)
	}

	ok := make([]bool, len(markets))
	floor := time.NewTimer(d.fetchFloor())
	defer floor.Stop()
	g, gctx := errgroup.WithContext(ctx)
	chunkSize := (len(markets) + chunks - 1) / chunks
	for c := 0; c < chunks; c++ {
		lo := c * chunkSize
		hi := utilities.MinInt(lo+chunkSize, len(markets))
		if lo >= hi {
			break
		}
		g.Go(func() error {
			for i := lo; i < hi; i++ {
				candles, err := d.exchange.GetCandlesticks(gctx, markets[i].Symbol, baseInterval, limit, 1)
				if err != nil {
					d.logger.LogWarn("[%s] Dropping %s, candlestick fetch failed: %v", correlationID, markets[i].Symbol, err)
					continue
				}
				markets[i].Candlesticks[baseInterval] = candles
				markets[i].PercentVariations[baseInterval] = ComputePercentVariationsLive(candles, markets[i].LastPrice)
				d.synthesizeIntervals(&markets[i], baseInterval)
				ok[i] = true
			}
			return nil
		})
	}
	_ = g.Wait()
	select {
	case <-floor.C:
	case <-ctx.Done():
	}

	kept := markets[:0]
	for i, m := range markets {
		if ok[i] {
			kept = append(kept, m)
		}
	}
	return kept
}

func (d *Distributor) synthesizeIntervals(market *broker.Market, baseInterval string) {
	baseDur, err := utilities.ParseIntervalDuration(baseInterval)
	if err != nil {
		return
	}
	for _, interval := range d.cfg.SynthesizedIntervals {
		dur, err := utilities.ParseIntervalDuration(interval)
		if err != nil || dur <= baseDur || dur%baseDur != 0 {
			d.logger.LogWarn("Cannot synthesize %s candles from %s ones", interval, baseInterval)
			continue
		}
		factor := int(dur / baseDur)
		synthesized := AggregateCandlesticks(market.Candlesticks[baseInterval], factor)
		market.Candlesticks[interval] = synthesized
		market.PercentVariations[interval] = ComputePercentVariations(synthesized)
	}
}

func (d *Distributor) persistCandlesticks(markets []broker.Market) {
	if d.store == nil {
		return
	}
	baseInterval := d.baseInterval()
	for _, m := range markets {
		if err := d.store.SaveCandlesticks(m.Symbol, baseInterval, m.Candlesticks[baseInterval]); err != nil {
			d.logger.LogWarn("Could not cache candlesticks for %s: %v", m.Symbol, err)
		}
	}
}

func (d *Distributor) notifyObservers(ctx context.Context, update MarketUpdate) {
	d.mu.Lock()
	observers := append([]MarketObserver(nil), d.observers...)
	d.mu.Unlock()

	for _, obs := range observers {
		snapshot := update
		snapshot.Markets = copyMarkets(update.Markets)
		obs.MarketsUpdated(ctx, snapshot)
	}
}

func (d *Distributor) baseInterval() string {
	if d.cfg.BaseInterval != "" {
		return d.cfg.BaseInterval
	}
	return "1m"
}

// fetchFloor is the minimum wall-clock duration one candlestick fetch round
// may take; the chunked fetch is raced against it. Single-cycle mode skips
// the floor, there is no request volume to spread out.
func (d *Distributor) fetchFloor() time.Duration {
	if d.cfg.SingleCycle {
		return 0
	}
	if d.cfg.MinFetchFloorSec > 0 {
		return time.Duration(d.cfg.MinFetchFloorSec) * time.Second
	}
	return 5 * time.Second
}

// nextCycleWait derives the pause before the next cycle from the configured
// cadence, accounting for how long the current cycle already took.
func (d *Distributor) nextCycleWait(elapsed time.Duration) time.Duration {
	sleepSec := d.cfg.LiveSleepSec
	if d.anySimulationOnly() && d.cfg.SimulationSleepSec > 0 {
		sleepSec = d.cfg.SimulationSleepSec
	}
	if sleepSec <= 0 {
		sleepSec = 60
	}
	wait := time.Duration(sleepSec)*time.Second - elapsed
	if wait < 0 {
		wait = 0
	}
	return wait
}

// anySimulationOnly reports whether every subscribed observer is simulated,
// in which case the relaxed simulation cadence applies.
func (d *Distributor) anySimulationOnly() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.observers) == 0 {
		return false
	}
	for _, obs := range d.observers {
		if !obs.IsSimulation() {
			return false
		}
	}
	return true
}

func copyMarkets(markets []broker.Market) []broker.Market {
	out := make([]broker.Market, len(markets))
	copy(out, markets)
	for i := range out {
		candles := make(map[string][]utilities.Candlestick, len(markets[i].Candlesticks))
		for k, v := range markets[i].Candlesticks {
			candles[k] = append([]utilities.Candlestick(nil), v...)
		}
		out[i].Candlesticks = candles
		variations := make(map[string][]float64, len(markets[i].PercentVariations))
		for k, v := range markets[i].PercentVariations {
			variations[k] = append([]float64(nil), v...)
		}
		out[i].PercentVariations = variations
	}
	return out
}
