// File: strategy/mountainseeker_test.go
package strategy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voyager418/mountain-seeker-sub000/dataprovider"
	"github.com/voyager418/mountain-seeker-sub000/pkg/broker"
	"github.com/voyager418/mountain-seeker-sub000/utilities"
)

// fakeExchange implements broker.Exchange with overridable behavior per
// method. Methods without an override fail loudly so tests only exercise the
// calls they expect.
type fakeExchange struct {
	getBalanceForAssetFn func(asset string) (float64, error)
	getUnitPriceFn       func(asset, quote string) (float64, error)
	getCandlesticksFn    func(symbol, interval string, limit int) ([]utilities.Candlestick, error)
	createMarketOrderFn  func(side broker.OrderSide, base, quote string, amount float64) (*broker.Order, error)
	createMarketBuyFn    func(base, quote string, quoteAmount float64) (*broker.Order, error)
	createStopLimitFn    func(quantity, stopPrice, limitPrice float64) (*broker.Order, error)
	getOrderFn           func(externalID string) (*broker.Order, error)
	orderIsClosedFn      func(externalID string) (bool, error)
	waitForCompletionFn  func(order *broker.Order) (*broker.Order, error)
	cancelOrderFn        func(externalID string) (*broker.Order, error)
	redeemBlvtFn         func(tokenName string, quantity float64) (float64, error)
}

func (f *fakeExchange) GetMarketsBy24hVariation(ctx context.Context, minPercentChange float64) ([]broker.Market, error) {
	return nil, errors.New("unexpected GetMarketsBy24hVariation call")
}

func (f *fakeExchange) GetCandlesticks(ctx context.Context, symbol, interval string, limit, retries int) ([]utilities.Candlestick, error) {
	if f.getCandlesticksFn == nil {
		return nil, errors.New("unexpected GetCandlesticks call")
	}
	return f.getCandlesticksFn(symbol, interval, limit)
}

func (f *fakeExchange) GetBalance(ctx context.Context, assets []string, retries int) (map[string]float64, error) {
	return nil, errors.New("unexpected GetBalance call")
}

func (f *fakeExchange) GetBalanceForAsset(ctx context.Context, asset string, retries int) (float64, error) {
	if f.getBalanceForAssetFn == nil {
		return 0, errors.New("unexpected GetBalanceForAsset call")
	}
	return f.getBalanceForAssetFn(asset)
}

func (f *fakeExchange) GetUnitPrice(ctx context.Context, asset, quoteAsset string, retries int) (float64, error) {
	if f.getUnitPriceFn == nil {
		return 0, errors.New("unexpected GetUnitPrice call")
	}
	return f.getUnitPriceFn(asset, quoteAsset)
}

func (f *fakeExchange) CreateMarketOrder(ctx context.Context, side broker.OrderSide, baseAsset, quoteAsset string, amount float64, amountIsQuote, awaitCompletion, simulated bool, retries int) (*broker.Order, error) {
	if f.createMarketOrderFn == nil {
		return nil, errors.New("unexpected CreateMarketOrder call")
	}
	return f.createMarketOrderFn(side, baseAsset, quoteAsset, amount)
}

func (f *fakeExchange) CreateMarketBuyOrder(ctx context.Context, baseAsset, quoteAsset string, quoteAmount float64, awaitCompletion, simulated bool, retries int) (*broker.Order, error) {
	if f.createMarketBuyFn == nil {
		return nil, errors.New("unexpected CreateMarketBuyOrder call")
	}
	return f.createMarketBuyFn(baseAsset, quoteAsset, quoteAmount)
}

func (f *fakeExchange) CreateStopLimitOrder(ctx context.Context, side broker.OrderSide, baseAsset, quoteAsset string, quantity, stopPrice, limitPrice float64, simulated bool, retries int) (*broker.Order, error) {
	if f.createStopLimitFn == nil {
		return nil, errors.New("unexpected CreateStopLimitOrder call")
	}
	return f.createStopLimitFn(quantity, stopPrice, limitPrice)
}

func (f *fakeExchange) CreateLimitSellOrder(ctx context.Context, baseAsset, quoteAsset string, quantity, limitPrice float64, simulated bool, retries int) (*broker.Order, error) {
	return nil, errors.New("unexpected CreateLimitSellOrder call")
}

func (f *fakeExchange) GetOrder(ctx context.Context, externalID, symbol string, simulated bool, retries int) (*broker.Order, error) {
	if f.getOrderFn == nil {
		return nil, errors.New("unexpected GetOrder call")
	}
	return f.getOrderFn(externalID)
}

func (f *fakeExchange) OrderIsClosed(ctx context.Context, externalID, symbol string, simulated bool) (bool, error) {
	if f.orderIsClosedFn != nil {
		return f.orderIsClosedFn(externalID)
	}
	order, err := f.GetOrder(ctx, externalID, symbol, simulated, 0)
	if err != nil {
		if errors.Is(err, broker.ErrOrderNotFound) {
			return false, nil
		}
		return false, err
	}
	return order.IsClosed(), nil
}

func (f *fakeExchange) WaitForOrderCompletion(ctx context.Context, order *broker.Order, retries int) (*broker.Order, error) {
	if f.waitForCompletionFn == nil {
		return nil, errors.New("unexpected WaitForOrderCompletion call")
	}
	return f.waitForCompletionFn(order)
}

func (f *fakeExchange) CancelOrder(ctx context.Context, externalID, symbol string, simulated bool) (*broker.Order, error) {
	if f.cancelOrderFn == nil {
		return nil, errors.New("unexpected CancelOrder call")
	}
	return f.cancelOrderFn(externalID)
}

func (f *fakeExchange) RedeemBlvt(ctx context.Context, tokenName string, quantity float64, retries int) (float64, error) {
	if f.redeemBlvtFn == nil {
		return 0, errors.New("unexpected RedeemBlvt call")
	}
	return f.redeemBlvtFn(tokenName, quantity)
}

func (f *fakeExchange) EnrichMarketMetadata(ctx context.Context, markets []broker.Market) error {
	return nil
}

// eligibleMarket builds a market whose 5m candles satisfy every entry rule:
// the last closed candle gained 3%, the MACD crossed above its signal on that
// candle, and the ATR-derived stop and take-profit bounds hold.
func eligibleMarket(symbol, base string) broker.Market {
	candles := make([]utilities.Candlestick, 33)
	for i := range candles {
		candles[i] = utilities.Candlestick{
			Timestamp: int64(i) * 300_000,
			Open:      100, High: 101, Low: 99, Close: 100,
			Volume: 100,
		}
	}
	candles[31] = utilities.Candlestick{Timestamp: 31 * 300_000, Open: 100, High: 104, Low: 99, Close: 103, Volume: 500}
	candles[32] = utilities.Candlestick{Timestamp: 32 * 300_000, Open: 103, High: 103, Low: 103, Close: 103, Volume: 10}

	return broker.Market{
		Symbol:     symbol,
		BaseAsset:  base,
		QuoteAsset: "USDT",
		LastPrice:  103,
		Candlesticks: map[string][]utilities.Candlestick{
			"5m": candles,
		},
	}
}

func testAccount(simulation bool) utilities.AccountConfig {
	return utilities.AccountConfig{
		Email:      "trader@local",
		Active:     true,
		Simulation: simulation,
		Strategy: utilities.StrategyConfig{
			AutoRestart:     true,
			Intervals:       []string{"5m"},
			MaxMoneyToTrade: 100,
		},
	}
}

func newTestSeeker(t *testing.T, exchange broker.Exchange, simulation bool) *MountainSeeker {
	t.Helper()
	logger := utilities.NewLogger(utilities.Error)
	seeker, err := NewMountainSeeker(testAccount(simulation), exchange, nil, nil, nil, logger)
	require.NoError(t, err)
	seeker.monitorSleepFn = func() time.Duration { return time.Millisecond }
	return seeker
}

func marketUpdate(markets ...broker.Market) dataprovider.MarketUpdate {
	return dataprovider.MarketUpdate{
		CorrelationID: uuid.NewString(),
		FetchedAt:     time.Now(),
		BaseInterval:  "1m",
		Markets:       markets,
	}
}

func TestNextTrailingStopNeverDecreases(t *testing.T) {
	stop := 95.0
	for _, candidate := range []float64{94, 96, 95.5, 98, 97, 98, 101} {
		next := nextTrailingStop(stop, candidate)
		assert.GreaterOrEqual(t, next, stop)
		stop = next
	}
	assert.Equal(t, 101.0, stop)
}

func TestAbortSellQuantities(t *testing.T) {
	got := abortSellQuantities(10)
	require.Len(t, got, 5)
	assert.InDelta(t, 10.0, got[0], 1e-9)
	assert.InDelta(t, 10*(1-0.0005), got[1], 1e-9)
	assert.InDelta(t, 10*(1-0.005), got[2], 1e-9)
	assert.InDelta(t, 10*(1-0.01), got[3], 1e-9)
	assert.InDelta(t, 10*(1-0.02), got[4], 1e-9)
}

func TestWithinRefreshWindow(t *testing.T) {
	at := func(minute int) time.Time {
		return time.Date(2024, 3, 1, 10, minute, 0, 0, time.UTC)
	}

	// Fast intervals refresh on every tick.
	assert.True(t, withinRefreshWindow("5m", at(7)))
	assert.True(t, withinRefreshWindow("15m", at(11)))

	// Hourly candles refresh only in the four quarter-boundary minutes.
	for _, minute := range []int{0, 15, 30, 45} {
		assert.True(t, withinRefreshWindow("1h", at(minute)), "minute %d", minute)
	}
	for _, minute := range []int{1, 7, 16, 44, 59} {
		assert.False(t, withinRefreshWindow("1h", at(minute)), "minute %d", minute)
	}

	// A 30m candle gets exactly four windows. Minute 28 divides evenly by the
	// quarter width too, but it would be a fifth window.
	for _, minute := range []int{0, 7, 14, 21, 30, 37, 44, 51} {
		assert.True(t, withinRefreshWindow("30m", at(minute)), "minute %d", minute)
	}
	for _, minute := range []int{3, 28, 29, 58, 59} {
		assert.False(t, withinRefreshWindow("30m", at(minute)), "minute %d", minute)
	}
}

func TestSelectMarketPicksQualifyingMarket(t *testing.T) {
	seeker := newTestSeeker(t, &fakeExchange{}, true)
	update := marketUpdate(eligibleMarket("ABCUSDT", "ABC"))

	sel := seeker.selectMarket(context.Background(), update)
	require.NotNil(t, sel)
	assert.Equal(t, "ABCUSDT", sel.market.Symbol)
	assert.Equal(t, "5m", sel.interval)
	assert.Greater(t, sel.atr, 0.0)
	assert.Greater(t, sel.takeProfitPercent, 0.0)
}

func TestSelectMarketSkipsIneligibleCandles(t *testing.T) {
	seeker := newTestSeeker(t, &fakeExchange{}, true)

	flat := eligibleMarket("FLTUSDT", "FLT")
	candles := flat.Candlesticks["5m"]
	// Remove the breakout bar so the last closed candle variation is zero.
	candles[31] = candles[30]

	assert.Nil(t, seeker.selectMarket(context.Background(), marketUpdate(flat)))
}

func TestSelectMarketHonorsCooldownAndIgnoreList(t *testing.T) {
	seeker := newTestSeeker(t, &fakeExchange{}, true)
	market := eligibleMarket("ABCUSDT", "ABC")

	seeker.cooldowns["ABCUSDT"] = time.Now()
	assert.Nil(t, seeker.selectMarket(context.Background(), marketUpdate(market)))

	seeker.cooldowns = map[string]time.Time{}
	seeker.cfg.IgnoredMarkets = []string{"ABCUSDT"}
	assert.Nil(t, seeker.selectMarket(context.Background(), marketUpdate(market)))

	seeker.cfg.IgnoredMarkets = nil
	assert.NotNil(t, seeker.selectMarket(context.Background(), marketUpdate(market)))
}

func TestSelectMarketPrefersConfiguredMarkets(t *testing.T) {
	seeker := newTestSeeker(t, &fakeExchange{}, true)
	seeker.cfg.PreferredMarkets = []string{"ZZZUSDT"}

	update := marketUpdate(eligibleMarket("ABCUSDT", "ABC"), eligibleMarket("ZZZUSDT", "ZZZ"))
	sel := seeker.selectMarket(context.Background(), update)
	require.NotNil(t, sel)
	assert.Equal(t, "ZZZUSDT", sel.market.Symbol)
}

func TestSelectMarketSkipsUnaffordableMinNotional(t *testing.T) {
	seeker := newTestSeeker(t, &fakeExchange{}, true)
	market := eligibleMarket("ABCUSDT", "ABC")
	market.MinNotional = 500

	assert.Nil(t, seeker.selectMarket(context.Background(), marketUpdate(market)))
}

func TestFullSessionProtectiveOrderExecutes(t *testing.T) {
	exchange := &fakeExchange{}
	exchange.createMarketBuyFn = func(base, quote string, quoteAmount float64) (*broker.Order, error) {
		return &broker.Order{
			ID: uuid.NewString(), ExternalID: "buy-1", Symbol: "ABCUSDT",
			BaseAsset: base, QuoteAsset: quote,
			Side: broker.SideBuy, Type: broker.TypeMarket, Status: broker.StatusFilled,
			Amount: 1, Filled: 1, AvgPrice: 100, Cost: 100,
		}, nil
	}
	exchange.createStopLimitFn = func(quantity, stopPrice, limitPrice float64) (*broker.Order, error) {
		assert.Less(t, limitPrice, stopPrice)
		return &broker.Order{
			ID: uuid.NewString(), ExternalID: "prot-1", Symbol: "ABCUSDT",
			Side: broker.SideSell, Type: broker.TypeStopLimit, Status: broker.StatusNew,
			Amount: quantity, StopPrice: stopPrice, LimitPrice: limitPrice,
		}, nil
	}
	exchange.getOrderFn = func(externalID string) (*broker.Order, error) {
		return &broker.Order{
			ExternalID: externalID, Symbol: "ABCUSDT",
			Side: broker.SideSell, Type: broker.TypeStopLimit, Status: broker.StatusFilled,
			Amount: 1, Filled: 1, AvgPrice: 106, Cost: 106,
		}, nil
	}

	seeker := newTestSeeker(t, exchange, true)
	results := make(chan SessionResult, 1)
	seeker.SetResultHandler(func(r SessionResult) { results <- r })

	seeker.MarketsUpdated(context.Background(), marketUpdate(eligibleMarket("ABCUSDT", "ABC")))

	var result SessionResult
	select {
	case result = <-results:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
	}

	assert.True(t, result.OK)
	assert.False(t, result.Aborted)
	assert.False(t, result.StopTrading)
	assert.Equal(t, "ABCUSDT", result.Symbol)
	assert.InDelta(t, 100.0, result.Invested, 1e-9)
	assert.InDelta(t, 106.0, result.Retrieved, 1e-9)
	assert.InDelta(t, 6.0, result.ProfitPercent, 1e-9)
	assert.InDelta(t, 6.0, result.ProfitQuote, 1e-9)

	assert.False(t, seeker.Busy())
	assert.Equal(t, StateIdle, seeker.State())

	// The traded market is now cooling down.
	assert.Nil(t, seeker.selectMarket(context.Background(), marketUpdate(eligibleMarket("ABCUSDT", "ABC"))))
}

func TestEnterPositionRespectsExchangePositionCap(t *testing.T) {
	var boughtFor float64
	exchange := &fakeExchange{}
	exchange.createMarketBuyFn = func(base, quote string, quoteAmount float64) (*broker.Order, error) {
		boughtFor = quoteAmount
		return &broker.Order{
			ID: uuid.NewString(), ExternalID: "buy-1", Symbol: "ABCUSDT",
			Side: broker.SideBuy, Type: broker.TypeMarket, Status: broker.StatusFilled,
			Amount: 0.5, Filled: 0.5, AvgPrice: 103, Cost: quoteAmount,
		}, nil
	}
	exchange.createStopLimitFn = func(quantity, stopPrice, limitPrice float64) (*broker.Order, error) {
		return &broker.Order{
			ID: uuid.NewString(), ExternalID: "prot-1", Symbol: "ABCUSDT",
			Side: broker.SideSell, Type: broker.TypeStopLimit, Status: broker.StatusNew,
			Amount: quantity, StopPrice: stopPrice, LimitPrice: limitPrice,
		}, nil
	}
	exchange.getOrderFn = func(externalID string) (*broker.Order, error) {
		return &broker.Order{
			ExternalID: externalID, Symbol: "ABCUSDT",
			Side: broker.SideSell, Type: broker.TypeStopLimit, Status: broker.StatusFilled,
			Amount: 0.5, Filled: 0.5, AvgPrice: 106, Cost: 53,
		}, nil
	}

	seeker := newTestSeeker(t, exchange, true)
	results := make(chan SessionResult, 1)
	seeker.SetResultHandler(func(r SessionResult) { results <- r })

	// The symbol allows at most 0.5 base units; at 103 per unit that is less
	// than the configured 100 quote to trade.
	market := eligibleMarket("ABCUSDT", "ABC")
	market.MaxPosition = 0.5
	seeker.MarketsUpdated(context.Background(), marketUpdate(market))

	select {
	case <-results:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
	}
	assert.InDelta(t, 51.5, boughtFor, 1e-9)
}

func TestInvestedIncludesQuoteCommission(t *testing.T) {
	exchange := &fakeExchange{}
	exchange.createMarketBuyFn = func(base, quote string, quoteAmount float64) (*broker.Order, error) {
		return &broker.Order{
			ID: uuid.NewString(), ExternalID: "buy-1", Symbol: "ABCUSDT",
			Side: broker.SideBuy, Type: broker.TypeMarket, Status: broker.StatusFilled,
			Amount: 1, Filled: 1, AvgPrice: 100, Cost: 100,
			CommissionQuote: 0.1,
			// Loyalty-token commission stays out of the books unless the
			// account opts into deducting it.
			CommissionForeign: 0.002, CommissionForeignAsset: "BNB",
		}, nil
	}
	exchange.createStopLimitFn = func(quantity, stopPrice, limitPrice float64) (*broker.Order, error) {
		return &broker.Order{
			ID: uuid.NewString(), ExternalID: "prot-1", Symbol: "ABCUSDT",
			Side: broker.SideSell, Type: broker.TypeStopLimit, Status: broker.StatusNew,
			Amount: quantity, StopPrice: stopPrice, LimitPrice: limitPrice,
		}, nil
	}
	exchange.getOrderFn = func(externalID string) (*broker.Order, error) {
		return &broker.Order{
			ExternalID: externalID, Symbol: "ABCUSDT",
			Side: broker.SideSell, Type: broker.TypeStopLimit, Status: broker.StatusFilled,
			Amount: 1, Filled: 1, AvgPrice: 106, Cost: 106,
		}, nil
	}

	seeker := newTestSeeker(t, exchange, true)
	results := make(chan SessionResult, 1)
	seeker.SetResultHandler(func(r SessionResult) { results <- r })

	seeker.MarketsUpdated(context.Background(), marketUpdate(eligibleMarket("ABCUSDT", "ABC")))

	var result SessionResult
	select {
	case result = <-results:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
	}
	assert.InDelta(t, 100.1, result.Invested, 1e-9)
}

func TestForeignCommissionDeductedOnlyWhenConfigured(t *testing.T) {
	exchange := &fakeExchange{}
	exchange.getUnitPriceFn = func(asset, quote string) (float64, error) {
		require.Equal(t, "BNB", asset)
		require.Equal(t, "USDT", quote)
		return 300, nil
	}

	seeker := newTestSeeker(t, exchange, true)
	order := &broker.Order{
		ExternalID: "sell-1", QuoteAsset: "USDT",
		Status: broker.StatusFilled, Filled: 1, Cost: 106,
		CommissionQuote:   0.2,
		CommissionForeign: 0.001, CommissionForeignAsset: "BNB",
	}

	assert.InDelta(t, 105.8, seeker.netProceeds(context.Background(), order), 1e-9)

	seeker.cfg.DeductForeignCommission = true
	assert.InDelta(t, 105.5, seeker.netProceeds(context.Background(), order), 1e-9)
}

func TestSessionAbortsAndLiquidatesWhenEntryIsUnprotected(t *testing.T) {
	exchange := &fakeExchange{}
	exchange.createMarketBuyFn = func(base, quote string, quoteAmount float64) (*broker.Order, error) {
		return &broker.Order{
			ID: uuid.NewString(), ExternalID: "buy-1", Symbol: "ABCUSDT",
			Side: broker.SideBuy, Type: broker.TypeMarket, Status: broker.StatusFilled,
			Amount: 1, Filled: 1, AvgPrice: 100, Cost: 100,
		}, nil
	}
	exchange.createStopLimitFn = func(quantity, stopPrice, limitPrice float64) (*broker.Order, error) {
		return nil, errors.New("exchange rejected the stop")
	}
	// The first two liquidation attempts fail on balance; the third, reduced
	// quantity goes through.
	sells := 0
	exchange.createMarketOrderFn = func(side broker.OrderSide, base, quote string, amount float64) (*broker.Order, error) {
		require.Equal(t, broker.SideSell, side)
		sells++
		if sells < 3 {
			return nil, broker.ErrInsufficientBalance
		}
		return &broker.Order{
			ID: uuid.NewString(), ExternalID: "sell-1", Symbol: "ABCUSDT",
			Side: side, Type: broker.TypeMarket, Status: broker.StatusFilled,
			Amount: amount, Filled: amount, AvgPrice: 95, Cost: amount * 95,
		}, nil
	}

	seeker := newTestSeeker(t, exchange, true)
	results := make(chan SessionResult, 1)
	seeker.SetResultHandler(func(r SessionResult) { results <- r })

	seeker.MarketsUpdated(context.Background(), marketUpdate(eligibleMarket("ABCUSDT", "ABC")))

	var result SessionResult
	select {
	case result = <-results:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
	}

	assert.True(t, result.Aborted)
	assert.True(t, result.StopTrading)
	assert.False(t, result.OK)
	assert.Equal(t, 3, sells)
	assert.Less(t, result.ProfitQuote, 0.0)

	// A stop-trading result also blocks future sessions on this instance.
	seeker.MarketsUpdated(context.Background(), marketUpdate(eligibleMarket("XYZUSDT", "XYZ")))
	assert.False(t, seeker.Busy())
}

func TestMarketsUpdatedIgnoredWhileBusy(t *testing.T) {
	seeker := newTestSeeker(t, &fakeExchange{}, true)
	seeker.setBusy(true)

	seeker.MarketsUpdated(context.Background(), marketUpdate(eligibleMarket("ABCUSDT", "ABC")))

	// Still in the state we set; no session goroutine ran.
	assert.True(t, seeker.Busy())
	assert.Equal(t, StateIdle, seeker.State())
}

func TestStopPreventsNewSessions(t *testing.T) {
	seeker := newTestSeeker(t, &fakeExchange{}, true)
	seeker.Stop()

	seeker.MarketsUpdated(context.Background(), marketUpdate(eligibleMarket("ABCUSDT", "ABC")))
	assert.False(t, seeker.Busy())
}
