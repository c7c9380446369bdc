// File: pkg/broker/binance/connector.go
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voyager418/mountain-seeker-sub000/pkg/broker"
	"github.com/voyager418/mountain-seeker-sub000/utilities"
)

// restAPI is the slice of Client the connector depends on, kept as an
// interface so tests can substitute a mock.
type restAPI interface {
	GetTicker24hAPI(ctx context.Context) ([]Ticker24h, error)
	GetTickerPriceAPI(ctx context.Context, symbol string) (TickerPrice, error)
	GetKlinesAPI(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)
	GetAccountAPI(ctx context.Context) (AccountInfo, error)
	NewOrderAPI(ctx context.Context, params url.Values) (OrderResponse, error)
	QueryOrderAPI(ctx context.Context, symbol, orderID string) (OrderResponse, error)
	CancelOrderAPI(ctx context.Context, symbol, orderID string) (OrderResponse, error)
	BlvtRedeemAPI(ctx context.Context, tokenName string, amount float64) (BlvtRedeemResponse, error)
	EnsureExchangeInfo(ctx context.Context) error
	LookupSymbolInfo(symbol string) (SymbolInfo, bool)
	GetSymbolInfo(ctx context.Context, symbol string) (SymbolInfo, error)
}

// Connector implements broker.Exchange against the Binance spot API.
type Connector struct {
	api    restAPI
	logger *utilities.Logger
	cfg    *utilities.BinanceConfig

	simMu     sync.Mutex
	simOrders map[string]*broker.Order

	// retryDelayFn and pollIntervalFn override the configured delays in tests.
	retryDelayFn   func() time.Duration
	pollIntervalFn func() time.Duration
}

func NewConnector(cfg *utilities.BinanceConfig, httpClient *http.Client, logger *utilities.Logger) *Connector {
	return &Connector{
		api:       NewClient(cfg, httpClient, logger),
		logger:    logger,
		cfg:       cfg,
		simOrders: make(map[string]*broker.Order),
	}
}

// newConnectorWithAPI is used by tests to inject a mocked API.
func newConnectorWithAPI(api restAPI, cfg *utilities.BinanceConfig, logger *utilities.Logger) *Connector {
	return &Connector{
		api:       api,
		logger:    logger,
		cfg:       cfg,
		simOrders: make(map[string]*broker.Order),
	}
}

func (c *Connector) retryDelay() time.Duration {
	if c.retryDelayFn != nil {
		return c.retryDelayFn()
	}
	if c.cfg.RetryDelaySec > 0 {
		return time.Duration(c.cfg.RetryDelaySec) * time.Second
	}
	return 2 * time.Second
}

func (c *Connector) pollInterval() time.Duration {
	if c.pollIntervalFn != nil {
		return c.pollIntervalFn()
	}
	if c.cfg.OrderPollIntervalSec > 0 {
		return time.Duration(c.cfg.OrderPollIntervalSec) * time.Second
	}
	return 3 * time.Second
}

// marketFetchRetries bounds the internal retry loop of the ticker fetch,
// which takes no retry parameter from its callers.
const marketFetchRetries = 2

func (c *Connector) GetMarketsBy24hVariation(ctx context.Context, minPercentChange float64) ([]broker.Market, error) {
	var lastErr error
	for attempt := 0; attempt <= marketFetchRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(c.retryDelay())
		}
		markets, err := c.fetchMarketsBy24hVariation(ctx, minPercentChange)
		if err != nil {
			if errors.Is(err, broker.ErrDDoSProtection) {
				return nil, err
			}
			lastErr = err
			c.logger.LogWarn("GetMarketsBy24hVariation attempt %d failed: %v", attempt+1, err)
			continue
		}
		return markets, nil
	}
	return nil, fmt.Errorf("get markets by 24h variation: %w", lastErr)
}

func (c *Connector) fetchMarketsBy24hVariation(ctx context.Context, minPercentChange float64) ([]broker.Market, error) {
	if err := c.api.EnsureExchangeInfo(ctx); err != nil {
		return nil, err
	}
	tickers, err := c.api.GetTicker24hAPI(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch 24h tickers: %w", err)
	}

	markets := make([]broker.Market, 0, len(tickers))
	for _, t := range tickers {
		// Strictly above the threshold: a market that merely matched it
		// moved nowhere in 24h and is of no interest.
		change, err := strconv.ParseFloat(t.PriceChangePercent, 64)
		if err != nil || change <= minPercentChange {
			continue
		}
		info, ok := c.api.LookupSymbolInfo(t.Symbol)
		if !ok || info.Status != "TRADING" {
			continue
		}
		lastPrice, _ := strconv.ParseFloat(t.LastPrice, 64)
		baseVolume, _ := strconv.ParseFloat(t.Volume, 64)
		quoteVolume, _ := strconv.ParseFloat(t.QuoteVolume, 64)
		markets = append(markets, broker.Market{
			Symbol:               t.Symbol,
			BaseAsset:            info.BaseAsset,
			QuoteAsset:           info.QuoteAsset,
			LastPrice:            lastPrice,
			PercentChangeLast24h: change,
			BaseVolumeLast24h:    baseVolume,
			QuoteVolumeLast24h:   quoteVolume,
			Candlesticks:         make(map[string][]utilities.Candlestick),
			PercentVariations:    make(map[string][]float64),
		})
	}
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].PercentChangeLast24h > markets[j].PercentChangeLast24h
	})
	return markets, nil
}

func (c *Connector) GetCandlesticks(ctx context.Context, symbol, interval string, limit, retries int) ([]utilities.Candlestick, error) {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			time.Sleep(c.retryDelay())
		}
		klines, err := c.api.GetKlinesAPI(ctx, symbol, interval, limit)
		if err != nil {
			if errors.Is(err, broker.ErrDDoSProtection) {
				// Retrying while flagged would only extend the ban.
				return nil, err
			}
			lastErr = err
			c.logger.LogWarn("GetCandlesticks %s %s attempt %d failed: %v", symbol, interval, attempt+1, err)
			continue
		}
		candles := make([]utilities.Candlestick, 0, len(klines))
		for _, k := range klines {
			candle, err := parseKline(k)
			if err != nil {
				return nil, fmt.Errorf("parse kline for %s: %w", symbol, err)
			}
			candles = append(candles, candle)
		}
		utilities.SortCandlesticksByTimestamp(candles)
		return candles, nil
	}
	return nil, fmt.Errorf("get candlesticks for %s %s: %w", symbol, interval, lastErr)
}

func (c *Connector) GetBalance(ctx context.Context, assets []string, retries int) (map[string]float64, error) {
	var account AccountInfo
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			time.Sleep(c.retryDelay())
		}
		var err error
		account, err = c.api.GetAccountAPI(ctx)
		if err != nil {
			if errors.Is(err, broker.ErrDDoSProtection) {
				return nil, err
			}
			lastErr = err
			c.logger.LogWarn("GetBalance attempt %d failed: %v", attempt+1, err)
			continue
		}
		lastErr = nil
		break
	}
	if lastErr != nil {
		return nil, fmt.Errorf("fetch account balances: %w", lastErr)
	}
	wanted := make(map[string]bool, len(assets))
	for _, a := range assets {
		wanted[strings.ToUpper(a)] = true
	}
	balances := make(map[string]float64, len(assets))
	for _, b := range account.Balances {
		if !wanted[b.Asset] {
			continue
		}
		free, err := strconv.ParseFloat(b.Free, 64)
		if err != nil {
			return nil, fmt.Errorf("parse balance of %s: %w", b.Asset, err)
		}
		balances[b.Asset] = free
	}
	// Assets the account never touched are absent from the response.
	for a := range wanted {
		if _, ok := balances[a]; !ok {
			balances[a] = 0
		}
	}
	return balances, nil
}

func (c *Connector) GetBalanceForAsset(ctx context.Context, asset string, retries int) (float64, error) {
	// A just-filled order takes a moment to settle into the account snapshot.
	settle := time.Duration(c.cfg.BalanceSettleDelayMs) * time.Millisecond
	if settle > 0 {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(settle):
		}
	}
	balances, err := c.GetBalance(ctx, []string{asset}, retries)
	if err != nil {
		return 0, err
	}
	return balances[strings.ToUpper(asset)], nil
}

func (c *Connector) GetUnitPrice(ctx context.Context, asset, quoteAsset string, retries int) (float64, error) {
	symbol := strings.ToUpper(asset) + strings.ToUpper(quoteAsset)
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			time.Sleep(c.retryDelay())
		}
		tp, err := c.api.GetTickerPriceAPI(ctx, symbol)
		if err != nil {
			if errors.Is(err, broker.ErrDDoSProtection) {
				return 0, err
			}
			lastErr = err
			continue
		}
		price, err := strconv.ParseFloat(tp.Price, 64)
		if err != nil {
			lastErr = fmt.Errorf("parse unit price: %w", err)
			continue
		}
		if price <= 0 {
			lastErr = fmt.Errorf("price %v is not positive", price)
			continue
		}
		return price, nil
	}
	return 0, fmt.Errorf("fetch unit price for %s: %w", symbol, lastErr)
}

func (c *Connector) CreateMarketOrder(ctx context.Context, side broker.OrderSide, baseAsset, quoteAsset string, amount float64, amountIsQuote, awaitCompletion, simulated bool, retries int) (*broker.Order, error) {
	symbol := baseAsset + quoteAsset
	if simulated {
		return c.simulateMarketOrder(ctx, side, baseAsset, quoteAsset, amount, amountIsQuote)
	}

	params := url.Values{
		"symbol": {symbol},
		"side":   {string(side)},
		"type":   {string(broker.TypeMarket)},
	}
	if amountIsQuote {
		params.Set("quoteOrderQty", strconv.FormatFloat(utilities.TruncateToPrecision(amount, 8), 'f', -1, 64))
	} else {
		qty, err := c.truncateQuantity(ctx, symbol, amount)
		if err != nil {
			return nil, err
		}
		params.Set("quantity", strconv.FormatFloat(qty, 'f', -1, 64))
	}

	order, err := c.placeOrderWithRetries(ctx, symbol, baseAsset, quoteAsset, params, retries)
	if err != nil {
		return nil, err
	}
	if awaitCompletion && !order.IsClosed() {
		completed, err := c.WaitForOrderCompletion(ctx, order, retries)
		if err != nil {
			return order, err
		}
		if completed != nil {
			return completed, nil
		}
	}
	return order, nil
}

func (c *Connector) CreateMarketBuyOrder(ctx context.Context, baseAsset, quoteAsset string, quoteAmount float64, awaitCompletion, simulated bool, retries int) (*broker.Order, error) {
	symbol := baseAsset + quoteAsset
	info, err := c.api.GetSymbolInfo(ctx, symbol)
	if err == nil && info.QuoteOrderQtyMarketAllowed {
		return c.CreateMarketOrder(ctx, broker.SideBuy, baseAsset, quoteAsset, quoteAmount, true, awaitCompletion, simulated, retries)
	}
	if err != nil {
		c.logger.LogWarn("Could not determine quote-qty support for %s, converting amount: %v", symbol, err)
	}

	// The market only takes base quantities; convert at the current price.
	// Each retry re-prices so a moving market cannot strand the conversion.
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			time.Sleep(c.retryDelay())
		}
		price, err := c.GetUnitPrice(ctx, baseAsset, quoteAsset, 0)
		if err != nil {
			lastErr = err
			continue
		}
		order, err := c.CreateMarketOrder(ctx, broker.SideBuy, baseAsset, quoteAsset, quoteAmount/price, false, awaitCompletion, simulated, 0)
		if err != nil {
			lastErr = err
			c.logger.LogWarn("Market buy of %s attempt %d failed: %v", symbol, attempt+1, err)
			continue
		}
		return order, nil
	}
	return nil, fmt.Errorf("market buy of %s with %.8f %s: %w", symbol, quoteAmount, quoteAsset, lastErr)
}

func (c *Connector) CreateStopLimitOrder(ctx context.Context, side broker.OrderSide, baseAsset, quoteAsset string, quantity, stopPrice, limitPrice float64, simulated bool, retries int) (*broker.Order, error) {
	symbol := baseAsset + quoteAsset
	if simulated {
		return c.simulateRestingOrder(side, broker.TypeStopLimit, baseAsset, quoteAsset, quantity, stopPrice, limitPrice), nil
	}
	qty, err := c.truncateQuantity(ctx, symbol, quantity)
	if err != nil {
		return nil, err
	}
	stop, limit, err := c.truncatePrices(ctx, symbol, stopPrice, limitPrice)
	if err != nil {
		return nil, err
	}
	params := url.Values{
		"symbol":      {symbol},
		"side":        {string(side)},
		"type":        {string(broker.TypeStopLimit)},
		"timeInForce": {"GTC"},
		"quantity":    {strconv.FormatFloat(qty, 'f', -1, 64)},
		"stopPrice":   {strconv.FormatFloat(stop, 'f', -1, 64)},
		"price":       {strconv.FormatFloat(limit, 'f', -1, 64)},
	}
	return c.placeOrderWithRetries(ctx, symbol, baseAsset, quoteAsset, params, retries)
}

func (c *Connector) CreateLimitSellOrder(ctx context.Context, baseAsset, quoteAsset string, quantity, limitPrice float64, simulated bool, retries int) (*broker.Order, error) {
	symbol := baseAsset + quoteAsset
	if simulated {
		return c.simulateRestingOrder(broker.SideSell, broker.TypeLimit, baseAsset, quoteAsset, quantity, 0, limitPrice), nil
	}
	qty, err := c.truncateQuantity(ctx, symbol, quantity)
	if err != nil {
		return nil, err
	}
	_, limit, err := c.truncatePrices(ctx, symbol, limitPrice, limitPrice)
	if err != nil {
		return nil, err
	}
	params := url.Values{
		"symbol":      {symbol},
		"side":        {string(broker.SideSell)},
		"type":        {string(broker.TypeLimit)},
		"timeInForce": {"GTC"},
		"quantity":    {strconv.FormatFloat(qty, 'f', -1, 64)},
		"price":       {strconv.FormatFloat(limit, 'f', -1, 64)},
	}
	return c.placeOrderWithRetries(ctx, symbol, baseAsset, quoteAsset, params, retries)
}

func (c *Connector) GetOrder(ctx context.Context, externalID, symbol string, simulated bool, retries int) (*broker.Order, error) {
	if simulated {
		c.simMu.Lock()
		defer c.simMu.Unlock()
		if order, ok := c.simOrders[externalID]; ok {
			cp := *order
			return &cp, nil
		}
		return nil, broker.ErrOrderNotFound
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			time.Sleep(c.retryDelay())
		}
		resp, err := c.api.QueryOrderAPI(ctx, symbol, externalID)
		if err != nil {
			if errors.Is(err, broker.ErrOrderNotFound) {
				return nil, err
			}
			lastErr = err
			continue
		}
		base, quote := c.splitSymbol(symbol)
		order := c.orderFromResponse(resp, base, quote)
		return order, nil
	}
	return nil, fmt.Errorf("get order %s on %s: %w", externalID, symbol, lastErr)
}

// OrderIsClosed answers the monitoring loop's "is it done yet" question with a
// single non-retried status query. An order the exchange does not know yet is
// reported as still open rather than as an error.
func (c *Connector) OrderIsClosed(ctx context.Context, externalID, symbol string, simulated bool) (bool, error) {
	order, err := c.GetOrder(ctx, externalID, symbol, simulated, 0)
	if err != nil {
		if errors.Is(err, broker.ErrOrderNotFound) {
			return false, nil
		}
		return false, err
	}
	return order.IsClosed(), nil
}

func (c *Connector) WaitForOrderCompletion(ctx context.Context, order *broker.Order, retries int) (*broker.Order, error) {
	if order == nil {
		return nil, errors.New("cannot wait on a nil order")
	}
	if order.IsClosed() {
		return order, nil
	}
	for attempt := 0; attempt <= retries; attempt++ {
		current, err := c.GetOrder(ctx, order.ExternalID, order.Symbol, order.Simulated, 0)
		if err != nil {
			if !errors.Is(err, broker.ErrOrderNotFound) {
				c.logger.LogWarn("Polling order %s failed: %v", order.ExternalID, err)
			}
		} else if current.IsClosed() {
			return current, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval()):
		}
	}
	// Still open, the caller decides what to do with it.
	return nil, nil
}

func (c *Connector) CancelOrder(ctx context.Context, externalID, symbol string, simulated bool) (*broker.Order, error) {
	if simulated {
		c.simMu.Lock()
		defer c.simMu.Unlock()
		order, ok := c.simOrders[externalID]
		if !ok {
			return nil, broker.ErrOrderNotFound
		}
		if !order.IsClosed() {
			order.Status = broker.StatusCanceled
			order.UpdatedAt = time.Now()
		}
		cp := *order
		return &cp, nil
	}

	resp, err := c.api.CancelOrderAPI(ctx, symbol, externalID)
	if err != nil {
		if errors.Is(err, broker.ErrOrderNotFound) {
			// The order likely closed before the cancel landed. Report its
			// final state instead of failing.
			c.logger.LogInfo("Cancel of %s on %s raced its completion, fetching final state", externalID, symbol)
			closed, getErr := c.GetOrder(ctx, externalID, symbol, false, 1)
			if getErr == nil && closed.IsClosed() {
				return closed, nil
			}
		}
		return nil, fmt.Errorf("cancel order %s on %s: %w", externalID, symbol, err)
	}
	base, quote := c.splitSymbol(symbol)
	return c.orderFromResponse(resp, base, quote), nil
}

func (c *Connector) RedeemBlvt(ctx context.Context, tokenName string, quantity float64, retries int) (float64, error) {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			time.Sleep(c.retryDelay())
		}
		resp, err := c.api.BlvtRedeemAPI(ctx, tokenName, quantity)
		if err != nil {
			lastErr = err
			c.logger.LogWarn("BLVT redemption of %s attempt %d failed: %v", tokenName, attempt+1, err)
			continue
		}
		redeemed, _ := strconv.ParseFloat(resp.RedeemAmount, 64)
		c.logger.LogInfo("Redeemed %.8f %s (id %d)", redeemed, tokenName, resp.ID)
		return redeemed, nil
	}
	return 0, fmt.Errorf("redeem %.8f of %s: %w", quantity, tokenName, lastErr)
}

func (c *Connector) EnrichMarketMetadata(ctx context.Context, markets []broker.Market) error {
	if err := c.api.EnsureExchangeInfo(ctx); err != nil {
		return err
	}
	for i := range markets {
		info, ok := c.api.LookupSymbolInfo(markets[i].Symbol)
		if !ok {
			c.logger.LogWarn("No exchange info for %s, order constraints unknown", markets[i].Symbol)
			continue
		}
		markets[i].QuoteQtyAllowed = info.QuoteOrderQtyMarketAllowed
		for _, f := range info.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				markets[i].AmountPrecision = decimalsFromStep(f.StepSize)
			case "PRICE_FILTER":
				markets[i].PricePrecision = decimalsFromStep(f.TickSize)
			case "NOTIONAL", "MIN_NOTIONAL":
				markets[i].MinNotional, _ = strconv.ParseFloat(f.MinNotional, 64)
			case "MAX_POSITION":
				markets[i].MaxPosition, _ = strconv.ParseFloat(f.MaxPosition, 64)
			}
		}
		markets[i].MetadataPopulated = true
	}
	return nil
}

// placeOrderWithRetries submits an order, retrying transient failures.
// Insufficient balance and DDoS protection are terminal.
func (c *Connector) placeOrderWithRetries(ctx context.Context, symbol, baseAsset, quoteAsset string, params url.Values, retries int) (*broker.Order, error) {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			time.Sleep(c.retryDelay())
		}
		resp, err := c.api.NewOrderAPI(ctx, cloneValues(params))
		if err != nil {
			if errors.Is(err, broker.ErrInsufficientBalance) || errors.Is(err, broker.ErrDDoSProtection) {
				return nil, err
			}
			lastErr = err
			c.logger.LogWarn("Order placement on %s attempt %d failed: %v", symbol, attempt+1, err)
			continue
		}
		order := c.orderFromResponse(resp, baseAsset, quoteAsset)
		c.logger.LogInfo("%sPlaced %s %s order on %s%s: qty=%.8f avg=%.8f status=%s",
			utilities.ColorCyan, order.Side, order.Type, symbol, utilities.ColorReset, order.Filled, order.AvgPrice, order.Status)
		return order, nil
	}
	return nil, fmt.Errorf("place order on %s: %w", symbol, lastErr)
}

// orderFromResponse converts a raw order payload into a broker.Order,
// folding the commission of each fill into the executed quantity or the
// quote cost depending on the commission asset. Commission charged in the
// loyalty token touches neither leg and is left alone.
func (c *Connector) orderFromResponse(resp OrderResponse, baseAsset, quoteAsset string) *broker.Order {
	executed, _ := strconv.ParseFloat(resp.ExecutedQty, 64)
	cost, _ := strconv.ParseFloat(resp.CummulativeQuoteQty, 64)
	limitPrice, _ := strconv.ParseFloat(resp.Price, 64)
	stopPrice, _ := strconv.ParseFloat(resp.StopPrice, 64)
	origQty, _ := strconv.ParseFloat(resp.OrigQty, 64)

	filled := executed
	var commissionQuote, commissionForeign float64
	var foreignAsset string
	for _, f := range resp.Fills {
		commission, _ := strconv.ParseFloat(f.Commission, 64)
		switch f.CommissionAsset {
		case baseAsset:
			filled -= commission
		case quoteAsset:
			commissionQuote += commission
		default:
			// Paid in an unrelated asset (typically the loyalty token):
			// tracked separately, never deducted from either leg.
			commissionForeign += commission
			foreignAsset = f.CommissionAsset
			c.logger.LogDebug("Commission of %s paid in %s on %s, not deducted", f.Commission, f.CommissionAsset, resp.Symbol)
		}
	}

	var avgPrice float64
	if executed > 0 && cost > 0 {
		avgPrice = cost / executed
	}

	createdAt := resp.TransactTime
	if createdAt == 0 {
		createdAt = resp.Time
	}
	order := &broker.Order{
		ID:                     uuid.NewString(),
		ExternalID:             strconv.FormatInt(resp.OrderID, 10),
		Symbol:                 resp.Symbol,
		BaseAsset:              baseAsset,
		QuoteAsset:             quoteAsset,
		Side:                   broker.OrderSide(resp.Side),
		Type:                   broker.OrderType(resp.Type),
		Status:                 resp.Status,
		Amount:                 origQty,
		Filled:                 filled,
		Remaining:              origQty - executed,
		AvgPrice:               avgPrice,
		Cost:                   cost,
		LimitPrice:             limitPrice,
		StopPrice:              stopPrice,
		CommissionQuote:        commissionQuote,
		CommissionForeign:      commissionForeign,
		CommissionForeignAsset: foreignAsset,
		CreatedAt:              time.UnixMilli(createdAt),
	}
	if resp.UpdateTime > 0 {
		order.UpdatedAt = time.UnixMilli(resp.UpdateTime)
	}
	return order
}

// simulateMarketOrder fabricates a filled market order at the current unit
// price without touching the account.
func (c *Connector) simulateMarketOrder(ctx context.Context, side broker.OrderSide, baseAsset, quoteAsset string, amount float64, amountIsQuote bool) (*broker.Order, error) {
	price, err := c.GetUnitPrice(ctx, baseAsset, quoteAsset, 0)
	if err != nil {
		return nil, fmt.Errorf("simulate market order: %w", err)
	}
	qty := amount
	if amountIsQuote {
		qty = amount / price
	}
	if info, ok := c.api.LookupSymbolInfo(baseAsset + quoteAsset); ok {
		for _, f := range info.Filters {
			if f.FilterType == "LOT_SIZE" {
				qty = utilities.TruncateToPrecision(qty, decimalsFromStep(f.StepSize))
			}
		}
	}
	now := time.Now()
	order := &broker.Order{
		ID:         uuid.NewString(),
		ExternalID: "sim-" + uuid.NewString(),
		Symbol:     baseAsset + quoteAsset,
		BaseAsset:  baseAsset,
		QuoteAsset: quoteAsset,
		Side:       side,
		Type:       broker.TypeMarket,
		Status:     broker.StatusFilled,
		Amount:     qty,
		Filled:     qty,
		Remaining:  0,
		AvgPrice:   price,
		Cost:       qty * price,
		Simulated:  true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	c.rememberSimOrder(order)
	c.logger.LogInfo("%sSimulated %s market order on %s%s: qty=%.8f price=%.8f",
		utilities.ColorCyan, side, order.Symbol, utilities.ColorReset, qty, price)
	return order, nil
}

// simulateRestingOrder fabricates an open limit or stop-limit order. It stays
// open until canceled, mirroring how a resting order far from the price sits
// on the book.
func (c *Connector) simulateRestingOrder(side broker.OrderSide, orderType broker.OrderType, baseAsset, quoteAsset string, quantity, stopPrice, limitPrice float64) *broker.Order {
	now := time.Now()
	order := &broker.Order{
		ID:         uuid.NewString(),
		ExternalID: "sim-" + uuid.NewString(),
		Symbol:     baseAsset + quoteAsset,
		BaseAsset:  baseAsset,
		QuoteAsset: quoteAsset,
		Side:       side,
		Type:       orderType,
		Status:     broker.StatusNew,
		Amount:     quantity,
		Remaining:  quantity,
		LimitPrice: limitPrice,
		StopPrice:  stopPrice,
		Simulated:  true,
		CreatedAt:  now,
	}
	c.rememberSimOrder(order)
	return order
}

func (c *Connector) rememberSimOrder(order *broker.Order) {
	c.simMu.Lock()
	defer c.simMu.Unlock()
	c.simOrders[order.ExternalID] = order
}

func (c *Connector) truncateQuantity(ctx context.Context, symbol string, quantity float64) (float64, error) {
	info, err := c.api.GetSymbolInfo(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("truncate quantity for %s: %w", symbol, err)
	}
	for _, f := range info.Filters {
		if f.FilterType == "LOT_SIZE" {
			return utilities.TruncateToPrecision(quantity, decimalsFromStep(f.StepSize)), nil
		}
	}
	return quantity, nil
}

func (c *Connector) truncatePrices(ctx context.Context, symbol string, stopPrice, limitPrice float64) (float64, float64, error) {
	info, err := c.api.GetSymbolInfo(ctx, symbol)
	if err != nil {
		return 0, 0, fmt.Errorf("truncate prices for %s: %w", symbol, err)
	}
	for _, f := range info.Filters {
		if f.FilterType == "PRICE_FILTER" {
			decimals := decimalsFromStep(f.TickSize)
			return utilities.TruncateToPrecision(stopPrice, decimals), utilities.TruncateToPrecision(limitPrice, decimals), nil
		}
	}
	return stopPrice, limitPrice, nil
}

func (c *Connector) splitSymbol(symbol string) (string, string) {
	if info, ok := c.api.LookupSymbolInfo(symbol); ok {
		return info.BaseAsset, info.QuoteAsset
	}
	// Fall back to the common quote suffixes when the cache is cold.
	for _, quote := range []string{"USDT", "BUSD", "USDC", "EUR", "BTC", "ETH", "BNB"} {
		if strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
			return strings.TrimSuffix(symbol, quote), quote
		}
	}
	return symbol, ""
}

// decimalsFromStep converts a step size like "0.00100000" into the number of
// meaningful decimal places, here 3.
func decimalsFromStep(step string) int {
	f, err := strconv.ParseFloat(step, 64)
	if err != nil || f <= 0 {
		return 8
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if dot := strings.IndexByte(s, '.'); dot >= 0 {
		return len(s) - dot - 1
	}
	return 0
}

// parseKline converts one raw kline array into a Candlestick.
func parseKline(k Kline) (utilities.Candlestick, error) {
	if len(k) < 6 {
		return utilities.Candlestick{}, fmt.Errorf("kline has %d fields, expected at least 6", len(k))
	}
	var openTime int64
	if err := json.Unmarshal(k[0], &openTime); err != nil {
		return utilities.Candlestick{}, fmt.Errorf("kline open time: %w", err)
	}
	values := make([]float64, 5)
	for i := 1; i <= 5; i++ {
		var s string
		if err := json.Unmarshal(k[i], &s); err != nil {
			return utilities.Candlestick{}, fmt.Errorf("kline field %d: %w", i, err)
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return utilities.Candlestick{}, fmt.Errorf("kline field %d: %w", i, err)
		}
		values[i-1] = f
	}
	return utilities.Candlestick{
		Timestamp: openTime,
		Open:      values[0],
		High:      values[1],
		Low:       values[2],
		Close:     values[3],
		Volume:    values[4],
	}, nil
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}
