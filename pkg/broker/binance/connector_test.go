// File: pkg/broker/binance/connector_test.go
package binance

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/voyager418/mountain-seeker-sub000/pkg/broker"
	"github.com/voyager418/mountain-seeker-sub000/utilities"
)

type mockAPI struct {
	mock.Mock
}

func (m *mockAPI) GetTicker24hAPI(ctx context.Context) ([]Ticker24h, error) {
	args := m.Called(ctx)
	tickers, _ := args.Get(0).([]Ticker24h)
	return tickers, args.Error(1)
}

func (m *mockAPI) GetTickerPriceAPI(ctx context.Context, symbol string) (TickerPrice, error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).(TickerPrice), args.Error(1)
}

func (m *mockAPI) GetKlinesAPI(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	args := m.Called(ctx, symbol, interval, limit)
	klines, _ := args.Get(0).([]Kline)
	return klines, args.Error(1)
}

func (m *mockAPI) GetAccountAPI(ctx context.Context) (AccountInfo, error) {
	args := m.Called(ctx)
	return args.Get(0).(AccountInfo), args.Error(1)
}

func (m *mockAPI) NewOrderAPI(ctx context.Context, params url.Values) (OrderResponse, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(OrderResponse), args.Error(1)
}

func (m *mockAPI) QueryOrderAPI(ctx context.Context, symbol, orderID string) (OrderResponse, error) {
	args := m.Called(ctx, symbol, orderID)
	return args.Get(0).(OrderResponse), args.Error(1)
}

func (m *mockAPI) CancelOrderAPI(ctx context.Context, symbol, orderID string) (OrderResponse, error) {
	args := m.Called(ctx, symbol, orderID)
	return args.Get(0).(OrderResponse), args.Error(1)
}

func (m *mockAPI) BlvtRedeemAPI(ctx context.Context, tokenName string, amount float64) (BlvtRedeemResponse, error) {
	args := m.Called(ctx, tokenName, amount)
	return args.Get(0).(BlvtRedeemResponse), args.Error(1)
}

func (m *mockAPI) EnsureExchangeInfo(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockAPI) LookupSymbolInfo(symbol string) (SymbolInfo, bool) {
	args := m.Called(symbol)
	return args.Get(0).(SymbolInfo), args.Bool(1)
}

func (m *mockAPI) GetSymbolInfo(ctx context.Context, symbol string) (SymbolInfo, error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).(SymbolInfo), args.Error(1)
}

func newTestConnector(api restAPI) *Connector {
	c := newConnectorWithAPI(api, &utilities.BinanceConfig{}, utilities.NewLogger(utilities.Error))
	c.retryDelayFn = func() time.Duration { return time.Millisecond }
	return c
}

func tradingSymbol(symbol, base, quote string) SymbolInfo {
	return SymbolInfo{
		Symbol:     symbol,
		Status:     "TRADING",
		BaseAsset:  base,
		QuoteAsset: quote,
		Filters: []SymbolFilter{
			{FilterType: "LOT_SIZE", StepSize: "0.00001000"},
			{FilterType: "PRICE_FILTER", TickSize: "0.01000000"},
		},
	}
}

func TestGetCandlesticksRetriesUntilExhausted(t *testing.T) {
	api := new(mockAPI)
	api.On("GetKlinesAPI", mock.Anything, "BTCUSDT", "1m", 400).
		Return(nil, fmt.Errorf("transient network failure"))

	c := newTestConnector(api)
	_, err := c.GetCandlesticks(context.Background(), "BTCUSDT", "1m", 400, 3)

	require.Error(t, err)
	// retries=3 means one initial attempt plus three retries.
	api.AssertNumberOfCalls(t, "GetKlinesAPI", 4)
}

func TestGetCandlesticksDoesNotRetryOnDDoSProtection(t *testing.T) {
	api := new(mockAPI)
	api.On("GetKlinesAPI", mock.Anything, "BTCUSDT", "1m", 400).
		Return(nil, fmt.Errorf("banned: %w", broker.ErrDDoSProtection))

	c := newTestConnector(api)
	_, err := c.GetCandlesticks(context.Background(), "BTCUSDT", "1m", 400, 3)

	require.ErrorIs(t, err, broker.ErrDDoSProtection)
	api.AssertNumberOfCalls(t, "GetKlinesAPI", 1)
}

func TestGetCandlesticksParsesAndSortsKlines(t *testing.T) {
	raw := func(ts int64, o, h, l, cl, v string) Kline {
		k := Kline{}
		k = append(k, []byte(fmt.Sprintf("%d", ts)))
		for _, s := range []string{o, h, l, cl, v} {
			k = append(k, []byte(fmt.Sprintf("%q", s)))
		}
		return k
	}
	api := new(mockAPI)
	api.On("GetKlinesAPI", mock.Anything, "BTCUSDT", "5m", 2).
		Return([]Kline{
			raw(2000, "101", "103", "100", "102", "7"),
			raw(1000, "100", "102", "99", "101", "5"),
		}, nil)

	c := newTestConnector(api)
	candles, err := c.GetCandlesticks(context.Background(), "BTCUSDT", "5m", 2, 0)

	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, int64(1000), candles[0].Timestamp)
	assert.Equal(t, 100.0, candles[0].Open)
	assert.Equal(t, 102.0, candles[1].Close)
	assert.Equal(t, 7.0, candles[1].Volume)
}

func TestOrderFromResponseCommissionAccounting(t *testing.T) {
	c := newTestConnector(new(mockAPI))

	t.Run("loyalty token commission does not reduce filled quantity", func(t *testing.T) {
		order := c.orderFromResponse(OrderResponse{
			Symbol:              "BTCUSDT",
			OrderID:             42,
			Side:                "BUY",
			Type:                "MARKET",
			Status:              "FILLED",
			OrigQty:             "0.00053",
			ExecutedQty:         "0.00053",
			CummulativeQuoteQty: "19.66224359",
			Fills: []OrderFill{
				{Price: "37095.78", Qty: "0.00001", Commission: "0.00000094", CommissionAsset: "BNB"},
				{Price: "37098.71", Qty: "0.00052", Commission: "0.00004948", CommissionAsset: "BNB"},
			},
		}, "BTC", "USDT")
		assert.Equal(t, 0.00053, order.Filled)
		assert.Zero(t, order.CommissionQuote)
		assert.InDelta(t, 0.00005042, order.CommissionForeign, 1e-12)
		assert.Equal(t, "BNB", order.CommissionForeignAsset)
		assert.Zero(t, order.Remaining)
	})

	t.Run("base asset commission reduces filled quantity", func(t *testing.T) {
		order := c.orderFromResponse(OrderResponse{
			Symbol:              "BTCUSDT",
			Side:                "BUY",
			Status:              "FILLED",
			ExecutedQty:         "0.001",
			CummulativeQuoteQty: "40",
			Fills: []OrderFill{
				{Price: "40000", Qty: "0.001", Commission: "0.000001", CommissionAsset: "BTC"},
			},
		}, "BTC", "USDT")
		assert.InDelta(t, 0.000999, order.Filled, 1e-12)
	})

	t.Run("quote asset commission accumulates on the quote leg", func(t *testing.T) {
		order := c.orderFromResponse(OrderResponse{
			Symbol:              "BTCUSDT",
			Side:                "SELL",
			Status:              "FILLED",
			ExecutedQty:         "0.001",
			CummulativeQuoteQty: "40",
			Fills: []OrderFill{
				{Price: "40000", Qty: "0.0005", Commission: "0.01", CommissionAsset: "USDT"},
				{Price: "40000", Qty: "0.0005", Commission: "0.01", CommissionAsset: "USDT"},
			},
		}, "BTC", "USDT")
		assert.Equal(t, 0.001, order.Filled)
		assert.InDelta(t, 0.02, order.CommissionQuote, 1e-12)
	})

	t.Run("partial fill leaves the remainder on the order", func(t *testing.T) {
		order := c.orderFromResponse(OrderResponse{
			Symbol:              "BTCUSDT",
			Side:                "SELL",
			Status:              "PARTIALLY_FILLED",
			OrigQty:             "1",
			ExecutedQty:         "0.4",
			CummulativeQuoteQty: "16000",
		}, "BTC", "USDT")
		assert.InDelta(t, 0.6, order.Remaining, 1e-12)
	})
}

func TestSimulatedMarketBuyConservesValue(t *testing.T) {
	api := new(mockAPI)
	api.On("GetTickerPriceAPI", mock.Anything, "BTCUSDT").
		Return(TickerPrice{Symbol: "BTCUSDT", Price: "20000"}, nil)
	api.On("LookupSymbolInfo", "BTCUSDT").
		Return(tradingSymbol("BTCUSDT", "BTC", "USDT"), true)

	c := newTestConnector(api)
	order, err := c.CreateMarketOrder(context.Background(), broker.SideBuy, "BTC", "USDT", 100.0, true, false, true, 0)

	require.NoError(t, err)
	assert.True(t, order.Simulated)
	assert.True(t, order.IsFilled())
	assert.Equal(t, 0.005, order.Filled)
	assert.InDelta(t, order.Filled*order.AvgPrice, order.Cost, 1e-9)

	// The simulated order must be retrievable like a real one.
	fetched, err := c.GetOrder(context.Background(), order.ExternalID, order.Symbol, true, 0)
	require.NoError(t, err)
	assert.Equal(t, order.ID, fetched.ID)
}

func TestCancelOrderThatAlreadyClosed(t *testing.T) {
	api := new(mockAPI)
	api.On("CancelOrderAPI", mock.Anything, "BTCUSDT", "42").
		Return(OrderResponse{}, fmt.Errorf("unknown order: %w", broker.ErrOrderNotFound))
	api.On("QueryOrderAPI", mock.Anything, "BTCUSDT", "42").
		Return(OrderResponse{
			Symbol:              "BTCUSDT",
			OrderID:             42,
			Side:                "SELL",
			Type:                "STOP_LOSS_LIMIT",
			Status:              "FILLED",
			ExecutedQty:         "0.005",
			CummulativeQuoteQty: "100",
		}, nil)
	api.On("LookupSymbolInfo", "BTCUSDT").
		Return(tradingSymbol("BTCUSDT", "BTC", "USDT"), true)

	c := newTestConnector(api)
	order, err := c.CancelOrder(context.Background(), "42", "BTCUSDT", false)

	require.NoError(t, err)
	assert.True(t, order.IsFilled())
	assert.Equal(t, "42", order.ExternalID)
}

func TestCancelSimulatedRestingOrder(t *testing.T) {
	c := newTestConnector(new(mockAPI))
	order := c.simulateRestingOrder(broker.SideSell, broker.TypeStopLimit, "BTC", "USDT", 0.005, 19000, 18950)
	require.False(t, order.IsClosed())

	canceled, err := c.CancelOrder(context.Background(), order.ExternalID, order.Symbol, true)
	require.NoError(t, err)
	assert.Equal(t, broker.StatusCanceled, canceled.Status)
}

func TestGetMarketsBy24hVariationFiltersAndSorts(t *testing.T) {
	api := new(mockAPI)
	api.On("EnsureExchangeInfo", mock.Anything).Return(nil)
	api.On("GetTicker24hAPI", mock.Anything).Return([]Ticker24h{
		{Symbol: "AAAUSDT", PriceChangePercent: "-2.0", LastPrice: "1", Volume: "10", QuoteVolume: "10"},
		{Symbol: "BBBUSDT", PriceChangePercent: "0.0", LastPrice: "1", Volume: "10", QuoteVolume: "10"},
		{Symbol: "CCCUSDT", PriceChangePercent: "1.0", LastPrice: "1", Volume: "10", QuoteVolume: "10"},
		{Symbol: "DDDUSDT", PriceChangePercent: "5.0", LastPrice: "1", Volume: "10", QuoteVolume: "10"},
	}, nil)
	for _, s := range []string{"CCCUSDT", "DDDUSDT"} {
		api.On("LookupSymbolInfo", s).Return(tradingSymbol(s, s[:3], "USDT"), true)
	}

	c := newTestConnector(api)
	markets, err := c.GetMarketsBy24hVariation(context.Background(), 0)

	// The threshold is strict: the unmoved 0% market is out.
	require.NoError(t, err)
	require.Len(t, markets, 2)
	assert.Equal(t, "DDDUSDT", markets[0].Symbol)
	assert.Equal(t, "CCCUSDT", markets[1].Symbol)
	assert.Equal(t, "CCC", markets[1].BaseAsset)
}

func TestGetMarketsBy24hVariationRetriesTransientFailures(t *testing.T) {
	api := new(mockAPI)
	api.On("EnsureExchangeInfo", mock.Anything).Return(nil)
	api.On("GetTicker24hAPI", mock.Anything).
		Return(nil, fmt.Errorf("transient network failure")).Once()
	api.On("GetTicker24hAPI", mock.Anything).Return([]Ticker24h{
		{Symbol: "AAAUSDT", PriceChangePercent: "3.0", LastPrice: "1", Volume: "10", QuoteVolume: "10"},
	}, nil)
	api.On("LookupSymbolInfo", "AAAUSDT").Return(tradingSymbol("AAAUSDT", "AAA", "USDT"), true)

	c := newTestConnector(api)
	markets, err := c.GetMarketsBy24hVariation(context.Background(), 0)

	require.NoError(t, err)
	require.Len(t, markets, 1)
	api.AssertNumberOfCalls(t, "GetTicker24hAPI", 2)
}

func TestWaitForOrderCompletionReturnsNilWhileOpen(t *testing.T) {
	api := new(mockAPI)
	api.On("QueryOrderAPI", mock.Anything, "BTCUSDT", "42").
		Return(OrderResponse{Symbol: "BTCUSDT", OrderID: 42, Status: "NEW"}, nil)
	api.On("LookupSymbolInfo", "BTCUSDT").
		Return(tradingSymbol("BTCUSDT", "BTC", "USDT"), true)

	c := newTestConnector(api)
	c.pollIntervalFn = func() time.Duration { return time.Millisecond }

	open := &broker.Order{ExternalID: "42", Symbol: "BTCUSDT", Status: broker.StatusNew}
	done, err := c.WaitForOrderCompletion(contextWithShortPoll(t), open, 1)

	require.NoError(t, err)
	assert.Nil(t, done)
}

// contextWithShortPoll bounds the poll sleeps so the test cannot hang.
func contextWithShortPoll(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGetBalanceReportsZeroForUnknownAsset(t *testing.T) {
	api := new(mockAPI)
	api.On("GetAccountAPI", mock.Anything).Return(AccountInfo{
		Balances: []AssetBalance{{Asset: "USDT", Free: "150.5", Locked: "0"}},
	}, nil)

	c := newTestConnector(api)
	balances, err := c.GetBalance(context.Background(), []string{"USDT", "BTC"}, 0)

	require.NoError(t, err)
	assert.Equal(t, 150.5, balances["USDT"])
	assert.Zero(t, balances["BTC"])
}

func TestGetBalanceRetriesTransientFailures(t *testing.T) {
	api := new(mockAPI)
	api.On("GetAccountAPI", mock.Anything).
		Return(AccountInfo{}, fmt.Errorf("transient network failure")).Once()
	api.On("GetAccountAPI", mock.Anything).Return(AccountInfo{
		Balances: []AssetBalance{{Asset: "USDT", Free: "42", Locked: "0"}},
	}, nil)

	c := newTestConnector(api)
	balances, err := c.GetBalance(context.Background(), []string{"USDT"}, 2)

	require.NoError(t, err)
	assert.Equal(t, 42.0, balances["USDT"])
	api.AssertNumberOfCalls(t, "GetAccountAPI", 2)
}

func TestGetUnitPriceRetriesTransientFailures(t *testing.T) {
	api := new(mockAPI)
	api.On("GetTickerPriceAPI", mock.Anything, "BTCUSDT").
		Return(TickerPrice{}, fmt.Errorf("transient network failure")).Once()
	api.On("GetTickerPriceAPI", mock.Anything, "BTCUSDT").
		Return(TickerPrice{Symbol: "BTCUSDT", Price: "20000"}, nil)

	c := newTestConnector(api)
	price, err := c.GetUnitPrice(context.Background(), "BTC", "USDT", 2)

	require.NoError(t, err)
	assert.Equal(t, 20000.0, price)
	api.AssertNumberOfCalls(t, "GetTickerPriceAPI", 2)
}

func TestOrderIsClosed(t *testing.T) {
	t.Run("open order reports false", func(t *testing.T) {
		api := new(mockAPI)
		api.On("QueryOrderAPI", mock.Anything, "BTCUSDT", "42").
			Return(OrderResponse{Symbol: "BTCUSDT", OrderID: 42, Status: "NEW"}, nil)
		api.On("LookupSymbolInfo", "BTCUSDT").
			Return(tradingSymbol("BTCUSDT", "BTC", "USDT"), true)

		c := newTestConnector(api)
		closed, err := c.OrderIsClosed(context.Background(), "42", "BTCUSDT", false)
		require.NoError(t, err)
		assert.False(t, closed)
	})

	t.Run("filled order reports true", func(t *testing.T) {
		api := new(mockAPI)
		api.On("QueryOrderAPI", mock.Anything, "BTCUSDT", "42").
			Return(OrderResponse{
				Symbol:              "BTCUSDT",
				OrderID:             42,
				Status:              "FILLED",
				ExecutedQty:         "0.005",
				CummulativeQuoteQty: "100",
			}, nil)
		api.On("LookupSymbolInfo", "BTCUSDT").
			Return(tradingSymbol("BTCUSDT", "BTC", "USDT"), true)

		c := newTestConnector(api)
		closed, err := c.OrderIsClosed(context.Background(), "42", "BTCUSDT", false)
		require.NoError(t, err)
		assert.True(t, closed)
	})

	t.Run("order the exchange does not know yet is not an error", func(t *testing.T) {
		api := new(mockAPI)
		api.On("QueryOrderAPI", mock.Anything, "BTCUSDT", "42").
			Return(OrderResponse{}, fmt.Errorf("unknown order: %w", broker.ErrOrderNotFound))

		c := newTestConnector(api)
		closed, err := c.OrderIsClosed(context.Background(), "42", "BTCUSDT", false)
		require.NoError(t, err)
		assert.False(t, closed)
	})
}

func TestEnrichMarketMetadataParsesMaxPosition(t *testing.T) {
	info := tradingSymbol("BTCUSDT", "BTC", "USDT")
	info.Filters = append(info.Filters, SymbolFilter{FilterType: "MAX_POSITION", MaxPosition: "8.5"})
	api := new(mockAPI)
	api.On("EnsureExchangeInfo", mock.Anything).Return(nil)
	api.On("LookupSymbolInfo", "BTCUSDT").Return(info, true)

	c := newTestConnector(api)
	markets := []broker.Market{{Symbol: "BTCUSDT"}}
	require.NoError(t, c.EnrichMarketMetadata(context.Background(), markets))

	assert.Equal(t, 8.5, markets[0].MaxPosition)
}

func TestTranslateAPIErrorSentinels(t *testing.T) {
	assert.True(t, errors.Is(translateAPIError("/api/v3/order", APIError{Code: codeTooManyRequests, Msg: "banned"}), broker.ErrDDoSProtection))
	assert.True(t, errors.Is(translateAPIError("/api/v3/order", APIError{Code: codeOrderNotFound, Msg: "missing"}), broker.ErrOrderNotFound))
	assert.True(t, errors.Is(translateAPIError("/api/v3/order", APIError{Code: codeUnknownOrder, Msg: "unknown"}), broker.ErrOrderNotFound))
	assert.True(t, errors.Is(translateAPIError("/api/v3/order", APIError{Code: codeInsufficientBalance, Msg: "poor"}), broker.ErrInsufficientBalance))
}

func TestDecimalsFromStep(t *testing.T) {
	assert.Equal(t, 3, decimalsFromStep("0.00100000"))
	assert.Equal(t, 0, decimalsFromStep("1.00000000"))
	assert.Equal(t, 8, decimalsFromStep("not-a-number"))
}
