// File: pkg/broker/binance/bclient.go
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/voyager418/mountain-seeker-sub000/pkg/broker"
	"github.com/voyager418/mountain-seeker-sub000/utilities"
)

// Client is a thin wrapper over the Binance REST API. It handles signing,
// rate limiting and error code translation; the Connector built on top of it
// implements the broker.Exchange semantics.
type Client struct {
	BaseURL       string
	APIKey        string
	APISecret     string
	HTTPClient    *http.Client
	limiter       *rate.Limiter
	logger        *utilities.Logger
	dataMu        sync.RWMutex
	symbolInfoMap map[string]SymbolInfo
}

func NewClient(cfg *utilities.BinanceConfig, httpClient *http.Client, logger *utilities.Logger) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.binance.com"
	}
	limit := cfg.RateLimitPerSec
	if limit <= 0 {
		limit = rate.Limit(10)
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 20
	}
	return &Client{
		BaseURL:       baseURL,
		APIKey:        cfg.APIKey,
		APISecret:     cfg.APISecret,
		HTTPClient:    httpClient,
		limiter:       rate.NewLimiter(limit, burst),
		logger:        logger,
		symbolInfoMap: make(map[string]SymbolInfo),
	}
}

// call performs one rate-limited request against the Binance API and decodes
// the JSON response into target. Signed requests get a timestamp and an
// HMAC-SHA256 signature appended to the query string.
func (c *Client) call(ctx context.Context, method, path string, params url.Values, signed bool, target interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("binance: rate limiter wait for %s: %w", path, err)
	}
	if params == nil {
		params = url.Values{}
	}

	query := params.Encode()
	if signed {
		if c.APIKey == "" || c.APISecret == "" {
			return errors.New("binance: API key or secret not configured")
		}
		params.Set("recvWindow", "5000")
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		query = params.Encode()
		query += "&signature=" + utilities.SignQueryHMACSHA256(c.APISecret, query)
	}

	endpoint := c.BaseURL + path
	if query != "" {
		endpoint += "?" + query
	}
	c.logger.LogDebug("Binance call: %s %s", method, c.BaseURL+path)

	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return fmt.Errorf("binance: create request for %s: %w", path, err)
	}
	req.Header.Set("User-Agent", "MountainSeekerBot/1.0")
	if c.APIKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("binance: execute request for %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("binance: read response body for %s: %w", path, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418 {
		return fmt.Errorf("binance: http %d for %s: %w", resp.StatusCode, path, broker.ErrDDoSProtection)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr APIError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Code != 0 {
			return translateAPIError(path, apiErr)
		}
		return fmt.Errorf("binance: http %d for %s: %s", resp.StatusCode, path, string(body))
	}

	if target == nil {
		return nil
	}
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("binance: decode response for %s: %w", path, err)
	}
	return nil
}

// translateAPIError maps well known Binance error codes to the sentinel
// errors the trading layer switches on.
func translateAPIError(path string, apiErr APIError) error {
	switch apiErr.Code {
	case codeTooManyRequests:
		return fmt.Errorf("binance: %s (code %d) for %s: %w", apiErr.Msg, apiErr.Code, path, broker.ErrDDoSProtection)
	case codeOrderNotFound, codeUnknownOrder:
		return fmt.Errorf("binance: %s (code %d) for %s: %w", apiErr.Msg, apiErr.Code, path, broker.ErrOrderNotFound)
	case codeInsufficientBalance:
		return fmt.Errorf("binance: %s (code %d) for %s: %w", apiErr.Msg, apiErr.Code, path, broker.ErrInsufficientBalance)
	default:
		return fmt.Errorf("binance: API error %d for %s: %s", apiErr.Code, path, apiErr.Msg)
	}
}

func (c *Client) GetTicker24hAPI(ctx context.Context) ([]Ticker24h, error) {
	var tickers []Ticker24h
	if err := c.call(ctx, http.MethodGet, "/api/v3/ticker/24hr", nil, false, &tickers); err != nil {
		return nil, err
	}
	return tickers, nil
}

func (c *Client) GetTickerPriceAPI(ctx context.Context, symbol string) (TickerPrice, error) {
	params := url.Values{"symbol": {symbol}}
	var tp TickerPrice
	if err := c.call(ctx, http.MethodGet, "/api/v3/ticker/price", params, false, &tp); err != nil {
		return TickerPrice{}, err
	}
	return tp, nil
}

func (c *Client) GetKlinesAPI(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	params := url.Values{
		"symbol":   {symbol},
		"interval": {interval},
		"limit":    {strconv.Itoa(limit)},
	}
	var klines []Kline
	if err := c.call(ctx, http.MethodGet, "/api/v3/klines", params, false, &klines); err != nil {
		return nil, err
	}
	return klines, nil
}

func (c *Client) GetAccountAPI(ctx context.Context) (AccountInfo, error) {
	var info AccountInfo
	if err := c.call(ctx, http.MethodGet, "/api/v3/account", nil, true, &info); err != nil {
		return AccountInfo{}, err
	}
	return info, nil
}

func (c *Client) NewOrderAPI(ctx context.Context, params url.Values) (OrderResponse, error) {
	// Full fill breakdown is needed for commission accounting.
	params.Set("newOrderRespType", "FULL")
	var resp OrderResponse
	if err := c.call(ctx, http.MethodPost, "/api/v3/order", params, true, &resp); err != nil {
		return OrderResponse{}, err
	}
	return resp, nil
}

func (c *Client) QueryOrderAPI(ctx context.Context, symbol, orderID string) (OrderResponse, error) {
	params := url.Values{
		"symbol":  {symbol},
		"orderId": {orderID},
	}
	var resp OrderResponse
	if err := c.call(ctx, http.MethodGet, "/api/v3/order", params, true, &resp); err != nil {
		return OrderResponse{}, err
	}
	return resp, nil
}

func (c *Client) CancelOrderAPI(ctx context.Context, symbol, orderID string) (OrderResponse, error) {
	params := url.Values{
		"symbol":  {symbol},
		"orderId": {orderID},
	}
	var resp OrderResponse
	if err := c.call(ctx, http.MethodDelete, "/api/v3/order", params, true, &resp); err != nil {
		return OrderResponse{}, err
	}
	return resp, nil
}

func (c *Client) BlvtRedeemAPI(ctx context.Context, tokenName string, amount float64) (BlvtRedeemResponse, error) {
	params := url.Values{
		"tokenName": {tokenName},
		"amount":    {strconv.FormatFloat(amount, 'f', -1, 64)},
	}
	var resp BlvtRedeemResponse
	if err := c.call(ctx, http.MethodPost, "/sapi/v1/blvt/redeem", params, true, &resp); err != nil {
		return BlvtRedeemResponse{}, err
	}
	return resp, nil
}

// RefreshExchangeInfo reloads the symbol constraint cache from the exchange.
func (c *Client) RefreshExchangeInfo(ctx context.Context) error {
	c.logger.LogInfo("Binance Client: Refreshing exchange info...")
	var info ExchangeInfo
	if err := c.call(ctx, http.MethodGet, "/api/v3/exchangeInfo", nil, false, &info); err != nil {
		return fmt.Errorf("binance: refresh exchange info: %w", err)
	}
	c.dataMu.Lock()
	defer c.dataMu.Unlock()
	c.symbolInfoMap = make(map[string]SymbolInfo, len(info.Symbols))
	for _, s := range info.Symbols {
		c.symbolInfoMap[s.Symbol] = s
	}
	c.logger.LogInfo("Binance Client: Cached info for %d symbols.", len(c.symbolInfoMap))
	return nil
}

// EnsureExchangeInfo loads the symbol constraint cache if it is empty.
func (c *Client) EnsureExchangeInfo(ctx context.Context) error {
	c.dataMu.RLock()
	empty := len(c.symbolInfoMap) == 0
	c.dataMu.RUnlock()
	if !empty {
		return nil
	}
	return c.RefreshExchangeInfo(ctx)
}

// LookupSymbolInfo reads the symbol cache without triggering a refresh.
func (c *Client) LookupSymbolInfo(symbol string) (SymbolInfo, bool) {
	c.dataMu.RLock()
	defer c.dataMu.RUnlock()
	info, ok := c.symbolInfoMap[symbol]
	return info, ok
}

// GetSymbolInfo returns the cached constraints for a symbol, refreshing the
// cache once on a miss.
func (c *Client) GetSymbolInfo(ctx context.Context, symbol string) (SymbolInfo, error) {
	c.dataMu.RLock()
	info, ok := c.symbolInfoMap[symbol]
	cacheEmpty := len(c.symbolInfoMap) == 0
	c.dataMu.RUnlock()
	if ok {
		return info, nil
	}
	if !cacheEmpty {
		// Cache is warm but the symbol is unknown; refresh in case it listed
		// after the last load.
		c.logger.LogInfo("Symbol info for %s not found in cache, attempting refresh...", symbol)
	}
	if err := c.RefreshExchangeInfo(ctx); err != nil {
		return SymbolInfo{}, fmt.Errorf("failed to refresh exchange info while getting %s: %w", symbol, err)
	}
	c.dataMu.RLock()
	info, ok = c.symbolInfoMap[symbol]
	c.dataMu.RUnlock()
	if !ok {
		return SymbolInfo{}, fmt.Errorf("symbol info for %s not found even after refresh", symbol)
	}
	return info, nil
}
