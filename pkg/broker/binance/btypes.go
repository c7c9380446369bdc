// File: pkg/broker/binance/btypes.go
package binance

import "encoding/json"

// APIError is the error payload Binance returns alongside non-2xx statuses.
type APIError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Binance API error codes the connector maps to sentinel errors.
const (
	codeTooManyRequests     = -1003
	codeOrderNotFound       = -2013
	codeUnknownOrder        = -2011
	codeInsufficientBalance = -2010
)

// Ticker24h is one entry of the /api/v3/ticker/24hr response. Numeric fields
// arrive as strings.
type Ticker24h struct {
	Symbol             string `json:"symbol"`
	PriceChangePercent string `json:"priceChangePercent"`
	LastPrice          string `json:"lastPrice"`
	Volume             string `json:"volume"`
	QuoteVolume        string `json:"quoteVolume"`
}

// TickerPrice is the /api/v3/ticker/price response for a single symbol.
type TickerPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// Kline is one raw candle from /api/v3/klines: a heterogeneous JSON array of
// [openTime, open, high, low, close, volume, closeTime, ...].
type Kline []json.RawMessage

// ExchangeInfo is the subset of /api/v3/exchangeInfo the connector caches.
type ExchangeInfo struct {
	Symbols []SymbolInfo `json:"symbols"`
}

// SymbolInfo describes one tradable symbol and its order constraints.
type SymbolInfo struct {
	Symbol                     string         `json:"symbol"`
	Status                     string         `json:"status"`
	BaseAsset                  string         `json:"baseAsset"`
	QuoteAsset                 string         `json:"quoteAsset"`
	QuoteOrderQtyMarketAllowed bool           `json:"quoteOrderQtyMarketAllowed"`
	Filters                    []SymbolFilter `json:"filters"`
}

// SymbolFilter is one exchange filter attached to a symbol. Only LOT_SIZE,
// PRICE_FILTER, NOTIONAL/MIN_NOTIONAL and MAX_POSITION fields are consumed.
type SymbolFilter struct {
	FilterType  string `json:"filterType"`
	StepSize    string `json:"stepSize"`
	TickSize    string `json:"tickSize"`
	MinNotional string `json:"minNotional"`
	MaxPosition string `json:"maxPosition"`
}

// AccountInfo is the /api/v3/account response.
type AccountInfo struct {
	Balances []AssetBalance `json:"balances"`
}

// AssetBalance is one asset entry of the account response.
type AssetBalance struct {
	Asset  string `json:"asset"`
	Free   string `json:"free"`
	Locked string `json:"locked"`
}

// OrderResponse is the /api/v3/order response, shared by order placement,
// status queries and cancels. Fills is only populated on market order
// placement responses.
type OrderResponse struct {
	Symbol              string      `json:"symbol"`
	OrderID             int64       `json:"orderId"`
	ClientOrderID       string      `json:"clientOrderId"`
	TransactTime        int64       `json:"transactTime"`
	Time                int64       `json:"time"`
	UpdateTime          int64       `json:"updateTime"`
	Price               string      `json:"price"`
	StopPrice           string      `json:"stopPrice"`
	OrigQty             string      `json:"origQty"`
	ExecutedQty         string      `json:"executedQty"`
	CummulativeQuoteQty string      `json:"cummulativeQuoteQty"`
	Status              string      `json:"status"`
	Type                string      `json:"type"`
	Side                string      `json:"side"`
	Fills               []OrderFill `json:"fills"`
}

// OrderFill is one partial execution of a market order.
type OrderFill struct {
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
}

// BlvtRedeemResponse is the /sapi/v1/blvt/redeem response.
type BlvtRedeemResponse struct {
	ID           int64  `json:"id"`
	TokenName    string `json:"tokenName"`
	Amount       string `json:"amount"`
	RedeemAmount string `json:"redeemAmount"`
	Timestamp    int64  `json:"timestamp"`
}
