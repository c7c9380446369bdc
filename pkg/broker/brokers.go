// File: pkg/broker/brokers.go
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/voyager418/mountain-seeker-sub000/utilities"
)

// Sentinel errors the trading layer switches on.
var (
	// ErrDDoSProtection indicates the exchange flagged the client for rate
	// abuse. Callers must back off instead of retrying.
	ErrDDoSProtection = errors.New("exchange ddos protection triggered")

	// ErrOrderNotFound indicates the order does not (yet) exist on the
	// exchange. Polling callers may treat this as transient.
	ErrOrderNotFound = errors.New("order not found")

	// ErrInsufficientBalance indicates the account cannot cover the order.
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderType is the execution style of an order.
type OrderType string

const (
	TypeMarket    OrderType = "MARKET"
	TypeLimit     OrderType = "LIMIT"
	TypeStopLimit OrderType = "STOP_LOSS_LIMIT"
)

// Binance order statuses. An order is closed once it reaches any status
// other than StatusNew or StatusPartiallyFilled.
const (
	StatusNew             = "NEW"
	StatusPartiallyFilled = "PARTIALLY_FILLED"
	StatusFilled          = "FILLED"
	StatusCanceled        = "CANCELED"
	StatusRejected        = "REJECTED"
	StatusExpired         = "EXPIRED"
)

// Exchange defines the interface for interacting with a cryptocurrency exchange.
// Order-mutating operations take a simulated flag; when set, the implementation
// fabricates a plausible filled order from current market data and performs no
// remote write.
type Exchange interface {
	// GetMarketsBy24hVariation retrieves all spot markets whose 24h price
	// change is at least minPercentChange, sorted by change descending.
	GetMarketsBy24hVariation(ctx context.Context, minPercentChange float64) ([]Market, error)

	// GetCandlesticks retrieves up to limit candles for a symbol and interval,
	// oldest first. Transient failures are retried; DDoS protection is not.
	GetCandlesticks(ctx context.Context, symbol, interval string, limit, retries int) ([]utilities.Candlestick, error)

	// GetBalance retrieves the free balance of each requested asset,
	// retrying transient fetch failures.
	GetBalance(ctx context.Context, assets []string, retries int) (map[string]float64, error)

	// GetBalanceForAsset retrieves the free balance of one asset, after a
	// short settle delay so that a just-filled order is reflected.
	GetBalanceForAsset(ctx context.Context, asset string, retries int) (float64, error)

	// GetUnitPrice returns the current price of one unit of asset expressed
	// in quoteAsset. It fails only once retries are exhausted without a
	// positive price.
	GetUnitPrice(ctx context.Context, asset, quoteAsset string, retries int) (float64, error)

	// CreateMarketOrder places a market order. amount is in base asset units
	// unless amountIsQuote is set, in which case the exchange converts it.
	CreateMarketOrder(ctx context.Context, side OrderSide, baseAsset, quoteAsset string, amount float64, amountIsQuote, awaitCompletion, simulated bool, retries int) (*Order, error)

	// CreateMarketBuyOrder places a market buy spending quoteAmount of the
	// quote asset, falling back to a converted base amount on markets that
	// reject quote-quantity orders.
	CreateMarketBuyOrder(ctx context.Context, baseAsset, quoteAsset string, quoteAmount float64, awaitCompletion, simulated bool, retries int) (*Order, error)

	// CreateStopLimitOrder places a stop-limit order.
	CreateStopLimitOrder(ctx context.Context, side OrderSide, baseAsset, quoteAsset string, quantity, stopPrice, limitPrice float64, simulated bool, retries int) (*Order, error)

	// CreateLimitSellOrder places a limit sell order.
	CreateLimitSellOrder(ctx context.Context, baseAsset, quoteAsset string, quantity, limitPrice float64, simulated bool, retries int) (*Order, error)

	// GetOrder retrieves the current state of an order by its exchange ID.
	GetOrder(ctx context.Context, externalID, symbol string, simulated bool, retries int) (*Order, error)

	// OrderIsClosed is a light status check for monitoring loops. An order
	// the exchange does not know (yet) reports false, not an error.
	OrderIsClosed(ctx context.Context, externalID, symbol string, simulated bool) (bool, error)

	// WaitForOrderCompletion polls an order until it is closed or retries are
	// exhausted. Returns nil with no error when the order is still open.
	WaitForOrderCompletion(ctx context.Context, order *Order, retries int) (*Order, error)

	// CancelOrder cancels an open order. When the order already closed before
	// the cancel landed, the closed order is returned instead of an error.
	CancelOrder(ctx context.Context, externalID, symbol string, simulated bool) (*Order, error)

	// RedeemBlvt converts a leveraged token position back into its backing
	// asset. Failures are reported but should not abort the calling flow.
	RedeemBlvt(ctx context.Context, tokenName string, quantity float64, retries int) (float64, error)

	// EnrichMarketMetadata fills in per-market order constraints (amount and
	// price precision, minimum notional, quote-quantity support) from the
	// exchange info endpoint.
	EnrichMarketMetadata(ctx context.Context, markets []Market) error
}

// Market is a tradable spot pair together with the 24h statistics and any
// candlestick series the data distributor attached to it.
type Market struct {
	Symbol               string  `json:"symbol"`
	BaseAsset            string  `json:"base_asset"`
	QuoteAsset           string  `json:"quote_asset"`
	LastPrice            float64 `json:"last_price"`
	PercentChangeLast24h float64 `json:"percent_change_last_24h"`
	QuoteVolumeLast24h   float64 `json:"quote_volume_last_24h"`
	BaseVolumeLast24h    float64 `json:"base_volume_last_24h"`

	// Order constraints, populated by EnrichMarketMetadata. MaxPosition is
	// the largest base-asset position the exchange allows, zero when the
	// market declares none.
	AmountPrecision   int     `json:"amount_precision"`
	PricePrecision    int     `json:"price_precision"`
	MinNotional       float64 `json:"min_notional"`
	MaxPosition       float64 `json:"max_position"`
	QuoteQtyAllowed   bool    `json:"quote_qty_allowed"`
	MetadataPopulated bool    `json:"-"`

	// Candlesticks and the matching close-to-close percent variations,
	// keyed by interval ("1m", "5m", ...). Oldest first.
	Candlesticks      map[string][]utilities.Candlestick `json:"-"`
	PercentVariations map[string][]float64               `json:"-"`
}

// Order represents a trade order's state and details. Amounts are always in
// base asset units; Cost is in quote asset units.
type Order struct {
	ID         string    `json:"id"`          // internal id, assigned at creation
	ExternalID string    `json:"external_id"` // exchange-assigned id
	Symbol     string    `json:"symbol"`
	BaseAsset  string    `json:"base_asset"`
	QuoteAsset string    `json:"quote_asset"`
	Side       OrderSide `json:"side"`
	Type       OrderType `json:"type"`
	Status     string    `json:"status"`
	Amount     float64   `json:"amount"`    // requested, base units
	Filled     float64   `json:"filled"`    // executed, base units, commission-adjusted
	Remaining  float64   `json:"remaining"` // unexecuted, base units: Amount minus the raw executed quantity
	AvgPrice   float64   `json:"avg_price"`
	Cost       float64   `json:"cost"` // executed value in quote units
	LimitPrice float64   `json:"limit_price,omitempty"`
	StopPrice  float64   `json:"stop_price,omitempty"`

	// CommissionQuote is the total commission charged in the quote asset.
	// CommissionForeign is commission charged in an asset unrelated to
	// either leg of the pair (e.g. the exchange loyalty token), in units of
	// CommissionForeignAsset; it is never folded into Filled or Cost.
	CommissionQuote        float64 `json:"commission_quote"`
	CommissionForeign      float64 `json:"commission_foreign,omitempty"`
	CommissionForeignAsset string  `json:"commission_foreign_asset,omitempty"`

	Simulated bool      `json:"simulated"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// IsClosed reports whether the order reached a terminal status.
func (o *Order) IsClosed() bool {
	switch o.Status {
	case StatusNew, StatusPartiallyFilled, "":
		return false
	default:
		return true
	}
}

// IsFilled reports whether the order executed completely.
func (o *Order) IsFilled() bool {
	return o.Status == StatusFilled
}

// Balance represents the balance of a single asset.
type Balance struct {
	Asset     string  `json:"asset"`
	Available float64 `json:"available"`
	Total     float64 `json:"total"`
}
