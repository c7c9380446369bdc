// File: dataprovider/dataproviders.go
package dataprovider

import (
	"context"
	"time"

	"github.com/voyager418/mountain-seeker-sub000/pkg/broker"
)

// MarketUpdate is one snapshot of filtered and enriched markets handed to
// every subscribed observer. Observers receive their own copy of the market
// slice and may mutate it freely.
type MarketUpdate struct {
	CorrelationID string
	FetchedAt     time.Time
	BaseInterval  string
	Markets       []broker.Market
}

// MarketObserver is implemented by trading strategies that want market
// updates. MarketsUpdated must return quickly; long running work belongs in
// the observer's own goroutine.
type MarketObserver interface {
	// AccountEmail identifies the account the observer trades for.
	AccountEmail() string

	// IsSimulation reports whether the observer only simulates orders.
	IsSimulation() bool

	// MarketsUpdated delivers a new market snapshot.
	MarketsUpdated(ctx context.Context, update MarketUpdate)
}
