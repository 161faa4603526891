package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"arbiter/internal/model"
)

// Client defines the standard capability every venue adapter provides.
// The engine depends only on this interface, never on concrete venue
// types. Timeouts are the adapter's responsibility; callers see them as
// ordinary errors.
type Client interface {
	Name() string

	// Init establishes any session state the venue needs. An error means
	// the venue is unusable and must be excluded from the run.
	Init(ctx context.Context) error

	// GetBalances returns the current asset balances.
	GetBalances(ctx context.Context) (map[string]model.Balance, error)

	// GetOrderBook fetches a snapshot of the book. The second return is
	// false when the venue has no data for the pair; that is not an error.
	GetOrderBook(ctx context.Context, pair model.TradingPair, depth int) (model.OrderBook, bool, error)

	// StreamOrderBooks subscribes to live book updates for the given
	// pairs and pushes them onto updates until ctx is cancelled.
	StreamOrderBooks(ctx context.Context, pairs []model.TradingPair, updates chan<- model.BookUpdate) error

	// MarketBuy spends quoteAmount of the quote currency at market.
	MarketBuy(ctx context.Context, pair model.TradingPair, quoteAmount decimal.Decimal) (model.MarketOrderResult, error)

	// MarketSell sells baseAmount of the base asset at market.
	MarketSell(ctx context.Context, pair model.TradingPair, baseAmount decimal.Decimal) (model.MarketOrderResult, error)

	Close() error
}
