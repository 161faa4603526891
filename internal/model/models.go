package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TradingPair identifies a market as base/quote (e.g. BTC/USDT).
// Symbols are upper-cased on construction so pairs compare by value.
type TradingPair struct {
	Base  string
	Quote string
}

// NewTradingPair builds a case-normalized trading pair.
func NewTradingPair(base, quote string) TradingPair {
	return TradingPair{
		Base:  strings.ToUpper(strings.TrimSpace(base)),
		Quote: strings.ToUpper(strings.TrimSpace(quote)),
	}
}

func (p TradingPair) String() string {
	return p.Base + "/" + p.Quote
}

// IsZero reports whether the pair is unset.
func (p TradingPair) IsZero() bool {
	return p.Base == "" && p.Quote == ""
}

// PriceLevel is a single price+quantity entry in an order book.
type PriceLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// OrderBook is the latest known book for a pair on one venue.
// Bids are sorted descending by price, asks ascending, so index 0 of
// each side is the best level.
type OrderBook struct {
	Venue      string
	Pair       TradingPair
	Bids       []PriceLevel
	Asks       []PriceLevel
	ObservedAt time.Time
}

// BestBid returns the highest bid price, if any level exists.
func (b OrderBook) BestBid() (decimal.Decimal, bool) {
	if len(b.Bids) == 0 {
		return decimal.Decimal{}, false
	}
	return b.Bids[0].Price, true
}

// BestAsk returns the lowest ask price, if any level exists.
func (b OrderBook) BestAsk() (decimal.Decimal, bool) {
	if len(b.Asks) == 0 {
		return decimal.Decimal{}, false
	}
	return b.Asks[0].Price, true
}

// IsStale reports whether the book was observed longer than window ago.
func (b OrderBook) IsStale(now time.Time, window time.Duration) bool {
	return now.Sub(b.ObservedAt) > window
}

// Clone returns a deep copy so readers never share level slices with the
// store's writers.
func (b OrderBook) Clone() OrderBook {
	out := b
	out.Bids = make([]PriceLevel, len(b.Bids))
	copy(out.Bids, b.Bids)
	out.Asks = make([]PriceLevel, len(b.Asks))
	copy(out.Asks, b.Asks)
	return out
}

// BookUpdate is the message a venue feed pushes when it has a new book.
type BookUpdate struct {
	Venue string
	Book  OrderBook
}

// Opportunity is one profitable cross-venue discrepancy at a single
// instant of book state. It is never mutated after creation; execution
// re-derives current prices instead of updating the record.
type Opportunity struct {
	ID            string
	Pair          TradingPair
	BuyVenue      string
	SellVenue     string
	BuyPrice      decimal.Decimal
	SellPrice     decimal.Decimal
	SpreadPercent decimal.Decimal
	DetectedAt    time.Time
}

// Balance is one asset's balance on a venue.
type Balance struct {
	Available decimal.Decimal
	OnOrder   decimal.Decimal
}

// MarketOrderResult is the venue-reported fill of a market order.
type MarketOrderResult struct {
	ExecutedQty decimal.Decimal
	AvgPrice    decimal.Decimal
}

// Notional is the executed quantity times the average fill price.
func (r MarketOrderResult) Notional() decimal.Decimal {
	return r.ExecutedQty.Mul(r.AvgPrice)
}

// ExecutionStatus classifies the outcome of an execution attempt so
// callers can switch on the kind instead of probing fields.
type ExecutionStatus string

const (
	// ExecutionFilled means both legs completed (or the simulation ran).
	ExecutionFilled ExecutionStatus = "filled"
	// ExecutionRejected means re-validation found the spread gone or the
	// books stale before any capital was committed.
	ExecutionRejected ExecutionStatus = "rejected"
	// ExecutionFailed means the buy leg failed; nothing was committed.
	ExecutionFailed ExecutionStatus = "failed"
	// ExecutionOpenPosition means the buy leg filled but the sell leg
	// failed, leaving an unhedged base-asset position on the buy venue.
	ExecutionOpenPosition ExecutionStatus = "open_position"
)

// ExecutionResult records one execution attempt against an opportunity.
type ExecutionResult struct {
	Opportunity Opportunity
	Status      ExecutionStatus
	Simulated   bool
	Reason      string

	// Fill figures; zero unless at least the buy leg executed.
	BaseQuantity decimal.Decimal
	BuyNotional  decimal.Decimal
	SellNotional decimal.Decimal
	NetProfit    decimal.Decimal

	ExecutedAt time.Time
}

// OpenPosition reports whether the attempt left an unhedged position
// that needs manual or policy-driven remediation.
func (r ExecutionResult) OpenPosition() bool {
	return r.Status == ExecutionOpenPosition
}

// PerformanceSnapshot is a point-in-time copy of the engine's ledger.
type PerformanceSnapshot struct {
	TotalTrades      int64
	SuccessfulTrades int64
	FailedTrades     int64
	CumulativeProfit decimal.Decimal
	Recent           []Opportunity
}
