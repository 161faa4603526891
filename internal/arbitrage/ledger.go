package arbitrage

import (
	"sync"

	"github.com/shopspring/decimal"

	"arbiter/internal/model"
)

// Ledger tracks the engine's running performance: trade counters,
// cumulative profit and a bounded ring of recently attempted
// opportunities. It is owned by the engine instance; the execution
// coordinator is its only writer.
type Ledger struct {
	mu               sync.Mutex
	totalTrades      int64
	successfulTrades int64
	failedTrades     int64
	cumulativeProfit decimal.Decimal
	recent           []model.Opportunity
	next             int
	full             bool
}

// NewLedger creates a ledger keeping at most historySize recent
// opportunities.
func NewLedger(historySize int) *Ledger {
	if historySize < 1 {
		historySize = 1
	}
	return &Ledger{recent: make([]model.Opportunity, historySize)}
}

// RecordOpportunity appends an attempted opportunity to the recent
// history, evicting the oldest entry once the ring is full.
func (l *Ledger) RecordOpportunity(opp model.Opportunity) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recent[l.next] = opp
	l.next++
	if l.next == len(l.recent) {
		l.next = 0
		l.full = true
	}
}

// RecordSuccess counts a completed trade and adds its net profit.
func (l *Ledger) RecordSuccess(netProfit decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.totalTrades++
	l.successfulTrades++
	l.cumulativeProfit = l.cumulativeProfit.Add(netProfit)
}

// RecordFailure counts a failed trade. Partial failures (open
// positions) are failures too; no profit is recorded for them.
func (l *Ledger) RecordFailure() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.totalTrades++
	l.failedTrades++
}

// Snapshot copies the current state, recent opportunities ordered
// oldest first.
func (l *Ledger) Snapshot() model.PerformanceSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	var recent []model.Opportunity
	if l.full {
		recent = make([]model.Opportunity, 0, len(l.recent))
		recent = append(recent, l.recent[l.next:]...)
		recent = append(recent, l.recent[:l.next]...)
	} else {
		recent = append(recent, l.recent[:l.next]...)
	}
	return model.PerformanceSnapshot{
		TotalTrades:      l.totalTrades,
		SuccessfulTrades: l.successfulTrades,
		FailedTrades:     l.failedTrades,
		CumulativeProfit: l.cumulativeProfit,
		Recent:           recent,
	}
}
