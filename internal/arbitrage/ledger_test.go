package arbitrage

import (
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbiter/internal/model"
)

func TestLedger_Counters(t *testing.T) {
	ledger := NewLedger(10)

	ledger.RecordSuccess(decimal.NewFromFloat(12.5))
	ledger.RecordSuccess(decimal.NewFromFloat(-2.5))
	ledger.RecordFailure()

	snap := ledger.Snapshot()
	assert.EqualValues(t, 3, snap.TotalTrades)
	assert.EqualValues(t, 2, snap.SuccessfulTrades)
	assert.EqualValues(t, 1, snap.FailedTrades)
	assert.True(t, snap.CumulativeProfit.Equal(decimal.NewFromInt(10)))
}

func TestLedger_RecentHistoryRingWraps(t *testing.T) {
	ledger := NewLedger(3)
	for i := 0; i < 5; i++ {
		ledger.RecordOpportunity(model.Opportunity{ID: fmt.Sprintf("opp-%d", i)})
	}

	snap := ledger.Snapshot()
	require.Len(t, snap.Recent, 3)
	assert.Equal(t, "opp-2", snap.Recent[0].ID)
	assert.Equal(t, "opp-3", snap.Recent[1].ID)
	assert.Equal(t, "opp-4", snap.Recent[2].ID)
}

func TestLedger_PartialHistory(t *testing.T) {
	ledger := NewLedger(5)
	ledger.RecordOpportunity(model.Opportunity{ID: "only"})

	snap := ledger.Snapshot()
	require.Len(t, snap.Recent, 1)
	assert.Equal(t, "only", snap.Recent[0].ID)
}
