package arbitrage

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"arbiter/internal/book"
	"arbiter/internal/config"
	"arbiter/internal/database"
	"arbiter/internal/exchange"
	"arbiter/internal/model"
)

// MockVenue is a testify double for the exchange.Client capability.
type MockVenue struct {
	mock.Mock
	name string
}

func NewMockVenue(name string) *MockVenue {
	return &MockVenue{name: name}
}

func (m *MockVenue) Name() string { return m.name }

func (m *MockVenue) Init(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockVenue) GetBalances(ctx context.Context) (map[string]model.Balance, error) {
	args := m.Called(ctx)
	var balances map[string]model.Balance
	if v := args.Get(0); v != nil {
		balances = v.(map[string]model.Balance)
	}
	return balances, args.Error(1)
}

func (m *MockVenue) GetOrderBook(ctx context.Context, pair model.TradingPair, depth int) (model.OrderBook, bool, error) {
	args := m.Called(ctx, pair, depth)
	return args.Get(0).(model.OrderBook), args.Bool(1), args.Error(2)
}

func (m *MockVenue) StreamOrderBooks(ctx context.Context, pairs []model.TradingPair, updates chan<- model.BookUpdate) error {
	args := m.Called(ctx, pairs, updates)
	<-ctx.Done()
	return args.Error(0)
}

func (m *MockVenue) MarketBuy(ctx context.Context, pair model.TradingPair, quoteAmount decimal.Decimal) (model.MarketOrderResult, error) {
	args := m.Called(ctx, pair, quoteAmount)
	return args.Get(0).(model.MarketOrderResult), args.Error(1)
}

func (m *MockVenue) MarketSell(ctx context.Context, pair model.TradingPair, baseAmount decimal.Decimal) (model.MarketOrderResult, error) {
	args := m.Called(ctx, pair, baseAmount)
	return args.Get(0).(model.MarketOrderResult), args.Error(1)
}

func (m *MockVenue) Close() error {
	args := m.Called()
	return args.Error(0)
}

func profitableStore(t *testing.T, pair model.TradingPair) *book.Store {
	t.Helper()
	store := book.NewStore()
	now := time.Now()
	store.Update(bookFor("kraken", pair, 30720, 30730, now))
	store.Update(bookFor("binance", pair, 29990, 30000, now))
	return store
}

func detectOne(t *testing.T, store *book.Store, pair model.TradingPair) model.Opportunity {
	t.Helper()
	scanner := NewScanner(store, testArbitrageConfig(), testLogger())
	found := scanner.Scan([]model.TradingPair{pair}, []string{"binance", "kraken"})
	require.Len(t, found, 1)
	return found[0]
}

func newTestExecutor(cfg testConfigOption, store *book.Store, venues map[string]exchange.Client) (*Executor, *Ledger, *atomic.Bool) {
	arbCfg := testArbitrageConfig()
	if cfg != nil {
		cfg(&arbCfg)
	}
	ledger := NewLedger(arbCfg.HistorySize)
	running := &atomic.Bool{}
	running.Store(true)
	exec := NewExecutor(arbCfg, store, ledger, database.NoopRepository{}, venues, running, testLogger())
	return exec, ledger, running
}

// testConfigOption tweaks the base test configuration.
type testConfigOption func(*config.ArbitrageConfig)

func livemode(cfg *config.ArbitrageConfig) { cfg.PaperTrading = false }

func TestExecutor_RefusesWhenNotRunning(t *testing.T) {
	pair := model.NewTradingPair("BTC", "USDT")
	store := profitableStore(t, pair)
	opp := detectOne(t, store, pair)

	exec, _, running := newTestExecutor(nil, store, nil)
	running.Store(false)

	_, err := exec.Execute(context.Background(), opp)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestExecutor_RejectsWhenSpreadGone(t *testing.T) {
	pair := model.NewTradingPair("BTC", "USDT")
	store := profitableStore(t, pair)
	opp := detectOne(t, store, pair)

	// Prices converge between detection and execution.
	store.Update(bookFor("kraken", pair, 30010, 30020, time.Now()))

	buyVenue := NewMockVenue("binance")
	sellVenue := NewMockVenue("kraken")
	exec, ledger, _ := newTestExecutor(livemode, store, map[string]exchange.Client{
		"binance": buyVenue,
		"kraken":  sellVenue,
	})

	res, err := exec.Execute(context.Background(), opp)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionRejected, res.Status)
	assert.Contains(t, res.Reason, "spread gone")

	buyVenue.AssertNotCalled(t, "MarketBuy")
	sellVenue.AssertNotCalled(t, "MarketSell")

	snap := ledger.Snapshot()
	assert.EqualValues(t, 0, snap.TotalTrades, "rejected attempts commit no capital")
	assert.Len(t, snap.Recent, 1, "attempted opportunities still land in history")
}

func TestExecutor_RejectsWhenBookTurnsStale(t *testing.T) {
	pair := model.NewTradingPair("BTC", "USDT")
	store := profitableStore(t, pair)
	opp := detectOne(t, store, pair)

	store.Update(bookFor("kraken", pair, 30720, 30730, time.Now().Add(-time.Minute)))

	exec, _, _ := newTestExecutor(nil, store, nil)
	res, err := exec.Execute(context.Background(), opp)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionRejected, res.Status)
	assert.Contains(t, res.Reason, "no fresh order book")
}

func TestExecutor_SimulatedExecutionIsDeterministic(t *testing.T) {
	pair := model.NewTradingPair("BTC", "USDT")
	store := profitableStore(t, pair)
	opp := detectOne(t, store, pair)

	exec, ledger, _ := newTestExecutor(nil, store, nil)

	first, err := exec.Execute(context.Background(), opp)
	require.NoError(t, err)
	second, err := exec.Execute(context.Background(), opp)
	require.NoError(t, err)

	assert.Equal(t, model.ExecutionFilled, first.Status)
	assert.True(t, first.Simulated)
	assert.True(t, first.NetProfit.Equal(second.NetProfit), "identical inputs must yield identical profit")
	assert.True(t, first.BaseQuantity.Equal(second.BaseQuantity))

	// Paper math: qty = 1000/30000, gross = qty*30720 - 1000, minus
	// 0.1% fees on both notionals.
	orderSize := decimal.NewFromInt(1000)
	fee := decimal.NewFromFloat(0.001)
	qty := orderSize.Div(decimal.NewFromInt(30000))
	sellNotional := qty.Mul(decimal.NewFromInt(30720))
	expected := sellNotional.Sub(orderSize).
		Sub(orderSize.Mul(fee)).
		Sub(sellNotional.Mul(fee))
	assert.True(t, first.NetProfit.Equal(expected), "want %s, got %s", expected, first.NetProfit)

	snap := ledger.Snapshot()
	assert.EqualValues(t, 2, snap.SuccessfulTrades)
	assert.True(t, snap.CumulativeProfit.Equal(expected.Add(expected)))
}

func TestExecutor_LiveSuccessUsesVenueReportedFills(t *testing.T) {
	pair := model.NewTradingPair("BTC", "USDT")
	store := profitableStore(t, pair)
	opp := detectOne(t, store, pair)

	buyFill := model.MarketOrderResult{
		ExecutedQty: decimal.NewFromFloat(0.0332),
		AvgPrice:    decimal.NewFromInt(30005), // slipped from the quoted 30000
	}
	sellFill := model.MarketOrderResult{
		ExecutedQty: decimal.NewFromFloat(0.0332),
		AvgPrice:    decimal.NewFromInt(30710),
	}

	buyVenue := NewMockVenue("binance")
	buyVenue.On("MarketBuy", mock.Anything, pair, mock.Anything).Return(buyFill, nil).Once()
	buyVenue.On("GetBalances", mock.Anything).Return(map[string]model.Balance{}, nil)
	sellVenue := NewMockVenue("kraken")
	sellVenue.On("MarketSell", mock.Anything, pair, buyFill.ExecutedQty).Return(sellFill, nil).Once()
	sellVenue.On("GetBalances", mock.Anything).Return(map[string]model.Balance{}, nil)

	exec, ledger, _ := newTestExecutor(livemode, store, map[string]exchange.Client{
		"binance": buyVenue,
		"kraken":  sellVenue,
	})

	res, err := exec.Execute(context.Background(), opp)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionFilled, res.Status)
	assert.False(t, res.Simulated)

	expected := sellFill.Notional().Sub(buyFill.Notional())
	assert.True(t, res.NetProfit.Equal(expected), "profit must come from executed fills, not quotes")

	buyVenue.AssertExpectations(t)
	sellVenue.AssertExpectations(t)

	snap := ledger.Snapshot()
	assert.EqualValues(t, 1, snap.SuccessfulTrades)
	assert.True(t, snap.CumulativeProfit.Equal(expected))
}

func TestExecutor_BuyFailureAttemptsNoSell(t *testing.T) {
	pair := model.NewTradingPair("BTC", "USDT")
	store := profitableStore(t, pair)
	opp := detectOne(t, store, pair)

	buyVenue := NewMockVenue("binance")
	buyVenue.On("MarketBuy", mock.Anything, pair, mock.Anything).
		Return(model.MarketOrderResult{}, errors.New("venue rejected order")).Once()
	buyVenue.On("GetBalances", mock.Anything).Return(map[string]model.Balance{}, nil)
	sellVenue := NewMockVenue("kraken")
	sellVenue.On("GetBalances", mock.Anything).Return(map[string]model.Balance{}, nil)

	exec, ledger, _ := newTestExecutor(livemode, store, map[string]exchange.Client{
		"binance": buyVenue,
		"kraken":  sellVenue,
	})

	res, err := exec.Execute(context.Background(), opp)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionFailed, res.Status)
	assert.False(t, res.OpenPosition())
	sellVenue.AssertNotCalled(t, "MarketSell", mock.Anything, mock.Anything, mock.Anything)

	snap := ledger.Snapshot()
	assert.EqualValues(t, 1, snap.FailedTrades)
	assert.True(t, snap.CumulativeProfit.IsZero())
}

func TestExecutor_SellFailureSurfacesOpenPosition(t *testing.T) {
	pair := model.NewTradingPair("BTC", "USDT")
	store := profitableStore(t, pair)
	opp := detectOne(t, store, pair)

	buyFill := model.MarketOrderResult{
		ExecutedQty: decimal.NewFromFloat(0.0332),
		AvgPrice:    decimal.NewFromInt(30005),
	}

	buyVenue := NewMockVenue("binance")
	buyVenue.On("MarketBuy", mock.Anything, pair, mock.Anything).Return(buyFill, nil).Once()
	buyVenue.On("GetBalances", mock.Anything).Return(map[string]model.Balance{}, nil)
	sellVenue := NewMockVenue("kraken")
	sellVenue.On("MarketSell", mock.Anything, pair, buyFill.ExecutedQty).
		Return(model.MarketOrderResult{}, errors.New("insufficient funds")).Once()
	sellVenue.On("GetBalances", mock.Anything).Return(map[string]model.Balance{}, nil)

	exec, ledger, _ := newTestExecutor(livemode, store, map[string]exchange.Client{
		"binance": buyVenue,
		"kraken":  sellVenue,
	})

	res, err := exec.Execute(context.Background(), opp)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionOpenPosition, res.Status)
	assert.True(t, res.OpenPosition(), "caller must learn an unhedged position exists")
	assert.True(t, res.BaseQuantity.Equal(buyFill.ExecutedQty), "result must carry the held quantity")
	assert.True(t, res.NetProfit.IsZero(), "no profit may be recorded on a partial failure")

	snap := ledger.Snapshot()
	assert.EqualValues(t, 1, snap.FailedTrades)
	assert.EqualValues(t, 0, snap.SuccessfulTrades)
	assert.True(t, snap.CumulativeProfit.IsZero())
}

func TestExecutor_MissingVenueAdapterIsReportedNotRetried(t *testing.T) {
	pair := model.NewTradingPair("BTC", "USDT")
	store := profitableStore(t, pair)
	opp := detectOne(t, store, pair)

	sellVenue := NewMockVenue("kraken")
	sellVenue.On("GetBalances", mock.Anything).Return(map[string]model.Balance{}, nil)
	exec, ledger, _ := newTestExecutor(livemode, store, map[string]exchange.Client{
		"kraken": sellVenue,
	})

	res, err := exec.Execute(context.Background(), opp)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionFailed, res.Status)
	assert.Contains(t, res.Reason, "no adapter")

	snap := ledger.Snapshot()
	assert.EqualValues(t, 1, snap.FailedTrades)
}
