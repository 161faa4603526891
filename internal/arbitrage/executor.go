package arbitrage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"arbiter/internal/book"
	"arbiter/internal/config"
	"arbiter/internal/database"
	"arbiter/internal/exchange"
	"arbiter/internal/model"
)

// ErrNotRunning is returned when Execute is called outside the running
// lifecycle state.
var ErrNotRunning = errors.New("engine is not running")

// Executor commits capital against detected opportunities, in paper or
// live mode. Every attempt re-derives the spread from the current book
// store first; the opportunity record is only a hint of what was seen
// at scan time.
type Executor struct {
	cfg     config.ArbitrageConfig
	store   *book.Store
	ledger  *Ledger
	repo    database.Repository
	venues  map[string]exchange.Client
	running *atomic.Bool
	logger  *slog.Logger
	locks   keyedLocks
	now     func() time.Time
}

// NewExecutor creates an executor. The running flag is shared with the
// engine; execution is refused unless it is set.
func NewExecutor(
	cfg config.ArbitrageConfig,
	store *book.Store,
	ledger *Ledger,
	repo database.Repository,
	venues map[string]exchange.Client,
	running *atomic.Bool,
	logger *slog.Logger,
) *Executor {
	return &Executor{
		cfg:     cfg,
		store:   store,
		ledger:  ledger,
		repo:    repo,
		venues:  venues,
		running: running,
		logger:  logger.With(slog.String("component", "executor")),
		locks:   keyedLocks{locks: make(map[string]*sync.Mutex)},
		now:     time.Now,
	}
}

// Execute attempts the paired buy/sell for one opportunity. The
// returned result is a tagged variant: filled, rejected (spread gone at
// re-validation), failed (buy leg failed) or open_position (buy filled,
// sell failed — unhedged exposure needing remediation). An error is
// returned only for misuse, such as executing while stopped.
func (x *Executor) Execute(ctx context.Context, opp model.Opportunity) (model.ExecutionResult, error) {
	if !x.running.Load() {
		return model.ExecutionResult{}, ErrNotRunning
	}

	// Two concurrent executions touching the same venue+asset must not
	// double-commit capital. Lock keys in sorted order to avoid deadlock.
	unlock := x.locks.lock(
		opp.BuyVenue+"|"+opp.Pair.Base,
		opp.SellVenue+"|"+opp.Pair.Base,
	)
	defer unlock()

	x.ledger.RecordOpportunity(opp)

	// Re-validate against current books; prices move between detection
	// and execution and committing on stale data is the main slippage
	// risk.
	buyPrice, sellPrice, err := x.revalidate(opp)
	if err != nil {
		res := model.ExecutionResult{
			Opportunity: opp,
			Status:      model.ExecutionRejected,
			Simulated:   x.cfg.PaperTrading,
			Reason:      err.Error(),
			ExecutedAt:  x.now(),
		}
		x.logger.Info("opportunity rejected at re-validation",
			slog.String("opportunity_id", opp.ID),
			slog.String("reason", res.Reason),
		)
		x.saveResult(ctx, res)
		return res, nil
	}

	var res model.ExecutionResult
	if x.cfg.PaperTrading {
		res = x.simulate(opp, buyPrice, sellPrice)
	} else {
		res = x.executeLive(ctx, opp)
	}
	x.saveResult(ctx, res)
	return res, nil
}

// revalidate re-derives the spread from the freshest books and returns
// the current buy (ask) and sell (bid) prices when it still clears the
// threshold.
func (x *Executor) revalidate(opp model.Opportunity) (buyPrice, sellPrice decimal.Decimal, err error) {
	now := x.now()
	window := x.cfg.FreshnessWindow()

	buyBook, ok := x.store.Get(opp.Pair, opp.BuyVenue)
	if !ok || buyBook.IsStale(now, window) {
		return decimal.Decimal{}, decimal.Decimal{}, fmt.Errorf("no fresh order book for %s on %s", opp.Pair, opp.BuyVenue)
	}
	sellBook, ok := x.store.Get(opp.Pair, opp.SellVenue)
	if !ok || sellBook.IsStale(now, window) {
		return decimal.Decimal{}, decimal.Decimal{}, fmt.Errorf("no fresh order book for %s on %s", opp.Pair, opp.SellVenue)
	}
	ask, okAsk := buyBook.BestAsk()
	bid, okBid := sellBook.BestBid()
	if !okAsk || !okBid {
		return decimal.Decimal{}, decimal.Decimal{}, fmt.Errorf("missing best prices for %s", opp.Pair)
	}
	spread := Spread(bid, ask, x.cfg.Fee())
	if spread.LessThan(x.cfg.MinSpread()) {
		return decimal.Decimal{}, decimal.Decimal{}, fmt.Errorf("spread gone: %s%% below threshold %s%%",
			spread.StringFixed(4), x.cfg.MinSpread().String())
	}
	return ask, bid, nil
}

// simulate computes the paper-trading outcome from the re-validated
// prices. The math is pure: identical inputs always produce identical
// profit figures.
func (x *Executor) simulate(opp model.Opportunity, buyPrice, sellPrice decimal.Decimal) model.ExecutionResult {
	orderSize := x.cfg.OrderSize()
	fee := x.cfg.Fee()

	quantity := orderSize.Div(buyPrice)
	sellNotional := quantity.Mul(sellPrice)
	grossProfit := sellNotional.Sub(orderSize)
	fees := orderSize.Mul(fee).Add(sellNotional.Mul(fee))
	netProfit := grossProfit.Sub(fees)

	x.ledger.RecordSuccess(netProfit)
	x.logger.Info("simulated trade executed",
		slog.String("opportunity_id", opp.ID),
		slog.String("pair", opp.Pair.String()),
		slog.String("quantity", quantity.StringFixed(8)),
		slog.String("net_profit", netProfit.StringFixed(8)),
	)
	return model.ExecutionResult{
		Opportunity:  opp,
		Status:       model.ExecutionFilled,
		Simulated:    true,
		BaseQuantity: quantity,
		BuyNotional:  orderSize,
		SellNotional: sellNotional,
		NetProfit:    netProfit,
		ExecutedAt:   x.now(),
	}
}

// executeLive places the buy leg, then the sell leg only if the buy
// filled. Neither leg is retried; a stale arbitrage window makes blind
// retry unsafe, so failures are surfaced for a policy layer to decide.
func (x *Executor) executeLive(ctx context.Context, opp model.Opportunity) model.ExecutionResult {
	res := model.ExecutionResult{Opportunity: opp, ExecutedAt: x.now()}
	defer x.refreshBalances(ctx, opp.BuyVenue, opp.SellVenue)

	buyVenue, ok := x.venues[opp.BuyVenue]
	if !ok {
		res.Status = model.ExecutionFailed
		res.Reason = fmt.Sprintf("no adapter for buy venue %s", opp.BuyVenue)
		x.ledger.RecordFailure()
		return res
	}
	sellVenue, ok := x.venues[opp.SellVenue]
	if !ok {
		res.Status = model.ExecutionFailed
		res.Reason = fmt.Sprintf("no adapter for sell venue %s", opp.SellVenue)
		x.ledger.RecordFailure()
		return res
	}

	buyFill, err := buyVenue.MarketBuy(ctx, opp.Pair, x.cfg.OrderSize())
	if err != nil {
		res.Status = model.ExecutionFailed
		res.Reason = fmt.Sprintf("buy leg on %s: %v", opp.BuyVenue, err)
		x.ledger.RecordFailure()
		x.logger.Error("buy leg failed, no capital committed",
			slog.String("opportunity_id", opp.ID),
			slog.String("venue", opp.BuyVenue),
			slog.String("error", err.Error()),
		)
		return res
	}
	res.BaseQuantity = buyFill.ExecutedQty
	res.BuyNotional = buyFill.Notional()

	sellFill, err := sellVenue.MarketSell(ctx, opp.Pair, buyFill.ExecutedQty)
	if err != nil {
		// The buy leg filled: the base asset is now held unhedged on the
		// buy venue. This is distinct from a clean failure and must be
		// surfaced loudly for manual or policy-driven remediation.
		res.Status = model.ExecutionOpenPosition
		res.Reason = fmt.Sprintf("sell leg on %s: %v", opp.SellVenue, err)
		x.ledger.RecordFailure()
		x.logger.Error("sell leg failed after buy filled, open position held",
			slog.String("opportunity_id", opp.ID),
			slog.String("venue", opp.SellVenue),
			slog.String("held_quantity", buyFill.ExecutedQty.StringFixed(8)),
			slog.String("held_on", opp.BuyVenue),
			slog.String("error", err.Error()),
		)
		return res
	}
	res.SellNotional = sellFill.Notional()

	// Profit comes from venue-reported fills, not the quoted book;
	// market execution slips.
	res.Status = model.ExecutionFilled
	res.NetProfit = res.SellNotional.Sub(res.BuyNotional)
	x.ledger.RecordSuccess(res.NetProfit)
	x.logger.Info("arbitrage trade executed",
		slog.String("opportunity_id", opp.ID),
		slog.String("pair", opp.Pair.String()),
		slog.String("net_profit", res.NetProfit.StringFixed(8)),
	)
	return res
}

func (x *Executor) refreshBalances(ctx context.Context, venueNames ...string) {
	for _, name := range venueNames {
		venue, ok := x.venues[name]
		if !ok {
			continue
		}
		balances, err := venue.GetBalances(ctx)
		if err != nil {
			x.logger.Warn("balance refresh failed",
				slog.String("venue", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		x.logger.Debug("balances refreshed",
			slog.String("venue", name),
			slog.Int("assets", len(balances)),
		)
	}
}

func (x *Executor) saveResult(ctx context.Context, res model.ExecutionResult) {
	if x.repo == nil {
		return
	}
	if err := x.repo.SaveExecution(ctx, res); err != nil {
		x.logger.Error("failed to persist execution", slog.String("error", err.Error()))
	}
}

// keyedLocks serializes executions per (venue, asset) key.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedLocks) lock(keys ...string) (unlock func()) {
	sort.Strings(keys)
	acquired := make([]*sync.Mutex, 0, len(keys))
	var prev string
	for _, key := range keys {
		if key == prev {
			continue
		}
		prev = key
		k.mu.Lock()
		m, ok := k.locks[key]
		if !ok {
			m = &sync.Mutex{}
			k.locks[key] = m
		}
		k.mu.Unlock()
		m.Lock()
		acquired = append(acquired, m)
	}
	return func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			acquired[i].Unlock()
		}
	}
}
