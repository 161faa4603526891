package arbitrage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"arbiter/internal/book"
	"arbiter/internal/config"
	"arbiter/internal/database"
	"arbiter/internal/exchange"
	"arbiter/internal/model"
)

// State is the engine lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// EventKind tags the engine's emitted observables.
type EventKind string

const (
	EventOpportunityDetected EventKind = "opportunity_detected"
	EventExecutionAttempted  EventKind = "execution_attempted"
	EventPerformanceSummary  EventKind = "performance_summary"
)

// Event is one engine observable. Exactly one payload field is set,
// matching Kind.
type Event struct {
	Kind        EventKind
	Opportunity *model.Opportunity
	Result      *model.ExecutionResult
	Summary     *model.PerformanceSnapshot
	At          time.Time
}

// Engine owns the run loop: it subscribes venue feeds into the order
// book store, drives periodic scan-and-execute ticks and enforces the
// stopped/starting/running/stopping lifecycle.
type Engine struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *book.Store
	scanner  *Scanner
	executor *Executor
	ledger   *Ledger
	repo     database.Repository
	venues   map[string]exchange.Client
	pairs    []model.TradingPair

	mu      sync.Mutex
	state   State
	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	events chan Event
}

// NewEngine wires an engine from its collaborators. Venue adapters and
// the repository are injected; nothing here is process-global, so tests
// can run engines in parallel.
func NewEngine(cfg *config.Config, venues map[string]exchange.Client, repo database.Repository, logger *slog.Logger) (*Engine, error) {
	pairs, err := cfg.Arbitrage.TradingPairs()
	if err != nil {
		return nil, err
	}
	if repo == nil {
		repo = database.NoopRepository{}
	}
	store := book.NewStore()
	ledger := NewLedger(cfg.Arbitrage.HistorySize)
	e := &Engine{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "engine")),
		store:   store,
		ledger:  ledger,
		repo:    repo,
		venues:  venues,
		pairs:   pairs,
		state:   StateStopped,
		events:  make(chan Event, 64),
		scanner: NewScanner(store, cfg.Arbitrage, logger),
	}
	e.executor = NewExecutor(cfg.Arbitrage, store, ledger, repo, venues, &e.running, logger)
	return e, nil
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Events exposes the engine's observable stream. Events are dropped,
// not blocked on, when no consumer keeps up.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Ledger exposes the performance ledger for reporting.
func (e *Engine) Ledger() *Ledger {
	return e.ledger
}

// Store exposes the order book store, mainly for tests and reporting.
func (e *Engine) Store() *book.Store {
	return e.store
}

// Start initializes every venue adapter, subscribes the order book
// feeds and begins periodic scanning. Valid only from the stopped
// state; starting a running engine is a warned no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateStopped {
		state := e.state
		e.mu.Unlock()
		e.logger.Warn("start ignored, engine is not stopped", slog.String("state", string(state)))
		return nil
	}
	e.state = StateStarting
	e.mu.Unlock()
	e.logger.Info("engine starting")

	initialized := 0
	for name, venue := range e.venues {
		if err := venue.Init(ctx); err != nil {
			e.logger.Error("venue initialization failed, excluding venue",
				slog.String("venue", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		initialized++

		// Prime the store with REST snapshots so the first ticks have
		// data before the streams warm up.
		for _, pair := range e.pairs {
			snapshot, ok, err := venue.GetOrderBook(ctx, pair, e.cfg.Arbitrage.OrderBookDepth)
			if err != nil {
				e.logger.Warn("initial order book fetch failed",
					slog.String("venue", name),
					slog.String("pair", pair.String()),
					slog.String("error", err.Error()),
				)
				continue
			}
			if ok {
				e.store.Update(snapshot)
			}
		}
	}
	if initialized < 2 {
		e.mu.Lock()
		e.state = StateStopped
		e.mu.Unlock()
		return fmt.Errorf("engine: need at least two usable venues, got %d", initialized)
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	updates := make(chan model.BookUpdate, 256)
	for name, venue := range e.venues {
		e.wg.Add(1)
		go func(name string, venue exchange.Client) {
			defer e.wg.Done()
			if err := venue.StreamOrderBooks(runCtx, e.pairs, updates); err != nil {
				e.logger.Error("order book stream ended with error",
					slog.String("venue", name),
					slog.String("error", err.Error()),
				)
			}
		}(name, venue)
	}

	e.wg.Add(1)
	go e.applyUpdates(runCtx, updates)
	e.wg.Add(1)
	go e.run(runCtx)

	e.mu.Lock()
	e.state = StateRunning
	e.mu.Unlock()
	e.running.Store(true)
	e.logger.Info("engine running",
		slog.Int("venues", initialized),
		slog.Int("pairs", len(e.pairs)),
		slog.Duration("scan_interval", e.cfg.Arbitrage.ScanInterval()),
		slog.Bool("paper_trading", e.cfg.Arbitrage.PaperTrading),
	)
	return nil
}

// Stop cancels the feeds and the tick loop and waits for any in-flight
// tick to complete; executions are never aborted mid-leg. Valid only
// from the running state; stopping a stopped engine is a warned no-op.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.state != StateRunning {
		state := e.state
		e.mu.Unlock()
		e.logger.Warn("stop ignored, engine is not running", slog.String("state", string(state)))
		return nil
	}
	e.state = StateStopping
	e.mu.Unlock()
	e.logger.Info("engine stopping")

	e.running.Store(false)
	e.cancel()
	e.wg.Wait()

	for name, venue := range e.venues {
		if err := venue.Close(); err != nil {
			e.logger.Warn("venue close failed",
				slog.String("venue", name),
				slog.String("error", err.Error()),
			)
		}
	}

	e.mu.Lock()
	e.state = StateStopped
	e.mu.Unlock()
	e.logger.Info("engine stopped")
	return nil
}

// applyUpdates drains venue feed messages into the store.
func (e *Engine) applyUpdates(ctx context.Context, updates <-chan model.BookUpdate) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case up := <-updates:
			if up.Book.Venue == "" {
				up.Book.Venue = up.Venue
			}
			e.store.Update(up.Book)
		}
	}
}

// run drives scan-and-execute ticks and periodic performance summaries.
func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.Arbitrage.ScanInterval())
	defer ticker.Stop()
	summary := time.NewTicker(e.cfg.Arbitrage.SummaryInterval())
	defer summary.Stop()

	venues := make([]string, 0, len(e.venues))
	for name := range e.venues {
		venues = append(venues, name)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx, venues)
		case <-summary.C:
			snap := e.ledger.Snapshot()
			e.publish(Event{Kind: EventPerformanceSummary, Summary: &snap, At: time.Now()})
			e.logger.Info("performance summary",
				slog.Int64("total_trades", snap.TotalTrades),
				slog.Int64("successful", snap.SuccessfulTrades),
				slog.Int64("failed", snap.FailedTrades),
				slog.String("cumulative_profit", snap.CumulativeProfit.StringFixed(8)),
			)
		}
	}
}

// tick runs one scan and executes the found opportunities sequentially.
// Execution uses a context detached from the run context so Stop lets
// an in-flight pair of legs finish instead of aborting between them.
func (e *Engine) tick(ctx context.Context, venues []string) {
	opportunities := e.scanner.Scan(e.pairs, venues)
	if len(opportunities) == 0 {
		return
	}

	execCtx := context.WithoutCancel(ctx)
	for i := range opportunities {
		opp := opportunities[i]
		e.publish(Event{Kind: EventOpportunityDetected, Opportunity: &opp, At: time.Now()})
		if err := e.repo.SaveOpportunity(execCtx, opp); err != nil {
			e.logger.Error("failed to persist opportunity", slog.String("error", err.Error()))
		}
	}
	for _, opp := range opportunities {
		select {
		case <-ctx.Done():
			return
		default:
		}
		res, err := e.executor.Execute(execCtx, opp)
		if err != nil {
			e.logger.Warn("execution refused",
				slog.String("opportunity_id", opp.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		e.publish(Event{Kind: EventExecutionAttempted, Result: &res, At: time.Now()})
		if res.OpenPosition() {
			e.logger.Error("OPEN POSITION: unhedged exposure requires remediation",
				slog.String("opportunity_id", opp.ID),
				slog.String("pair", opp.Pair.String()),
				slog.String("held_on", opp.BuyVenue),
				slog.String("quantity", res.BaseQuantity.StringFixed(8)),
			)
		}
	}
}

func (e *Engine) publish(ev Event) {
	select {
	case e.events <- ev:
	default:
	}
}
