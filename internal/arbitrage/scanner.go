package arbitrage

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"arbiter/internal/book"
	"arbiter/internal/config"
	"arbiter/internal/model"
)

// Scanner reads the order book store and finds cross-venue price
// discrepancies whose fee-adjusted spread clears the configured
// threshold. Scanning is read-only; every invocation reflects a single
// instant of book state.
type Scanner struct {
	store  *book.Store
	cfg    config.ArbitrageConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewScanner creates a scanner over the given store.
func NewScanner(store *book.Store, cfg config.ArbitrageConfig, logger *slog.Logger) *Scanner {
	return &Scanner{
		store:  store,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "scanner")),
		now:    time.Now,
	}
}

// Scan checks every configured pair across every unordered venue
// combination, in both directions, and returns the opportunities whose
// spread meets the minimum threshold. Venue pairs with missing or stale
// data are skipped, never treated as errors.
func (s *Scanner) Scan(pairs []model.TradingPair, venues []string) []model.Opportunity {
	now := s.now()
	minSpread := s.cfg.MinSpread()
	fee := s.cfg.Fee()
	window := s.cfg.FreshnessWindow()

	var found []model.Opportunity
	for _, pair := range pairs {
		books := s.store.GetPair(pair)
		fresh := make(map[string]model.OrderBook, len(books))
		for _, venue := range venues {
			b, ok := books[venue]
			if !ok {
				continue
			}
			if b.IsStale(now, window) {
				s.logger.Debug("excluding stale order book",
					slog.String("venue", venue),
					slog.String("pair", pair.String()),
					slog.Time("observed_at", b.ObservedAt),
				)
				continue
			}
			fresh[venue] = b
		}

		for i := 0; i < len(venues); i++ {
			for j := i + 1; j < len(venues); j++ {
				a, okA := fresh[venues[i]]
				b, okB := fresh[venues[j]]
				if !okA || !okB {
					continue
				}
				found = s.appendDirection(found, now, minSpread, fee, pair, b, a)
				found = s.appendDirection(found, now, minSpread, fee, pair, a, b)
			}
		}
	}
	return found
}

// appendDirection evaluates buying on buyBook's venue and selling on
// sellBook's venue. Best bid and best ask are the top of each sorted
// side; a side with no levels skips the direction.
func (s *Scanner) appendDirection(found []model.Opportunity, now time.Time, minSpread, fee decimal.Decimal, pair model.TradingPair, buyBook, sellBook model.OrderBook) []model.Opportunity {
	ask, okAsk := buyBook.BestAsk()
	bid, okBid := sellBook.BestBid()
	if !okAsk || !okBid {
		return found
	}
	spread := Spread(bid, ask, fee)
	if spread.LessThan(minSpread) {
		return found
	}
	opp := model.Opportunity{
		ID:            uuid.NewString(),
		Pair:          pair,
		BuyVenue:      buyBook.Venue,
		SellVenue:     sellBook.Venue,
		BuyPrice:      ask,
		SellPrice:     bid,
		SpreadPercent: spread,
		DetectedAt:    now,
	}
	s.logger.Info("arbitrage opportunity detected",
		slog.String("pair", pair.String()),
		slog.String("buy_venue", opp.BuyVenue),
		slog.String("sell_venue", opp.SellVenue),
		slog.String("spread_percent", spread.StringFixed(4)),
	)
	return append(found, opp)
}
