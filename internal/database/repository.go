package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"arbiter/internal/model"
)

// Repository defines the standard interface for database operations.
// The in-memory ledger stays the source of truth; the repository is an
// event sink for later analysis.
type Repository interface {
	SaveOpportunity(ctx context.Context, opp model.Opportunity) error
	SaveExecution(ctx context.Context, res model.ExecutionResult) error
}

// PostgresRepository implements Repository on a pgx connection pool.
type PostgresRepository struct {
	Pool *pgxpool.Pool
}

// NewPostgresRepository connects to the given DSN.
func NewPostgresRepository(ctx context.Context, dsn string) (*PostgresRepository, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("database: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database: ping: %w", err)
	}
	return &PostgresRepository{Pool: pool}, nil
}

// Migrate creates the tables if they do not exist.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS opportunities (
			id UUID PRIMARY KEY,
			trading_pair VARCHAR(20) NOT NULL,
			buy_venue VARCHAR(50) NOT NULL,
			sell_venue VARCHAR(50) NOT NULL,
			buy_price NUMERIC(30, 10) NOT NULL,
			sell_price NUMERIC(30, 10) NOT NULL,
			spread_percent NUMERIC(20, 10) NOT NULL,
			detected_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id SERIAL PRIMARY KEY,
			opportunity_id UUID NOT NULL,
			trading_pair VARCHAR(20) NOT NULL,
			buy_venue VARCHAR(50) NOT NULL,
			sell_venue VARCHAR(50) NOT NULL,
			status VARCHAR(20) NOT NULL,
			simulated BOOLEAN NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			base_quantity NUMERIC(30, 10) NOT NULL,
			buy_notional NUMERIC(30, 10) NOT NULL,
			sell_notional NUMERIC(30, 10) NOT NULL,
			net_profit NUMERIC(30, 10) NOT NULL,
			executed_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, ddl := range statements {
		if _, err := r.Pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("database: migrate: %w", err)
		}
	}
	return nil
}

// SaveOpportunity records a detected opportunity.
func (r *PostgresRepository) SaveOpportunity(ctx context.Context, opp model.Opportunity) error {
	const q = `
	INSERT INTO opportunities (id, trading_pair, buy_venue, sell_venue, buy_price, sell_price, spread_percent, detected_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (id) DO NOTHING`
	_, err := r.Pool.Exec(ctx, q,
		opp.ID,
		opp.Pair.String(),
		opp.BuyVenue,
		opp.SellVenue,
		opp.BuyPrice,
		opp.SellPrice,
		opp.SpreadPercent,
		opp.DetectedAt,
	)
	if err != nil {
		return fmt.Errorf("database: save opportunity: %w", err)
	}
	return nil
}

// SaveExecution records one execution attempt.
func (r *PostgresRepository) SaveExecution(ctx context.Context, res model.ExecutionResult) error {
	const q = `
	INSERT INTO executions (opportunity_id, trading_pair, buy_venue, sell_venue, status, simulated, reason,
		base_quantity, buy_notional, sell_notional, net_profit, executed_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := r.Pool.Exec(ctx, q,
		res.Opportunity.ID,
		res.Opportunity.Pair.String(),
		res.Opportunity.BuyVenue,
		res.Opportunity.SellVenue,
		string(res.Status),
		res.Simulated,
		res.Reason,
		res.BaseQuantity,
		res.BuyNotional,
		res.SellNotional,
		res.NetProfit,
		res.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("database: save execution: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (r *PostgresRepository) Close() {
	r.Pool.Close()
}

// NoopRepository discards everything; used when no database is
// configured.
type NoopRepository struct{}

func (NoopRepository) SaveOpportunity(context.Context, model.Opportunity) error   { return nil }
func (NoopRepository) SaveExecution(context.Context, model.ExecutionResult) error { return nil }
