package database

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"arbiter/internal/model"
)

var (
	pool *pgxpool.Pool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	// Define the PostgreSQL container request
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpassword",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp"),
	}

	// Create and start the PostgreSQL container
	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		log.Fatalf("could not start postgres container: %s", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Fatalf("could not stop postgres container: %s", err)
		}
	}()

	host, err := pgContainer.Host(ctx)
	if err != nil {
		log.Fatalf("could not get container host: %s", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432")
	if err != nil {
		log.Fatalf("could not get mapped port: %s", err)
	}

	connStr := "postgres://testuser:testpassword@" + host + ":" + port.Port() + "/testdb"

	pool, err = pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("could not connect to database: %s", err)
	}
	defer pool.Close()

	repo := &PostgresRepository{Pool: pool}
	if err := repo.Migrate(ctx); err != nil {
		log.Fatalf("could not migrate: %s", err)
	}

	code := m.Run()

	os.Exit(code)
}

func sampleOpportunity() model.Opportunity {
	return model.Opportunity{
		ID:            uuid.NewString(),
		Pair:          model.NewTradingPair("BTC", "USDT"),
		BuyVenue:      "binance",
		SellVenue:     "kraken",
		BuyPrice:      decimal.NewFromInt(30000),
		SellPrice:     decimal.NewFromInt(30720),
		SpreadPercent: decimal.NewFromFloat(2.1954),
		DetectedAt:    time.Now(),
	}
}

func TestPostgresRepository_SaveOpportunity(t *testing.T) {
	ctx := context.Background()
	repo := &PostgresRepository{Pool: pool}

	opp := sampleOpportunity()
	require.NoError(t, repo.SaveOpportunity(ctx, opp))

	// Saving the same opportunity twice must not fail.
	require.NoError(t, repo.SaveOpportunity(ctx, opp))

	var (
		pairStr   string
		buyVenue  string
		sellVenue string
		spread    decimal.Decimal
	)
	err := pool.QueryRow(ctx,
		"SELECT trading_pair, buy_venue, sell_venue, spread_percent FROM opportunities WHERE id = $1",
		opp.ID,
	).Scan(&pairStr, &buyVenue, &sellVenue, &spread)
	require.NoError(t, err)
	assert.Equal(t, "BTC/USDT", pairStr)
	assert.Equal(t, "binance", buyVenue)
	assert.Equal(t, "kraken", sellVenue)
	assert.True(t, spread.Equal(opp.SpreadPercent))
}

func TestPostgresRepository_SaveExecution(t *testing.T) {
	ctx := context.Background()
	repo := &PostgresRepository{Pool: pool}

	opp := sampleOpportunity()
	res := model.ExecutionResult{
		Opportunity:  opp,
		Status:       model.ExecutionOpenPosition,
		Simulated:    false,
		Reason:       "sell leg on kraken: insufficient funds",
		BaseQuantity: decimal.NewFromFloat(0.0332),
		BuyNotional:  decimal.NewFromFloat(996.166),
		ExecutedAt:   time.Now(),
	}
	require.NoError(t, repo.SaveExecution(ctx, res))

	var (
		status    string
		simulated bool
		reason    string
		quantity  decimal.Decimal
		netProfit decimal.Decimal
	)
	err := pool.QueryRow(ctx,
		"SELECT status, simulated, reason, base_quantity, net_profit FROM executions WHERE opportunity_id = $1",
		opp.ID,
	).Scan(&status, &simulated, &reason, &quantity, &netProfit)
	require.NoError(t, err)
	assert.Equal(t, string(model.ExecutionOpenPosition), status)
	assert.False(t, simulated)
	assert.Contains(t, reason, "insufficient funds")
	assert.True(t, quantity.Equal(res.BaseQuantity))
	assert.True(t, netProfit.IsZero())
}
