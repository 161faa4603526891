package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"arbiter/internal/arbitrage"
	"arbiter/internal/config"
	"arbiter/internal/database"
	"arbiter/internal/exchange"
)

func main() {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("cannot load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var repo database.Repository = database.NoopRepository{}
	if cfg.Database.DSN != "" {
		pg, err := database.NewPostgresRepository(ctx, cfg.Database.DSN)
		if err != nil {
			logger.Error("cannot connect to database", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			logger.Error("cannot migrate database", slog.String("error", err.Error()))
			os.Exit(1)
		}
		repo = pg
	}

	venues := make(map[string]exchange.Client, len(cfg.Exchanges))
	for name, exchangeCfg := range cfg.Exchanges {
		client, err := exchange.NewClient(name, logger, exchangeCfg)
		if err != nil {
			logger.Error("cannot create exchange client",
				slog.String("exchange", name),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
		venues[name] = client
	}

	engine, err := arbitrage.NewEngine(&cfg, venues, repo, logger)
	if err != nil {
		logger.Error("cannot create engine", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := engine.Start(ctx); err != nil {
		logger.Error("cannot start engine", slog.String("error", err.Error()))
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")
	if err := engine.Stop(); err != nil {
		logger.Error("engine stop failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
