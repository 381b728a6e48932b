package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"pumpwatch/internal/config"
	"pumpwatch/internal/database"
	"pumpwatch/internal/engine"
	"pumpwatch/internal/exchange"
	"pumpwatch/internal/gateway"
	"pumpwatch/internal/metrics"
)

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		slog.Error("cannot load config", "error", err)
		os.Exit(2)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := exchange.NewClient(cfg.Exchange, logger, cfg.Quote, cfg.ExchangeSettings())
	if err != nil {
		logger.Error("cannot create exchange client", "exchange", cfg.Exchange, "error", err)
		os.Exit(1)
	}
	gw := gateway.New(logger, client, cfg.Gateway)

	var repo database.Repository
	if cfg.Database.Enabled {
		pool, err := pgxpool.New(ctx, cfg.Database.DSN())
		if err != nil {
			logger.Error("cannot connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		pg := &database.PostgresRepository{Pool: pool}
		if err := pg.Migrate(ctx); err != nil {
			logger.Error("cannot migrate database", "error", err)
			os.Exit(1)
		}
		repo = pg
	}

	if cfg.Metrics.Addr != "" {
		srv := metrics.Serve(cfg.Metrics.Addr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("pumpwatch starting",
		"exchange", cfg.Exchange,
		"quote", cfg.Quote,
		"autoTrade", cfg.Engine.AutoTrade,
		"maxActiveTrades", cfg.Engine.MaxActiveTrades,
		"persistence", repo != nil,
	)
	eng := engine.NewEngine(logger, &cfg, client, gw, repo)
	if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("engine stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("pumpwatch stopped")
}
