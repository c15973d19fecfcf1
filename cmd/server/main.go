// Stock Market API — a small central-limit order-book trading venue.
//
// Architecture:
//
//	main.go              — entry point: config, logger, pool, schema, HTTP server, shutdown
//	config/              — viper-backed configuration (YAML file + EXCHANGE_* env overrides)
//	db/                  — pgx connection pool, schema bootstrap, transaction + retry wrappers
//	account/, instrument — user and instrument stores
//	ledger/              — per-(user, ticker) balances with available/locked compartments
//	order/               — order and trade persistence, best-match and L2 read paths
//	matching/            — per-request price-time matching engine
//	service/             — transactional orchestration: place, cancel, deposit, withdraw
//	api/                 — HTTP routing, TOKEN auth, error-to-status mapping
//
// Every externally visible effect (placed order, cancellation, deposit,
// withdrawal) is one READ COMMITTED transaction over Postgres; balance rows
// are locked FOR UPDATE in a canonical order and conflicting transactions
// are retried with exponential backoff.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tochka-team/stock-market-api/internal/account"
	"github.com/tochka-team/stock-market-api/internal/api"
	"github.com/tochka-team/stock-market-api/internal/config"
	"github.com/tochka-team/stock-market-api/internal/db"
	"github.com/tochka-team/stock-market-api/internal/instrument"
	"github.com/tochka-team/stock-market-api/internal/ledger"
	"github.com/tochka-team/stock-market-api/internal/order"
	"github.com/tochka-team/stock-market-api/internal/service"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("EXCHANGE_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	if cfg.AdminAPIToken == "" {
		logger.Warn("ADMIN_API_TOKEN not set, admin endpoints will refuse all requests")
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx, *cfg, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := db.Bootstrap(ctx, pool); err != nil {
		logger.Error("failed to bootstrap schema", "error", err)
		os.Exit(1)
	}

	svc := service.New(
		db.NewRunner(pool, logger),
		account.NewStore(),
		instrument.NewStore(),
		order.NewStore(),
		order.NewTradeStore(),
		ledger.New(logger),
		cfg.Matching.RejectSelfTrade,
		logger,
	)

	server := api.NewServer(*cfg, svc, logger)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("api server failed", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("exchange started",
		"addr", cfg.Server.Addr,
		"reject_self_trade", cfg.Matching.RejectSelfTrade,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if err := server.Stop(); err != nil {
		logger.Error("failed to stop api server", "error", err)
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
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
