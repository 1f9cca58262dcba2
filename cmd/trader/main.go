package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"spot-grid-trader-go/internal/account"
	"spot-grid-trader-go/internal/api"
	"spot-grid-trader-go/internal/config"
	"spot-grid-trader-go/internal/database"
	"spot-grid-trader-go/internal/exchange"
	"spot-grid-trader-go/internal/executor"
	"spot-grid-trader-go/internal/logger"
	"spot-grid-trader-go/internal/trader"
)

func main() {
	// Load application configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		fmt.Fprintf(os.Stderr, "could not load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	log.Info("Configuration loaded", zap.Bool("dry_run", cfg.Trading.DryRun))

	db, err := database.NewDatabase(cfg.Database.DSN)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	store := database.NewStore(db)
	log.Info("Database connection successful and schema migrated.")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	restClient := exchange.NewRestClient(&cfg.Exchange, cfg.Trading.FeeRate, log)
	if _, err := restClient.GetServerTime(ctx); err != nil {
		log.Fatal("Failed to connect to exchange API", zap.Error(err))
	}
	log.Info("Successfully connected to exchange API.")

	acct, gateway := setupAccount(ctx, &cfg, restClient, log)

	exec := executor.New(gateway, acct, store, executor.Config{
		Retry: executor.RetryPolicy{
			MaxAttempts:    cfg.Executor.MaxAttempts,
			InitialBackoff: cfg.Executor.InitialBackoff,
			MaxBackoff:     cfg.Executor.MaxBackoff,
			AttemptTimeout: cfg.Exchange.RequestTimeout,
			Logger:         log,
		},
		ReserveBuffer: decimal.NewFromFloat(cfg.Trading.ReserveBuffer),
	}, log)

	engine := trader.NewEngine(store, restClient, exec, acct, trader.Options{
		MinCheckInterval: time.Duration(cfg.Trading.MinCheckInterval) * time.Second,
		Simulation:       cfg.Trading.DryRun,
		ResumeOnStart:    cfg.Trading.ResumeOnStart,
	}, log)
	if err := engine.Recover(ctx); err != nil {
		log.Fatal("Failed to recover traders", zap.Error(err))
	}

	server := api.NewServer(engine, cfg.Server.Port, log)
	if err := server.Start(); err != nil {
		log.Fatal("Failed to start API server", zap.Error(err))
	}

	sigchan := make(chan os.Signal, 1)
	signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
	<-sigchan
	log.Info("Shutdown signal received, gracefully shutting down...")

	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Trading.ShutdownTimeout)
	defer stop()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Error("API server shutdown failed", zap.Error(err))
	}
	if err := engine.Shutdown(shutdownCtx); err != nil {
		log.Error("Engine shutdown failed", zap.Error(err))
	}

	log.Info("Bot has been shut down.")
}

// setupAccount seeds the shared balance and picks the order gateway. Dry
// runs fill against live prices without touching the exchange account.
func setupAccount(ctx context.Context, cfg *config.Config, client *exchange.RestClient, log *zap.Logger) (*account.State, exchange.Gateway) {
	if cfg.Trading.DryRun {
		initial := make(map[string]decimal.Decimal, len(cfg.Trading.PaperBalances))
		for asset, amount := range cfg.Trading.PaperBalances {
			initial[asset] = decimal.NewFromFloat(amount)
		}
		log.Warn("Dry run enabled, orders are simulated")
		return account.New(initial, log), exchange.NewPaperGateway(client, cfg.Trading.FeeRate, log)
	}

	balances, err := client.GetBalances(ctx)
	if err != nil {
		log.Fatal("Failed to load exchange balances", zap.Error(err))
	}
	acct := account.New(nil, log)
	free := make(map[string]decimal.Decimal, len(balances))
	for asset, b := range balances {
		free[asset] = b.Free
	}
	acct.Sync(free)
	log.Info("Exchange balances loaded", zap.Int("assets", len(free)))
	return acct, client
}
