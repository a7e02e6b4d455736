// Package main is the entry point for the portfolio rebalancer. It wires the
// database, broker and price clients, the decision engine and executor, the
// per-bot schedulers, and the read-only HTTP API, then runs until signalled.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/quantfold/rebalancer/internal/bots"
	"github.com/quantfold/rebalancer/internal/clients/aggregator"
	"github.com/quantfold/rebalancer/internal/clients/exchange"
	"github.com/quantfold/rebalancer/internal/config"
	"github.com/quantfold/rebalancer/internal/database"
	"github.com/quantfold/rebalancer/internal/deviation"
	"github.com/quantfold/rebalancer/internal/domain"
	"github.com/quantfold/rebalancer/internal/engine"
	"github.com/quantfold/rebalancer/internal/events"
	"github.com/quantfold/rebalancer/internal/executor"
	"github.com/quantfold/rebalancer/internal/locks"
	"github.com/quantfold/rebalancer/internal/oracle"
	"github.com/quantfold/rebalancer/internal/scheduler"
	"github.com/quantfold/rebalancer/internal/server"
	"github.com/quantfold/rebalancer/internal/snapshots"
	"github.com/quantfold/rebalancer/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().
		Str("data_dir", cfg.DataDir).
		Bool("simulate_trades", cfg.SimulateTrades).
		Msg("Starting rebalancer")

	if err := cfg.ValidateBrokerCredentials(); err != nil {
		log.Fatal().Err(err).Msg("Broker credentials missing")
	}

	db, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "rebalancer.db"),
		Profile: database.ProfileLedger,
		Name:    "rebalancer",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply schema")
	}

	// Event bus feeds the websocket stream and debug logging.
	bus := events.NewBus()
	eventManager := events.NewManager(bus, log)

	// Clients.
	var brokerOpts []exchange.Option
	if cfg.ExchangeBaseURL != "" {
		brokerOpts = append(brokerOpts, exchange.WithBaseURL(cfg.ExchangeBaseURL))
	}
	broker := exchange.NewClient(cfg.ExchangeAPIKey, cfg.ExchangeAPISecret, log, brokerOpts...)
	prices := aggregator.NewClient(cfg.PriceAPIBaseURL, log)

	// Repositories.
	conn := db.Conn()
	botRepo := bots.NewBotRepository(conn, log)
	assetRepo := bots.NewAssetRepository(conn, log)
	logRepo := bots.NewLogRepository(conn, log)
	snapshotRepo := snapshots.NewSnapshotRepository(conn, log)
	trackerRepo := snapshots.NewUnitTrackerRepository(conn, log)
	deviationRepo := deviation.NewRepository(conn, log)
	missedRepo := engine.NewMissedRepository(conn, log)
	tradeRepo := executor.NewTradeRepository(conn, log)
	lockRepo := locks.NewRepository(conn, log)
	historyRepo := oracle.NewHistoryRepository(conn, log)

	// Services.
	snapshotManager := snapshots.NewManager(snapshotRepo, trackerRepo, log)
	lockManager := locks.NewManager(conn, lockRepo, assetRepo, eventManager, log)

	priceOracle := oracle.New([]domain.PriceProvider{
		oracle.NewExchangeProvider(broker),
		prices,
	}, historyRepo, log)

	decisionEngine := engine.New(snapshotManager, deviationRepo, missedRepo,
		logRepo, broker, eventManager, log)

	tradeExecutor := executor.New(executor.Config{
		Trades:    tradeRepo,
		Assets:    assetRepo,
		Bots:      botRepo,
		Snapshots: snapshotManager,
		Locks:     lockManager,
		Missed:    missedRepo,
		Broker:    broker,
		Prices:    priceOracle,
		Strategy:  oracle.DefaultStrategy,
		TradeLog:  logRepo,
		Events:    eventManager,
		Mode:      cfg.RunMode(),
		MockData:  cfg.UseMockData,
	}, log)

	sched := scheduler.New(botRepo, assetRepo, snapshotManager, priceOracle,
		oracle.DefaultStrategy, decisionEngine, tradeExecutor, eventManager, log)

	resetService := bots.NewResetService(conn, botRepo, assetRepo, snapshotManager, eventManager, log)
	reconciliation := bots.NewReconciliationService(botRepo, assetRepo, broker, eventManager, log)

	maintenance := scheduler.NewMaintenance(lockManager, historyRepo, logRepo, db, log)
	maintenance.Start()
	defer maintenance.Stop()

	if err := sched.StartAllEnabled(); err != nil {
		log.Error().Err(err).Msg("Failed to start enabled bots")
	}
	defer sched.StopAll()

	srv := server.New(server.Config{
		Log:            log,
		Port:           cfg.Port,
		DevMode:        cfg.DevMode,
		DB:             db,
		Bots:           botRepo,
		Assets:         assetRepo,
		Logs:           logRepo,
		Trades:         tradeRepo,
		Missed:         missedRepo,
		Deviations:     deviationRepo,
		PriceHistory:   historyRepo,
		Locks:          lockRepo,
		Reconciliation: reconciliation,
		Reset:          resetService,
		Scheduler:      sched,
		Events:         eventManager,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("HTTP server exited")
		}
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown failed")
	}

	log.Info().Msg("Rebalancer stopped")
}
