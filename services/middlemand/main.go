package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcutil"

	"automiddleman/config"
	"automiddleman/escrow"
	"automiddleman/observability/logging"
	"automiddleman/storage"
	"automiddleman/wallet"
)

// fanoutEmitter forwards every engine event to each sink in order.
type fanoutEmitter []escrow.Emitter

func (f fanoutEmitter) Emit(evt escrow.Event) {
	for _, sink := range f {
		sink.Emit(evt)
	}
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "./config.toml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup("middlemand", cfg.Environment)
	if cfg.LogFile != "" {
		logger = logging.SetupWithOutput("middlemand", cfg.Environment, logging.RotatingWriter(cfg.LogFile))
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("open deal database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	var audit *AuditStore
	if cfg.AuditDBPath != "" {
		audit, err = NewAuditStore(cfg.AuditDBPath)
		if err != nil {
			logger.Error("open audit database", "error", err)
			os.Exit(1)
		}
		defer audit.Close()
	}

	feeRate, err := btcutil.NewAmount(cfg.FeeRatePerKB)
	if err != nil {
		logger.Error("parse fee rate", "error", err)
		os.Exit(1)
	}

	gateway := wallet.NewLitecoindClient(cfg.NodeURL, cfg.NodeRPCUser, cfg.NodeRPCPass)

	store := escrow.NewDealStore(db)
	stats := escrow.NewStatsAggregator(db)
	engine := escrow.NewEngine(store, stats, gateway)
	engine.SetLogger(logger)
	engine.SetFeeRate(feeRate)

	watcher := escrow.NewDealWatcher(engine,
		cfg.PollIntervalDuration(), cfg.JoinWaitDuration(), cfg.ReleaseWaitDuration())
	watcher.SetLogger(logger)
	defer watcher.Close()

	notifier := NewNotifier(cfg.WebhookURL, logger)
	defer notifier.Close()

	engine.SetEmitter(fanoutEmitter{watcher, notifier})

	server := NewServer(engine, watcher, stats, audit, logger, cfg.RateLimitPerMinute)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("middleman daemon listening", "address", cfg.ListenAddress)
		errCh <- httpServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", "error", err)
	}
}
