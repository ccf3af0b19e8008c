package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"ladder_trading/internal/brokerage"
	"ladder_trading/internal/bus"
	"ladder_trading/internal/config"
	"ladder_trading/internal/engine"
	"ladder_trading/internal/ladder"
	"ladder_trading/internal/logger"
	"ladder_trading/internal/metrics"
)

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "usage: %s <TICKER> <paper|live>\n", filepath.Base(os.Args[0]))
		os.Exit(2)
	}
	ticker := os.Args[1]
	mode, err := config.ParseMode(os.Args[2])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, err := config.Load(mode)
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	logger.Setup(filepath.Join(cfg.DataRoot, "logs"), fmt.Sprintf("ST_%s_%s", ticker, mode))
	metrics.Serve(cfg.MetricsAddr)

	store, err := ladder.Open(cfg.DataRoot, ticker, string(mode), "")
	if err != nil {
		if errors.Is(err, ladder.ErrMissingFile) {
			log.Fatalf("No ladder file for %s (%s): create one first. %v", ticker, mode, err)
		}
		log.Fatalf("Ladder file rejected: %v", err)
	}

	adapter := bus.NewAdapter(cfg.RedisAddr(), cfg.RedisDB)
	defer adapter.Close()

	broker := brokerage.New(cfg)
	if err := broker.ValidateAccount(); err != nil {
		log.Fatalf("Brokerage account check failed: %v", err)
	}

	eng := engine.New(store, broker, adapter)
	eng.SetManualUpdateInterval(cfg.ManualUpdateInterval)
	if err := eng.Init(); err != nil {
		log.Fatalf("Engine startup failed: %v", err)
	}
	if err := adapter.StartListening(); err != nil {
		log.Fatalf("Bus listener failed to start: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		log.Println("Shutdown signal received, draining...")
		cancel()
	}()

	log.Printf("Ladder worker for %s (%s) running", store.Ticker, mode)

	// Run blocks on the consumer loop. A returned error is a fatal invariant
	// violation; the orchestrator restarts the worker.
	if err := eng.Run(ctx); err != nil {
		adapter.StopListening()
		log.Fatalf("Fatal: %v", err)
	}
	adapter.StopListening()
	log.Println("Ladder worker stopped cleanly")
}
