package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata/stream"

	"ladder_trading/internal/bus"
	"ladder_trading/internal/config"
	"ladder_trading/internal/gateway"
	"ladder_trading/internal/logger"
	"ladder_trading/internal/metrics"
)

// tradeUpdateStream adapts *alpaca.Client to gateway.TradeUpdateStream,
// which does not take a StreamTradeUpdatesRequest.
type tradeUpdateStream struct {
	c *alpaca.Client
}

func (s tradeUpdateStream) StreamTradeUpdates(ctx context.Context, handler func(alpaca.TradeUpdate)) error {
	return s.c.StreamTradeUpdates(ctx, handler, alpaca.StreamTradeUpdatesRequest{})
}

func main() {
	mode := config.Paper
	if len(os.Args) > 1 {
		m, err := config.ParseMode(os.Args[1])
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		mode = m
	}

	cfg, err := config.Load(mode)
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	logger.Setup(filepath.Join(cfg.DataRoot, "logs"), fmt.Sprintf("broker_gateway_%s", mode))
	metrics.Serve(cfg.MetricsAddr)

	adapter := bus.NewAdapter(cfg.RedisAddr(), cfg.RedisDB)
	defer adapter.Close()

	prices := stream.NewStocksClient(
		marketdata.IEX,
		stream.WithCredentials(cfg.AlpacaKeyID, cfg.AlpacaSecretKey),
		stream.WithReconnectSettings(10, 500*time.Millisecond),
	)

	baseURL := "https://paper-api.alpaca.markets"
	if mode == config.Live {
		baseURL = "https://api.alpaca.markets"
	}
	trading := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    cfg.AlpacaKeyID,
		APISecret: cfg.AlpacaSecretKey,
		BaseURL:   baseURL,
	})

	gw := gateway.New(adapter, prices, tradeUpdateStream{trading})
	if err := gw.Start(); err != nil {
		log.Fatalf("Gateway failed to start: %v", err)
	}
	if err := adapter.StartListening(); err != nil {
		log.Fatalf("Bus listener failed to start: %v", err)
	}

	log.Printf("Broker gateway (%s) running", mode)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	log.Println("Shutdown signal received")
	gw.Stop()
	adapter.StopListening()
	log.Println("Broker gateway stopped cleanly")
}
