package main

import (
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"ladder_trading/internal/bus"
	"ladder_trading/internal/logger"
	"ladder_trading/internal/metrics"
	"ladder_trading/internal/performance"
)

// The aggregator only needs the bus and a data directory, never brokerage
// credentials, so it reads its environment directly.
func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: No .env file found, using system environment variables")
	}

	dataRoot := os.Getenv("DATA_ROOT")
	if dataRoot == "" {
		dataRoot = "data"
	}
	redisHost := os.Getenv("REDIS_HOST")
	if redisHost == "" {
		redisHost = "localhost"
	}
	redisPort := os.Getenv("REDIS_PORT")
	if redisPort == "" {
		redisPort = "6379"
	}

	logger.Setup(filepath.Join(dataRoot, "logs"), "profit_aggregator")
	metrics.Serve(os.Getenv("METRICS_ADDR"))

	adapter := bus.NewAdapter(redisHost+":"+redisPort, 0)
	defer adapter.Close()

	agg := performance.New(adapter, dataRoot)
	if err := agg.Start(); err != nil {
		log.Fatalf("Aggregator failed to start: %v", err)
	}
	if err := adapter.StartListening(); err != nil {
		log.Fatalf("Bus listener failed to start: %v", err)
	}

	log.Println("Profit aggregator running")

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	log.Println("Shutdown signal received")
	agg.Stop()
	adapter.StopListening()
	log.Println("Profit aggregator stopped cleanly")
}
