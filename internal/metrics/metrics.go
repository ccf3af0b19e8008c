// Package metrics exposes the Prometheus instrumentation shared by the
// worker, gateway and aggregator processes.
//
//   - ladder_orders_total{mode,side}          – orders placed
//   - ladder_order_events_total{status}       – terminal/intermediate order events handled
//   - bus_messages_published_total{channel}   – bus publishes by channel kind
//   - bus_messages_dropped_total{reason}      – receive-path drops (parse/validation)
//   - ladder_unrealized_profit_usd{symbol}    – last reported unrealized profit
//
// Served at /metrics when METRICS_ADDR is set.
package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	OrdersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ladder_orders_total",
			Help: "Orders placed",
		},
		[]string{"mode", "side"},
	)

	OrderEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ladder_order_events_total",
			Help: "Order events handled by the engine",
		},
		[]string{"status"},
	)

	BusPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_messages_published_total",
			Help: "Messages published to the bus by channel kind",
		},
		[]string{"channel"},
	)

	BusDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_messages_dropped_total",
			Help: "Messages dropped on the receive path",
		},
		[]string{"reason"},
	)

	UnrealizedProfit = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ladder_unrealized_profit_usd",
			Help: "Unrealized profit across the ladder, last computed value",
		},
		[]string{"symbol"},
	)
)

func init() {
	prometheus.MustRegister(OrdersPlaced, OrderEvents, BusPublished, BusDropped, UnrealizedProfit)
}

// Serve starts the /metrics listener in a background goroutine. A failure to
// bind is logged, never fatal: metrics are ambient, trading is not.
func Serve(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Printf("Warning: metrics listener on %s exited: %v", addr, err)
		}
	}()
}
