package gateway

import (
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata/stream"

	"ladder_trading/internal/brokerage"
)

// pricePayload is the wire shape for a live trade on TICKER_UPDATES_<SYM>.
func pricePayload(t stream.Trade) map[string]any {
	return map[string]any{
		"type":      "price",
		"timestamp": t.Timestamp.UTC().Format(time.RFC3339Nano),
		"price":     t.Price,
		"volume":    float64(t.Size),
		"symbol":    t.Symbol,
	}
}

// orderPayload is the wire shape for an order event on TICKER_UPDATES_<SYM>.
// The nested order_data keeps every number stringified.
func orderPayload(symbol string, tu brokerage.TradeUpdate) map[string]any {
	return map[string]any{
		"type":       "order",
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		"symbol":     symbol,
		"order_data": tu.ToPayload(),
	}
}
