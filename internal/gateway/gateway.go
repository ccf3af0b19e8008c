// Package gateway owns the single authenticated connection to the brokerage
// streams and fans price and order events out onto per-ticker bus channels.
// Engines tell it what to stream via the registration channel.
package gateway

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata/stream"

	"ladder_trading/internal/brokerage"
	"ladder_trading/internal/bus"
)

// Sender identifies the gateway in bus envelopes.
const Sender = "broker_gateway"

// PriceStream is the slice of the stocks stream client the gateway uses.
type PriceStream interface {
	Connect(ctx context.Context) error
	SubscribeToTrades(handler func(stream.Trade), symbols ...string) error
	UnsubscribeFromTrades(symbols ...string) error
}

// TradeUpdateStream is the order-events side of the brokerage connection.
type TradeUpdateStream interface {
	StreamTradeUpdates(ctx context.Context, handler func(alpaca.TradeUpdate)) error
}

// Gateway multiplexes one price stream and one order-event stream onto
// per-ticker channels.
type Gateway struct {
	bus    bus.Bus
	prices PriceStream
	orders TradeUpdateStream

	mu         sync.Mutex
	subscribed map[string]struct{}
	pricesLive bool
	started    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a gateway over the given bus and brokerage streams.
func New(b bus.Bus, prices PriceStream, orders TradeUpdateStream) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		bus:        b,
		prices:     prices,
		orders:     orders,
		subscribed: make(map[string]struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start subscribes the registration channel and launches the two stream
// readers. Idempotent.
func (g *Gateway) Start() error {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		log.Println("Warning: gateway already started")
		return nil
	}
	g.started = true
	g.mu.Unlock()

	if err := g.bus.Subscribe(bus.BrokerRegistration, g.handleRegistration); err != nil {
		return err
	}

	g.wg.Add(1)
	go g.runPriceStream()

	g.wg.Add(1)
	go g.runOrderStream()

	return nil
}

func (g *Gateway) runPriceStream() {
	defer g.wg.Done()

	backoff := time.Second
	for {
		g.mu.Lock()
		symbols := g.symbolsLocked()
		g.mu.Unlock()
		if len(symbols) > 0 {
			if err := g.prices.SubscribeToTrades(g.handleTrade, symbols...); err != nil {
				log.Printf("Warning: trade subscription for %v failed: %v", symbols, err)
			}
		}

		g.mu.Lock()
		g.pricesLive = true
		g.mu.Unlock()

		// Connect blocks until the stream closes. SDK-level reconnects are
		// configured on the client; this loop covers the case where it gives
		// up entirely.
		err := g.prices.Connect(g.ctx)

		g.mu.Lock()
		g.pricesLive = false
		g.mu.Unlock()

		if g.ctx.Err() != nil {
			return
		}
		log.Printf("Warning: price stream closed: %v, reconnecting in %s", err, backoff)
		select {
		case <-time.After(backoff):
		case <-g.ctx.Done():
			return
		}
		if backoff *= 2; backoff > time.Minute {
			backoff = time.Minute
		}
	}
}

func (g *Gateway) runOrderStream() {
	defer g.wg.Done()

	backoff := time.Second
	for {
		err := g.orders.StreamTradeUpdates(g.ctx, g.handleTradeUpdate)
		if g.ctx.Err() != nil {
			return
		}
		log.Printf("Warning: order-event stream closed: %v, reconnecting in %s", err, backoff)
		select {
		case <-time.After(backoff):
		case <-g.ctx.Done():
			return
		}
		if backoff *= 2; backoff > time.Minute {
			backoff = time.Minute
		}
	}
}

// handleRegistration processes {action, ticker} messages. Unknown actions
// are logged and dropped.
func (g *Gateway) handleRegistration(_ string, env bus.Envelope) {
	action, _ := env.Data["action"].(string)
	ticker, _ := env.Data["ticker"].(string)
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if ticker == "" {
		log.Printf("Warning: registration message without ticker from %s", env.Sender)
		return
	}

	switch action {
	case "subscribe":
		g.subscribeSymbol(ticker)
	case "unsubscribe":
		g.unsubscribeSymbol(ticker)
	default:
		log.Printf("Warning: unknown registration action %q for %s from %s", action, ticker, env.Sender)
	}
}

func (g *Gateway) subscribeSymbol(symbol string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.subscribed[symbol]; ok {
		log.Printf("Symbol %s already subscribed", symbol)
		return
	}
	g.subscribed[symbol] = struct{}{}
	log.Printf("Subscribing %s", symbol)

	if g.pricesLive {
		if err := g.prices.SubscribeToTrades(g.handleTrade, symbol); err != nil {
			log.Printf("Warning: dynamic subscribe of %s failed: %v", symbol, err)
		}
	}
}

func (g *Gateway) unsubscribeSymbol(symbol string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.subscribed[symbol]; !ok {
		return
	}
	delete(g.subscribed, symbol)
	log.Printf("Unsubscribing %s", symbol)

	if g.pricesLive {
		if err := g.prices.UnsubscribeFromTrades(symbol); err != nil {
			log.Printf("Warning: dynamic unsubscribe of %s failed: %v", symbol, err)
		}
	}
}

// handleTrade republishes a live trade onto the symbol's channel.
func (g *Gateway) handleTrade(t stream.Trade) {
	payload := pricePayload(t)
	if err := g.bus.Publish(bus.TickerUpdates(t.Symbol), payload, Sender); err != nil {
		log.Printf("Warning: could not publish price for %s: %v", t.Symbol, err)
	}
}

// handleTradeUpdate republishes an order event onto its symbol's channel.
// Events for symbols no engine registered are forwarded anyway; engines
// ignore orders they do not own.
func (g *Gateway) handleTradeUpdate(tu alpaca.TradeUpdate) {
	update := brokerage.FromAlpacaTradeUpdate(tu)
	symbol := strings.ToUpper(update.Order.Symbol)
	if symbol == "" {
		log.Printf("Warning: order event %q without symbol, dropping", update.Event)
		return
	}
	payload := orderPayload(symbol, update)
	if err := g.bus.Publish(bus.TickerUpdates(symbol), payload, Sender); err != nil {
		log.Printf("Warning: could not publish order event for %s: %v", symbol, err)
	}
}

func (g *Gateway) symbolsLocked() []string {
	symbols := make([]string, 0, len(g.subscribed))
	for s := range g.subscribed {
		symbols = append(symbols, s)
	}
	return symbols
}

// Stop unsubscribes from the registration channel, closes both streams via
// context cancellation and joins the readers with a bounded timeout.
// Idempotent.
func (g *Gateway) Stop() {
	g.mu.Lock()
	if !g.started {
		g.mu.Unlock()
		return
	}
	g.started = false
	g.mu.Unlock()

	if err := g.bus.Unsubscribe(bus.BrokerRegistration); err != nil {
		log.Printf("Warning: could not unsubscribe registration channel: %v", err)
	}
	g.cancel()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		log.Println("Warning: gateway stream readers did not exit in time")
	}
}
