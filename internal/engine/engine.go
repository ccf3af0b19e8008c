// Package engine is the per-ticker decision loop. It consumes price and
// order events from one action queue, holds the at-most-one-open-order state
// machine, reconciles fills into the ladder store and reports profit.
package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"ladder_trading/internal/brokerage"
	"ladder_trading/internal/bus"
	"ladder_trading/internal/ladder"
	"ladder_trading/internal/metrics"
	"ladder_trading/internal/notify"
)

// OrderState tracks what the engine is currently waiting on.
type OrderState int

const (
	StateNone OrderState = iota
	StateBuying
	StateSelling
	StateCancelling
)

func (s OrderState) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateBuying:
		return "BUYING"
	case StateSelling:
		return "SELLING"
	case StateCancelling:
		return "CANCELLING"
	}
	return "UNKNOWN"
}

// Brokerage is the synchronous client surface the engine drives.
type Brokerage interface {
	GetSharesCount(ticker string) (decimal.Decimal, error)
	GetCurrentPrice(ticker string) (decimal.Decimal, error)
	GetOrderByID(id string) (*brokerage.Order, error)
	CancelOrder(id string) bool
	PlaceOrder(ticker string, side ladder.Side, limitPrice, qty decimal.Decimal) *brokerage.Order
}

// pendingOrder is the engine's record of the one open brokerage order.
type pendingOrder struct {
	id         string
	side       ladder.Side
	limitPrice *decimal.Decimal // nil for market orders
	qty        decimal.Decimal
	lineIndex  int
}

const manualUpdateGap = 10 * time.Second

var (
	buyCancelThreshold  = decimal.RequireFromString("1.0025")
	sellCancelThreshold = decimal.RequireFromString("0.9975")
	oneCent             = decimal.New(1, -2)
	minQty              = decimal.New(1, -2) // 0.01 shares
)

// Engine runs the ladder strategy for one ticker.
type Engine struct {
	ticker string
	sender string
	mode   string

	store  *ladder.Store
	broker Brokerage
	bus    bus.Bus

	queue      *queue
	pending    *pendingOrder
	orderState OrderState
	prevPrice  decimal.Decimal

	lastManualUpdate time.Time
	manualGap        time.Duration
	now              func() time.Time
}

// New builds an engine over its three collaborators. Call Init before Run.
func New(store *ladder.Store, broker Brokerage, b bus.Bus) *Engine {
	return &Engine{
		ticker: store.Ticker,
		mode:   store.Mode,
		sender: fmt.Sprintf("ST_%s_%s", store.Ticker, store.Mode),
		store:  store,
		broker: broker,
		bus:    b,
		queue:     newQueue(),
		manualGap: manualUpdateGap,
		now:       time.Now,
	}
}

// SetManualUpdateInterval overrides the minimum spacing between manual
// order reconciliations.
func (e *Engine) SetManualUpdateInterval(d time.Duration) {
	if d > 0 {
		e.manualGap = d
	}
}

// Init restores in-flight order state, seeds the queue with the current
// price, verifies share parity with the brokerage and registers with the
// gateway. Any error here is fatal to the worker.
func (e *Engine) Init() error {
	if id, index, ok := e.store.PendingOrder(); ok {
		log.Printf("Restoring pending order %s on line %d", id, index)
		order, err := e.broker.GetOrderByID(id)
		if err != nil {
			return fmt.Errorf("pending order %s could not be fetched: %w", id, err)
		}
		e.pending = &pendingOrder{
			id:         order.ID,
			side:       ladder.Side(order.Side),
			limitPrice: order.LimitPrice,
			qty:        order.Qty,
			lineIndex:  index,
		}
		if e.pending.side == ladder.SideSell {
			e.orderState = StateSelling
		} else {
			e.orderState = StateBuying
		}
		if err := e.handleOrderUpdate(brokerage.TradeUpdate{Event: "restore", Order: *order}); err != nil {
			return err
		}
	}

	price, err := e.broker.GetCurrentPrice(e.ticker)
	if err != nil {
		return fmt.Errorf("could not fetch a starting price for %s: %w", e.ticker, err)
	}
	e.queue.push(action{kind: actionPrice, price: price})

	if err := e.checkSharesParity(); err != nil {
		return err
	}

	if err := e.bus.Publish(bus.BrokerRegistration,
		map[string]any{"action": "subscribe", "ticker": e.ticker}, e.sender); err != nil {
		return fmt.Errorf("could not register %s with the gateway: %w", e.ticker, err)
	}
	if err := e.bus.Subscribe(bus.TickerUpdates(e.ticker), e.handleBusMessage); err != nil {
		return fmt.Errorf("could not subscribe to ticker updates: %w", err)
	}
	return nil
}

// Run is the consumer loop. It pops one action at a time until the context
// is cancelled (graceful: drains the queue, deregisters, saves) or a fatal
// invariant breaks (returns the error).
func (e *Engine) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		e.queue.close()
	}()

	for {
		a, ok := e.queue.pop()
		if !ok {
			break
		}
		var err error
		switch a.kind {
		case actionPrice:
			err = e.handlePriceUpdate(a.price)
		case actionOrder:
			err = e.handleOrderUpdate(a.update)
		}
		if err != nil {
			e.shutdown()
			return err
		}
	}

	e.shutdown()
	return nil
}

func (e *Engine) shutdown() {
	if err := e.bus.Publish(bus.BrokerRegistration,
		map[string]any{"action": "unsubscribe", "ticker": e.ticker}, e.sender); err != nil {
		log.Printf("Warning: could not deregister %s: %v", e.ticker, err)
	}
	if err := e.bus.Unsubscribe(bus.TickerUpdates(e.ticker)); err != nil {
		log.Printf("Warning: could not unsubscribe ticker updates: %v", err)
	}
	if err := e.store.Save(); err != nil {
		log.Printf("Warning: final ladder save failed: %v", err)
	}
}

// handleBusMessage translates gateway envelopes into queue actions. Runs on
// the bus dispatcher goroutine; the queue is the hand-off to the consumer.
func (e *Engine) handleBusMessage(_ string, env bus.Envelope) {
	msgType, _ := env.Data["type"].(string)
	switch msgType {
	case "price":
		price, ok := numberField(env.Data, "price")
		if !ok {
			log.Printf("Warning: price message without usable price, dropping")
			metrics.BusDropped.WithLabelValues("bad_price").Inc()
			return
		}
		e.queue.push(action{kind: actionPrice, price: price})
	case "order":
		raw, ok := env.Data["order_data"].(map[string]any)
		if !ok {
			log.Printf("Warning: order message without order_data, dropping")
			metrics.BusDropped.WithLabelValues("bad_order").Inc()
			return
		}
		update, err := brokerage.TradeUpdateFromPayload(raw)
		if err != nil {
			log.Printf("Warning: undecodable order event, dropping: %v", err)
			metrics.BusDropped.WithLabelValues("bad_order").Inc()
			return
		}
		e.queue.push(action{kind: actionOrder, update: update})
	default:
		log.Printf("Warning: unknown message type %q from %s, dropping", msgType, env.Sender)
		metrics.BusDropped.WithLabelValues("unknown_type").Inc()
	}
}

// handlePriceUpdate is the per-tick decision chain: cancel, sell, buy, then
// chase, first hit wins.
func (e *Engine) handlePriceUpdate(p decimal.Decimal) error {
	if e.orderState == StateCancelling {
		// A cancel is in flight; wait for its terminal order event.
		return nil
	}

	p = p.Round(2)
	if p.Equal(e.prevPrice) {
		return nil
	}
	e.prevPrice = p

	handled := e.checkCancelOrder(p)
	if !handled {
		handled = e.checkPlaceSellOrder(p)
	}
	if !handled {
		handled = e.checkPlaceBuyOrder(p)
	}
	if !handled && e.store.IsChasable(p) {
		if ok, err := e.store.ChasePrice(p); err != nil {
			log.Printf("Warning: chase at %s failed: %v", p, err)
		} else if ok {
			log.Printf("Chased ladder up to price %s", p)
		}
	}
	return nil
}

// checkCancelOrder cancels the pending order when price has moved 0.25%
// through its reference price.
func (e *Engine) checkCancelOrder(p decimal.Decimal) bool {
	if e.pending == nil {
		return false
	}

	ref, ok := e.referencePrice()
	if !ok {
		return false
	}

	switch e.pending.side {
	case ladder.SideBuy:
		if p.GreaterThanOrEqual(ref.Mul(buyCancelThreshold)) {
			e.cancelPending(fmt.Sprintf("price %s ran 0.25%% above buy reference %s", p, ref))
			return true
		}
	case ladder.SideSell:
		if p.LessThanOrEqual(ref.Mul(sellCancelThreshold)) {
			e.cancelPending(fmt.Sprintf("price %s fell 0.25%% below sell reference %s", p, ref))
			return true
		}
	}
	return false
}

// referencePrice is the pending order's limit price, or for market orders
// the owning line's side price.
func (e *Engine) referencePrice() (decimal.Decimal, bool) {
	if e.pending.limitPrice != nil {
		return *e.pending.limitPrice, true
	}
	line, ok := e.store.RowByIndex(e.pending.lineIndex)
	if !ok {
		log.Printf("Warning: pending order %s references missing line %d", e.pending.id, e.pending.lineIndex)
		return decimal.Zero, false
	}
	if e.pending.side == ladder.SideSell {
		return line.SellPrice, true
	}
	return line.BuyPrice, true
}

func (e *Engine) cancelPending(reason string) {
	log.Printf("Cancelling %s order %s: %s", e.pending.side, e.pending.id, reason)
	notify.Notify(fmt.Sprintf("[%s] cancelling %s order: %s", e.sender, e.pending.side, reason))

	e.orderState = StateCancelling
	if !e.broker.CancelOrder(e.pending.id) {
		log.Printf("Warning: cancel call for %s failed, scheduling manual update", e.pending.id)
		e.scheduleManualUpdate()
	}
}

// checkPlaceBuyOrder places one aggregate buy across all buy-eligible lines.
func (e *Engine) checkPlaceBuyOrder(p decimal.Decimal) bool {
	rows := e.store.RowsForBuy(p)
	if len(rows) == 0 {
		return false
	}

	if e.pending != nil {
		if e.pending.side == ladder.SideSell {
			e.cancelPending("buy-eligible lines while a sell is pending")
			return true
		}
		// A buy is already working.
		return true
	}

	qty := decimal.Zero
	for _, row := range rows {
		qty = qty.Add(row.TargetShares.Sub(row.HeldShares))
	}
	// Whole-share path first: the fractional remainder is deferred to a
	// later tick once the whole shares are filled.
	if qty.GreaterThan(decimal.NewFromInt(1)) && !qty.Equal(qty.Truncate(0)) {
		qty = qty.Truncate(0)
	}
	if qty.LessThan(minQty) {
		return false
	}

	anchor := rows[len(rows)-1]
	limit := decimal.Min(p.Add(oneCent), anchor.BuyPrice)

	order := e.broker.PlaceOrder(e.ticker, ladder.SideBuy, limit, qty)
	if order == nil {
		return false
	}
	e.recordPending(order, ladder.SideBuy, anchor.Index)
	e.orderState = StateBuying
	log.Printf("Placed BUY %s x %s (limit %s, anchor line %d, order %s)",
		e.ticker, qty, limit, anchor.Index, order.ID)
	return true
}

// checkPlaceSellOrder mirrors the buy path over the held lines.
func (e *Engine) checkPlaceSellOrder(p decimal.Decimal) bool {
	rows := e.store.RowsForSell(p)
	if len(rows) == 0 {
		return false
	}

	if e.pending != nil {
		if e.pending.side == ladder.SideBuy {
			e.cancelPending("sell-eligible lines while a buy is pending")
			return true
		}
		return true
	}

	qty := decimal.Zero
	for _, row := range rows {
		qty = qty.Add(row.HeldShares)
	}
	if qty.GreaterThan(decimal.NewFromInt(1)) && !qty.Equal(qty.Truncate(0)) {
		qty = qty.Truncate(0)
	}
	if qty.LessThan(minQty) {
		return false
	}

	anchor := rows[0]
	limit := decimal.Max(p.Sub(oneCent), anchor.SellPrice)

	order := e.broker.PlaceOrder(e.ticker, ladder.SideSell, limit, qty)
	if order == nil {
		return false
	}
	e.recordPending(order, ladder.SideSell, anchor.Index)
	e.orderState = StateSelling
	log.Printf("Placed SELL %s x %s (limit %s, anchor line %d, order %s)",
		e.ticker, qty, limit, anchor.Index, order.ID)
	return true
}

func (e *Engine) recordPending(order *brokerage.Order, side ladder.Side, lineIndex int) {
	e.pending = &pendingOrder{
		id:         order.ID,
		side:       side,
		limitPrice: order.LimitPrice,
		qty:        order.Qty,
		lineIndex:  lineIndex,
	}
	if err := e.store.SetPendingOrder(lineIndex, order.ID); err != nil {
		log.Printf("Warning: could not persist pending order id: %v", err)
	}
}

// handleOrderUpdate drives the order state machine from a brokerage event.
// Returns an error only on fatal invariant violations.
func (e *Engine) handleOrderUpdate(update brokerage.TradeUpdate) error {
	if e.pending == nil || update.Order.ID != e.pending.id {
		log.Printf("Warning: ignoring order update for %s (no matching pending order)", update.Order.ID)
		return nil
	}

	status := update.Order.Status
	metrics.OrderEvents.WithLabelValues(status).Inc()

	switch status {
	case brokerage.StatusFilled:
		return e.applyFill(update.Order, true)

	case brokerage.StatusCanceled, brokerage.StatusExpired:
		return e.applyFill(update.Order, false)

	case brokerage.StatusAccepted, brokerage.StatusNew, brokerage.StatusPendingNew,
		brokerage.StatusPartiallyFilled, brokerage.StatusPendingCancel:
		log.Printf("Order %s is %s, waiting", update.Order.ID, status)
		return nil

	default:
		return fmt.Errorf("order %s reported unknown status %q", update.Order.ID, status)
	}
}

// applyFill reconciles a terminal order event into the ladder. terminalFill
// distinguishes FILLED from CANCELED/EXPIRED (which may still carry a
// partial fill).
func (e *Engine) applyFill(order brokerage.Order, terminalFill bool) error {
	side := e.pending.side
	index := e.pending.lineIndex

	var realized, unrealized decimal.Decimal
	if order.FilledQty.IsPositive() {
		avg := decimal.Zero
		if order.FilledAvgPrice != nil {
			avg = *order.FilledAvgPrice
		} else {
			log.Printf("Warning: order %s filled without an average price", order.ID)
		}
		var err error
		realized, unrealized, err = e.store.UpdateOrderStatus(index, order.FilledQty, avg, side)
		if err != nil {
			return fmt.Errorf("fill reconciliation failed: %w", err)
		}
	} else if err := e.store.ClearPendingOrder(); err != nil {
		return fmt.Errorf("could not clear pending order: %w", err)
	}

	if terminalFill {
		log.Printf("Order %s FILLED: %s x %s", order.ID, side, order.FilledQty)
	} else {
		log.Printf("Order %s closed as %s with %s filled", order.ID, order.Status, order.FilledQty)
	}

	e.pending = nil
	e.orderState = StateNone

	if err := e.checkSharesParity(); err != nil {
		return err
	}
	if order.FilledQty.IsPositive() {
		e.publishProfitReport(realized, unrealized)
	}
	return nil
}

// checkSharesParity enforces the startup/fill invariant that the ladder and
// the brokerage agree on held shares. Mismatch is fatal.
func (e *Engine) checkSharesParity() error {
	brokerHeld, err := e.broker.GetSharesCount(e.ticker)
	if err != nil {
		log.Printf("Warning: could not fetch brokerage share count: %v", err)
		return nil
	}
	ladderHeld := e.store.HeldShares()
	if !brokerHeld.Equal(ladderHeld) {
		return fmt.Errorf("share count mismatch for %s: brokerage holds %s, ladder holds %s",
			e.ticker, brokerHeld, ladderHeld)
	}
	return nil
}

// publishProfitReport emits this fill's profit deltas. The aggregator
// accumulates, so deltas are the right unit here.
func (e *Engine) publishProfitReport(realized, unrealized decimal.Decimal) {
	total := realized.Add(unrealized)
	payload := map[string]any{
		"symbol":     e.ticker,
		"total":      total.InexactFloat64(),
		"realized":   realized.InexactFloat64(),
		"unrealized": unrealized.InexactFloat64(),
		"timestamp":  e.now().UTC().Format(time.RFC3339),
	}
	if err := e.bus.Publish(bus.ProfitReport, payload, e.sender); err != nil {
		log.Printf("Warning: could not publish profit report: %v", err)
	}
	gauge, _ := e.store.UnrealizedProfit().Round(6).Float64()
	metrics.UnrealizedProfit.WithLabelValues(e.ticker).Set(gauge)
}

// numberField reads a JSON number (or a stringified one) off a payload map.
func numberField(data map[string]any, field string) (decimal.Decimal, bool) {
	switch v := data[field].(type) {
	case float64:
		return decimal.NewFromFloat(v), true
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	}
	return decimal.Zero, false
}

// scheduleManualUpdate re-fetches the pending order and feeds it back
// through the queue. Rate-limited so a stuck order cannot hammer the API.
func (e *Engine) scheduleManualUpdate() {
	if e.pending == nil {
		return
	}
	if e.now().Sub(e.lastManualUpdate) < e.manualGap {
		return
	}
	e.lastManualUpdate = e.now()

	order, err := e.broker.GetOrderByID(e.pending.id)
	if err != nil {
		log.Printf("Warning: manual update fetch for %s failed: %v", e.pending.id, err)
		return
	}
	e.queue.push(action{kind: actionOrder, update: brokerage.TradeUpdate{
		Event: "manual",
		Order: *order,
	}})
}
