package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ladder_trading/internal/brokerage"
	"ladder_trading/internal/bus"
	"ladder_trading/internal/ladder"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func dp(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

type placedOrder struct {
	side  ladder.Side
	limit decimal.Decimal
	qty   decimal.Decimal
}

type fakeBroker struct {
	shares    decimal.Decimal
	price     decimal.Decimal
	placed    []placedOrder
	cancelled []string
	cancelOK  bool
	orders    map[string]*brokerage.Order
	declines  bool
	nextID    int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{cancelOK: true, orders: make(map[string]*brokerage.Order)}
}

func (f *fakeBroker) GetSharesCount(string) (decimal.Decimal, error) { return f.shares, nil }
func (f *fakeBroker) GetCurrentPrice(string) (decimal.Decimal, error) {
	return f.price, nil
}

func (f *fakeBroker) GetOrderByID(id string) (*brokerage.Order, error) {
	if o, ok := f.orders[id]; ok {
		return o, nil
	}
	return nil, fmt.Errorf("no such order %s", id)
}

func (f *fakeBroker) CancelOrder(id string) bool {
	f.cancelled = append(f.cancelled, id)
	return f.cancelOK
}

func (f *fakeBroker) PlaceOrder(ticker string, side ladder.Side, limit, qty decimal.Decimal) *brokerage.Order {
	if f.declines {
		return nil
	}
	f.placed = append(f.placed, placedOrder{side, limit, qty})
	f.nextID++
	lp := limit
	order := &brokerage.Order{
		ID:         fmt.Sprintf("order-%d", f.nextID),
		Symbol:     ticker,
		Side:       string(side),
		Type:       "limit",
		Status:     brokerage.StatusNew,
		Qty:        qty,
		LimitPrice: &lp,
	}
	f.orders[order.ID] = order
	return order
}

type published struct {
	channel string
	payload map[string]any
}

type fakeBus struct {
	mu        sync.Mutex
	published []published
	handlers  map[string]bus.Handler
}

func newFakeBus() *fakeBus { return &fakeBus{handlers: make(map[string]bus.Handler)} }

func (f *fakeBus) Publish(channel string, payload map[string]any, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{channel, payload})
	return nil
}

func (f *fakeBus) Subscribe(channel string, h bus.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[channel] = h
	return nil
}

func (f *fakeBus) Unsubscribe(channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, channel)
	return nil
}

func (f *fakeBus) on(channel string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, p := range f.published {
		if p.channel == channel {
			out = append(out, p)
		}
	}
	return out
}

// standardLadder is the 0.5% ladder the placement scenarios run on: top
// sell $100.00, top buy $99.50.
func standardLadder(target string) []ladder.Line {
	return []ladder.Line{
		{Index: 0, BuyPrice: dec("99.5"), SellPrice: dec("100"), TargetShares: dec(target), PendingOrderID: ladder.NoOrderSentinel},
		{Index: 1, BuyPrice: dec("99.01"), SellPrice: dec("99.5"), TargetShares: dec(target), PendingOrderID: ladder.NoOrderSentinel},
		{Index: 2, BuyPrice: dec("98.52"), SellPrice: dec("99.01"), TargetShares: dec(target), PendingOrderID: ladder.NoOrderSentinel},
	}
}

func newTestEngine(t *testing.T, lines []ladder.Line) (*Engine, *fakeBroker, *fakeBus) {
	t.Helper()
	store := ladder.New("AAPL", "paper", filepath.Join(t.TempDir(), "AAPL.csv"), lines)
	broker := newFakeBroker()
	b := newFakeBus()
	e := New(store, broker, b)
	e.now = func() time.Time { return time.Unix(1700000000, 0) }
	return e, broker, b
}

func fillUpdate(id string, filledQty, avg string) brokerage.TradeUpdate {
	return brokerage.TradeUpdate{
		Event: "fill",
		Order: brokerage.Order{
			ID:             id,
			Status:         brokerage.StatusFilled,
			FilledQty:      dec(filledQty),
			FilledAvgPrice: dp(avg),
		},
	}
}

func cancelUpdate(id string, filledQty string) brokerage.TradeUpdate {
	u := brokerage.TradeUpdate{
		Event: "canceled",
		Order: brokerage.Order{
			ID:        id,
			Status:    brokerage.StatusCanceled,
			FilledQty: dec(filledQty),
		},
	}
	if filledQty != "0" {
		u.Order.FilledAvgPrice = dp("97.03")
	}
	return u
}

// Price at the top buy places a one-share limit buy, and its fill lands on
// line 0 with no unrealized profit.
func TestBuyAtTopLine(t *testing.T) {
	e, broker, _ := newTestEngine(t, standardLadder("1"))

	require.NoError(t, e.handlePriceUpdate(dec("99.50")))

	require.Len(t, broker.placed, 1)
	p := broker.placed[0]
	assert.Equal(t, ladder.SideBuy, p.side)
	assert.True(t, p.qty.Equal(dec("1")), "qty = %s", p.qty)
	assert.True(t, p.limit.Equal(dec("99.5")), "limit = %s", p.limit)
	assert.Equal(t, StateBuying, e.orderState)

	broker.shares = dec("1")
	require.NoError(t, e.handleOrderUpdate(fillUpdate("order-1", "1", "99.5")))

	line, _ := e.store.RowByIndex(0)
	assert.True(t, line.HeldShares.Equal(dec("1")))
	assert.True(t, line.UnrealizedProfit.IsZero())
	assert.True(t, line.Profit.IsZero())
	assert.Equal(t, StateNone, e.orderState)
	assert.Nil(t, e.pending)
}

// A pending sell is cancelled when price falls 0.25% through its limit, and
// the cancel event leaves the held share in place.
func TestSellThenCancelOnPriceDrop(t *testing.T) {
	lines := standardLadder("1")
	lines[0].HeldShares = dec("1")
	e, broker, _ := newTestEngine(t, lines)
	broker.shares = dec("1")

	require.NoError(t, e.handlePriceUpdate(dec("100.00")))
	require.Len(t, broker.placed, 1)
	p := broker.placed[0]
	assert.Equal(t, ladder.SideSell, p.side)
	assert.True(t, p.limit.Equal(dec("100")), "limit = %s", p.limit)
	assert.Equal(t, StateSelling, e.orderState)

	// 100.00 × 0.9975 = 99.75: the boundary itself cancels.
	require.NoError(t, e.handlePriceUpdate(dec("99.75")))
	assert.Equal(t, []string{"order-1"}, broker.cancelled)
	assert.Equal(t, StateCancelling, e.orderState)

	// Further price updates are ignored while the cancel is in flight.
	require.NoError(t, e.handlePriceUpdate(dec("99.60")))
	assert.Len(t, broker.placed, 1)

	require.NoError(t, e.handleOrderUpdate(cancelUpdate("order-1", "0")))
	line, _ := e.store.RowByIndex(0)
	assert.True(t, line.HeldShares.Equal(dec("1")), "held share must survive the cancel")
	assert.Equal(t, ladder.NoOrderSentinel, line.PendingOrderID)
	assert.Equal(t, StateNone, e.orderState)
}

// A filled sell realizes the spread as profit.
func TestSellFillRealizesProfit(t *testing.T) {
	lines := standardLadder("1")
	lines[0].HeldShares = dec("1")
	e, broker, b := newTestEngine(t, lines)
	broker.shares = dec("1")

	require.NoError(t, e.handlePriceUpdate(dec("100.00")))
	require.Len(t, broker.placed, 1)

	broker.shares = dec("0")
	require.NoError(t, e.handleOrderUpdate(fillUpdate("order-1", "1", "100")))

	line, _ := e.store.RowByIndex(0)
	assert.True(t, line.HeldShares.IsZero())
	assert.True(t, line.Profit.Equal(dec("0.5")), "profit = %s", line.Profit)
	assert.True(t, line.UnrealizedProfit.IsZero())

	reports := b.on(bus.ProfitReport)
	require.Len(t, reports, 1)
	assert.Equal(t, "AAPL", reports[0].payload["symbol"])
	assert.Equal(t, 0.5, reports[0].payload["realized"])
	assert.Equal(t, 0.5, reports[0].payload["total"])
}

// A multi-line buy that partially fills before cancellation distributes the
// filled shares top-down from line 0.
func TestPartialFillDistributesTopDown(t *testing.T) {
	lines := []ladder.Line{
		{Index: 0, BuyPrice: dec("97.08"), SellPrice: dec("97.57"), TargetShares: dec("6"), PendingOrderID: ladder.NoOrderSentinel},
		{Index: 1, BuyPrice: dec("97.07"), SellPrice: dec("97.56"), TargetShares: dec("6"), PendingOrderID: ladder.NoOrderSentinel},
		{Index: 2, BuyPrice: dec("97.06"), SellPrice: dec("97.55"), TargetShares: dec("6"), PendingOrderID: ladder.NoOrderSentinel},
		{Index: 3, BuyPrice: dec("97.05"), SellPrice: dec("97.54"), TargetShares: dec("6"), PendingOrderID: ladder.NoOrderSentinel},
		{Index: 4, BuyPrice: dec("97.04"), SellPrice: dec("97.53"), TargetShares: dec("6"), PendingOrderID: ladder.NoOrderSentinel},
		{Index: 5, BuyPrice: dec("97.03"), SellPrice: dec("97.52"), TargetShares: dec("6"), PendingOrderID: ladder.NoOrderSentinel},
	}
	e, broker, _ := newTestEngine(t, lines)

	require.NoError(t, e.handlePriceUpdate(dec("97.03")))
	require.Len(t, broker.placed, 1)
	p := broker.placed[0]
	assert.True(t, p.qty.Equal(dec("36")), "qty = %s", p.qty)
	assert.True(t, p.limit.Equal(dec("97.03")), "limit = %s", p.limit)

	broker.shares = dec("18")
	require.NoError(t, e.handleOrderUpdate(cancelUpdate("order-1", "18")))

	for i, wantHeld := range []string{"6", "6", "6", "0", "0", "0"} {
		line, _ := e.store.RowByIndex(i)
		assert.True(t, line.HeldShares.Equal(dec(wantHeld)), "line %d held = %s, want %s", i, line.HeldShares, wantHeld)
	}
	line0, _ := e.store.RowByIndex(0)
	assert.True(t, line0.UnrealizedProfit.Equal(dec("0.3")), "line 0 unrealized = %s", line0.UnrealizedProfit)
	assert.Equal(t, StateNone, e.orderState)
}

// Fractional aggregate quantities above one share are truncated to the
// whole-share path; the fractional remainder waits for a later tick.
func TestFractionalTargetTruncatesToWholeShares(t *testing.T) {
	lines := standardLadder("1.5")[:1]
	e, broker, _ := newTestEngine(t, lines)

	require.NoError(t, e.handlePriceUpdate(dec("99.50")))
	require.Len(t, broker.placed, 1)
	assert.True(t, broker.placed[0].qty.Equal(dec("1")), "qty = %s", broker.placed[0].qty)

	broker.shares = dec("1")
	require.NoError(t, e.handleOrderUpdate(fillUpdate("order-1", "1", "99.5")))
	line, _ := e.store.RowByIndex(0)
	assert.True(t, line.HeldShares.Equal(dec("1")))
}

// With nothing to do at a price above the ladder, the engine chases.
func TestChaseOnRunawayPrice(t *testing.T) {
	e, _, _ := newTestEngine(t, standardLadder("1"))

	require.NoError(t, e.handlePriceUpdate(dec("100.00")))

	line0, _ := e.store.RowByIndex(0)
	assert.True(t, line0.BuyPrice.Equal(dec("99.51")), "top buy = %s", line0.BuyPrice)
	assert.True(t, line0.SellPrice.Equal(dec("100.01")), "top sell = %s", line0.SellPrice)
	assert.Equal(t, 4, e.store.Len(), "chase must prepend a line")
}

// A price collapse with a sell pending cancels the sell; nothing new is
// placed until the cancel resolves.
func TestOppositeSidePendingIsCancelledFirst(t *testing.T) {
	lines := standardLadder("1")
	lines[0].HeldShares = dec("1")
	e, broker, _ := newTestEngine(t, lines)
	broker.shares = dec("1")

	require.NoError(t, e.handlePriceUpdate(dec("100.00")))
	require.Len(t, broker.placed, 1)
	require.Equal(t, ladder.SideSell, broker.placed[0].side)

	require.NoError(t, e.handlePriceUpdate(dec("98.52")))
	assert.Equal(t, []string{"order-1"}, broker.cancelled)
	assert.Len(t, broker.placed, 1, "no new order while the cancel is in flight")
	assert.Equal(t, StateCancelling, e.orderState)
}

// Identical consecutive prices are ignored.
func TestDuplicatePriceFiltered(t *testing.T) {
	e, broker, _ := newTestEngine(t, standardLadder("1"))
	broker.declines = true

	require.NoError(t, e.handlePriceUpdate(dec("99.50")))
	require.NoError(t, e.handlePriceUpdate(dec("99.50")))
	require.NoError(t, e.handlePriceUpdate(dec("99.504"))) // rounds to 99.50

	assert.Len(t, broker.placed, 0)
	assert.True(t, e.prevPrice.Equal(dec("99.5")))
}

// Order updates for unknown ids are ignored.
func TestForeignOrderUpdateIgnored(t *testing.T) {
	e, broker, _ := newTestEngine(t, standardLadder("1"))

	require.NoError(t, e.handlePriceUpdate(dec("99.50")))
	require.Len(t, broker.placed, 1)

	require.NoError(t, e.handleOrderUpdate(fillUpdate("someone-elses-order", "1", "99.5")))
	line, _ := e.store.RowByIndex(0)
	assert.True(t, line.HeldShares.IsZero(), "foreign fill must not touch the ladder")
	assert.NotNil(t, e.pending)
}

// Delivering the same terminal event twice is idempotent: the second copy no
// longer matches a pending order.
func TestDuplicateTerminalEventIgnored(t *testing.T) {
	e, broker, _ := newTestEngine(t, standardLadder("1"))

	require.NoError(t, e.handlePriceUpdate(dec("99.50")))
	broker.shares = dec("1")
	require.NoError(t, e.handleOrderUpdate(fillUpdate("order-1", "1", "99.5")))
	require.NoError(t, e.handleOrderUpdate(fillUpdate("order-1", "1", "99.5")))

	line, _ := e.store.RowByIndex(0)
	assert.True(t, line.HeldShares.Equal(dec("1")), "second delivery must not double-fill")
}

// An unknown terminal status is fatal.
func TestUnknownOrderStatusIsFatal(t *testing.T) {
	e, broker, _ := newTestEngine(t, standardLadder("1"))

	require.NoError(t, e.handlePriceUpdate(dec("99.50")))
	require.Len(t, broker.placed, 1)

	err := e.handleOrderUpdate(brokerage.TradeUpdate{
		Event: "mystery",
		Order: brokerage.Order{ID: "order-1", Status: "held_for_review"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown status")
}

// A share-count mismatch after a fill is fatal.
func TestSharesParityMismatchIsFatal(t *testing.T) {
	e, broker, _ := newTestEngine(t, standardLadder("1"))

	require.NoError(t, e.handlePriceUpdate(dec("99.50")))
	broker.shares = dec("5") // brokerage disagrees with the ladder
	err := e.handleOrderUpdate(fillUpdate("order-1", "1", "99.5"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "share count mismatch")
}

// A failed cancel schedules a rate-limited manual reconciliation.
func TestFailedCancelSchedulesManualUpdate(t *testing.T) {
	lines := standardLadder("1")
	lines[0].HeldShares = dec("1")
	e, broker, _ := newTestEngine(t, lines)
	broker.shares = dec("1")
	broker.cancelOK = false

	require.NoError(t, e.handlePriceUpdate(dec("100.00")))
	require.NoError(t, e.handlePriceUpdate(dec("99.75")))

	// The manual update re-fetched the order and queued it.
	assert.Equal(t, 1, e.queue.len())
	assert.False(t, e.lastManualUpdate.IsZero())

	// A second failure inside the rate window does not fetch again.
	before := e.queue.len()
	e.scheduleManualUpdate()
	assert.Equal(t, before, e.queue.len())
}

func TestInit_RegistersAndSeedsPrice(t *testing.T) {
	e, broker, b := newTestEngine(t, standardLadder("1"))
	broker.price = dec("99.40")

	require.NoError(t, e.Init())

	regs := b.on(bus.BrokerRegistration)
	require.Len(t, regs, 1)
	assert.Equal(t, "subscribe", regs[0].payload["action"])
	assert.Equal(t, "AAPL", regs[0].payload["ticker"])

	b.mu.Lock()
	_, subscribed := b.handlers[bus.TickerUpdates("AAPL")]
	b.mu.Unlock()
	assert.True(t, subscribed)
	assert.Equal(t, 1, e.queue.len(), "queue must be seeded with a synthetic price")
}

func TestInit_SharesMismatchAborts(t *testing.T) {
	e, broker, _ := newTestEngine(t, standardLadder("1"))
	broker.shares = dec("7")

	err := e.Init()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "share count mismatch")
}

func TestRun_DrainsAndDeregisters(t *testing.T) {
	e, broker, b := newTestEngine(t, standardLadder("1"))
	broker.declines = true
	e.queue.push(action{kind: actionPrice, price: dec("99.40")})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, e.Run(ctx))

	regs := b.on(bus.BrokerRegistration)
	require.NotEmpty(t, regs)
	last := regs[len(regs)-1]
	assert.Equal(t, "unsubscribe", last.payload["action"])
}

func TestHandleBusMessage_Translation(t *testing.T) {
	e, _, _ := newTestEngine(t, standardLadder("1"))

	e.handleBusMessage("TICKER_UPDATES_AAPL", bus.Envelope{Data: map[string]any{
		"type": "price", "price": 99.5, "symbol": "AAPL", "timestamp": "t",
	}})
	assert.Equal(t, 1, e.queue.len())

	e.handleBusMessage("TICKER_UPDATES_AAPL", bus.Envelope{Data: map[string]any{
		"type": "order", "symbol": "AAPL", "timestamp": "t",
		"order_data": map[string]any{
			"event": "fill",
			"order": map[string]any{"id": "order-1", "status": "filled", "filled_qty": "1"},
		},
	}})
	assert.Equal(t, 2, e.queue.len())

	// Undecodable messages are dropped, not queued.
	e.handleBusMessage("TICKER_UPDATES_AAPL", bus.Envelope{Data: map[string]any{
		"type": "order", "order_data": map[string]any{"event": "fill"},
	}})
	e.handleBusMessage("TICKER_UPDATES_AAPL", bus.Envelope{Data: map[string]any{"type": "weather"}})
	assert.Equal(t, 2, e.queue.len())
}
