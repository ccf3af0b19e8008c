package engine

import (
	"sync"

	"github.com/shopspring/decimal"

	"ladder_trading/internal/brokerage"
)

type actionKind int

const (
	actionPrice actionKind = iota
	actionOrder
)

// action is one unit of work for the consumer loop: either a price update or
// an order event.
type action struct {
	kind   actionKind
	price  decimal.Decimal
	update brokerage.TradeUpdate
}

// queue is the unbounded MPSC action queue. Producers (bus handler, init
// seeding, manual reconciliation) push; the single consumer loop pops.
type queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []action
	closed bool
}

func newQueue() *queue {
	q := &queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends an action. Pushes after close are dropped.
func (q *queue) push(a action) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, a)
	q.cond.Signal()
}

// pop blocks until an action is available or the queue is closed and fully
// drained, in which case ok is false.
func (q *queue) pop() (a action, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return action{}, false
	}
	a = q.items[0]
	q.items = q.items[1:]
	return a, true
}

// close stops accepting new actions and wakes the consumer. Already queued
// actions are still delivered.
func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
