// Package bus is a thin, typed wrapper over Redis pub/sub. Every message on
// the wire is an Envelope; payloads are validated against per-channel
// schemas before publish and decoded before handlers see them.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"ladder_trading/internal/metrics"
)

// Envelope is the uniform outer message wrapping every payload.
type Envelope struct {
	Data      map[string]any `json:"data"`
	Timestamp string         `json:"timestamp"`
	Sender    string         `json:"sender"`
}

// Handler receives decoded envelopes for one channel. Handlers run on the
// adapter's single dispatch goroutine, in receipt order.
type Handler func(channel string, env Envelope)

// Bus is the capability surface components depend on; Adapter implements it.
// Tests swap in an in-memory fake.
type Bus interface {
	Publish(channel string, payload map[string]any, sender string) error
	Subscribe(channel string, h Handler) error
	Unsubscribe(channel string) error
}

// Adapter owns one Redis connection plus one PubSub for all subscriptions.
type Adapter struct {
	rdb    *redis.Client
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	pubsub    *redis.PubSub
	handlers  map[string]Handler
	listening bool
	done      chan struct{}
}

// NewAdapter connects to the broker. The connection itself is lazy; a dead
// broker surfaces on the first publish or subscribe.
func NewAdapter(addr string, db int) *Adapter {
	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		rdb:      redis.NewClient(&redis.Options{Addr: addr, DB: db}),
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[string]Handler),
	}
}

// Publish validates payload against the channel schema, wraps it in an
// envelope and publishes JSON. Validation failures are returned to the
// caller, never silently dropped.
func (a *Adapter) Publish(channel string, payload map[string]any, sender string) error {
	if schema, ok := schemaFor(channel); ok {
		if err := schema.Validate(channel, payload); err != nil {
			return err
		}
	}

	env := Envelope{
		Data:      payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Sender:    sender,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope for %s: %w", channel, err)
	}

	if err := a.rdb.Publish(a.ctx, channel, raw).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	metrics.BusPublished.WithLabelValues(channelKind(channel)).Inc()
	return nil
}

// Subscribe installs the handler for a channel and subscribes the shared
// PubSub. Safe to call before or after StartListening.
func (a *Adapter) Subscribe(channel string, h Handler) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.handlers[channel] = h
	if a.pubsub == nil {
		a.pubsub = a.rdb.Subscribe(a.ctx, channel)
		return nil
	}
	return a.pubsub.Subscribe(a.ctx, channel)
}

// Unsubscribe removes the channel subscription and its handler.
func (a *Adapter) Unsubscribe(channel string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.handlers, channel)
	if a.pubsub == nil {
		return nil
	}
	return a.pubsub.Unsubscribe(a.ctx, channel)
}

// StartListening launches the single dispatch goroutine. Idempotent.
func (a *Adapter) StartListening() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.pubsub == nil {
		return fmt.Errorf("cannot start listening: no channels subscribed")
	}
	if a.listening {
		log.Println("Warning: bus adapter already listening")
		return nil
	}
	a.listening = true
	a.done = make(chan struct{})

	ch := a.pubsub.Channel()
	go a.dispatch(ch)
	return nil
}

// dispatch drains the pubsub channel until it is closed. Parse failures are
// logged and dropped; they must never crash the dispatcher.
func (a *Adapter) dispatch(ch <-chan *redis.Message) {
	defer close(a.done)
	for msg := range ch {
		var env Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			log.Printf("Warning: dropping malformed message on %s: %v", msg.Channel, err)
			metrics.BusDropped.WithLabelValues("parse").Inc()
			continue
		}
		if env.Data == nil {
			log.Printf("Warning: dropping message without data on %s", msg.Channel)
			metrics.BusDropped.WithLabelValues("no_data").Inc()
			continue
		}

		a.mu.Lock()
		h := a.handlers[msg.Channel]
		a.mu.Unlock()
		if h == nil {
			continue
		}
		h(msg.Channel, env)
	}
}

// StopListening closes the PubSub, which ends the dispatch goroutine, and
// waits for it with a bounded timeout.
func (a *Adapter) StopListening() {
	a.mu.Lock()
	pubsub := a.pubsub
	done := a.done
	a.pubsub = nil
	a.listening = false
	a.mu.Unlock()

	if pubsub != nil {
		pubsub.Close()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(time.Second):
			log.Println("Warning: bus dispatcher did not exit within 1s")
		}
	}
}

// Close stops listening and releases the Redis connection.
func (a *Adapter) Close() error {
	a.StopListening()
	a.cancel()
	return a.rdb.Close()
}

// channelKind collapses dynamic channel names for the metrics label.
func channelKind(channel string) string {
	if s := channel; len(s) > len(tickerUpdatesPrefix) && s[:len(tickerUpdatesPrefix)] == tickerUpdatesPrefix {
		return "ticker_updates"
	}
	if s := channel; len(s) >= len(performancePrefix) && s[:len(performancePrefix)] == performancePrefix {
		return "performance"
	}
	return channel
}
