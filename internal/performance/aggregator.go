// Package performance rolls profit-report deltas up into daily per-symbol
// and aggregate totals, persists them and republishes them on the
// performance channels.
package performance

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"ladder_trading/internal/bus"
)

// Sender identifies the aggregator in bus envelopes.
const Sender = "profit_aggregator"

// AggregateKey is the pseudo-symbol the fleet-wide totals live under.
const AggregateKey = "aggregate"

// Totals is one symbol's accumulated profit for the day.
type Totals struct {
	Total      float64 `json:"total"`
	Unrealized float64 `json:"unrealized"`
	Realized   float64 `json:"realized"`
	Converted  float64 `json:"converted"`
	Timestamp  string  `json:"timestamp"`
}

// Aggregator accumulates profit reports into a per-UTC-day JSON file.
type Aggregator struct {
	bus      bus.Bus
	dataRoot string

	mu      sync.Mutex
	day     string // YYYY-MM-DD, UTC
	byName  map[string]*Totals
	now     func() time.Time
	started bool
}

// New builds an aggregator persisting under dataRoot.
func New(b bus.Bus, dataRoot string) *Aggregator {
	return &Aggregator{
		bus:      b,
		dataRoot: dataRoot,
		byName:   make(map[string]*Totals),
		now:      time.Now,
	}
}

// Start loads today's file if one exists and subscribes the profit channel.
func (a *Aggregator) Start() error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = true
	a.day = a.now().UTC().Format("2006-01-02")
	if err := a.loadLocked(); err != nil {
		log.Printf("Warning: could not load today's profit file: %v", err)
	}
	a.mu.Unlock()

	return a.bus.Subscribe(bus.ProfitReport, a.handleReport)
}

// Stop unsubscribes and flushes.
func (a *Aggregator) Stop() {
	if err := a.bus.Unsubscribe(bus.ProfitReport); err != nil {
		log.Printf("Warning: could not unsubscribe profit channel: %v", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.saveLocked(); err != nil {
		log.Printf("Warning: final profit save failed: %v", err)
	}
}

// handleReport folds one profit delta into the day's totals and republishes
// the running totals for the symbol and the fleet.
func (a *Aggregator) handleReport(_ string, env bus.Envelope) {
	symbol, _ := env.Data["symbol"].(string)
	if symbol == "" {
		log.Printf("Warning: profit report without symbol from %s, dropping", env.Sender)
		return
	}
	total, okT := env.Data["total"].(float64)
	unrealized, okU := env.Data["unrealized"].(float64)
	realized, okR := env.Data["realized"].(float64)
	if !okT || !okU || !okR {
		log.Printf("Warning: profit report for %s has non-numeric fields, dropping", symbol)
		return
	}
	converted, _ := env.Data["converted"].(float64)

	a.mu.Lock()
	a.rolloverLocked()
	stamp := a.now().UTC().Format(time.RFC3339)

	symTotals := a.accumulateLocked(symbol, total, unrealized, realized, converted, stamp)
	aggTotals := a.accumulateLocked(AggregateKey, total, unrealized, realized, converted, stamp)

	if err := a.saveLocked(); err != nil {
		log.Printf("Warning: could not save profit file: %v", err)
	}
	a.mu.Unlock()

	a.republish(bus.Performance(symbol), symbol, symTotals)
	a.republish(bus.PerformanceAggregate, AggregateKey, aggTotals)
}

func (a *Aggregator) accumulateLocked(key string, total, unrealized, realized, converted float64, stamp string) Totals {
	t, ok := a.byName[key]
	if !ok {
		t = &Totals{}
		a.byName[key] = t
	}
	t.Total += total
	t.Unrealized += unrealized
	t.Realized += realized
	t.Converted += converted
	t.Timestamp = stamp
	return *t
}

func (a *Aggregator) republish(channel, symbol string, t Totals) {
	payload := map[string]any{
		"symbol":     symbol,
		"total":      t.Total,
		"unrealized": t.Unrealized,
		"realized":   t.Realized,
		"converted":  t.Converted,
		"timestamp":  t.Timestamp,
	}
	if err := a.bus.Publish(channel, payload, Sender); err != nil {
		log.Printf("Warning: could not republish totals on %s: %v", channel, err)
	}
}

// rolloverLocked starts a fresh accumulation when the UTC date changes.
func (a *Aggregator) rolloverLocked() {
	day := a.now().UTC().Format("2006-01-02")
	if day == a.day {
		return
	}
	if err := a.saveLocked(); err != nil {
		log.Printf("Warning: could not save profit file at rollover: %v", err)
	}
	log.Printf("Rolling profit totals over from %s to %s", a.day, day)
	a.day = day
	a.byName = make(map[string]*Totals)
}

// filePath is <dataRoot>/performance/profits/YYYY/MM/YYYY-MM-DD_profit.json.
func (a *Aggregator) filePath() string {
	return filepath.Join(a.dataRoot, "performance", "profits",
		a.day[:4], a.day[5:7], a.day+"_profit.json")
}

func (a *Aggregator) loadLocked() error {
	raw, err := os.ReadFile(a.filePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	byName := make(map[string]*Totals)
	if err := json.Unmarshal(raw, &byName); err != nil {
		return fmt.Errorf("parse %s: %w", a.filePath(), err)
	}
	a.byName = byName
	return nil
}

func (a *Aggregator) saveLocked() error {
	path := a.filePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(a.byName, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".profit-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
