// Package ladder is the file-backed ladder of price levels for one ticker.
// The store owns load/validate/save plus the selection and mutation
// operations the engine drives. All prices and share counts are decimals;
// float arithmetic never touches money.
package ladder

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// NoOrderSentinel is the literal stored in pending_order_id when no order is
// attached to a line.
const NoOrderSentinel = "None"

// ErrMissingFile distinguishes "ladder was never created" from a corrupt or
// invalid file, which wraps ErrInvalidLadder.
var (
	ErrMissingFile   = errors.New("ladder file does not exist")
	ErrInvalidLadder = errors.New("invalid ladder file")
)

// Side of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Line is one price level of the ladder. Index 0 is the top (highest prices).
type Line struct {
	Index            int
	BuyPrice         decimal.Decimal
	SellPrice        decimal.Decimal
	TargetShares     decimal.Decimal
	HeldShares       decimal.Decimal
	PendingOrderID   string
	SPC              string
	UnrealizedProfit decimal.Decimal
	LastAction       int64
	Profit           decimal.Decimal
}

// Store holds one ticker's ladder and the path it persists to.
type Store struct {
	Ticker string
	Mode   string

	path  string
	lines []Line

	// now is swapped out in tests to pin last_action stamps.
	now func() time.Time
}

var requiredColumns = []string{
	"index", "buy_price", "sell_price", "target_shares", "held_shares",
	"pending_order_id", "spc", "unrealized_profit", "last_action", "profit",
}

// FilePath derives the ladder file location from (dataRoot, ticker, mode,
// customID). customID may be empty.
func FilePath(dataRoot, ticker, mode, customID string) string {
	name := strings.ToUpper(ticker)
	if customID != "" {
		name += "_" + customID
	}
	return filepath.Join(dataRoot, "ticker_data", mode, name+".csv")
}

// New builds a store around in-memory lines, persisting to path. Open is
// the production path; New serves tooling and tests.
func New(ticker, mode, path string, lines []Line) *Store {
	return &Store{
		Ticker: strings.ToUpper(ticker),
		Mode:   mode,
		path:   path,
		lines:  lines,
		now:    time.Now,
	}
}

// Open loads and validates the ladder for (ticker, mode). A missing file
// returns ErrMissingFile; anything else wrong with the file is a validation
// error and must be treated as fatal by the caller.
func Open(dataRoot, ticker, mode, customID string) (*Store, error) {
	s := &Store{
		Ticker: strings.ToUpper(ticker),
		Mode:   mode,
		path:   FilePath(dataRoot, ticker, mode, customID),
		now:    time.Now,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrMissingFile, s.path)
		}
		return fmt.Errorf("open ladder file %s: %w", s.path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidLadder, s.path, err)
	}
	if len(records) < 2 {
		return fmt.Errorf("%w: %s has no data rows", ErrInvalidLadder, s.path)
	}

	header := records[0]
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}
	for _, name := range requiredColumns {
		if _, ok := col[name]; !ok {
			return fmt.Errorf("%w: %s missing required column %q", ErrInvalidLadder, s.path, name)
		}
	}

	lines := make([]Line, 0, len(records)-1)
	for n, rec := range records[1:] {
		line, err := parseLine(rec, col)
		if err != nil {
			return fmt.Errorf("%w: %s row %d: %v", ErrInvalidLadder, s.path, n+1, err)
		}
		lines = append(lines, line)
	}

	if err := validate(lines); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidLadder, s.path, err)
	}
	s.lines = lines
	return nil
}

func parseLine(rec []string, col map[string]int) (Line, error) {
	get := func(name string) string { return strings.TrimSpace(rec[col[name]]) }

	num := func(name string) (decimal.Decimal, error) {
		d, err := decimal.NewFromString(get(name))
		if err != nil {
			return decimal.Zero, fmt.Errorf("column %q is not numeric: %q", name, get(name))
		}
		return d, nil
	}

	var line Line
	idx, err := strconv.Atoi(get("index"))
	if err != nil {
		return line, fmt.Errorf("column %q is not an integer: %q", "index", get("index"))
	}
	line.Index = idx

	if line.BuyPrice, err = num("buy_price"); err != nil {
		return line, err
	}
	if line.SellPrice, err = num("sell_price"); err != nil {
		return line, err
	}
	if line.TargetShares, err = num("target_shares"); err != nil {
		return line, err
	}
	if line.HeldShares, err = num("held_shares"); err != nil {
		return line, err
	}
	if line.UnrealizedProfit, err = num("unrealized_profit"); err != nil {
		return line, err
	}
	if line.Profit, err = num("profit"); err != nil {
		return line, err
	}

	// last_action may be a float epoch in older files; truncate.
	la, err := num("last_action")
	if err != nil {
		return line, err
	}
	line.LastAction = la.IntPart()

	line.PendingOrderID = get("pending_order_id")
	if line.PendingOrderID == "" {
		line.PendingOrderID = NoOrderSentinel
	}
	line.SPC = get("spc")
	return line, nil
}

func validate(lines []Line) error {
	pending := 0
	for i, line := range lines {
		if line.Index != i {
			return fmt.Errorf("indices are not contiguous: row %d has index %d", i, line.Index)
		}
		if line.HeldShares.IsNegative() {
			return fmt.Errorf("line %d has negative held_shares", i)
		}
		if line.PendingOrderID != NoOrderSentinel {
			pending++
		}
		if i > 0 {
			prev := lines[i-1]
			if !prev.BuyPrice.GreaterThan(line.BuyPrice) || !prev.SellPrice.GreaterThan(line.SellPrice) {
				return fmt.Errorf("prices are not strictly decreasing between lines %d and %d", i-1, i)
			}
		}
	}
	if pending > 1 {
		return fmt.Errorf("%d lines carry a pending order id, at most one is allowed", pending)
	}
	return nil
}

// Save writes the ladder atomically: temp file in the same directory, fsync,
// rename over the target.
func (s *Store) Save() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create ladder directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".ladder-*.csv")
	if err != nil {
		return fmt.Errorf("create temp ladder file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write(requiredColumns); err != nil {
		tmp.Close()
		return fmt.Errorf("write ladder header: %w", err)
	}
	for _, line := range s.lines {
		rec := []string{
			strconv.Itoa(line.Index),
			line.BuyPrice.String(),
			line.SellPrice.String(),
			line.TargetShares.String(),
			line.HeldShares.String(),
			line.PendingOrderID,
			line.SPC,
			line.UnrealizedProfit.String(),
			strconv.FormatInt(line.LastAction, 10),
			line.Profit.String(),
		}
		if err := w.Write(rec); err != nil {
			tmp.Close()
			return fmt.Errorf("write ladder row %d: %w", line.Index, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush ladder file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync ladder file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close ladder file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace ladder file: %w", err)
	}
	return nil
}

// Lines returns the backing slice. Callers other than tests must treat it as
// read-only; mutations go through the operations in ops.go.
func (s *Store) Lines() []Line {
	return s.lines
}

// Len returns the number of ladder lines.
func (s *Store) Len() int {
	return len(s.lines)
}
