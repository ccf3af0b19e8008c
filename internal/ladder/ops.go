package ladder

import (
	"fmt"
	"log"

	"github.com/shopspring/decimal"
)

var (
	oneCent      = decimal.New(1, -2)     // 0.01
	spreadFactor = decimal.New(1005, -3)  // 1.005
	lockedFactor = decimal.New(5, -3)     // 0.005
	dollarClip   = decimal.NewFromInt(2)  // redistribution clips each line's cash to $2 steps
)

// RowByIndex returns a copy of the line at index.
func (s *Store) RowByIndex(index int) (Line, bool) {
	if index < 0 || index >= len(s.lines) {
		return Line{}, false
	}
	return s.lines[index], true
}

// RowsForBuy returns copies of the lines eligible for a buy at price p:
// buy_price ≥ p and held below target, in index order.
func (s *Store) RowsForBuy(p decimal.Decimal) []Line {
	var rows []Line
	for _, line := range s.lines {
		if line.BuyPrice.GreaterThanOrEqual(p) && line.HeldShares.LessThan(line.TargetShares) {
			rows = append(rows, line)
		}
	}
	return rows
}

// RowsForSell returns copies of the lines eligible for a sell at price p:
// sell_price ≤ p and held shares present, in index order.
func (s *Store) RowsForSell(p decimal.Decimal) []Line {
	var rows []Line
	for _, line := range s.lines {
		if line.SellPrice.LessThanOrEqual(p) && line.HeldShares.IsPositive() {
			rows = append(rows, line)
		}
	}
	return rows
}

// HeldShares sums held_shares across the ladder.
func (s *Store) HeldShares() decimal.Decimal {
	total := decimal.Zero
	for _, line := range s.lines {
		total = total.Add(line.HeldShares)
	}
	return total
}

// PendingOrder returns the id and line index of the one pending order, if any.
func (s *Store) PendingOrder() (id string, index int, ok bool) {
	for _, line := range s.lines {
		if line.PendingOrderID != NoOrderSentinel {
			return line.PendingOrderID, line.Index, true
		}
	}
	return "", 0, false
}

// SetPendingOrder stamps the order id onto the anchor line and saves.
func (s *Store) SetPendingOrder(index int, id string) error {
	if index < 0 || index >= len(s.lines) {
		return fmt.Errorf("line index %d out of range", index)
	}
	s.lines[index].PendingOrderID = id
	s.lines[index].LastAction = s.now().Unix()
	return s.Save()
}

// ClearPendingOrder removes the pending order id from whichever line carries
// it and saves.
func (s *Store) ClearPendingOrder() error {
	for i := range s.lines {
		if s.lines[i].PendingOrderID != NoOrderSentinel {
			s.lines[i].PendingOrderID = NoOrderSentinel
			s.lines[i].LastAction = s.now().Unix()
		}
	}
	return s.Save()
}

// TotalCashValue is Σ target_shares × buy_price across the ladder.
func (s *Store) TotalCashValue() decimal.Decimal {
	total := decimal.Zero
	for _, line := range s.lines {
		total = total.Add(line.TargetShares.Mul(line.BuyPrice))
	}
	return total
}

// UnrealizedProfit sums accrued unrealized profit across the ladder.
func (s *Store) UnrealizedProfit() decimal.Decimal {
	total := decimal.Zero
	for _, line := range s.lines {
		total = total.Add(line.UnrealizedProfit)
	}
	return total
}

// RealizedProfit sums lifetime realized profit across the ladder.
func (s *Store) RealizedProfit() decimal.Decimal {
	total := decimal.Zero
	for _, line := range s.lines {
		total = total.Add(line.Profit)
	}
	return total
}

// IsChasable reports whether the ladder may chase price p: no held shares
// anywhere, no pending order, and p strictly above the top buy plus one cent.
func (s *Store) IsChasable(p decimal.Decimal) bool {
	if len(s.lines) == 0 {
		return false
	}
	for _, line := range s.lines {
		if line.HeldShares.IsPositive() {
			return false
		}
		if line.PendingOrderID != NoOrderSentinel {
			return false
		}
	}
	return p.GreaterThan(s.lines[0].BuyPrice.Add(oneCent))
}

// UpdateOrderStatus reconciles a fill into the ladder. BUY fills distribute
// top-down from line 0 through the anchor index; SELL fills distribute
// bottom-up from the last line through the anchor. The anchor's pending order
// id is cleared and the ladder saved. Returns the realized and unrealized
// profit deltas this fill produced.
func (s *Store) UpdateOrderStatus(index int, filledQty, filledAvgPrice decimal.Decimal, side Side) (realized, unrealized decimal.Decimal, err error) {
	if index < 0 || index >= len(s.lines) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("anchor index %d out of range", index)
	}

	remaining := filledQty
	switch side {
	case SideBuy:
		for i := 0; i < len(s.lines) && remaining.IsPositive(); i++ {
			line := &s.lines[i]
			capacity := line.TargetShares.Sub(line.HeldShares)
			if !capacity.IsPositive() {
				continue
			}
			if i > index {
				// Overfill past the anchor: distribute onward so held
				// shares stay in parity with the brokerage.
				log.Printf("Warning: buy fill of %s overflowed anchor line %d, assigning to line %d", filledQty, index, i)
			}
			assign := decimal.Min(remaining, capacity)
			line.HeldShares = line.HeldShares.Add(assign)
			delta := line.BuyPrice.Sub(filledAvgPrice).Mul(assign)
			line.UnrealizedProfit = line.UnrealizedProfit.Add(delta)
			unrealized = unrealized.Add(delta)
			line.LastAction = s.now().Unix()
			remaining = remaining.Sub(assign)
		}
	case SideSell:
		for i := len(s.lines) - 1; i >= 0 && remaining.IsPositive(); i-- {
			line := &s.lines[i]
			if !line.HeldShares.IsPositive() {
				continue
			}
			if i < index {
				log.Printf("Warning: sell fill of %s overflowed anchor line %d, assigning to line %d", filledQty, index, i)
			}
			assign := decimal.Min(remaining, line.HeldShares)
			delta := filledAvgPrice.Sub(line.BuyPrice).Mul(assign).Add(line.UnrealizedProfit)
			line.Profit = line.Profit.Add(delta)
			realized = realized.Add(delta)
			unrealized = unrealized.Sub(line.UnrealizedProfit)
			line.UnrealizedProfit = decimal.Zero
			line.HeldShares = line.HeldShares.Sub(assign)
			line.LastAction = s.now().Unix()
			remaining = remaining.Sub(assign)
		}
	default:
		return decimal.Zero, decimal.Zero, fmt.Errorf("unknown order side %q", side)
	}

	if remaining.IsPositive() {
		log.Printf("Warning: %s fill left %s shares unassigned, ladder has no capacity", side, remaining)
	}

	for i := range s.lines {
		s.lines[i].PendingOrderID = NoOrderSentinel
	}
	if err := s.Save(); err != nil {
		return realized, unrealized, err
	}
	return realized, unrealized, nil
}

// ChasePrice moves the top of the ladder toward a price that ran above it.
// When the top line is still locked to the second line (spread under 0.5%)
// it shifts in place by one cent; otherwise a new top line is prepended.
// Cash is then redistributed evenly across all lines. Returns false when the
// ladder is not chasable at p.
func (s *Store) ChasePrice(p decimal.Decimal) (bool, error) {
	if !s.IsChasable(p) {
		return false, nil
	}

	totalCash := s.TotalCashValue()
	top := &s.lines[0]
	spread := top.SellPrice.Sub(top.BuyPrice)
	locked := spread.LessThan(top.BuyPrice.Mul(lockedFactor))

	if locked {
		top.BuyPrice = top.BuyPrice.Add(oneCent)
		top.SellPrice = top.BuyPrice.Mul(spreadFactor).Round(2)
		top.LastAction = s.now().Unix()
	} else {
		newLine := Line{
			Index:          0,
			BuyPrice:       top.BuyPrice.Add(oneCent),
			PendingOrderID: NoOrderSentinel,
			LastAction:     s.now().Unix(),
		}
		newLine.SellPrice = newLine.BuyPrice.Mul(spreadFactor).Round(2)
		s.lines = append([]Line{newLine}, s.lines...)
		for i := range s.lines {
			s.lines[i].Index = i
		}
	}

	if ok, err := s.EvenRedistribution(totalCash); err != nil {
		return false, err
	} else if !ok {
		// Unreachable while IsChasable requires zero held shares.
		return false, fmt.Errorf("redistribution refused after chase")
	}
	return true, nil
}

// EvenRedistribution re-targets every line from an even split of totalCash.
// Each line's cash is clipped down to a whole multiple of $2 and the clipped
// remainder rolls forward; the last line absorbs whatever is left and is
// tagged spc="last". Refused when any shares are held.
func (s *Store) EvenRedistribution(totalCash decimal.Decimal) (bool, error) {
	if len(s.lines) == 0 {
		return false, nil
	}
	for _, line := range s.lines {
		if line.HeldShares.IsPositive() {
			return false, nil
		}
	}

	cashPerLine := totalCash.Div(decimal.NewFromInt(int64(len(s.lines))))
	extra := decimal.Zero
	last := len(s.lines) - 1

	for i := range s.lines {
		line := &s.lines[i]
		cash := cashPerLine.Add(extra)
		if i == last {
			line.TargetShares = cash.Div(line.BuyPrice)
			line.SPC = "last"
			break
		}
		clipped := cash.Mod(dollarClip)
		line.TargetShares = cash.Sub(clipped).Div(line.BuyPrice)
		line.SPC = ""
		extra = clipped
	}

	if err := s.Save(); err != nil {
		return true, err
	}
	return true, nil
}
