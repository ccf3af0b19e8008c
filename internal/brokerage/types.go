package brokerage

import (
	"fmt"
	"strings"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"
)

// Order statuses the engine branches on. Statuses are normalized to
// lowercase at the boundary so wire casing never leaks into the decision
// logic.
const (
	StatusAccepted        = "accepted"
	StatusNew             = "new"
	StatusPendingNew      = "pending_new"
	StatusPartiallyFilled = "partially_filled"
	StatusPendingCancel   = "pending_cancel"
	StatusFilled          = "filled"
	StatusCanceled        = "canceled"
	StatusExpired         = "expired"
)

// Order carries only the fields the engine reads. SDK model objects are
// converted once at the boundary and never travel further.
type Order struct {
	ID             string
	Symbol         string
	Side           string
	Type           string
	Status         string
	Qty            decimal.Decimal
	FilledQty      decimal.Decimal
	LimitPrice     *decimal.Decimal
	FilledAvgPrice *decimal.Decimal
}

// IsMarket reports whether the order has no limit price to reference.
func (o *Order) IsMarket() bool {
	return o.Type == string(alpaca.Market)
}

// TradeUpdate is the order-event shape shared between the gateway (which
// encodes it onto the bus) and the engine (which decodes it back).
type TradeUpdate struct {
	Event       string
	ExecutionID string
	Order       Order
	Price       *decimal.Decimal
	Qty         *decimal.Decimal
	PositionQty *decimal.Decimal
}

func fromAlpacaOrder(o *alpaca.Order) Order {
	out := Order{
		ID:        o.ID,
		Symbol:    o.Symbol,
		Side:      string(o.Side),
		Type:      string(o.Type),
		Status:    strings.ToLower(o.Status),
		FilledQty: o.FilledQty,
	}
	if o.Qty != nil {
		out.Qty = *o.Qty
	}
	if o.LimitPrice != nil {
		lp := *o.LimitPrice
		out.LimitPrice = &lp
	}
	if o.FilledAvgPrice != nil {
		fp := *o.FilledAvgPrice
		out.FilledAvgPrice = &fp
	}
	return out
}

// FromAlpacaTradeUpdate converts the streamed SDK event into the narrow
// shape. Numbers stay decimals end to end.
func FromAlpacaTradeUpdate(tu alpaca.TradeUpdate) TradeUpdate {
	out := TradeUpdate{
		Event:       tu.Event,
		ExecutionID: tu.ExecutionID,
		Order:       fromAlpacaOrder(&tu.Order),
	}
	if tu.Price != nil {
		p := *tu.Price
		out.Price = &p
	}
	if tu.Qty != nil {
		q := *tu.Qty
		out.Qty = &q
	}
	if tu.PositionQty != nil {
		pq := *tu.PositionQty
		out.PositionQty = &pq
	}
	return out
}

// ToPayload flattens the trade update into the wire shape published on the
// per-ticker channel. All numbers are emitted as strings so nothing loses
// precision crossing JSON.
func (tu TradeUpdate) ToPayload() map[string]any {
	order := map[string]any{
		"id":         tu.Order.ID,
		"symbol":     tu.Order.Symbol,
		"side":       tu.Order.Side,
		"type":       tu.Order.Type,
		"status":     tu.Order.Status,
		"qty":        tu.Order.Qty.String(),
		"filled_qty": tu.Order.FilledQty.String(),
	}
	if tu.Order.LimitPrice != nil {
		order["limit_price"] = tu.Order.LimitPrice.String()
	}
	if tu.Order.FilledAvgPrice != nil {
		order["filled_avg_price"] = tu.Order.FilledAvgPrice.String()
	}

	data := map[string]any{
		"event": tu.Event,
		"order": order,
	}
	if tu.ExecutionID != "" {
		data["execution_id"] = tu.ExecutionID
	}
	if tu.Price != nil {
		data["price"] = tu.Price.String()
	}
	if tu.Qty != nil {
		data["qty"] = tu.Qty.String()
	}
	if tu.PositionQty != nil {
		data["position_qty"] = tu.PositionQty.String()
	}
	return data
}

// TradeUpdateFromPayload parses the order_data map back into a TradeUpdate.
// Missing optional fields are fine; malformed numbers are not.
func TradeUpdateFromPayload(data map[string]any) (TradeUpdate, error) {
	var tu TradeUpdate

	tu.Event, _ = data["event"].(string)
	if tu.Event == "" {
		return tu, fmt.Errorf("order_data missing event")
	}
	tu.ExecutionID, _ = data["execution_id"].(string)

	orderRaw, ok := data["order"].(map[string]any)
	if !ok {
		return tu, fmt.Errorf("order_data missing order object")
	}
	order, err := orderFromPayload(orderRaw)
	if err != nil {
		return tu, err
	}
	tu.Order = order

	if d, ok, err := optionalDecimal(data, "price"); err != nil {
		return tu, err
	} else if ok {
		tu.Price = &d
	}
	if d, ok, err := optionalDecimal(data, "qty"); err != nil {
		return tu, err
	} else if ok {
		tu.Qty = &d
	}
	if d, ok, err := optionalDecimal(data, "position_qty"); err != nil {
		return tu, err
	} else if ok {
		tu.PositionQty = &d
	}
	return tu, nil
}

func orderFromPayload(raw map[string]any) (Order, error) {
	var o Order
	o.ID, _ = raw["id"].(string)
	if o.ID == "" {
		return o, fmt.Errorf("order payload missing id")
	}
	o.Symbol, _ = raw["symbol"].(string)
	o.Side, _ = raw["side"].(string)
	o.Type, _ = raw["type"].(string)
	if status, _ := raw["status"].(string); status != "" {
		o.Status = strings.ToLower(status)
	}

	qty, _, err := optionalDecimal(raw, "qty")
	if err != nil {
		return o, err
	}
	o.Qty = qty

	filled, _, err := optionalDecimal(raw, "filled_qty")
	if err != nil {
		return o, err
	}
	o.FilledQty = filled

	if d, ok, err := optionalDecimal(raw, "limit_price"); err != nil {
		return o, err
	} else if ok {
		o.LimitPrice = &d
	}
	if d, ok, err := optionalDecimal(raw, "filled_avg_price"); err != nil {
		return o, err
	} else if ok {
		o.FilledAvgPrice = &d
	}
	return o, nil
}

// optionalDecimal reads a stringified (or raw JSON) number off a payload map.
func optionalDecimal(raw map[string]any, field string) (decimal.Decimal, bool, error) {
	v, ok := raw[field]
	if !ok || v == nil {
		return decimal.Zero, false, nil
	}
	switch t := v.(type) {
	case string:
		d, err := decimal.NewFromString(t)
		if err != nil {
			return decimal.Zero, false, fmt.Errorf("field %q is not a number: %q", field, t)
		}
		return d, true, nil
	case float64:
		return decimal.NewFromFloat(t), true, nil
	default:
		return decimal.Zero, false, fmt.Errorf("field %q has unexpected type %T", field, v)
	}
}
