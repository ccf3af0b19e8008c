package bus

import (
	"fmt"
	"strings"
)

// Fixed channels.
const (
	// BrokerRegistration carries {action, ticker} messages from engines to
	// the gateway.
	BrokerRegistration = "BROKER_REGISTRATION"
	// ProfitReport carries per-fill profit deltas from engines to the
	// aggregator.
	ProfitReport = "PROFIT_REPORT"
	// PerformanceAggregate carries the rolled-up fleet totals.
	PerformanceAggregate = "PERFORMANCE_AGGREGATE"
)

// Dynamic channel prefixes.
const (
	tickerUpdatesPrefix = "TICKER_UPDATES_"
	performancePrefix   = "PERFORMANCE_"
)

// TickerUpdates names the per-symbol channel the gateway publishes price and
// order events on.
func TickerUpdates(symbol string) string {
	return tickerUpdatesPrefix + strings.ToUpper(symbol)
}

// Performance names the per-symbol channel the aggregator republishes
// rolled-up totals on.
func Performance(symbol string) string {
	return performancePrefix + strings.ToUpper(symbol)
}

// FieldKind is the coarse wire type a schema field must have after JSON
// decoding.
type FieldKind int

const (
	KindString FieldKind = iota
	KindNumber
	KindObject
)

func (k FieldKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindObject:
		return "object"
	}
	return "unknown"
}

// Schema describes the payload contract of a channel.
type Schema struct {
	Required []string
	Types    map[string]FieldKind
}

// ValidationError reports a payload that does not satisfy its channel schema.
// Publish raises it to the caller; the receive path logs and drops instead.
type ValidationError struct {
	Channel string
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid payload for channel %s: %s", e.Channel, e.Reason)
}

var fixedSchemas = map[string]Schema{
	BrokerRegistration: {
		Required: []string{"action", "ticker"},
		Types: map[string]FieldKind{
			"action": KindString,
			"ticker": KindString,
		},
	},
	ProfitReport: {
		Required: []string{"symbol", "total", "unrealized", "realized", "timestamp"},
		Types: map[string]FieldKind{
			"symbol":     KindString,
			"total":      KindNumber,
			"unrealized": KindNumber,
			"realized":   KindNumber,
			"converted":  KindNumber,
			"timestamp":  KindString,
		},
	},
}

var prefixSchemas = []struct {
	prefix string
	schema Schema
}{
	{tickerUpdatesPrefix, Schema{
		Required: []string{"type", "timestamp", "symbol"},
		Types: map[string]FieldKind{
			"type":       KindString,
			"timestamp":  KindString,
			"symbol":     KindString,
			"price":      KindNumber,
			"volume":     KindNumber,
			"order_data": KindObject,
		},
	}},
	// PERFORMANCE_* reuses the profit report shape. Must come after the
	// fixed table lookup so PERFORMANCE_AGGREGATE also resolves here.
	{performancePrefix, Schema{
		Required: []string{"symbol", "total", "unrealized", "realized", "timestamp"},
		Types: map[string]FieldKind{
			"symbol":     KindString,
			"total":      KindNumber,
			"unrealized": KindNumber,
			"realized":   KindNumber,
			"converted":  KindNumber,
			"timestamp":  KindString,
		},
	}},
}

// schemaFor resolves a channel's schema by exact name first, then by prefix.
func schemaFor(channel string) (Schema, bool) {
	if s, ok := fixedSchemas[channel]; ok {
		return s, true
	}
	for _, p := range prefixSchemas {
		if strings.HasPrefix(channel, p.prefix) {
			return p.schema, true
		}
	}
	return Schema{}, false
}

// Validate checks payload against the schema. Unknown fields are allowed;
// schemas only pin down the fields consumers rely on.
func (s Schema) Validate(channel string, payload map[string]any) error {
	for _, field := range s.Required {
		if _, ok := payload[field]; !ok {
			return &ValidationError{Channel: channel, Reason: fmt.Sprintf("missing required field %q", field)}
		}
	}
	for name, value := range payload {
		kind, ok := s.Types[name]
		if !ok {
			continue
		}
		if !matchesKind(value, kind) {
			return &ValidationError{
				Channel: channel,
				Reason:  fmt.Sprintf("field %q should be of type %s, got %T", name, kind, value),
			}
		}
	}
	return nil
}

func matchesKind(v any, kind FieldKind) bool {
	switch kind {
	case KindString:
		_, ok := v.(string)
		return ok
	case KindNumber:
		switch v.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case KindObject:
		_, ok := v.(map[string]any)
		return ok
	}
	return false
}
