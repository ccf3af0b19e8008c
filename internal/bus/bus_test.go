package bus

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelNames(t *testing.T) {
	assert.Equal(t, "TICKER_UPDATES_AAPL", TickerUpdates("aapl"))
	assert.Equal(t, "PERFORMANCE_MSFT", Performance("MSFT"))
}

func TestSchemaFor_ExactThenPrefix(t *testing.T) {
	_, ok := schemaFor(BrokerRegistration)
	require.True(t, ok)

	s, ok := schemaFor("TICKER_UPDATES_AAPL")
	require.True(t, ok)
	assert.Contains(t, s.Required, "type")

	s, ok = schemaFor(PerformanceAggregate)
	require.True(t, ok)
	assert.Contains(t, s.Required, "realized")

	_, ok = schemaFor("SOMETHING_ELSE")
	assert.False(t, ok)
}

func TestValidate_BrokerRegistration(t *testing.T) {
	s, _ := schemaFor(BrokerRegistration)

	err := s.Validate(BrokerRegistration, map[string]any{
		"action": "subscribe",
		"ticker": "AAPL",
	})
	assert.NoError(t, err)

	err = s.Validate(BrokerRegistration, map[string]any{"action": "subscribe"})
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, BrokerRegistration, verr.Channel)

	err = s.Validate(BrokerRegistration, map[string]any{
		"action": "subscribe",
		"ticker": 42,
	})
	assert.Error(t, err)
}

func TestValidate_TickerUpdates(t *testing.T) {
	channel := TickerUpdates("AAPL")
	s, _ := schemaFor(channel)

	// Price event.
	err := s.Validate(channel, map[string]any{
		"type":      "price",
		"timestamp": "2024-03-08T15:00:00Z",
		"symbol":    "AAPL",
		"price":     182.51,
		"volume":    float64(100),
	})
	assert.NoError(t, err)

	// Order event: order_data must be an object.
	err = s.Validate(channel, map[string]any{
		"type":       "order",
		"timestamp":  "2024-03-08T15:00:00Z",
		"symbol":     "AAPL",
		"order_data": "not-an-object",
	})
	assert.Error(t, err)

	// Unknown fields pass through.
	err = s.Validate(channel, map[string]any{
		"type":      "price",
		"timestamp": "2024-03-08T15:00:00Z",
		"symbol":    "AAPL",
		"exchange":  "IEX",
	})
	assert.NoError(t, err)
}

func TestValidate_ProfitReport(t *testing.T) {
	s, _ := schemaFor(ProfitReport)

	err := s.Validate(ProfitReport, map[string]any{
		"symbol":     "AAPL",
		"total":      1.25,
		"unrealized": 0.75,
		"realized":   0.5,
		"timestamp":  "2024-03-08T15:00:00Z",
	})
	assert.NoError(t, err)

	err = s.Validate(ProfitReport, map[string]any{
		"symbol":     "AAPL",
		"total":      "1.25",
		"unrealized": 0.75,
		"realized":   0.5,
		"timestamp":  "2024-03-08T15:00:00Z",
	})
	assert.Error(t, err)
}

func TestEnvelope_RoundTrip(t *testing.T) {
	env := Envelope{
		Data:      map[string]any{"action": "subscribe", "ticker": "AAPL"},
		Timestamp: "2024-03-08T15:00:00Z",
		Sender:    "ST_AAPL_paper",
	}
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var got Envelope
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, env.Sender, got.Sender)
	assert.Equal(t, env.Timestamp, got.Timestamp)
	assert.Equal(t, "AAPL", got.Data["ticker"])
}

func TestChannelKind(t *testing.T) {
	assert.Equal(t, "ticker_updates", channelKind("TICKER_UPDATES_TSLA"))
	assert.Equal(t, "performance", channelKind("PERFORMANCE_TSLA"))
	assert.Equal(t, "performance", channelKind(PerformanceAggregate))
	assert.Equal(t, BrokerRegistration, channelKind(BrokerRegistration))
}
