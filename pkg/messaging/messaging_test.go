package messaging

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvents(t *testing.T) {
	t.Run("should wrap payload in envelope", func(t *testing.T) {
		ev, err := NewEvent(SubjectPriceAccepted, "oracle", PriceEvent{Asset: "ETH", Price: "3000.5"})
		require.NoError(t, err)
		assert.Equal(t, SubjectPriceAccepted, ev.Type)
		assert.Equal(t, "oracle", ev.Source)

		data, err := ParseEventData[PriceEvent](ev)
		require.NoError(t, err)
		assert.Equal(t, "ETH", data.Asset)
		assert.Equal(t, "3000.5", data.Price)
	})

	t.Run("should fail on unmarshalable data", func(t *testing.T) {
		_, err := NewEvent("x", "y", make(chan int))
		assert.Error(t, err)
	})
}

func TestMemoryPublisher(t *testing.T) {
	t.Run("should capture and filter messages", func(t *testing.T) {
		p := &MemoryPublisher{}
		require.NoError(t, p.Publish(context.Background(), SubjectAlert, AlertEvent{Loop: "price", Failures: 3}))
		require.NoError(t, p.Publish(context.Background(), SubjectBreakerTripped, BreakerEvent{Name: "price"}))

		assert.Len(t, p.Messages(""), 2)
		alerts := p.Messages(SubjectAlert)
		require.Len(t, alerts, 1)

		var alert AlertEvent
		require.NoError(t, json.Unmarshal(alerts[0].Payload, &alert))
		assert.Equal(t, 3, alert.Failures)
	})

	t.Run("should respect cancelled context", func(t *testing.T) {
		p := &MemoryPublisher{}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, p.Publish(ctx, SubjectAlert, nil), context.Canceled)
		assert.Empty(t, p.Messages(""))
	})
}

func TestClientWithoutConnection(t *testing.T) {
	c := &Client{subs: map[string]*nats.Subscription{}}
	assert.False(t, c.IsConnected())
	assert.ErrorIs(t, c.Publish(context.Background(), SubjectAlert, nil), ErrNotConnected)
	assert.NoError(t, NopPublisher{}.Publish(context.Background(), SubjectAlert, nil))
}
