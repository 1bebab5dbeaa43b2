package broker

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	amqp "github.com/rabbitmq/amqp091-go"
)

func TestNewPublishing(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 5, 0, time.UTC)
	msg, err := newPublishing(sampleRecord(), now)
	require.NoError(t, err)

	assert.Equal(t, "e1", msg.MessageId)
	assert.Equal(t, "e1", msg.Headers["idempotency_key"])
	assert.Equal(t, uint8(amqp.Persistent), msg.DeliveryMode)
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, now, msg.Timestamp)

	var body map[string]any
	require.NoError(t, json.Unmarshal(msg.Body, &body))
	assert.Equal(t, "m1", body["machine_id"])
	assert.Equal(t, "2024-01-01T00:00:00Z", body["timestamp"])
}

func TestRoutingKeyFor(t *testing.T) {
	rec := sampleRecord()
	assert.Equal(t, "shopfloor.events.downtime", routingKeyFor("shopfloor.events", rec))
	assert.Equal(t, "downtime", routingKeyFor("", rec))
}

func TestTakeReturned(t *testing.T) {
	t.Run("matching return marks the record unroutable", func(t *testing.T) {
		returns := make(chan amqp.Return, 4)
		returns <- amqp.Return{MessageId: "old", ReplyCode: amqp.NoRoute}
		returns <- amqp.Return{MessageId: "e1", ReplyCode: amqp.NoRoute, ReplyText: "NO_ROUTE"}

		assert.True(t, takeReturned(returns, "e1"))
		assert.Empty(t, returns, "stale returns are drained too")
	})

	t.Run("returns for other records do not fail this one", func(t *testing.T) {
		returns := make(chan amqp.Return, 4)
		returns <- amqp.Return{MessageId: "e2"}

		assert.False(t, takeReturned(returns, "e1"))
		assert.Empty(t, returns)
	})

	t.Run("empty and closed channels", func(t *testing.T) {
		returns := make(chan amqp.Return, 1)
		assert.False(t, takeReturned(returns, "e1"))

		returns <- amqp.Return{MessageId: "e1"}
		close(returns)
		assert.True(t, takeReturned(returns, "e1"))
		assert.False(t, takeReturned(returns, "e1"))
	})
}

func TestBindingKeyFor(t *testing.T) {
	assert.Equal(t, "field.#", bindingKeyFor("field"))
	assert.Equal(t, "#", bindingKeyFor(""))

	rec := sampleRecord()
	key := routingKeyFor("field", rec)
	assert.True(t, strings.HasPrefix(key, "field."), "routing key %q falls under the binding", key)
}
