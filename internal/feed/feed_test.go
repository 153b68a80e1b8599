package feed

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	exchange string
	key      string
	msg      amqp.Publishing
	err      error
	closed   bool
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.exchange, f.key, f.msg = exchange, key, msg
	return f.err
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func newTestPublisher(ch *fakeChannel) *RabbitMQ {
	return &RabbitMQ{
		channel:  ch,
		exchange: "postflow.publish",
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestRoutingKey(t *testing.T) {
	assert.Equal(t, "publish.completed", Event{Type: TypeOutcome, Outcome: "completed"}.RoutingKey())
	assert.Equal(t, "publish.outcome", Event{Type: TypeOutcome}.RoutingKey())
	assert.Equal(t, "account.reconnect_required", Event{Type: TypeReconnectRequired, Outcome: "failed"}.RoutingKey())
}

func TestRabbitMQPublish(t *testing.T) {
	ch := &fakeChannel{}
	p := newTestPublisher(ch)

	err := p.Publish(context.Background(), Event{
		Type:     TypeOutcome,
		Outcome:  "failed",
		JobID:    7,
		PostID:   3,
		Platform: "instagram",
	})
	require.NoError(t, err)

	assert.Equal(t, "postflow.publish", ch.exchange)
	assert.Equal(t, "publish.failed", ch.key)
	assert.Equal(t, amqp.Persistent, ch.msg.DeliveryMode)
	assert.Equal(t, "application/json", ch.msg.ContentType)
	assert.NotEmpty(t, ch.msg.MessageId)

	var got Event
	require.NoError(t, json.Unmarshal(ch.msg.Body, &got))
	assert.Equal(t, ch.msg.MessageId, got.ID)
	assert.Equal(t, int64(7), got.JobID)
	assert.Equal(t, "instagram", got.Platform)
	assert.False(t, got.OccurredAt.IsZero())
}

func TestRabbitMQPublishError(t *testing.T) {
	ch := &fakeChannel{err: errors.New("channel closed")}
	p := newTestPublisher(ch)

	err := p.Publish(context.Background(), Event{Type: TypeReconnectRequired})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel closed")
}

func TestClose(t *testing.T) {
	ch := &fakeChannel{}
	p := newTestPublisher(ch)
	require.NoError(t, p.Close())
	assert.True(t, ch.closed)

	assert.NoError(t, Noop{}.Publish(context.Background(), Event{}))
	assert.NoError(t, Noop{}.Close())
}
