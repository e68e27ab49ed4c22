package rabbitmq

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMainQueueArgs(t *testing.T) {
	t.Run("classic queue with dead-letter exchange only", func(t *testing.T) {
		args := MainQueueArgs(&Config{DeadLetterExchange: "uploads.dlx"})
		assert.Equal(t, amqp.Table{"x-dead-letter-exchange": "uploads.dlx"}, args)
	})

	t.Run("ttl and quorum delivery limit", func(t *testing.T) {
		args := MainQueueArgs(&Config{
			DeadLetterExchange: "uploads.dlx",
			MessageTTL:         24 * time.Hour,
			QuorumQueue:        true,
			DeliveryLimit:      10,
		})
		assert.Equal(t, int64(86400000), args["x-message-ttl"])
		assert.Equal(t, "quorum", args["x-queue-type"])
		assert.Equal(t, 10, args["x-delivery-limit"])
	})

	t.Run("delivery limit ignored on classic queues", func(t *testing.T) {
		args := MainQueueArgs(&Config{DeadLetterExchange: "dlx", DeliveryLimit: 5})
		assert.NotContains(t, args, "x-delivery-limit")
	})
}

func TestRetryQueueArgs(t *testing.T) {
	args := RetryQueueArgs(&Config{ExchangeName: "uploads", RoutingKey: "upload.process"})
	assert.Equal(t, "uploads", args["x-dead-letter-exchange"])
	assert.Equal(t, "upload.process", args["x-dead-letter-routing-key"])
}

func newWatchClient() *Client {
	return &Client{
		config:      &Config{RetryInterval: time.Millisecond},
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		done:        make(chan struct{}),
		isConnected: true,
	}
}

func TestClient_WatchReconnectsAfterChannelClose(t *testing.T) {
	c := newWatchClient()
	notify := make(chan *amqp.Error, 1)
	notify <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED"}

	calls := 0
	reconnect := func() error {
		calls++
		if calls < 3 {
			return errors.New("dial tcp: connection refused")
		}
		return nil
	}

	finished := make(chan struct{})
	go func() {
		c.watch(notify, reconnect)
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("watch did not return after a successful reconnect")
	}
	assert.Equal(t, 3, calls)

	_, err := c.current()
	require.Error(t, err, "client reports disconnected until the new channel is installed")
}

func TestClient_WatchStopsAfterClose(t *testing.T) {
	c := newWatchClient()
	close(c.done)

	notify := make(chan *amqp.Error, 1)
	close(notify)

	called := false
	c.watch(notify, func() error {
		called = true
		return nil
	})
	assert.False(t, called)
}

func TestClient_PublishWhenDisconnected(t *testing.T) {
	c := newWatchClient()
	c.isConnected = false

	err := c.PublishDelayed(t.Context(), amqp.Publishing{Body: []byte("{}")}, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")

	_, err = c.Consume("worker-1")
	assert.Error(t, err)
}
