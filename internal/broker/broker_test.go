package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisPublisherPublishesEnvelope(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ctx := context.Background()

	sub := rdb.Subscribe(ctx, "checkout:email")
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	p := NewRedisPublisher(rdb, "checkout:")
	require.NoError(t, p.Publish(ctx, "m1", "email", []byte(`{"to":"a@example.com"}`)))

	select {
	case msg := <-sub.Channel():
		var env Envelope
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &env))
		assert.Equal(t, "m1", env.ID)
		assert.Equal(t, "email", env.Topic)
		assert.JSONEq(t, `{"to":"a@example.com"}`, string(env.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestMemoryPublisher(t *testing.T) {
	p := NewMemoryPublisher()
	require.NoError(t, p.Publish(context.Background(), "1", "email", []byte("x")))

	msgs := p.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "email", msgs[0].Topic)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, p.Publish(ctx, "2", "email", nil))
}
