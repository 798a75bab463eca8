package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, sub Subscription) Message {
	t.Helper()
	select {
	case m, ok := <-sub.C():
		require.True(t, ok, "subscription closed early")
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return Message{}
}

func exerciseBus(t *testing.T, bus Bus) {
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "ride.r1")
	require.NoError(t, err)
	other, err := bus.Subscribe(ctx, "ride.r2")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "ride.r1", []byte(`{"status":"assigned"}`)))

	m := recv(t, sub)
	assert.Equal(t, "ride.r1", m.Topic)
	assert.JSONEq(t, `{"status":"assigned"}`, string(m.Payload))

	select {
	case m := <-other.C():
		t.Fatalf("unexpected message on other topic: %s", m.Payload)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close(), "close must be idempotent")
	require.NoError(t, other.Close())
}

func TestMemoryBus(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()
	exerciseBus(t, bus)
}

func TestRedisBus(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	exerciseBus(t, NewRedisBus(client, "test:"))
}

func TestMemoryBus_ContextEndClosesSubscription(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := bus.Subscribe(ctx, "chat.r1")
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-sub.C():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after context cancel")
	}
}

func TestPublishJSON(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "t")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, PublishJSON(ctx, bus, "t", map[string]int{"seq": 3}))
	assert.JSONEq(t, `{"seq":3}`, string(recv(t, sub).Payload))
}

func TestMemoryBus_PublishAfterClose(t *testing.T) {
	bus := NewMemoryBus()
	require.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.Publish(context.Background(), "t", nil), ErrClosed)
}
