package infra

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridelink/internal/pubsub"
)

func TestNewRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := NewRedis(context.Background(), mr.Addr(), "")
	require.NoError(t, err)
	defer client.Close()

	mr.Close()
	_, err = NewRedis(context.Background(), mr.Addr(), "")
	assert.Error(t, err)
}

func TestNewBus(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := NewRedis(context.Background(), mr.Addr(), "")
	require.NoError(t, err)
	defer client.Close()

	bus, err := NewBus("memory", "", nil)
	require.NoError(t, err)
	assert.IsType(t, &pubsub.MemoryBus{}, bus)

	bus, err = NewBus("redis", "", client)
	require.NoError(t, err)
	assert.IsType(t, &pubsub.RedisBus{}, bus)

	_, err = NewBus("redis", "", nil)
	assert.Error(t, err)
	_, err = NewBus("kafka", "", nil)
	assert.Error(t, err)
}

func TestDefaultDatabaseURL(t *testing.T) {
	assert.Equal(t, "https://ride-demo-default-rtdb.firebaseio.com", defaultDatabaseURL("ride-demo"))
}
