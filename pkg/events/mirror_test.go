package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMirror(t *testing.T) (*Mirror, *Bus, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	bus := NewBus()
	return NewMirror(bus, client), bus, client
}

func TestMirror_PublishReachesLocalBus(t *testing.T) {
	mirror, bus, _ := newMirror(t)

	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	mirror.Publish(context.Background(), testEvent(3))

	select {
	case got := <-ch:
		assert.Equal(t, int64(3), got.ModelID)
		assert.Equal(t, mirror.SourceID(), got.SourceID)
	case <-time.After(time.Second):
		t.Fatal("event not delivered locally")
	}
}

func TestMirror_ReemitsForeignEvents(t *testing.T) {
	mirror, bus, client := newMirror(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mirror.Start(ctx)
	defer mirror.Stop()

	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	// Give the subscription a moment to establish.
	require.Eventually(t, func() bool {
		n, err := client.PubSubNumSub(ctx, mirrorChannel).Result()
		return err == nil && n[mirrorChannel] > 0
	}, 2*time.Second, 10*time.Millisecond)

	foreign := testEvent(9)
	foreign.SourceID = "another-process"
	payload, err := json.Marshal(foreign)
	require.NoError(t, err)
	require.NoError(t, client.Publish(ctx, mirrorChannel, payload).Err())

	select {
	case got := <-ch:
		assert.Equal(t, int64(9), got.ModelID)
		assert.Equal(t, "another-process", got.SourceID)
	case <-time.After(2 * time.Second):
		t.Fatal("foreign event not re-emitted")
	}
}

func TestMirror_SkipsOwnEvents(t *testing.T) {
	mirror, bus, client := newMirror(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mirror.Start(ctx)
	defer mirror.Stop()

	require.Eventually(t, func() bool {
		n, err := client.PubSubNumSub(ctx, mirrorChannel).Result()
		return err == nil && n[mirrorChannel] > 0
	}, 2*time.Second, 10*time.Millisecond)

	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	// An event tagged with our own source id must not loop back through
	// the broker path.
	own := testEvent(5)
	own.SourceID = mirror.SourceID()
	payload, err := json.Marshal(own)
	require.NoError(t, err)
	require.NoError(t, client.Publish(ctx, mirrorChannel, payload).Err())

	select {
	case <-ch:
		t.Fatal("own event was re-emitted")
	case <-time.After(200 * time.Millisecond):
	}
}
