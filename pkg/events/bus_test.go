package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Moyucharm/model-check/pkg/models"
)

func testEvent(modelID int64) ProgressEvent {
	return ProgressEvent{
		ChannelID: 1,
		ModelID:   modelID,
		ModelName: "gpt-4",
		Kind:      models.KindChat,
		Status:    models.ProbeSuccess,
		LatencyMs: 10,
		Timestamp: time.Now(),
	}
}

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus()

	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	bus.Publish(testEvent(7))

	select {
	case got := <-ch:
		assert.Equal(t, int64(7), got.ModelID)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()

	ch, unsubscribe := bus.Subscribe()
	unsubscribe()
	// Unsubscribe is idempotent.
	unsubscribe()

	bus.Publish(testEvent(1))
	assert.Equal(t, 0, bus.SubscriberCount())

	select {
	case <-ch:
		t.Fatal("event delivered after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

// A listener that never reads must not block the publisher.
func TestBus_SlowConsumerDropsEvents(t *testing.T) {
	bus := NewBus()

	_, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < listenerBuffer*3; i++ {
			bus.Publish(testEvent(int64(i)))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked by slow consumer")
	}
}

// Subscribing and unsubscribing from many goroutines while publishing is
// dispatch-safe.
func TestBus_ConcurrentSubscribeUnsubscribe(t *testing.T) {
	bus := NewBus()

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				bus.Publish(testEvent(1))
			}
		}
	}()

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				ch, unsubscribe := bus.Subscribe()
				// Drain whatever arrived, then leave.
				select {
				case <-ch:
				default:
				}
				unsubscribe()
			}
		}()
	}

	// Let the publisher overlap the churn, then stop it.
	time.Sleep(100 * time.Millisecond)
	close(stop)
	wg.Wait()

	require.Equal(t, 0, bus.SubscriberCount())
}
