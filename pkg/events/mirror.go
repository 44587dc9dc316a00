package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// mirrorChannel is the Redis pub/sub channel shared by all processes.
const mirrorChannel = "modelcheck:progress"

// Mirror relays progress events across processes through Redis pub/sub.
// Outgoing events are tagged with this process's source id; incoming events
// carrying a foreign source id are re-published on the local bus.
type Mirror struct {
	bus      *Bus
	client   *redis.Client
	sourceID string

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMirror creates a mirror bound to the local bus.
func NewMirror(bus *Bus, client *redis.Client) *Mirror {
	return &Mirror{
		bus:      bus,
		client:   client,
		sourceID: uuid.New().String(),
	}
}

// SourceID returns this process's event tag.
func (m *Mirror) SourceID() string { return m.sourceID }

// Publish tags the event and broadcasts it locally and to the broker.
// The broker leg is best-effort: a publish failure is logged, never
// propagated, so local subscribers still see every event.
func (m *Mirror) Publish(ctx context.Context, event ProgressEvent) {
	event.SourceID = m.sourceID
	m.bus.Publish(event)

	data, err := json.Marshal(event)
	if err != nil {
		slog.Warn("Failed to marshal progress event for mirror", "error", err)
		return
	}
	if err := m.client.Publish(ctx, mirrorChannel, data).Err(); err != nil {
		slog.Warn("Failed to mirror progress event", "error", err)
	}
}

// Start subscribes to the broker channel and re-emits foreign events on
// the local bus until Stop is called.
func (m *Mirror) Start(ctx context.Context) {
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	sub := m.client.Subscribe(ctx, mirrorChannel)
	go m.run(ctx, sub)

	slog.Info("Progress mirror started", "source_id", m.sourceID)
}

// Stop tears down the broker subscription.
func (m *Mirror) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	slog.Info("Progress mirror stopped")
}

func (m *Mirror) run(ctx context.Context, sub *redis.PubSub) {
	defer close(m.done)
	defer func() { _ = sub.Close() }()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var event ProgressEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				slog.Warn("Dropping malformed mirrored event", "error", err)
				continue
			}
			if event.SourceID == m.sourceID {
				continue
			}
			m.bus.Publish(event)
		}
	}
}
