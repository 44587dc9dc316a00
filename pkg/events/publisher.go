package events

import "context"

// Publisher is what probe workers publish through: the bare local bus in
// single-process mode, or a Mirror when a broker is configured.
type Publisher interface {
	Publish(ctx context.Context, event ProgressEvent)
}

// LocalPublisher adapts the Bus to the Publisher contract for
// single-process deployments, skipping the broker path entirely.
type LocalPublisher struct {
	Bus *Bus
}

// Publish broadcasts on the local bus.
func (p LocalPublisher) Publish(_ context.Context, event ProgressEvent) {
	p.Bus.Publish(event)
}
