// Package admission enforces the two-level probe concurrency bound: a
// global slot and a per-channel slot must both be held before a probe runs.
package admission

import "context"

// Controller is a two-level counting semaphore. Acquire blocks until both
// a global slot and a slot for the channel are held, or the context is
// canceled. Implementations must acquire the global slot first and release
// it while waiting on a contended channel slot, so per-channel waiters
// cannot pin every global slot.
type Controller interface {
	// Acquire blocks until one global and one channel slot are held.
	Acquire(ctx context.Context, channelID int64) error

	// Release returns both slots. It must never drive a counter below
	// zero, even after a drain reset the counters underneath the holder.
	Release(channelID int64)

	// Reset drops every counter to zero. Called after StopAndDrain.
	Reset()
}
