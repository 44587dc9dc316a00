package admission

import (
	"context"
	"sync"
)

// Memory is the in-process controller built on buffered-channel semaphores.
// No polling: waiters block directly on the semaphore channels.
type Memory struct {
	globalCap  int
	channelCap int

	global chan struct{}

	mu       sync.Mutex
	channels map[int64]chan struct{}
}

// NewMemory creates an in-process controller with the given capacities.
func NewMemory(globalCap, channelCap int) *Memory {
	return &Memory{
		globalCap:  globalCap,
		channelCap: channelCap,
		global:     make(chan struct{}, globalCap),
		channels:   make(map[int64]chan struct{}),
	}
}

// channelSem returns the semaphore for a channel, creating it on first use.
func (m *Memory) channelSem(channelID int64) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	sem, ok := m.channels[channelID]
	if !ok {
		sem = make(chan struct{}, m.channelCap)
		m.channels[channelID] = sem
	}
	return sem
}

// Acquire takes the global slot, then the channel slot. On channel
// contention the global slot is released before blocking, so channel
// waiters never starve other channels of global capacity.
func (m *Memory) Acquire(ctx context.Context, channelID int64) error {
	sem := m.channelSem(channelID)
	m.mu.Lock()
	global := m.global
	m.mu.Unlock()

	for {
		select {
		case global <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}

		select {
		case sem <- struct{}{}:
			return nil
		default:
		}

		// Channel contended: give the global slot back, wait for the
		// channel slot without holding anything, then retry from the top.
		<-global
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		select {
		case global <- struct{}{}:
			return nil
		default:
		}
		<-sem
	}
}

// Release returns both slots. Non-blocking drains guard against releases
// racing a Reset, which swaps the semaphores underneath the holder.
func (m *Memory) Release(channelID int64) {
	m.mu.Lock()
	sem, ok := m.channels[channelID]
	global := m.global
	m.mu.Unlock()
	if ok {
		select {
		case <-sem:
		default:
		}
	}
	select {
	case <-global:
	default:
	}
}

// Reset replaces every semaphore, dropping all held slots.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.global = make(chan struct{}, m.globalCap)
	m.channels = make(map[int64]chan struct{})
}
