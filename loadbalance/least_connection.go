package loadbalance

import (
	"sync"

	"meshrpc/registry"
)

func init() {
	RegisterBalancer("least_connection", func(map[string]string) Balancer {
		return NewLeastConnection()
	})
}

// LeastConnection routes to the healthy instance with the fewest
// in-flight calls. The caller must pair UpdateStats(id, true) before
// the call with UpdateStats(id, false) after it, or the counters
// drift.
type LeastConnection struct {
	mu       sync.Mutex
	inFlight map[string]int
}

// NewLeastConnection creates a least-connection balancer.
func NewLeastConnection() *LeastConnection {
	return &LeastConnection{inFlight: make(map[string]int)}
}

func (b *LeastConnection) Select(candidates []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	healthy, err := healthyOf(candidates)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	selected := 0
	minInFlight := b.inFlight[healthy[0].ID()]
	for i := 1; i < len(healthy); i++ {
		// Strict < keeps ties on the earliest instance in the list.
		if n := b.inFlight[healthy[i].ID()]; n < minInFlight {
			minInFlight = n
			selected = i
		}
	}
	return &healthy[selected], nil
}

// UpdateStats adjusts the in-flight counter, clamped at zero on the
// way down so an unpaired end never goes negative.
func (b *LeastConnection) UpdateStats(instanceID string, connectionStarted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if connectionStarted {
		b.inFlight[instanceID]++
		return
	}
	if b.inFlight[instanceID] > 0 {
		b.inFlight[instanceID]--
	}
}

func (b *LeastConnection) Name() string { return "least_connection" }

// Reset clears all counters.
func (b *LeastConnection) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inFlight = make(map[string]int)
}
