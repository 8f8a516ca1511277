package loadbalance

import (
	"sync/atomic"

	"meshrpc/registry"
)

func init() {
	RegisterBalancer("round_robin", func(map[string]string) Balancer {
		return NewRoundRobin()
	})
}

// RoundRobin cycles through healthy instances with an atomic counter:
// lock-free, and each of k healthy instances is selected exactly once
// per k consecutive calls.
type RoundRobin struct {
	noStats
	counter atomic.Uint64
}

// NewRoundRobin creates a round-robin balancer.
func NewRoundRobin() *RoundRobin { return &RoundRobin{} }

func (b *RoundRobin) Select(candidates []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	healthy, err := healthyOf(candidates)
	if err != nil {
		return nil, err
	}
	index := (b.counter.Add(1) - 1) % uint64(len(healthy))
	return &healthy[index], nil
}

func (b *RoundRobin) Name() string { return "round_robin" }

// Reset rewinds the counter to zero.
func (b *RoundRobin) Reset() { b.counter.Store(0) }
