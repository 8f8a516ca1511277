// Package loadbalance distributes RPC calls across service instances.
//
// Four policies are implemented:
//   - round_robin:          stateless services, equal-capacity replicas
//   - weighted_round_robin: heterogeneous replicas, smooth interleaving
//   - least_connection:     skewed latency, routes around slow replicas
//   - consistent_hash:      stateful services needing cache affinity
//
// Policies self-register into the factory from their init functions.
package loadbalance

import (
	"errors"
	"strings"
	"sync"

	"meshrpc/registry"
)

var (
	// ErrNoInstances reports an empty candidate list.
	ErrNoInstances = errors.New("loadbalance: no available instances")
	// ErrNoHealthyInstances reports a candidate list with no healthy
	// member.
	ErrNoHealthyInstances = errors.New("loadbalance: no healthy instances")
)

// Balancer selects one instance from a candidate list. Select is called
// on every RPC and must be goroutine-safe. The caller pairs Select with
// UpdateStats so connection-aware policies see in-flight work; the pair
// must appear atomic from the caller's side (the client stub holds its
// own mutex across both).
type Balancer interface {
	// Select picks one healthy instance from candidates.
	Select(candidates []registry.ServiceInstance) (*registry.ServiceInstance, error)

	// UpdateStats informs the balancer that a connection to the given
	// instance started (true) or ended (false). Most policies ignore
	// it.
	UpdateStats(instanceID string, connectionStarted bool)

	// Name returns the policy name for logging and the factory.
	Name() string

	// Reset clears all accumulated state.
	Reset()
}

// noStats is embedded by policies that do not track connections.
type noStats struct{}

func (noStats) UpdateStats(string, bool) {}

// healthyOf filters candidates down to the healthy ones, preserving
// order. Selection order ties break on position, so order matters.
func healthyOf(candidates []registry.ServiceInstance) ([]registry.ServiceInstance, error) {
	if len(candidates) == 0 {
		return nil, ErrNoInstances
	}
	healthy := make([]registry.ServiceInstance, 0, len(candidates))
	for _, inst := range candidates {
		if inst.Healthy {
			healthy = append(healthy, inst)
		}
	}
	if len(healthy) == 0 {
		return nil, ErrNoHealthyInstances
	}
	return healthy, nil
}

// Constructor builds a balancer from a string configuration map.
type Constructor func(cfg map[string]string) Balancer

var (
	factoryMu sync.RWMutex
	creators  = make(map[string]Constructor)
)

// RegisterBalancer adds a constructor under a canonical name. Policies
// call this from init; applications may add their own.
func RegisterBalancer(name string, ctor Constructor) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	creators[normalize(name)] = ctor
}

// New resolves a policy by name — snake_case and PascalCase spellings
// both work — and applies cfg. Unknown names fall back to round-robin.
func New(name string, cfg map[string]string) Balancer {
	factoryMu.RLock()
	ctor, ok := creators[normalize(name)]
	if !ok {
		ctor = creators["roundrobin"]
	}
	factoryMu.RUnlock()
	return ctor(cfg)
}

// Supported returns the canonical names of all registered policies.
func Supported() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	names := make([]string, 0, len(creators))
	for name := range creators {
		names = append(names, name)
	}
	return names
}

// normalize folds both supported spellings onto one key:
// "weighted_round_robin" and "WeightedRoundRobin" → "weightedroundrobin".
func normalize(name string) string {
	return strings.ToLower(strings.NewReplacer("_", "", "-", "").Replace(name))
}
