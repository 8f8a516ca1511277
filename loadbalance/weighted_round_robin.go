package loadbalance

import (
	"sync"

	"meshrpc/registry"
)

func init() {
	RegisterBalancer("weighted_round_robin", func(map[string]string) Balancer {
		return NewWeightedRoundRobin()
	})
}

// WeightedRoundRobin implements smooth weighted round-robin. Each call,
// every healthy instance's current weight grows by its static weight;
// the largest current weight wins and pays the total weight back. Over
// Σw consecutive calls each instance is selected exactly w times, and
// the selections interleave instead of running one instance w times in
// a row.
type WeightedRoundRobin struct {
	noStats
	mu             sync.Mutex
	currentWeights map[string]int
}

// NewWeightedRoundRobin creates a smooth WRR balancer.
func NewWeightedRoundRobin() *WeightedRoundRobin {
	return &WeightedRoundRobin{currentWeights: make(map[string]int)}
}

func (b *WeightedRoundRobin) Select(candidates []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	healthy, err := healthyOf(candidates)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	totalWeight := 0
	selected := -1
	maxWeight := 0
	for i := range healthy {
		id := healthy[i].ID()
		weight := healthy[i].EffectiveWeight()
		totalWeight += weight
		b.currentWeights[id] += weight

		// Strict > keeps ties on the earliest instance in the list.
		if selected == -1 || b.currentWeights[id] > maxWeight {
			maxWeight = b.currentWeights[id]
			selected = i
		}
	}

	winner := &healthy[selected]
	b.currentWeights[winner.ID()] -= totalWeight
	return winner, nil
}

func (b *WeightedRoundRobin) Name() string { return "weighted_round_robin" }

// Reset forgets every accumulated current weight.
func (b *WeightedRoundRobin) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.currentWeights = make(map[string]int)
}
