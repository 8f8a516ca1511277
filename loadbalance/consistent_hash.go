package loadbalance

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"sync"

	"meshrpc/registry"
)

// DefaultVirtualNodes is the ring density per instance. Without virtual
// nodes a handful of instances cluster on the ring and load skews; 100
// points per instance is enough for statistical uniformity.
const DefaultVirtualNodes = 100

func init() {
	RegisterBalancer("consistent_hash", func(cfg map[string]string) Balancer {
		virtualNodes := DefaultVirtualNodes
		if raw, ok := cfg["virtual_nodes"]; ok {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				virtualNodes = n
			}
		}
		return NewConsistentHash(virtualNodes)
	})
}

// ConsistentHash maps keys onto a hash ring so the same key reaches the
// same instance until membership changes, and a membership change moves
// only the keys that belonged to the departed instance.
type ConsistentHash struct {
	noStats
	mu           sync.Mutex
	virtualNodes int
	ring         []uint32          // sorted virtual-node hashes
	nodes        map[uint32]string // virtual-node hash → instance id
	lastKey      string
}

// NewConsistentHash creates a ring with the given virtual-node count
// per instance.
func NewConsistentHash(virtualNodes int) *ConsistentHash {
	if virtualNodes <= 0 {
		virtualNodes = DefaultVirtualNodes
	}
	return &ConsistentHash{
		virtualNodes: virtualNodes,
		nodes:        make(map[uint32]string),
	}
}

// hashKey is 32-bit FNV-1a.
func hashKey(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32()
}

// Select reuses the last key, or "default" before any keyed call.
func (b *ConsistentHash) Select(candidates []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	b.mu.Lock()
	key := b.lastKey
	b.mu.Unlock()
	return b.SelectByKey(candidates, key)
}

// SelectByKey hashes key and walks the ring clockwise to the first
// virtual node at or after it, wrapping to the smallest entry past the
// top. The ring is rebuilt when empty or when the selected entry's
// instance has left the healthy set.
func (b *ConsistentHash) SelectByKey(candidates []registry.ServiceInstance, key string) (*registry.ServiceInstance, error) {
	healthy, err := healthyOf(candidates)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.ring) == 0 {
		b.rebuild(healthy)
	}

	if key == "" {
		key = "default"
	}
	b.lastKey = key

	byID := make(map[string]*registry.ServiceInstance, len(healthy))
	for i := range healthy {
		byID[healthy[i].ID()] = &healthy[i]
	}

	inst := b.lookup(key, byID)
	if inst == nil {
		// The ring still points at a departed instance; rebuild from
		// the current membership and look up again.
		b.rebuild(healthy)
		inst = b.lookup(key, byID)
	}
	if inst == nil {
		return &healthy[0], nil
	}
	return inst, nil
}

func (b *ConsistentHash) lookup(key string, byID map[string]*registry.ServiceInstance) *registry.ServiceInstance {
	if len(b.ring) == 0 {
		return nil
	}
	hash := hashKey(key)
	idx := sort.Search(len(b.ring), func(i int) bool { return b.ring[i] >= hash })
	if idx == len(b.ring) {
		idx = 0
	}
	return byID[b.nodes[b.ring[idx]]]
}

// rebuild populates the ring with virtualNodes points per healthy
// instance, keyed "<id>#<i>".
func (b *ConsistentHash) rebuild(healthy []registry.ServiceInstance) {
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]string, len(healthy)*b.virtualNodes)
	for i := range healthy {
		id := healthy[i].ID()
		for v := 0; v < b.virtualNodes; v++ {
			hash := hashKey(fmt.Sprintf("%s#%d", id, v))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = id
		}
	}
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

func (b *ConsistentHash) Name() string { return "consistent_hash" }

// Reset drops the ring and the remembered key.
func (b *ConsistentHash) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ring = nil
	b.nodes = make(map[uint32]string)
	b.lastKey = ""
}
