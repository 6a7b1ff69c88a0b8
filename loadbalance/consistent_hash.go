package loadbalance

import (
	"fmt"
	"hash/crc32"
	"remotectl/registry"
	"sort"
	"strings"
	"sync"
)

// ConsistentHashBalancer maps keys to instances using a hash ring.
// The same key always maps to the same instance (until the ring changes), so a client that
// reconnects finds the world it was mirroring into.
//
// Virtual nodes: each real instance is mapped to N virtual nodes on the ring so that a few
// instances do not cluster together.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	mu       sync.Mutex
	replicas int                                 // Virtual nodes per real instance
	ring     []uint32                            // Sorted hash values on the ring
	nodes    map[uint32]registry.ServiceInstance // Hash value → instance mapping
	members  string                              // Addresses the ring was built from
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]registry.ServiceInstance),
	}
}

// Add places an instance onto the hash ring with N virtual nodes.
// Each virtual node is hashed from "{addr}#{i}" to spread evenly across the ring.
func (b *ConsistentHashBalancer) Add(instance registry.ServiceInstance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(instance)
}

func (b *ConsistentHashBalancer) add(instance registry.ServiceInstance) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", instance.Addr, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = instance
	}
	// Keep the ring sorted for binary search in Pick()
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// rebuild resets the ring when the discovered instance set differs from the last one.
func (b *ConsistentHashBalancer) rebuild(instances []registry.ServiceInstance) {
	addrs := make([]string, len(instances))
	for i, instance := range instances {
		addrs[i] = instance.Addr
	}
	sort.Strings(addrs)
	members := strings.Join(addrs, ",")
	if members == b.members && len(b.ring) > 0 {
		return
	}
	b.ring = b.ring[:0]
	clear(b.nodes)
	for _, instance := range instances {
		b.add(instance)
	}
	b.members = members
}

// Pick finds the instance responsible for key among instances. A nil or empty list picks from
// the instances added with Add.
func (b *ConsistentHashBalancer) Pick(instances []registry.ServiceInstance, key string) (*registry.ServiceInstance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(instances) > 0 {
		b.rebuild(instances)
	}
	if len(b.ring) == 0 {
		return nil, errNoInstances
	}

	hash := crc32.ChecksumIEEE([]byte(key))

	// Binary search: find first node with hash >= key's hash
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})

	// Wrap around: if key's hash > all nodes, go to the first node
	if idx == len(b.ring) {
		idx = 0
	}

	instance := b.nodes[b.ring[idx]]
	return &instance, nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
