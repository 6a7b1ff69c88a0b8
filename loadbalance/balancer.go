// Package loadbalance picks which advertised server a client talks to.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity servers, spread stateless queries
//   - WeightedRandom:  servers advertised with different weights
//   - ConsistentHash:  pin a client (by its key) to one server so its mirrored object
//     keeps living in the same world across reconnects
package loadbalance

import (
	"fmt"
	"remotectl/registry"
)

// Balancer is the interface for load balancing strategies.
// The client calls Pick() whenever it (re)resolves its server.
type Balancer interface {
	// Pick selects one instance from the available list. key identifies the caller; only
	// key-based strategies use it. Must be goroutine-safe.
	Pick(instances []registry.ServiceInstance, key string) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// ForName returns a new balancer for a configured strategy name. The empty name selects
// round robin.
func ForName(name string) (Balancer, error) {
	switch name {
	case "", "round_robin", "RoundRobin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random", "WeightedRandom":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash", "ConsistentHash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, fmt.Errorf("unknown balancer %q", name)
}

var errNoInstances = fmt.Errorf("no instances available")
