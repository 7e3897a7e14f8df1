// Package loadbalance selects which server instance a client dials when a
// registry resolves one logical endpoint to several live sockets.
//
// Three strategies:
//   - RoundRobin:     equal-capacity instances, spread clients evenly
//   - WeightedRandom: heterogeneous instances (different capacity)
//   - Sticky:         a named client keeps returning to the same instance
//     across reconnects (hash-ring affinity)
package loadbalance

import "pipebus/registry"

// Balancer picks one instance from the list a registry returned.
// The client calls Pick on every (re)connect attempt — implementations must
// be goroutine-safe.
type Balancer interface {
	Pick(instances []registry.Instance) (*registry.Instance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}
