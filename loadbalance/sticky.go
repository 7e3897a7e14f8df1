package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"

	"pipebus/registry"
)

// StickyBalancer maps a client name to an instance on a consistent hash
// ring, so the same client returns to the same server across reconnects as
// long as the instance set is unchanged — useful when servers hold
// per-client session state.
//
// Virtual nodes: each instance is placed on the ring N times. Without them a
// handful of instances can cluster on the ring and take uneven shares; 100
// virtual nodes per instance gives statistical uniformity.
type StickyBalancer struct {
	key      string // stable client name hashed onto the ring
	replicas int
}

// NewStickyBalancer creates a balancer that keys every pick by the given
// client name.
func NewStickyBalancer(clientName string) *StickyBalancer {
	return &StickyBalancer{
		key:      clientName,
		replicas: 100,
	}
}

// Pick rebuilds the ring from the current instance list and walks clockwise
// from the client's hash to the first node. Rebuilding per call keeps Pick
// stateless across registry updates: the ring always reflects the instances
// the registry just returned.
func (b *StickyBalancer) Pick(instances []registry.Instance) (*registry.Instance, error) {
	if len(instances) == 0 {
		return nil, fmt.Errorf("no instances available")
	}

	ring := make([]uint32, 0, len(instances)*b.replicas)
	nodes := make(map[uint32]int, len(instances)*b.replicas)
	for i := range instances {
		for r := 0; r < b.replicas; r++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", instances[i].Path, r)))
			ring = append(ring, hash)
			nodes[hash] = i
		}
	}
	sort.Slice(ring, func(i, j int) bool { return ring[i] < ring[j] })

	hash := crc32.ChecksumIEEE([]byte(b.key))
	idx := sort.Search(len(ring), func(i int) bool { return ring[i] >= hash })
	if idx == len(ring) {
		idx = 0 // wrap around: the ring property
	}

	return &instances[nodes[ring[idx]]], nil
}

func (b *StickyBalancer) Name() string {
	return "Sticky"
}
