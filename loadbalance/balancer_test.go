package loadbalance

import (
	"fmt"
	"testing"

	"pipebus/registry"
)

var testInstances = []registry.Instance{
	{Path: "/tmp/a.sock", Weight: 10, Version: "1.0"},
	{Path: "/tmp/b.sock", Weight: 5, Version: "1.0"},
	{Path: "/tmp/c.sock", Weight: 10, Version: "1.0"},
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	results := make([]string, 3)
	for i := 0; i < 3; i++ {
		inst, err := b.Pick(testInstances)
		if err != nil {
			t.Fatal(err)
		}
		results[i] = inst.Path
	}

	// Fourth pick wraps around to the first.
	inst, _ := b.Pick(testInstances)
	if inst.Path != results[0] {
		t.Fatalf("expect wrap around to %s, got %s", results[0], inst.Path)
	}
}

func TestRoundRobinEmpty(t *testing.T) {
	b := &RoundRobinBalancer{}
	if _, err := b.Pick([]registry.Instance{}); err == nil {
		t.Fatal("expect error for empty instances")
	}
}

func TestWeightedRandom(t *testing.T) {
	b := &WeightedRandomBalancer{}

	counts := map[string]int{}
	n := 10000
	for i := 0; i < n; i++ {
		inst, err := b.Pick(testInstances)
		if err != nil {
			t.Fatal(err)
		}
		counts[inst.Path]++
	}

	// Weight ratio is 10:5:10, so a.sock should draw ~2x of b.sock.
	ratio := float64(counts["/tmp/a.sock"]) / float64(counts["/tmp/b.sock"])
	if ratio < 1.5 || ratio > 2.5 {
		t.Fatalf("weight ratio a/b = %.2f, expect ~2.0", ratio)
	}
}

func TestWeightedRandomZeroWeights(t *testing.T) {
	b := &WeightedRandomBalancer{}
	unweighted := []registry.Instance{{Path: "/tmp/x.sock"}, {Path: "/tmp/y.sock"}}
	if _, err := b.Pick(unweighted); err != nil {
		t.Fatalf("zero weights should fall back to uniform, got error: %v", err)
	}
}

func TestStickySameClientSameInstance(t *testing.T) {
	b := NewStickyBalancer("client-123")

	inst1, err := b.Pick(testInstances)
	if err != nil {
		t.Fatal(err)
	}
	inst2, err := b.Pick(testInstances)
	if err != nil {
		t.Fatal(err)
	}
	if inst1.Path != inst2.Path {
		t.Fatalf("same client mapped to different instances: %s vs %s", inst1.Path, inst2.Path)
	}
}

func TestStickySpreadsClients(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		b := NewStickyBalancer(fmt.Sprintf("client-%d", i))
		inst, err := b.Pick(testInstances)
		if err != nil {
			t.Fatal(err)
		}
		seen[inst.Path] = true
	}

	// 100 distinct clients over 3 instances must land on at least 2.
	if len(seen) < 2 {
		t.Fatalf("expect at least 2 different instances, got %d", len(seen))
	}
}
