// Package registry provides the etcd-based endpoint registry.
//
// etcd acts as a "distributed phonebook" for bus endpoints:
//
//	Key:   /pipebus/endpoints/{endpoint}/{escaped socket path}
//	Value: JSON-encoded Instance
//
// Registration uses TTL-based leases: if a server crashes without
// deregistering, its lease expires and the entry disappears on its own —
// clients never keep dialing a ghost socket.
package registry

import (
	"context"
	"encoding/json"
	"net/url"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const keyPrefix = "/pipebus/endpoints/"

// EtcdRegistry implements Registry using etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c}, nil
}

// key builds the etcd key for one instance. Socket paths contain slashes,
// which would splinter the key space, so the path segment is escaped.
func key(endpoint, path string) string {
	return keyPrefix + endpoint + "/" + url.PathEscape(path)
}

// Register publishes an instance under a TTL lease and keeps the lease
// renewed in the background until the client is closed or the instance is
// deregistered.
//
// The lease id stays a local variable on purpose: multiple servers may share
// one EtcdRegistry, and storing it on the struct would race.
func (r *EtcdRegistry) Register(endpoint string, instance Instance, ttl int64) error {
	ctx := context.TODO()

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	_, err = r.client.Put(ctx, key(endpoint, instance.Path), string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return err
	}

	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return err
	}

	// Drain KeepAlive responses so the channel never fills up.
	go func() {
		for range ch {
		}
	}()
	return nil
}

// Deregister removes an instance. Called during graceful shutdown before the
// socket is unlinked.
func (r *EtcdRegistry) Deregister(endpoint string, path string) error {
	_, err := r.client.Delete(context.TODO(), key(endpoint, path))
	return err
}

// Discover returns every live instance currently published for an endpoint.
func (r *EtcdRegistry) Discover(endpoint string) ([]Instance, error) {
	ctx := context.TODO()
	prefix := keyPrefix + endpoint + "/"

	resp, err := r.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]Instance, 0)
	for _, kv := range resp.Kvs {
		var instance Instance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			continue // skip malformed entries
		}
		instances = append(instances, instance)
	}

	return instances, nil
}

// Watch emits the full instance list whenever anything under the endpoint
// changes (registration, deregistration, lease expiry). Re-fetching the list
// on each event is simpler than folding individual watch deltas.
func (r *EtcdRegistry) Watch(endpoint string) <-chan []Instance {
	ctx := context.TODO()
	ch := make(chan []Instance, 1)
	prefix := keyPrefix + endpoint + "/"

	go func() {
		watchChan := r.client.Watch(ctx, prefix, clientv3.WithPrefix())
		for range watchChan {
			instances, _ := r.Discover(endpoint)
			ch <- instances
		}
	}()

	return ch
}

// Close releases the etcd client. Registered leases stop being renewed and
// expire on their own.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
