// Package registry provides the etcd-based implementation of the Registry interface.
//
//	Key:   /winspec-relay/{ServiceName}/{Addr}
//	Value: JSON-encoded ServiceInstance
//
// Registration uses TTL-based leases: if the server process dies, the lease expires
// and the entry disappears, so clients never dial a host that is gone.
package registry

import (
	"context"
	"encoding/json"
	"sync"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const keyPrefix = "/winspec-relay/"

func serviceKey(serviceName string) string {
	return keyPrefix + serviceName + "/"
}

// EtcdRegistry implements the Registry interface using etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // etcd client connection (thread-safe, shared across goroutines)

	mu         sync.Mutex
	keepAlives map[string]context.CancelFunc // per-key lease renewal
}

// NewEtcdRegistry creates a new registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c, keepAlives: make(map[string]context.CancelFunc)}, nil
}

// Register adds a service instance to etcd with a TTL lease and keeps renewing it
// until Deregister or Close.
func (r *EtcdRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	key := serviceKey(serviceName) + instance.Addr
	_, err = r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return err
	}

	// Renewal must outlive the registration request, so it gets its own context.
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return err
	}

	r.mu.Lock()
	if prev, ok := r.keepAlives[key]; ok {
		prev()
	}
	r.keepAlives[key] = cancel
	r.mu.Unlock()

	// Consume KeepAlive responses to prevent the channel from filling up
	go func() {
		for range ch {
		}
	}()
	return nil
}

// Deregister removes a service instance from etcd and stops renewing its lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	key := serviceKey(serviceName) + addr
	r.mu.Lock()
	if cancel, ok := r.keepAlives[key]; ok {
		cancel()
		delete(r.keepAlives, key)
	}
	r.mu.Unlock()

	_, err := r.client.Delete(ctx, key)
	return err
}

// Watch emits the full instance list whenever the service prefix changes, until
// ctx is done.
func (r *EtcdRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, serviceKey(serviceName), clientv3.WithPrefix())
		for range watchChan {
			// Re-fetch the full list; simpler than applying individual events.
			instances, err := r.Discover(ctx, serviceName)
			if err != nil {
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Discover returns all currently registered instances for a service.
func (r *EtcdRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, serviceKey(serviceName), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			continue // Skip malformed entries
		}
		instances = append(instances, instance)
	}

	return instances, nil
}

// Close stops all lease renewals and closes the etcd client. Leases then expire
// on their own.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for key, cancel := range r.keepAlives {
		cancel()
		delete(r.keepAlives, key)
	}
	r.mu.Unlock()
	return r.client.Close()
}
