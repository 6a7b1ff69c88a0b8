package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// DefaultPrefix is the etcd key prefix used when none is given.
//
//	Key:   /remotectl/{ServiceName}/{Addr}
//	Value: JSON-encoded ServiceInstance
//
// Registration uses TTL-based leases: if the host application dies, the lease expires and the
// entry is removed without anyone deregistering it.
const DefaultPrefix = "/remotectl/"

// EtcdRegistry implements Registry using etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // etcd client connection (thread-safe, shared across goroutines)
	prefix string
	logger *slog.Logger

	mu     sync.Mutex
	leases map[string]lease // Keyed by etcd key; released on Deregister
}

type lease struct {
	id   clientv3.LeaseID
	stop context.CancelFunc // Stops KeepAlive
}

// NewEtcdRegistry creates a registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, logger *slog.Logger) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to etcd %v: %w", endpoints, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EtcdRegistry{
		client: c,
		prefix: DefaultPrefix,
		logger: logger,
		leases: make(map[string]lease),
	}, nil
}

func (r *EtcdRegistry) key(serviceName, addr string) string {
	return r.prefix + serviceName + "/" + addr
}

// Register adds an instance to etcd with a TTL lease and keeps the lease alive until Deregister
// or Close.
func (r *EtcdRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	granted, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("granting lease: %w", err)
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	key := r.key(serviceName, instance.Addr)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(granted.ID)); err != nil {
		return fmt.Errorf("putting %s: %w", key, err)
	}

	// The keep-alive outlives ctx, which only bounds the registration itself.
	keepCtx, stop := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(keepCtx, granted.ID)
	if err != nil {
		stop()
		return fmt.Errorf("keeping lease alive: %w", err)
	}
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keep-alive stopped", "key", key)
	}()

	r.mu.Lock()
	if old, ok := r.leases[key]; ok {
		old.stop()
	}
	r.leases[key] = lease{id: granted.ID, stop: stop}
	r.mu.Unlock()
	return nil
}

// Deregister removes an instance. Called during graceful shutdown before the listener closes.
func (r *EtcdRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	key := r.key(serviceName, addr)
	r.mu.Lock()
	held, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if ok {
		held.stop()
	}
	if _, err := r.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	if ok {
		if _, err := r.client.Revoke(ctx, held.id); err != nil {
			r.logger.Warn("revoking lease", "key", key, "error", err)
		}
	}
	return nil
}

// Discover returns every instance currently registered for serviceName, ordered by address.
func (r *EtcdRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	prefix := r.prefix + serviceName + "/"
	resp, err := r.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", prefix, err)
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("skipping malformed registry entry", "key", string(kv.Key), "error", err)
			continue
		}
		instances = append(instances, instance)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].Addr < instances[j].Addr })
	return instances, nil
}

// Watch emits the instance list now and again after every change under the service prefix.
// The channel closes when ctx ends.
func (r *EtcdRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	prefix := r.prefix + serviceName + "/"

	go func() {
		defer close(ch)
		emit := func() bool {
			instances, err := r.Discover(ctx, serviceName)
			if err != nil {
				r.logger.Warn("refreshing instances", "service", serviceName, "error", err)
				return ctx.Err() == nil
			}
			select {
			case ch <- instances:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if !emit() {
			return
		}
		// Re-fetch the full list on any change rather than applying individual events.
		for range r.client.Watch(ctx, prefix, clientv3.WithPrefix()) {
			if !emit() {
				return
			}
		}
	}()
	return ch
}

// Close stops every keep-alive and closes the etcd client. Leases then expire on their own.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for key, held := range r.leases {
		held.stop()
		delete(r.leases, key)
	}
	r.mu.Unlock()
	return r.client.Close()
}
