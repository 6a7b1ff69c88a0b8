// Package registry advertises running remote-control servers and lets clients find them.
package registry

import "context"

// ServiceInstance is one advertised server.
type ServiceInstance struct {
	Addr    string `json:"addr"`              // Base URL or host:port the server answers on
	Weight  int    `json:"weight,omitempty"`  // Weight for load balancing
	Version string `json:"version,omitempty"` // Build of the host application
}

type Registry interface {
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the current instance list and then every change until ctx ends.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}
