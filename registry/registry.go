// Package registry announces relay servers so clients can find a spectrometer host
// by service name instead of by address.
package registry

import "context"

type ServiceInstance struct {
	Addr    string // Websocket URL, e.g. "ws://192.168.1.20:1234/"
	Name    string // Human-readable instrument name
	Weight  int    // Weight for load balancing
	Version string
}

type Registry interface {
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}
