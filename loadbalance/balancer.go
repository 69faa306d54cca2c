// Package loadbalance picks which announced relay server a client dials.
//
// Each server owns one instrument, so most setups select by name; the random and
// round-robin strategies suit pools of identical simulators or spectrometers.
package loadbalance

import "winspec-relay/registry"

// Balancer is the interface for instance selection strategies.
type Balancer interface {
	// Pick selects one instance from the available list. Must be goroutine-safe.
	Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}
