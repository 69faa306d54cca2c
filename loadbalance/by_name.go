package loadbalance

import (
	"fmt"

	"winspec-relay/registry"
)

// ByName picks the instance announced under a specific instrument name.
type ByName string

func (b ByName) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	for i := range instances {
		if instances[i].Name == string(b) {
			return &instances[i], nil
		}
	}
	return nil, fmt.Errorf("%w: no instrument named %q", ErrNoInstances, string(b))
}

func (b ByName) Name() string {
	return "ByName(" + string(b) + ")"
}
