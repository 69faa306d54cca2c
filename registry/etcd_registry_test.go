package registry

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

// Needs a running etcd; set WINSPEC_TEST_ETCD=localhost:2379 to enable.
func TestRegisterAndDiscover(t *testing.T) {
	endpoints := os.Getenv("WINSPEC_TEST_ETCD")
	if endpoints == "" {
		t.Skip("WINSPEC_TEST_ETCD not set")
	}
	reg, err := NewEtcdRegistry(strings.Split(endpoints, ","))
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	inst1 := ServiceInstance{Addr: "ws://127.0.0.1:8001/", Name: "lab-a", Weight: 10, Version: "1.0"}
	inst2 := ServiceInstance{Addr: "ws://127.0.0.1:8002/", Name: "lab-b", Weight: 5, Version: "1.0"}

	if err := reg.Register(ctx, "winspec-test", inst1, 10); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(ctx, "winspec-test", inst2, 10); err != nil {
		t.Fatal(err)
	}

	instances, err := reg.Discover(ctx, "winspec-test")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 2 {
		t.Fatalf("expect 2 instances, got %d", len(instances))
	}

	if err := reg.Deregister(ctx, "winspec-test", inst1.Addr); err != nil {
		t.Fatal(err)
	}

	instances, err = reg.Discover(ctx, "winspec-test")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 1 {
		t.Fatalf("expect 1 instance after deregister, got %d", len(instances))
	}
	if instances[0].Addr != inst2.Addr {
		t.Fatalf("expect %s, got %s", inst2.Addr, instances[0].Addr)
	}

	reg.Deregister(ctx, "winspec-test", inst2.Addr)
}
