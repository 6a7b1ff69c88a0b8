package registry

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

// etcdEndpoints skips the test unless REMOTECTL_ETCD names a live etcd, e.g. localhost:2379.
func etcdEndpoints(t *testing.T) []string {
	t.Helper()
	endpoints := os.Getenv("REMOTECTL_ETCD")
	if endpoints == "" {
		t.Skip("REMOTECTL_ETCD not set")
	}
	return strings.Split(endpoints, ",")
}

func TestRegisterAndDiscover(t *testing.T) {
	reg, err := NewEtcdRegistry(etcdEndpoints(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close()
	ctx := context.Background()

	// Register two instances
	inst1 := ServiceInstance{Addr: "127.0.0.1:15801", Weight: 10, Version: "1.0"}
	inst2 := ServiceInstance{Addr: "127.0.0.1:15802", Weight: 5, Version: "1.0"}

	if err := reg.Register(ctx, "remotectl-test", inst1, 10); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(ctx, "remotectl-test", inst2, 10); err != nil {
		t.Fatal(err)
	}

	instances, err := reg.Discover(ctx, "remotectl-test")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 2 {
		t.Fatalf("expect 2 instances, got %d", len(instances))
	}

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	updates := reg.Watch(watchCtx, "remotectl-test")
	if first := <-updates; len(first) != 2 {
		t.Fatalf("expect initial list of 2, got %d", len(first))
	}

	// Deregister one
	if err := reg.Deregister(ctx, "remotectl-test", inst1.Addr); err != nil {
		t.Fatal(err)
	}

	select {
	case list := <-updates:
		if len(list) != 1 || list[0].Addr != inst2.Addr {
			t.Fatalf("expect only %s after deregister, got %v", inst2.Addr, list)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no watch update after deregister")
	}

	// Cleanup
	reg.Deregister(ctx, "remotectl-test", inst2.Addr)
}
