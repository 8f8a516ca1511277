// Package test holds cross-package end-to-end tests: client stub →
// envelope codec → framing → server transport → worker pool →
// dispatcher → service method and back, with registry discovery and
// load balancing on top.
package test

import (
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"meshrpc/client"
	"meshrpc/config"
	"meshrpc/loadbalance"
	"meshrpc/registry"
	"meshrpc/server"
)

type Args struct {
	A, B int32
}

type Reply struct {
	Result int32
}

type Calc struct {
	mu    sync.Mutex
	calls int
	delay time.Duration
}

func (c *Calc) Add(args *Args, reply *Reply) error {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	reply.Result = args.A + args.B
	return nil
}

func (c *Calc) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// startReplica boots one server replica registered with reg and returns
// it with its service receiver.
func startReplica(t *testing.T, reg registry.Registry, delay time.Duration) (*server.Server, *Calc) {
	t.Helper()
	cfg := config.DefaultServerConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.EnableRegistry = true
	cfg.HeartbeatIntervalMs = 100

	svr := server.New(cfg)
	svr.UseRegistry(reg)
	svc := &Calc{delay: delay}
	if err := svr.Register(svc); err != nil {
		t.Fatal(err)
	}
	if err := svr.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(svr.Stop)
	return svr, svc
}

func hostPort(t *testing.T, addr net.Addr) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func TestDirectAdd(t *testing.T) {
	cfg := config.DefaultServerConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	svr := server.New(cfg)
	if err := svr.Register(&Calc{}); err != nil {
		t.Fatal(err)
	}
	if err := svr.Start(); err != nil {
		t.Fatal(err)
	}
	defer svr.Stop()

	host, port := hostPort(t, svr.Addr())
	c := client.NewDirect(host, port)
	defer c.Close()

	var reply Reply
	if err := c.Call("Calc.Add", &Args{A: 10, B: 20}, &reply); err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if reply.Result != 30 {
		t.Fatalf("expect 30, got %d", reply.Result)
	}
}

func TestDiscoveryRoundRobinDistribution(t *testing.T) {
	reg := registry.NewMemoryRegistry(time.Minute)
	defer reg.Close()

	var services []*Calc
	for i := 0; i < 3; i++ {
		_, svc := startReplica(t, reg, 0)
		services = append(services, svc)
	}

	c := client.NewDiscovery(reg, "Calc", loadbalance.NewRoundRobin())
	defer c.Close()

	for i := int32(1); i <= 30; i++ {
		var reply Reply
		if err := c.Call("Calc.Add", &Args{A: i * 10, B: i * 5}, &reply); err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
		if reply.Result != i*15 {
			t.Fatalf("call %d: expect %d, got %d", i, i*15, reply.Result)
		}
	}

	// Round robin over three healthy replicas: exactly ten calls each.
	for i, svc := range services {
		if got := svc.callCount(); got != 10 {
			t.Fatalf("replica %d: expect 10 calls, got %d", i, got)
		}
	}
}

func TestReplicaFailureRebalances(t *testing.T) {
	reg := registry.NewMemoryRegistry(200 * time.Millisecond)
	defer reg.Close()

	replicas := make([]*server.Server, 0, 3)
	for i := 0; i < 3; i++ {
		svr, _ := startReplica(t, reg, 0)
		replicas = append(replicas, svr)
	}

	c := client.NewDiscovery(reg, "Calc", loadbalance.NewRoundRobin())
	defer c.Close()

	var reply Reply
	for i := int32(0); i < 6; i++ {
		if err := c.Call("Calc.Add", &Args{A: i, B: i}, &reply); err != nil {
			t.Fatalf("warm-up call failed: %v", err)
		}
	}

	// Kill one replica; its instance disappears from the registry and
	// calls keep succeeding on the survivors.
	replicas[1].Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		instances, err := reg.Discover("Calc")
		if err != nil {
			t.Fatal(err)
		}
		if len(instances) == 2 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	instances, _ := reg.Discover("Calc")
	if len(instances) != 2 {
		t.Fatalf("expect 2 instances after failure, got %d", len(instances))
	}

	for i := int32(0); i < 10; i++ {
		if err := c.Call("Calc.Add", &Args{A: i, B: 1}, &reply); err != nil {
			t.Fatalf("call after failure: %v", err)
		}
	}
}

func TestLeastConnectionUnderSkew(t *testing.T) {
	reg := registry.NewMemoryRegistry(time.Minute)
	defer reg.Close()

	_, fast := startReplica(t, reg, 0)
	_, slow := startReplica(t, reg, 150*time.Millisecond)

	bal := loadbalance.NewLeastConnection()

	// Ten workers, each with its own stub (a stub is single-in-flight),
	// all sharing one balancer so in-flight counters aggregate.
	var wg sync.WaitGroup
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := client.NewDiscovery(reg, "Calc", bal)
			defer c.Close()
			for i := 0; i < 2; i++ {
				var reply Reply
				if err := c.Call("Calc.Add", &Args{A: 1, B: 1}, &reply); err != nil {
					t.Errorf("call failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	fastCalls, slowCalls := fast.callCount(), slow.callCount()
	if fastCalls+slowCalls != 20 {
		t.Fatalf("expect 20 calls total, got %d", fastCalls+slowCalls)
	}
	if float64(fastCalls) <= 1.5*float64(slowCalls) {
		t.Fatalf("expect the fast replica to dominate: fast=%d slow=%d", fastCalls, slowCalls)
	}
}

func TestWeightedDistributionEndToEnd(t *testing.T) {
	reg := registry.NewMemoryRegistry(time.Minute)
	defer reg.Close()

	// Three replicas with weights 3/1/1 published by hand so the
	// balancer sees heterogeneous capacity.
	var services []*Calc
	for i := 0; i < 3; i++ {
		svr, svc := startReplica(t, reg, 0)
		services = append(services, svc)

		host, port := hostPort(t, svr.Addr())
		weight := 1
		if i == 0 {
			weight = 3
		}
		if err := reg.Register(&registry.ServiceInstance{
			ServiceName:   "Calc",
			Host:          host,
			Port:          port,
			Weight:        weight,
			Healthy:       true,
			LastHeartbeat: time.Now().UnixMilli(),
		}); err != nil {
			t.Fatal(err)
		}
	}

	c := client.NewDiscovery(reg, "Calc", loadbalance.NewWeightedRoundRobin())
	defer c.Close()

	for i := 0; i < 10; i++ {
		var reply Reply
		if err := c.Call("Calc.Add", &Args{A: 1, B: 1}, &reply); err != nil {
			t.Fatalf("call failed: %v", err)
		}
	}

	counts := make([]int, 3)
	total := 0
	for i, svc := range services {
		counts[i] = svc.callCount()
		total += counts[i]
	}
	if total != 10 {
		t.Fatalf("expect 10 calls, got %d (%v)", total, counts)
	}
	// Two full weight cycles of 3/1/1: six for the heavy replica.
	if counts[0] != 6 || counts[1] != 2 || counts[2] != 2 {
		t.Fatalf("expect 6/2/2 split, got %v", counts)
	}
}

func TestManyStubsConcurrently(t *testing.T) {
	cfg := config.DefaultServerConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	svr := server.New(cfg)
	svc := &Calc{}
	svr.Register(svc)
	if err := svr.Start(); err != nil {
		t.Fatal(err)
	}
	defer svr.Stop()

	host, port := hostPort(t, svr.Addr())

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := client.NewDirect(host, port)
			defer c.Close()
			for i := 0; i < 10; i++ {
				var reply Reply
				args := &Args{A: int32(w), B: int32(i)}
				if err := c.Call("Calc.Add", args, &reply); err != nil {
					t.Errorf("worker %d call %d: %v", w, i, err)
					return
				}
				if reply.Result != int32(w)+int32(i) {
					t.Errorf("worker %d call %d: expect %d got %d", w, i, w+i, reply.Result)
					return
				}
			}
		}()
	}
	wg.Wait()

	if got := svc.callCount(); got != 80 {
		t.Fatalf("expect 80 calls, got %d", got)
	}
}
