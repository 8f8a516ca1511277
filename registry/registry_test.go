package registry

import (
	"sync"
	"testing"
	"time"
)

func instance(service, host string, port int) *ServiceInstance {
	return &ServiceInstance{
		ServiceName:   service,
		Host:          host,
		Port:          port,
		Weight:        1,
		Healthy:       true,
		LastHeartbeat: time.Now().UnixMilli(),
	}
}

func TestInstanceRoundTrip(t *testing.T) {
	original := instance("Calc", "10.0.0.5", 9000)
	original.Metadata = map[string]string{"zone": "a", "version": "2"}

	data, err := MarshalInstance(original)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := UnmarshalInstance(data)
	if err != nil {
		t.Fatal(err)
	}

	if decoded.ID() != "10.0.0.5:9000" || decoded.ServiceName != "Calc" ||
		decoded.Metadata["zone"] != "a" || !decoded.Healthy {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
}

func TestEffectiveWeight(t *testing.T) {
	inst := instance("Calc", "h", 1)
	inst.Weight = 0
	if inst.EffectiveWeight() != 1 {
		t.Fatal("expect zero weight to read as 1")
	}
	inst.Weight = -3
	if inst.EffectiveWeight() != 1 {
		t.Fatal("expect negative weight to read as 1")
	}
	inst.Weight = 5
	if inst.EffectiveWeight() != 5 {
		t.Fatal("expect positive weight unchanged")
	}
}

func TestValidate(t *testing.T) {
	if err := (&ServiceInstance{Host: "h", Port: 1}).Validate(); err != ErrEmptyServiceName {
		t.Fatalf("expect ErrEmptyServiceName, got %v", err)
	}
	if err := instance("Calc", "h", 0).Validate(); err == nil {
		t.Fatal("expect port 0 to be invalid")
	}
}

func TestMemoryRegisterDiscoverUnregister(t *testing.T) {
	r := NewMemoryRegistry(time.Minute)
	defer r.Close()

	if err := r.Register(instance("Calc", "127.0.0.1", 9000)); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(instance("Calc", "127.0.0.1", 9001)); err != nil {
		t.Fatal(err)
	}

	instances, err := r.Discover("Calc")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 2 {
		t.Fatalf("expect 2 instances, got %d", len(instances))
	}

	if err := r.Unregister("Calc", "127.0.0.1:9000"); err != nil {
		t.Fatal(err)
	}
	instances, _ = r.Discover("Calc")
	if len(instances) != 1 || instances[0].ID() != "127.0.0.1:9001" {
		t.Fatalf("expect only 9001 left, got %+v", instances)
	}

	if instances, _ := r.Discover("Unknown"); len(instances) != 0 {
		t.Fatal("expect empty snapshot for unknown service")
	}
}

func TestMemorySubscribe(t *testing.T) {
	r := NewMemoryRegistry(time.Minute)
	defer r.Close()

	var mu sync.Mutex
	var lastSnapshot []ServiceInstance
	r.Subscribe("Calc", func(instances []ServiceInstance) {
		mu.Lock()
		lastSnapshot = instances
		mu.Unlock()
	})

	r.Register(instance("Calc", "127.0.0.1", 9000))
	mu.Lock()
	n := len(lastSnapshot)
	mu.Unlock()
	if n != 1 {
		t.Fatalf("expect callback with 1 instance, got %d", n)
	}

	r.Unregister("Calc", "127.0.0.1:9000")
	mu.Lock()
	n = len(lastSnapshot)
	mu.Unlock()
	if n != 0 {
		t.Fatalf("expect callback with empty snapshot, got %d", n)
	}

	r.Unsubscribe("Calc")
	r.Register(instance("Calc", "127.0.0.1", 9002))
	mu.Lock()
	n = len(lastSnapshot)
	mu.Unlock()
	if n != 0 {
		t.Fatal("expect no callback after unsubscribe")
	}
}

func TestMemoryHeartbeatAndEviction(t *testing.T) {
	r := NewMemoryRegistry(50 * time.Millisecond)
	defer r.Close()

	stale := instance("Calc", "127.0.0.1", 9000)
	stale.LastHeartbeat = time.Now().Add(-time.Hour).UnixMilli()
	fresh := instance("Calc", "127.0.0.1", 9001)
	r.Register(stale)
	r.Register(fresh)

	// Keep 9001 alive across monitor rounds; 9000 never beats.
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if err := r.Heartbeat("Calc", "127.0.0.1:9001"); err != nil {
			t.Fatalf("heartbeat failed: %v", err)
		}
		instances, _ := r.Discover("Calc")
		if len(instances) == 1 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	instances, _ := r.Discover("Calc")
	if len(instances) != 1 || instances[0].ID() != "127.0.0.1:9001" {
		t.Fatalf("expect stale instance evicted, survivors: %+v", instances)
	}

	if err := r.Heartbeat("Calc", "127.0.0.1:9000"); err != ErrUnavailable {
		t.Fatalf("expect heartbeat on evicted instance to fail, got %v", err)
	}
}

func TestMemoryListServices(t *testing.T) {
	r := NewMemoryRegistry(time.Minute)
	defer r.Close()

	r.Register(instance("Calc", "h", 1))
	r.Register(instance("Echo", "h", 2))

	names, err := r.ListServices()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "Calc" || names[1] != "Echo" {
		t.Fatalf("expect [Calc Echo], got %v", names)
	}
}

func TestFactory(t *testing.T) {
	r, err := New("memory", "", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	r.Close()

	if _, err := New("consul", "", time.Minute); err == nil {
		t.Fatal("expect unknown backend to fail")
	}
}
