package pool_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cochaviz/firebreak/executor"
	"github.com/cochaviz/firebreak/pool"
	"github.com/cochaviz/firebreak/profile"
	"github.com/cochaviz/firebreak/rpc"
	"github.com/cochaviz/firebreak/vmrunner"
)

func newCodec(t *testing.T) rpc.Codec {
	t.Helper()
	codec, err := rpc.NewCBORCodec()
	if err != nil {
		t.Fatalf("NewCBORCodec: %v", err)
	}
	return codec
}

func testProfile(deps ...profile.Dependency) profile.CapabilityProfile {
	return profile.CapabilityProfile{
		CPUMillis:    500,
		MemoryMB:     64,
		Dependencies: deps,
	}
}

func newTestPool(t *testing.T, prof profile.CapabilityProfile, cfg pool.Config) (*pool.Pool, *executor.Registry) {
	t.Helper()
	codec := newCodec(t)
	registry := executor.NewRegistry()
	registry.Register("mod:echo", func(ctx context.Context, args, kwargs []byte) ([]byte, error) {
		return []byte("echo"), nil
	})
	registry.SetInstaller(func(ctx context.Context, dependencies []string) error {
		return nil
	})

	backend := vmrunner.NewMock(codec, registry, nil)
	backend.ProvisionDelay = time.Millisecond

	key := profile.Hash(prof)
	p := pool.New(key, prof, backend, vmrunner.Config{MemoryMB: prof.MemoryMB}, cfg, codec, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { p.Stop(context.Background()) })

	return p, registry
}

func testConfig() pool.Config {
	cfg := pool.DefaultConfig()
	cfg.MinSize = 1
	cfg.MaxSize = 2
	cfg.AcquireTimeout = 200 * time.Millisecond
	cfg.StartupTimeout = time.Second
	cfg.MaintenanceEvery = time.Hour
	return cfg
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	p, _ := newTestPool(t, testProfile(), testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resp, err := p.Execute(ctx, rpc.Request{FunctionRef: "mod:echo"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !resp.Success || string(resp.Result) != "echo" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	stats := p.Stats()
	if stats.InUse != 0 {
		t.Fatalf("expected VM released, in_use=%d", stats.InUse)
	}
}

func TestPoolExhaustionReturnsError(t *testing.T) {
	cfg := testConfig()
	cfg.MinSize = 0
	cfg.MaxSize = 1
	p, _ := newTestPool(t, testProfile(), cfg)

	ctx := context.Background()
	h1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer p.Release(ctx, h1, false)

	acquireCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, err = p.Acquire(acquireCtx)
	if err == nil {
		t.Fatal("expected pool exhaustion error")
	}
}

func TestTaintedVMIsDestroyedNotReused(t *testing.T) {
	cfg := testConfig()
	cfg.MinSize = 0
	cfg.MaxSize = 1
	p, _ := newTestPool(t, testProfile(), cfg)

	ctx := context.Background()
	h1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	firstID := h1.ID
	p.Release(ctx, h1, true)

	h2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	defer p.Release(ctx, h2, false)

	if h2.ID == firstID {
		t.Fatal("expected a fresh VM after tainting, got the same one back")
	}
}

func TestProvisioningRunsExactlyOnce(t *testing.T) {
	prof := testProfile("requests>=2.0")
	var installCount int
	var mu sync.Mutex

	codec := newCodec(t)
	registry := executor.NewRegistry()
	registry.SetInstaller(func(ctx context.Context, dependencies []string) error {
		mu.Lock()
		installCount++
		mu.Unlock()
		return nil
	})

	backend := vmrunner.NewMock(codec, registry, nil)
	backend.ProvisionDelay = time.Millisecond

	key := profile.Hash(prof)
	cfg := testConfig()
	cfg.MinSize = 2
	p := pool.New(key, prof, backend, vmrunner.Config{MemoryMB: prof.MemoryMB}, cfg, codec, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { p.Stop(context.Background()) })

	mu.Lock()
	defer mu.Unlock()
	if installCount != 1 {
		t.Fatalf("expected exactly one install call, got %d", installCount)
	}
}

func TestFIFOWaiterGetsNextReleasedVM(t *testing.T) {
	cfg := testConfig()
	cfg.MinSize = 0
	cfg.MaxSize = 1
	cfg.AcquireTimeout = time.Second
	p, _ := newTestPool(t, testProfile(), cfg)

	ctx := context.Background()
	h1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	type acquireResult struct {
		h   *vmrunner.Handle
		err error
	}
	resultCh := make(chan acquireResult, 1)
	go func() {
		h, err := p.Acquire(ctx)
		resultCh <- acquireResult{h, err}
	}()

	time.Sleep(50 * time.Millisecond)
	p.Release(ctx, h1, false)

	select {
	case res := <-resultCh:
		if res.err != nil {
			t.Fatalf("waiter Acquire failed: %v", res.err)
		}
		p.Release(ctx, res.h, false)
	case <-time.After(time.Second):
		t.Fatal("waiter never received the released VM")
	}
}
