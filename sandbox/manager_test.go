package sandbox_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cochaviz/firebreak/executor"
	"github.com/cochaviz/firebreak/pool"
	"github.com/cochaviz/firebreak/profile"
	"github.com/cochaviz/firebreak/rpc"
	"github.com/cochaviz/firebreak/sandbox"
	"github.com/cochaviz/firebreak/vmrunner"
)

func testPoolConfig() pool.Config {
	cfg := pool.DefaultConfig()
	cfg.MinSize = 1
	cfg.MaxSize = 2
	cfg.AcquireTimeout = 300 * time.Millisecond
	cfg.StartupTimeout = time.Second
	cfg.MaintenanceEvery = time.Hour
	return cfg
}

func newManager(t *testing.T, registry *executor.Registry) *sandbox.Manager {
	t.Helper()
	codec, err := rpc.NewCBORCodec()
	if err != nil {
		t.Fatalf("NewCBORCodec: %v", err)
	}
	backend := vmrunner.NewMock(codec, registry, nil)
	backend.ProvisionDelay = time.Millisecond

	m := sandbox.New(backend, vmrunner.Config{}, codec, testPoolConfig(), nil)
	t.Cleanup(func() { m.Stop(context.Background()) })
	return m
}

func baseProfile() profile.CapabilityProfile {
	return profile.CapabilityProfile{CPUMillis: 500, MemoryMB: 64}
}

func TestExecuteReturnsHandlerResult(t *testing.T) {
	registry := executor.NewRegistry()
	registry.Register("mod:greet", func(ctx context.Context, args, kwargs []byte) ([]byte, error) {
		return []byte("hello"), nil
	})
	m := newManager(t, registry)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	result, err := m.Execute(ctx, "mod:greet", nil, nil, baseProfile())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(result) != "hello" {
		t.Fatalf("unexpected result: %q", result)
	}
}

func TestExecuteWrapsHandlerErrorAsRemoteException(t *testing.T) {
	registry := executor.NewRegistry()
	registry.Register("mod:boom", func(ctx context.Context, args, kwargs []byte) ([]byte, error) {
		return nil, errors.New("division by zero")
	})
	m := newManager(t, registry)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := m.Execute(ctx, "mod:boom", nil, nil, baseProfile())
	if err == nil {
		t.Fatal("expected an error")
	}

	var remoteErr *sandbox.RemoteException
	if !errors.As(err, &remoteErr) {
		t.Fatalf("expected a *sandbox.RemoteException, got %T: %v", err, err)
	}
	if remoteErr.Kind != "ExecutionError" {
		t.Fatalf("unexpected kind: %s", remoteErr.Kind)
	}
}

func TestExecuteWrapsPanicAsRemoteException(t *testing.T) {
	registry := executor.NewRegistry()
	registry.Register("mod:panics", func(ctx context.Context, args, kwargs []byte) ([]byte, error) {
		panic("guest code exploded")
	})
	m := newManager(t, registry)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := m.Execute(ctx, "mod:panics", nil, nil, baseProfile())

	var remoteErr *sandbox.RemoteException
	if !errors.As(err, &remoteErr) {
		t.Fatalf("expected a *sandbox.RemoteException, got %T: %v", err, err)
	}
	if remoteErr.Kind != "PanicError" {
		t.Fatalf("unexpected kind: %s", remoteErr.Kind)
	}
	if remoteErr.RemoteTrace == "" {
		t.Fatal("expected a remote traceback")
	}
}

func TestExecuteRejectsInvalidProfile(t *testing.T) {
	registry := executor.NewRegistry()
	m := newManager(t, registry)

	_, err := m.Execute(context.Background(), "mod:anything", nil, nil, profile.CapabilityProfile{})
	if err == nil {
		t.Fatal("expected validation error for a zeroed profile")
	}
}

func TestExecutePropagatesPoolExhaustion(t *testing.T) {
	registry := executor.NewRegistry()
	registry.Register("mod:slow", func(ctx context.Context, args, kwargs []byte) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	m := newManager(t, registry)

	prof := baseProfile()

	// Occupy both VMs of the pool (MaxSize=2; each call blocks until its
	// own ctx times out) with two long calls, then a third should exhaust
	// the pool's AcquireTimeout.
	longCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go m.Execute(longCtx, "mod:slow", nil, nil, prof)
	go m.Execute(longCtx, "mod:slow", nil, nil, prof)
	time.Sleep(100 * time.Millisecond)

	shortCtx, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()

	_, err := m.Execute(shortCtx, "mod:full", nil, nil, prof)
	if !errors.Is(err, pool.ErrPoolExhausted) {
		t.Fatalf("expected pool.ErrPoolExhausted, got %v", err)
	}
}
