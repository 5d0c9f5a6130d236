package vmrunner_test

import (
	"context"
	"testing"
	"time"

	"github.com/cochaviz/firebreak/executor"
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

func TestMockBootServesRegisteredFunction(t *testing.T) {
	codec := newCodec(t)
	registry := executor.NewRegistry()
	registry.Register("mod:double", func(ctx context.Context, args, kwargs []byte) ([]byte, error) {
		return []byte("2"), nil
	})

	backend := vmrunner.NewMock(codec, registry, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	handle, err := backend.Boot(ctx, "vm-1", vmrunner.Config{MemoryMB: 64})
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	t.Cleanup(func() { backend.HardKill(context.Background(), handle) })

	client := rpc.NewClient(codec)
	resp, err := client.Call(ctx, handle.Stream, rpc.Request{FunctionRef: "mod:double"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !resp.Success || string(resp.Result) != "2" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestMockHardKillIsIdempotent(t *testing.T) {
	codec := newCodec(t)
	registry := executor.NewRegistry()
	backend := vmrunner.NewMock(codec, registry, nil)

	ctx := context.Background()
	handle, err := backend.Boot(ctx, "vm-2", vmrunner.Config{MemoryMB: 64})
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}

	if err := backend.HardKill(ctx, handle); err != nil {
		t.Fatalf("first HardKill: %v", err)
	}
	if err := backend.HardKill(ctx, handle); err != nil {
		t.Fatalf("second HardKill should be idempotent, got: %v", err)
	}
}

func TestMockRestoreUsesSnapshotOrigin(t *testing.T) {
	codec := newCodec(t)
	registry := executor.NewRegistry()
	backend := vmrunner.NewMock(codec, registry, nil)

	ctx := context.Background()
	snap := vmrunner.Snapshot{Path: "snap-path", MemoryPath: "mem-path"}
	handle, err := backend.Restore(ctx, "vm-3", vmrunner.Config{MemoryMB: 64}, snap)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	t.Cleanup(func() { backend.HardKill(ctx, handle) })

	if handle.SnapshotOrigin == nil || handle.SnapshotOrigin.Path != "snap-path" {
		t.Fatalf("expected snapshot origin to be tracked, got %+v", handle.SnapshotOrigin)
	}
}
