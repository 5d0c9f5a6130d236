package executor_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/cochaviz/firebreak/executor"
	"github.com/cochaviz/firebreak/rpc"
)

func newCodec(t *testing.T) rpc.Codec {
	t.Helper()
	codec, err := rpc.NewCBORCodec()
	if err != nil {
		t.Fatalf("NewCBORCodec: %v", err)
	}
	return codec
}

func serveInBackground(t *testing.T, registry *executor.Registry, codec rpc.Codec) (client rpc.Stream) {
	t.Helper()
	clientSide, guestSide := net.Pipe()
	t.Cleanup(func() {
		clientSide.Close()
		guestSide.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go executor.Serve(ctx, guestSide, codec, registry, nil)
	return clientSide
}

func TestServeDispatchesRegisteredHandler(t *testing.T) {
	codec := newCodec(t)
	registry := executor.NewRegistry()
	registry.Register("mod:add", func(ctx context.Context, args, kwargs []byte) ([]byte, error) {
		return []byte("4"), nil
	})

	stream := serveInBackground(t, registry, codec)
	client := rpc.NewClient(codec)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resp, err := client.Call(ctx, stream, rpc.Request{FunctionRef: "mod:add"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !resp.Success || string(resp.Result) != "4" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestServeRecoversFromHandlerPanic(t *testing.T) {
	codec := newCodec(t)
	registry := executor.NewRegistry()
	registry.Register("mod:boom", func(ctx context.Context, args, kwargs []byte) ([]byte, error) {
		panic("kaboom")
	})

	stream := serveInBackground(t, registry, codec)
	client := rpc.NewClient(codec)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resp, err := client.Call(ctx, stream, rpc.Request{FunctionRef: "mod:boom"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Success {
		t.Fatal("expected failure response")
	}
	if resp.Error == nil || resp.Error.Kind != "PanicError" {
		t.Fatalf("expected PanicError, got %+v", resp.Error)
	}

	// The executor loop itself must still be alive for a second call.
	resp2, err := client.Call(ctx, stream, rpc.Request{FunctionRef: "mod:unknown"})
	if err != nil {
		t.Fatalf("second Call after panic: %v", err)
	}
	if resp2.Success || resp2.Error == nil || resp2.Error.Kind != "LookupError" {
		t.Fatalf("expected LookupError after recovering from panic, got %+v", resp2)
	}
}

func TestServeRunsInstaller(t *testing.T) {
	codec := newCodec(t)
	registry := executor.NewRegistry()

	var installed []string
	registry.SetInstaller(func(ctx context.Context, dependencies []string) error {
		installed = dependencies
		return nil
	})

	stream := serveInBackground(t, registry, codec)
	client := rpc.NewClient(codec)

	kwargs, err := codec.Marshal(map[string]any{"dependencies": []string{"requests", "flask"}})
	if err != nil {
		t.Fatalf("marshal kwargs: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resp, err := client.Call(ctx, stream, rpc.Request{FunctionRef: rpc.InstallFunctionRef, Kwargs: kwargs})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !resp.Success {
		t.Fatalf("install failed: %+v", resp.Error)
	}
	if len(installed) != 2 {
		t.Fatalf("expected installer invoked with 2 dependencies, got %v", installed)
	}
}

func TestServeReturnsErrorForUnknownFunction(t *testing.T) {
	codec := newCodec(t)
	registry := executor.NewRegistry()
	stream := serveInBackground(t, registry, codec)
	client := rpc.NewClient(codec)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resp, err := client.Call(ctx, stream, rpc.Request{FunctionRef: "mod:missing"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Success {
		t.Fatal("expected failure for unknown function")
	}
	if resp.Error.Kind != "LookupError" {
		t.Fatalf("expected LookupError, got %q", resp.Error.Kind)
	}
}
