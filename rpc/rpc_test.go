package rpc_test

import (
	"context"
	"net"
	"testing"
	"time"

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

func TestClientCallRoundTrip(t *testing.T) {
	codec := newCodec(t)
	clientSide, guestSide := net.Pipe()
	t.Cleanup(func() {
		clientSide.Close()
		guestSide.Close()
	})

	go func() {
		raw, err := rpc.ReadFrame(guestSide)
		if err != nil {
			return
		}
		var req rpc.Request
		if err := codec.Unmarshal(raw, &req); err != nil {
			return
		}
		resp := rpc.Response{CallID: req.CallID, Success: true, Result: []byte("ok")}
		payload, _ := codec.Marshal(resp)
		rpc.WriteFrame(guestSide, payload)
	}()

	client := rpc.NewClient(codec)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := client.Call(ctx, clientSide, rpc.Request{FunctionRef: "mod:fn"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !resp.Success || string(resp.Result) != "ok" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestClientCallTimesOutWhenGuestNeverResponds(t *testing.T) {
	codec := newCodec(t)
	clientSide, guestSide := net.Pipe()
	t.Cleanup(func() {
		clientSide.Close()
		guestSide.Close()
	})

	go func() {
		// Drain the request but never answer it.
		rpc.ReadFrame(guestSide)
	}()

	client := rpc.NewClient(codec)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Call(ctx, clientSide, rpc.Request{FunctionRef: "mod:fn"})
	if err == nil {
		t.Fatal("expected timeout error, got nil")
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	clientSide, guestSide := net.Pipe()
	t.Cleanup(func() {
		clientSide.Close()
		guestSide.Close()
	})

	go func() {
		header := []byte{0xFF, 0xFF, 0xFF, 0xFF}
		guestSide.Write(header)
	}()

	_, err := rpc.ReadFrame(clientSide)
	if err == nil {
		t.Fatal("expected protocol error for oversized frame")
	}
}
