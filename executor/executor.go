// Package executor implements the in-guest side of the RPC contract: a
// registry of callable function references and a daemon loop that serves
// one framed request at a time over a stream, never crashing on handler
// failure.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cochaviz/firebreak/rpc"
)

// Handler executes one call. args and kwargs are the codec-encoded
// argument and keyword-argument payloads exactly as received on the
// wire; a handler decodes them itself with the same rpc.Codec the
// executor was constructed with, since Go has no dynamic "unpack into
// whatever the callee expects" the way the original's *args/**kwargs did.
type Handler func(ctx context.Context, args, kwargs []byte) ([]byte, error)

// Installer applies a dependency list to the running guest, invoked for
// the reserved rpc.InstallFunctionRef request. It is separate from
// Handler because it operates on the guest environment, not on
// arbitrary args/kwargs.
type Installer func(ctx context.Context, dependencies []string) error

// Registry maps "module:qualname"-shaped function references to
// Handlers. Go has no runtime import-by-string, so registration is
// explicit: callers Register every reachable function before Serve
// starts accepting connections.
type Registry struct {
	mu        sync.RWMutex
	handlers  map[string]Handler
	installer Installer
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a function reference to a Handler. Registering the same
// ref twice replaces the previous handler.
func (r *Registry) Register(ref string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[ref] = h
}

// SetInstaller binds the handler invoked for rpc.InstallFunctionRef.
func (r *Registry) SetInstaller(i Installer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.installer = i
}

func (r *Registry) lookup(ref string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[ref]
	return h, ok
}

func (r *Registry) installerFunc() Installer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.installer
}

// installRequest is the payload shape carried in a Request.Kwargs for the
// reserved install command, mirroring the original's {command: "install",
// dependencies} envelope but reusing the ordinary RPC framing instead of
// a side-channel protocol.
type installRequest struct {
	Dependencies []string `cbor:"dependencies"`
}

// Serve reads one request at a time from conn until ctx is cancelled or
// the stream is closed, dispatching each to the Registry and writing back
// a Response. It never returns on a handler error or panic; only ctx
// cancellation or a transport-level read/write failure ends the loop.
func Serve(ctx context.Context, conn rpc.Stream, codec rpc.Codec, registry *Registry, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		req, err := readRequest(conn, codec)
		if err != nil {
			return fmt.Errorf("executor: read request: %w", err)
		}

		resp := dispatch(ctx, registry, codec, req, logger)

		if err := writeResponse(conn, codec, resp); err != nil {
			return fmt.Errorf("executor: write response: %w", err)
		}
	}
}

func dispatch(ctx context.Context, registry *Registry, codec rpc.Codec, req rpc.Request, logger *slog.Logger) (resp rpc.Response) {
	resp.CallID = req.CallID

	defer func() {
		if p := recover(); p != nil {
			logger.Error("handler panicked", "function_ref", req.FunctionRef, "call_id", req.CallID, "panic", p)
			resp.Success = false
			resp.Error = &rpc.RemoteError{
				Kind:      "PanicError",
				Message:   fmt.Sprint(p),
				Traceback: string(debug.Stack()),
			}
		}
	}()

	if req.FunctionRef == rpc.InstallFunctionRef {
		return runInstall(ctx, registry, codec, req, logger)
	}

	handler, ok := registry.lookup(req.FunctionRef)
	if !ok {
		resp.Success = false
		resp.Error = &rpc.RemoteError{
			Kind:    "LookupError",
			Message: fmt.Sprintf("no handler registered for %q", req.FunctionRef),
		}
		return resp
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if req.TimeoutMS > 0 {
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	result, err := handler(callCtx, req.Args, req.Kwargs)
	if err != nil {
		resp.Success = false
		resp.Error = &rpc.RemoteError{
			Kind:    "ExecutionError",
			Message: err.Error(),
		}
		return resp
	}

	resp.Success = true
	resp.Result = result
	return resp
}

func runInstall(ctx context.Context, registry *Registry, codec rpc.Codec, req rpc.Request, logger *slog.Logger) rpc.Response {
	resp := rpc.Response{CallID: req.CallID}

	installer := registry.installerFunc()
	if installer == nil {
		resp.Error = &rpc.RemoteError{Kind: "InstallError", Message: "no installer configured"}
		return resp
	}

	var payload installRequest
	if err := codec.Unmarshal(req.Kwargs, &payload); err != nil {
		resp.Error = &rpc.RemoteError{Kind: "InstallError", Message: fmt.Sprintf("decode install payload: %v", err)}
		return resp
	}

	logger.Info("installing dependencies", "dependencies", payload.Dependencies)
	if err := installer(ctx, payload.Dependencies); err != nil {
		resp.Error = &rpc.RemoteError{Kind: "InstallError", Message: err.Error()}
		return resp
	}

	resp.Success = true
	return resp
}

func readRequest(conn rpc.Stream, codec rpc.Codec) (rpc.Request, error) {
	raw, err := rpc.ReadFrame(conn)
	if err != nil {
		return rpc.Request{}, err
	}
	var req rpc.Request
	if err := codec.Unmarshal(raw, &req); err != nil {
		return rpc.Request{}, err
	}
	return req, nil
}

func writeResponse(conn rpc.Stream, codec rpc.Codec, resp rpc.Response) error {
	payload, err := codec.Marshal(resp)
	if err != nil {
		return err
	}
	return rpc.WriteFrame(conn, payload)
}
