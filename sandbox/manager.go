// Package sandbox is the caller-facing entry point: it resolves a
// capability profile to a warm VM pool and dispatches one call through it,
// translating pool/RPC failures into the exception taxonomy a caller can
// branch on.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cochaviz/firebreak/pool"
	"github.com/cochaviz/firebreak/profile"
	"github.com/cochaviz/firebreak/rpc"
	"github.com/cochaviz/firebreak/vmrunner"
)

// Manager is the single object a caller holds: one per process, wrapping
// a pool.Manager and presenting profile-in, result-out semantics without
// exposing pool or RPC plumbing to the caller.
type Manager struct {
	pools  *pool.Manager
	logger *slog.Logger
}

// New constructs a Manager. vmCfg supplies the runner-level defaults
// (kernel/rootfs paths, network config) shared by every pool; per-call
// resource shape (cpu, memory, mounts, dependencies) comes from the
// profile passed to Execute.
func New(runner vmrunner.Runner, vmCfg vmrunner.Config, codec rpc.Codec, poolCfg pool.Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		pools:  pool.NewManager(runner, vmCfg, codec, poolCfg, logger),
		logger: logger,
	}
}

// Execute resolves prof to a pool, acquires a VM, dispatches functionRef
// with args/kwargs, releases the VM, and returns the raw codec-encoded
// result. The VM is always released, tainted or not, even when the call
// itself fails.
func (m *Manager) Execute(ctx context.Context, functionRef string, args, kwargs []byte, prof profile.CapabilityProfile) ([]byte, error) {
	if err := prof.Validate(); err != nil {
		return nil, fmt.Errorf("sandbox: invalid profile: %w", err)
	}

	p, err := m.pools.GetOrCreate(ctx, prof)
	if err != nil {
		return nil, err
	}

	req := rpc.Request{
		FunctionRef: functionRef,
		Args:        args,
		Kwargs:      kwargs,
		TimeoutMS:   int64(prof.CPUMillis),
	}

	resp, err := p.Execute(ctx, req)
	if err != nil {
		return nil, m.translate(functionRef, prof, err)
	}
	if !resp.Success {
		return nil, remoteExceptionFrom(resp.Error)
	}
	return resp.Result, nil
}

// translate maps a pool/RPC-level failure onto the exception taxonomy a
// caller of Execute sees. Pool-level errors (exhaustion, provisioning
// failure, shutdown) surface unchanged since they are already part of the
// documented taxonomy; only context and RPC transport errors get rewrapped
// into RemoteException-shaped values a caller can branch on by Kind.
func (m *Manager) translate(functionRef string, prof profile.CapabilityProfile, err error) error {
	switch {
	case errors.Is(err, pool.ErrPoolExhausted), errors.Is(err, pool.ErrProvisioning), errors.Is(err, pool.ErrShutdown):
		return err
	case errors.Is(err, context.Canceled):
		return ErrCancelled
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, rpc.ErrTimeout):
		return TimeoutException(fmt.Sprintf("function %s timed out after %dms", functionRef, prof.CPUMillis))
	case errors.Is(err, rpc.ErrRemoteCrash):
		return CrashException(fmt.Sprintf("function %s crashed its VM: %v", functionRef, err))
	default:
		return err
	}
}

func remoteExceptionFrom(e *rpc.RemoteError) *RemoteException {
	if e == nil {
		return &RemoteException{Kind: "UnknownError", Message: "guest reported failure with no detail"}
	}
	return &RemoteException{Kind: e.Kind, Message: e.Message, RemoteTrace: e.Traceback}
}

// Stop tears down every pool the manager has created, matching
// SandboxManager.stop.
func (m *Manager) Stop(ctx context.Context) error {
	return m.pools.Shutdown(ctx)
}

// Warm resolves prof to a pool, creating and starting it if this is the
// first use, and returns its current occupancy. It is the operation
// firebreakctl's "warm" command drives: out-of-band pool creation that
// still goes through the same GetOrCreate path Execute uses, never
// bypassing it.
func (m *Manager) Warm(ctx context.Context, prof profile.CapabilityProfile) (pool.Stats, error) {
	p, err := m.pools.GetOrCreate(ctx, prof)
	if err != nil {
		return pool.Stats{}, err
	}
	return p.Stats(), nil
}

// Inspect returns the occupancy of the pool for prof without creating one
// if it does not already exist.
func (m *Manager) Inspect(ctx context.Context, prof profile.CapabilityProfile) (pool.Stats, bool, error) {
	p, ok := m.pools.Lookup(prof)
	if !ok {
		return pool.Stats{}, false, nil
	}
	return p.Stats(), true, nil
}
