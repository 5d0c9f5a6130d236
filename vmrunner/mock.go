package vmrunner

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cochaviz/firebreak/executor"
	"github.com/cochaviz/firebreak/profile"
	"github.com/cochaviz/firebreak/rpc"
)

// Mock is a deterministic, in-memory Runner backend: every "VM" is a
// goroutine running executor.Serve over a net.Pipe, standing in for the
// real guest executor. It exists so pool and sandbox tests exercise real
// RPC framing end-to-end without a hypervisor.
type Mock struct {
	codec    rpc.Codec
	registry *executor.Registry
	logger   *slog.Logger

	// ProvisionDelay simulates the time a real snapshot-provisioning
	// pipeline would take; tests override it to keep runs fast.
	ProvisionDelay time.Duration

	mu        sync.Mutex
	snapshots map[profile.PoolKey]Snapshot

	cancels map[string]context.CancelFunc
}

// NewMock constructs a Mock backend. registry is shared by every booted
// VM: it is the set of functions "available" inside every guest, matching
// the assumption that a capability profile's code is the same across all
// VMs drawn from its pool.
func NewMock(codec rpc.Codec, registry *executor.Registry, logger *slog.Logger) *Mock {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mock{
		codec:          codec,
		registry:       registry,
		logger:         logger,
		ProvisionDelay: 10 * time.Millisecond,
		snapshots:      make(map[profile.PoolKey]Snapshot),
		cancels:        make(map[string]context.CancelFunc),
	}
}

func (m *Mock) Boot(ctx context.Context, id string, cfg Config) (*Handle, error) {
	return m.spawn(id, nil)
}

func (m *Mock) Restore(ctx context.Context, id string, cfg Config, snap Snapshot) (*Handle, error) {
	return m.spawn(id, &snap)
}

func (m *Mock) spawn(id string, origin *Snapshot) (*Handle, error) {
	hostSide, guestSide := net.Pipe()

	serveCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.cancels[id] = cancel
	m.mu.Unlock()

	go func() {
		err := executor.Serve(serveCtx, guestSide, m.codec, m.registry, m.logger)
		if err != nil {
			m.logger.Debug("mock guest executor stopped", "vm_id", id, "err", err)
		}
		guestSide.Close()
	}()

	now := time.Now()
	return &Handle{
		ID:             id,
		State:          Ready,
		ControlSocket:  fmt.Sprintf("mock://%s", id),
		CreatedAt:      now,
		LastUsedAt:     now,
		SnapshotOrigin: origin,
		Stream:         hostSide,
	}, nil
}

func (m *Mock) Snapshot(ctx context.Context, h *Handle) (Snapshot, error) {
	select {
	case <-time.After(m.ProvisionDelay):
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	snap := Snapshot{Path: fmt.Sprintf("mock-snapshot-%s", h.ID), MemoryPath: fmt.Sprintf("mock-mem-%s", h.ID)}
	return snap, nil
}

func (m *Mock) Shutdown(ctx context.Context, h *Handle) error {
	return m.HardKill(ctx, h)
}

func (m *Mock) HardKill(ctx context.Context, h *Handle) error {
	m.mu.Lock()
	cancel, ok := m.cancels[h.ID]
	delete(m.cancels, h.ID)
	m.mu.Unlock()

	if !ok {
		// Already killed; idempotent per the Runner contract.
		return nil
	}
	cancel()
	if h.Stream != nil {
		if closer, ok := h.Stream.(interface{ Close() error }); ok {
			closer.Close()
		}
	}
	return nil
}
