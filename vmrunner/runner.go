// Package vmrunner defines the VM lifecycle contract the pool manager
// drives, and ships a deterministic in-memory Mock backend alongside the
// real github.com/firecracker-microvm/firecracker-go-sdk-backed
// implementation in vmrunner/firecracker.
package vmrunner

import (
	"context"
	"time"

	"github.com/cochaviz/firebreak/profile"
	"github.com/cochaviz/firebreak/rpc"
)

// MinMemoryMB is the smallest memory ceiling a guest can boot with,
// mirrored from profile.GuestMinimumMemoryMB so callers that only import
// vmrunner don't need the profile package just for this constant.
const MinMemoryMB = profile.GuestMinimumMemoryMB

// State is a Handle's position in its lifecycle.
type State int

const (
	// Booting is a freshly requested VM with no control endpoint yet.
	Booting State = iota
	// Provisioning is a VM running the dependency-install pipeline; only
	// the provisioning VM itself and the pool's own bookkeeping ever see
	// this state, never an acquirer.
	Provisioning
	// Ready is idle in a pool, available to be acquired.
	Ready
	// InUse is checked out and dispatching exactly one call.
	InUse
	// Tainted failed a call (timeout, protocol error, crash) and must be
	// destroyed rather than returned to the pool.
	Tainted
	// Dead has been shut down; any further operation on it is an error.
	Dead
)

func (s State) String() string {
	switch s {
	case Booting:
		return "booting"
	case Provisioning:
		return "provisioning"
	case Ready:
		return "ready"
	case InUse:
		return "in_use"
	case Tainted:
		return "tainted"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// Config is the boot configuration for a VM, derived from a
// profile.CapabilityProfile by the pool before calling Boot.
type Config struct {
	VCPUCount    int
	MemoryMB     int
	KernelPath   string
	RootFSPath   string
	Net          profile.NetPolicy
	FS           []profile.Mount
	Dependencies []profile.Dependency
}

// Snapshot identifies a provisioned, dependency-installed VM image a pool
// restores subsequent VMs from, so only the first VM in a pool pays the
// cost of installing dependencies.
type Snapshot struct {
	PoolKey      profile.PoolKey
	Path         string
	MemoryPath   string
	Dependencies []profile.Dependency
}

// Handle is a live VM's identity and mutable lifecycle bookkeeping. The
// pool owns the State/CallCount/timestamp fields; a Runner only reads them
// for logging.
type Handle struct {
	ID             string
	State          State
	ControlSocket  string
	CallCount      int
	CreatedAt      time.Time
	LastUsedAt     time.Time
	SnapshotOrigin *Snapshot

	// Stream is the host's end of the host<->guest channel: a net.Pipe
	// half for the Mock backend, a vsock connection for the Firecracker
	// backend.
	Stream rpc.Stream
}

// Runner manages the lifecycle of individual VMs. Exactly one goroutine
// calls into a given VM's methods at a time; the pool enforces this.
type Runner interface {
	// Boot starts a fresh VM from the base image (no snapshot) and
	// returns a Handle once its executor is reachable over Stream.
	Boot(ctx context.Context, id string, cfg Config) (*Handle, error)

	// Restore starts a VM from a prior Snapshot, skipping the dependency
	// install step since the snapshot already has it baked in.
	Restore(ctx context.Context, id string, cfg Config, snap Snapshot) (*Handle, error)

	// Snapshot pauses the VM and persists its state, returning a Snapshot
	// later VMs can Restore from. Called at most once per pool (the
	// "exactly-one-snapshot" invariant is enforced by the caller, not by
	// Runner itself).
	Snapshot(ctx context.Context, h *Handle) (Snapshot, error)

	// Shutdown gracefully stops the VM and releases its resources.
	Shutdown(ctx context.Context, h *Handle) error

	// HardKill forcibly terminates the VM. It is idempotent: calling it
	// on an already-dead VM is not an error.
	HardKill(ctx context.Context, h *Handle) error
}
