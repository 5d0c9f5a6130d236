// Package firecracker implements vmrunner.Runner against real
// microVMs via github.com/firecracker-microvm/firecracker-go-sdk. Each
// VM gets its own run directory, vsock UDS, and (per the profile's
// network policy) tap device, adapted from
// other_examples/buildkite-cleanroom's per-sandbox run-directory shape.
package firecracker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	sdk "github.com/firecracker-microvm/firecracker-go-sdk"
	fcmodels "github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	fcvsock "github.com/firecracker-microvm/firecracker-go-sdk/vsock"
	"golang.org/x/sys/unix"

	"github.com/cochaviz/firebreak/vmrunner"
)

const (
	guestVsockPort   = 5000
	vsockDialRetry   = 50 * time.Millisecond
	defaultBootArgs  = "console=ttyS0 reboot=k panic=1 pci=off"
	defaultVCPUCount = 1
)

// Config carries the operator-supplied paths and binaries the Runner
// needs; per-VM values (memory, dependencies, network policy) come from
// vmrunner.Config on each Boot/Restore call.
type Config struct {
	BinaryPath string // path to the firecracker binary
	KernelPath string
	RootFSPath string
	RunDirRoot string // parent directory for per-VM run directories
	Network    NetworkConfig
}

// Runner is the real vmrunner.Runner backend.
type Runner struct {
	cfg     Config
	logger  *slog.Logger
	network *networkManager
	disks   *diskBuilder

	mu       sync.Mutex
	machines map[string]*vmState
}

type vmState struct {
	machine   *sdk.Machine
	runDir    string
	pid       int
	vsockUDS  string
	netHandle *tapHandle
}

// New constructs a Runner. logger may be nil, in which case slog.Default
// is used.
func New(cfg Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:      cfg,
		logger:   logger,
		network:  newNetworkManager(cfg.Network, logger),
		disks:    newDiskBuilder(logger),
		machines: make(map[string]*vmState),
	}
}

func (r *Runner) Network() *networkManager { return r.network }
func (r *Runner) Disks() *diskBuilder      { return r.disks }

func (r *Runner) Boot(ctx context.Context, id string, vcfg vmrunner.Config) (*vmrunner.Handle, error) {
	return r.launch(ctx, id, vcfg, nil)
}

func (r *Runner) Restore(ctx context.Context, id string, vcfg vmrunner.Config, snap vmrunner.Snapshot) (*vmrunner.Handle, error) {
	return r.launch(ctx, id, vcfg, &snap)
}

func (r *Runner) launch(ctx context.Context, id string, vcfg vmrunner.Config, snap *vmrunner.Snapshot) (*vmrunner.Handle, error) {
	runDir := filepath.Join(r.cfg.RunDirRoot, id)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("firecracker: create run dir for %s: %w", id, err)
	}

	socketPath := filepath.Join(runDir, "firecracker.sock")
	vsockUDS := filepath.Join(runDir, "vsock.sock")

	tap, err := r.Network().attach(ctx, id, vcfg.Net)
	if err != nil {
		return nil, fmt.Errorf("firecracker: attach network for %s: %w", id, err)
	}

	machineCfg := sdk.Config{
		SocketPath:      socketPath,
		KernelImagePath: nonEmpty(vcfg.KernelPath, r.cfg.KernelPath),
		KernelArgs:      defaultBootArgs,
		Drives: []fcmodels.Drive{
			{
				DriveID:      sdk.String("rootfs"),
				PathOnHost:   sdk.String(nonEmpty(vcfg.RootFSPath, r.cfg.RootFSPath)),
				IsRootDevice: sdk.Bool(true),
				IsReadOnly:   sdk.Bool(false),
			},
		},
		MachineCfg: fcmodels.MachineConfiguration{
			VcpuCount:  sdk.Int64(int64(nonZero(vcfg.VCPUCount, defaultVCPUCount))),
			MemSizeMib: sdk.Int64(int64(vcfg.MemoryMB)),
		},
		VsockDevices: []sdk.VsockDevice{
			{Path: vsockUDS, CID: 3},
		},
	}

	if tap != nil {
		machineCfg.NetworkInterfaces = sdk.NetworkInterfaces{{
			StaticConfiguration: &sdk.StaticNetworkConfiguration{
				HostDevName: tap.name,
			},
		}}
	}

	if disks, derr := r.Disks().overlaysFor(runDir, vcfg.FS); derr == nil {
		machineCfg.Drives = append(machineCfg.Drives, disks...)
	} else {
		return nil, fmt.Errorf("firecracker: build overlay disks for %s: %w", id, derr)
	}

	var machineOpts []sdk.Opt
	if snap != nil {
		machineOpts = append(machineOpts, sdk.WithSnapshot(snap.MemoryPath, snap.Path))
	}

	machine, err := sdk.NewMachine(ctx, machineCfg, machineOpts...)
	if err != nil {
		r.Network().detach(tap)
		return nil, fmt.Errorf("firecracker: construct machine for %s: %w", id, err)
	}

	if err := machine.Start(ctx); err != nil {
		r.Network().detach(tap)
		return nil, fmt.Errorf("firecracker: start machine %s: %w", id, err)
	}

	conn, err := dialVsockUntilReady(ctx, vsockUDS, guestVsockPort)
	if err != nil {
		_ = machine.StopVMM()
		r.Network().detach(tap)
		return nil, fmt.Errorf("firecracker: dial guest executor for %s: %w", id, err)
	}

	pid := 0
	if p, err := machine.PID(); err == nil {
		pid = p
	}

	r.mu.Lock()
	r.machines[id] = &vmState{machine: machine, runDir: runDir, pid: pid, vsockUDS: vsockUDS, netHandle: tap}
	r.mu.Unlock()

	now := time.Now()
	return &vmrunner.Handle{
		ID:            id,
		State:         vmrunner.Ready,
		ControlSocket: socketPath,
		CreatedAt:     now,
		LastUsedAt:    now,
		Stream:        conn,
	}, nil
}

func (r *Runner) Snapshot(ctx context.Context, h *vmrunner.Handle) (vmrunner.Snapshot, error) {
	r.mu.Lock()
	st, ok := r.machines[h.ID]
	r.mu.Unlock()
	if !ok {
		return vmrunner.Snapshot{}, fmt.Errorf("firecracker: no machine tracked for %s", h.ID)
	}

	if err := st.machine.PauseVM(ctx); err != nil {
		return vmrunner.Snapshot{}, fmt.Errorf("firecracker: pause %s for snapshot: %w", h.ID, err)
	}

	snapPath := filepath.Join(st.runDir, "snapshot")
	memPath := filepath.Join(st.runDir, "memory")
	if err := st.machine.CreateSnapshot(ctx, memPath, snapPath); err != nil {
		return vmrunner.Snapshot{}, fmt.Errorf("firecracker: create snapshot for %s: %w", h.ID, err)
	}

	return vmrunner.Snapshot{Path: snapPath, MemoryPath: memPath}, nil
}

func (r *Runner) Shutdown(ctx context.Context, h *vmrunner.Handle) error {
	r.mu.Lock()
	st, ok := r.machines[h.ID]
	delete(r.machines, h.ID)
	r.mu.Unlock()
	if !ok {
		return nil
	}

	if err := st.machine.Shutdown(ctx); err != nil {
		r.logger.Warn("graceful shutdown failed, hard killing", "vm_id", h.ID, "err", err)
		return r.hardKill(st)
	}
	r.Network().detach(st.netHandle)
	return nil
}

func (r *Runner) HardKill(ctx context.Context, h *vmrunner.Handle) error {
	r.mu.Lock()
	st, ok := r.machines[h.ID]
	delete(r.machines, h.ID)
	r.mu.Unlock()
	if !ok {
		// Idempotent: nothing tracked means already killed.
		return nil
	}
	return r.hardKill(st)
}

func (r *Runner) hardKill(st *vmState) error {
	defer r.Network().detach(st.netHandle)

	if st.pid == 0 {
		return nil
	}
	if err := unix.Kill(st.pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		return fmt.Errorf("firecracker: SIGKILL pid %d: %w", st.pid, err)
	}
	return nil
}

func nonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func nonZero(a, b int) int {
	if a != 0 {
		return a
	}
	return b
}

// dialVsockUntilReady mirrors buildkite-cleanroom's dialVsockUntilReady:
// the guest executor may not be listening the instant the VM boots, so
// dial is retried until ctx expires.
func dialVsockUntilReady(ctx context.Context, vsockPath string, guestPort uint32) (net.Conn, error) {
	ticker := time.NewTicker(vsockDialRetry)
	defer ticker.Stop()

	for {
		conn, err := fcvsock.DialContext(ctx, vsockPath, guestPort)
		if err == nil {
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timed out dialing vsock guest agent at %s: %w", vsockPath, ctx.Err())
		case <-ticker.C:
		}
	}
}
