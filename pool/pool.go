// Package pool implements the warm VM worker pool and the pool manager
// that multiplexes pools by profile.PoolKey.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cochaviz/firebreak/profile"
	"github.com/cochaviz/firebreak/rpc"
	"github.com/cochaviz/firebreak/vmrunner"
)

// ErrPoolExhausted is returned when a pool is at max_size and no VM
// becomes available before the acquire deadline.
var ErrPoolExhausted = errors.New("pool: exhausted")

// ErrProvisioning is returned by every Acquire on a pool whose one-time
// dependency-snapshot step failed; the pool is poisoned and never
// recovers, since retrying provisioning automatically risks silently
// running a function against a half-installed dependency set.
var ErrProvisioning = errors.New("pool: provisioning failed")

// ErrShutdown is returned by any operation on a pool that has been
// stopped.
var ErrShutdown = errors.New("pool: shut down")

// Config tunes a Pool's admission and recycling behavior.
type Config struct {
	MinSize        int
	MaxSize        int
	MaxCallsPerVM  int
	IdleTimeout    time.Duration
	StartupTimeout time.Duration
	AcquireTimeout time.Duration
	MaintenanceEvery time.Duration
}

// DefaultConfig returns conservative defaults suitable for a single-node
// deployment: one warm VM kept ready per profile, up to ten concurrent,
// each recycled after 100 calls or five minutes idle.
func DefaultConfig() Config {
	return Config{
		MinSize:          1,
		MaxSize:          10,
		MaxCallsPerVM:    100,
		IdleTimeout:      300 * time.Second,
		StartupTimeout:   30 * time.Second,
		AcquireTimeout:   10 * time.Second,
		MaintenanceEvery: 60 * time.Second,
	}
}

type waiter struct {
	ch chan *vmrunner.Handle
}

// Pool manages the warm VMs for a single profile.PoolKey. Internal state
// is protected by one mutex held only across O(1) mutation; acquirers
// that find nothing ready block on a buffered channel appended to a FIFO
// waiter queue, so the longest-waiting caller is always served first.
type Pool struct {
	key     profile.PoolKey
	profile profile.CapabilityProfile
	runner  vmrunner.Runner
	cfg     Config
	vmCfg   vmrunner.Config
	logger  *slog.Logger
	client  *rpc.Client
	codec   rpc.Codec

	mu       sync.Mutex
	ready    []*vmrunner.Handle
	inUse    map[string]*vmrunner.Handle
	all      map[string]*vmrunner.Handle
	waiters  []waiter
	shutdown bool
	poisoned error
	snapshot *vmrunner.Snapshot

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Pool. It does not boot any VM; call Start for that.
func New(key profile.PoolKey, prof profile.CapabilityProfile, runner vmrunner.Runner, vmCfg vmrunner.Config, cfg Config, codec rpc.Codec, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		key:     key,
		profile: prof,
		runner:  runner,
		cfg:     cfg,
		vmCfg:   vmCfg,
		logger:  logger.With("pool_key", key.String()),
		client:  rpc.NewClient(codec),
		codec:   codec,
		inUse:   make(map[string]*vmrunner.Handle),
		all:     make(map[string]*vmrunner.Handle),
		stopCh:  make(chan struct{}),
	}
}

// Start provisions a snapshot if the profile declares dependencies,
// boots min_size VMs, and starts the maintenance goroutine.
func (p *Pool) Start(ctx context.Context) error {
	if len(p.profile.Dependencies) > 0 {
		snap, err := p.provision(ctx)
		if err != nil {
			p.mu.Lock()
			p.poisoned = fmt.Errorf("%w: %v", ErrProvisioning, err)
			p.mu.Unlock()
			return p.poisoned
		}
		p.snapshot = &snap
	}

	for i := 0; i < p.cfg.MinSize; i++ {
		h, err := p.createVM(ctx)
		if err != nil {
			p.logger.Error("failed to create initial VM", "err", err)
			continue
		}
		p.mu.Lock()
		p.ready = append(p.ready, h)
		p.all[h.ID] = h
		p.mu.Unlock()
	}

	p.wg.Add(1)
	go p.maintenanceLoop()
	return nil
}

// provision boots a dedicated provisioning VM, sends the install command
// over the ordinary RPC/executor path, snapshots it, then tears it down.
// It runs at most once per Pool: Start is only ever called once, by
// Manager.GetOrCreate's single-flight guard, so two callers racing to
// warm the same profile never produce two snapshots.
func (p *Pool) provision(ctx context.Context) (vmrunner.Snapshot, error) {
	provisionID := p.key.String() + "-provision"
	p.logger.Info("provisioning snapshot", "dependencies", p.profile.Dependencies, "vm_id", provisionID)

	startCtx, cancel := context.WithTimeout(ctx, p.cfg.StartupTimeout)
	defer cancel()

	h, err := p.runner.Boot(startCtx, provisionID, p.vmCfg)
	if err != nil {
		return vmrunner.Snapshot{}, fmt.Errorf("boot provisioning VM: %w", err)
	}
	defer func() {
		if err := p.runner.HardKill(context.Background(), h); err != nil {
			p.logger.Warn("failed to kill provisioning VM", "vm_id", provisionID, "err", err)
		}
	}()

	if err := p.sendInstall(ctx, h); err != nil {
		return vmrunner.Snapshot{}, fmt.Errorf("install dependencies: %w", err)
	}

	snap, err := p.runner.Snapshot(ctx, h)
	if err != nil {
		return vmrunner.Snapshot{}, fmt.Errorf("create snapshot: %w", err)
	}
	snap.PoolKey = p.key
	snap.Dependencies = p.profile.Dependencies
	p.logger.Info("snapshot ready", "path", snap.Path)
	return snap, nil
}

// sendInstall dispatches the reserved install request to the
// provisioning VM's executor over the ordinary RPC path, reusing the
// same machinery a regular call uses instead of a side-channel protocol.
func (p *Pool) sendInstall(ctx context.Context, h *vmrunner.Handle) error {
	depNames := make([]string, len(p.profile.Dependencies))
	for i, d := range p.profile.Dependencies {
		depNames[i] = string(d)
	}
	kwargs, err := p.codec.Marshal(map[string]any{"dependencies": depNames})
	if err != nil {
		return fmt.Errorf("encode install payload: %w", err)
	}

	resp, err := p.client.Call(ctx, h.Stream, rpc.Request{
		FunctionRef: rpc.InstallFunctionRef,
		Kwargs:      kwargs,
		TimeoutMS:   p.cfg.StartupTimeout.Milliseconds(),
	})
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("install command failed: %w", resp.Error)
	}
	return nil
}

// Execute acquires a VM, dispatches req over it, releases it (tainted when
// the call itself fails; a failure response from the guest leaves it
// reusable), and returns the response. It is the single entry point
// sandbox.Manager calls through.
func (p *Pool) Execute(ctx context.Context, req rpc.Request) (rpc.Response, error) {
	h, err := p.Acquire(ctx)
	if err != nil {
		return rpc.Response{}, err
	}

	resp, callErr := p.client.Call(ctx, h.Stream, req)
	p.Release(context.Background(), h, callErr != nil)
	return resp, callErr
}

// createVM mints a fresh VM id as "<pool_key>-<uuid>", unique enough to
// tell apart in logs and safe to reuse as the runner's vsock/netns handle
// name without colliding with a prior incarnation of the same pool.
func (p *Pool) createVM(ctx context.Context) (*vmrunner.Handle, error) {
	id := fmt.Sprintf("%s-%s", p.key.String(), uuid.New().String())

	p.mu.Lock()
	snapshot := p.snapshot
	p.mu.Unlock()

	createCtx, cancel := context.WithTimeout(ctx, p.cfg.StartupTimeout)
	defer cancel()

	if snapshot != nil {
		return p.runner.Restore(createCtx, id, p.vmCfg, *snapshot)
	}
	return p.runner.Boot(createCtx, id, p.vmCfg)
}

// Stop cancels the maintenance loop and destroys every tracked VM,
// ready or in use.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil
	}
	p.shutdown = true
	close(p.stopCh)
	toDestroy := append(append([]*vmrunner.Handle{}, p.ready...), valuesOf(p.inUse)...)
	p.ready = nil
	p.inUse = make(map[string]*vmrunner.Handle)
	for _, w := range p.waiters {
		close(w.ch)
	}
	p.waiters = nil
	p.mu.Unlock()

	p.wg.Wait()

	var errs []error
	for _, h := range toDestroy {
		if err := p.destroyVM(ctx, h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func valuesOf(m map[string]*vmrunner.Handle) []*vmrunner.Handle {
	out := make([]*vmrunner.Handle, 0, len(m))
	for _, h := range m {
		out = append(out, h)
	}
	return out
}

func (p *Pool) destroyVM(ctx context.Context, h *vmrunner.Handle) error {
	p.mu.Lock()
	delete(p.all, h.ID)
	delete(p.inUse, h.ID)
	p.mu.Unlock()

	if err := p.runner.HardKill(ctx, h); err != nil {
		return fmt.Errorf("destroy vm %s: %w", h.ID, err)
	}
	return nil
}

// Acquire hands the caller a ready VM, creating a new one if under
// max_size, or blocking in FIFO order until one is released or ctx's
// acquire deadline elapses. The returned Handle is owned exclusively by
// the caller until Release.
func (p *Pool) Acquire(ctx context.Context) (*vmrunner.Handle, error) {
	p.mu.Lock()
	if p.poisoned != nil {
		err := p.poisoned
		p.mu.Unlock()
		return nil, err
	}
	if p.shutdown {
		p.mu.Unlock()
		return nil, ErrShutdown
	}

	if n := len(p.ready); n > 0 {
		h := p.ready[0]
		p.ready = p.ready[1:]
		h.State = vmrunner.InUse
		p.inUse[h.ID] = h
		p.mu.Unlock()
		return h, nil
	}

	if len(p.all) < p.cfg.MaxSize {
		p.mu.Unlock()
		h, err := p.createVM(ctx)
		if err != nil {
			return nil, fmt.Errorf("create vm on demand: %w", err)
		}
		p.mu.Lock()
		h.State = vmrunner.InUse
		p.all[h.ID] = h
		p.inUse[h.ID] = h
		p.mu.Unlock()
		return h, nil
	}

	w := waiter{ch: make(chan *vmrunner.Handle, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	acquireCtx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()

	select {
	case h, ok := <-w.ch:
		if !ok {
			return nil, ErrShutdown
		}
		return h, nil
	case <-acquireCtx.Done():
		if !p.removeWaiter(w) {
			// handBack already dequeued this waiter and is delivering a
			// VM to it, or Stop closed its channel.
			if h, ok := <-w.ch; ok {
				return h, nil
			}
			return nil, ErrShutdown
		}
		return nil, fmt.Errorf("%w: profile %s", ErrPoolExhausted, p.key)
	}
}

func (p *Pool) removeWaiter(target waiter) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w.ch == target.ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// Release returns a VM after a call completes. tainted marks it for
// recycling regardless of call_count: a VM that failed a call may be
// left in a state we can't trust for a different caller, so it gets
// destroyed rather than handed back.
func (p *Pool) Release(ctx context.Context, h *vmrunner.Handle, tainted bool) {
	h.CallCount++
	h.LastUsedAt = time.Now()

	p.mu.Lock()
	delete(p.inUse, h.ID)
	recycle := tainted || h.CallCount >= p.cfg.MaxCallsPerVM
	shuttingDown := p.shutdown
	p.mu.Unlock()

	if shuttingDown {
		return
	}

	if recycle {
		h.State = vmrunner.Tainted
		p.logger.Debug("recycling vm", "vm_id", h.ID, "tainted", tainted, "call_count", h.CallCount)
		_ = p.destroyVM(ctx, h)
		p.maybeReplenish(ctx)
		return
	}

	h.State = vmrunner.Ready
	p.handBack(h)
}

// handBack delivers a ready VM to the longest-waiting acquirer, or back
// onto the ready queue if nobody is waiting.
func (p *Pool) handBack(h *vmrunner.Handle) {
	p.mu.Lock()
	for len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()

		h.State = vmrunner.InUse
		p.mu.Lock()
		p.inUse[h.ID] = h
		p.mu.Unlock()

		select {
		case w.ch <- h:
			return
		default:
			// Each waiter's channel holds one handle and has one sender,
			// so this is not reached; a waiter whose deadline fired after
			// being dequeued still takes the handle in Acquire.
			p.mu.Lock()
			delete(p.inUse, h.ID)
			h.State = vmrunner.Ready
		}
	}
	p.ready = append(p.ready, h)
	p.mu.Unlock()
}

func (p *Pool) maybeReplenish(ctx context.Context) {
	p.mu.Lock()
	needed := len(p.all) < p.cfg.MinSize
	p.mu.Unlock()
	if !needed {
		return
	}
	h, err := p.createVM(ctx)
	if err != nil {
		p.logger.Error("failed to replace recycled vm", "err", err)
		return
	}
	p.mu.Lock()
	p.all[h.ID] = h
	p.mu.Unlock()
	p.handBack(h)
}

func (p *Pool) maintenanceLoop() {
	defer p.wg.Done()
	interval := p.cfg.MaintenanceEvery
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reapIdle()
		}
	}
}

// reapIdle destroys ready VMs that have been idle longer than
// IdleTimeout, provided doing so would not drop the pool below
// min_size.
func (p *Pool) reapIdle() {
	now := time.Now()

	p.mu.Lock()
	var keep, candidates []*vmrunner.Handle
	total := len(p.all)
	for _, h := range p.ready {
		if now.Sub(h.LastUsedAt) > p.cfg.IdleTimeout && total > p.cfg.MinSize {
			candidates = append(candidates, h)
			total--
		} else {
			keep = append(keep, h)
		}
	}
	p.ready = keep
	p.mu.Unlock()

	for _, h := range candidates {
		p.logger.Debug("reaping idle vm", "vm_id", h.ID)
		_ = p.destroyVM(context.Background(), h)
	}
}

// Stats reports current occupancy, used by firebreakctl's inspect
// command.
type Stats struct {
	Total   int
	Ready   int
	InUse   int
	Waiting int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Total:   len(p.all),
		Ready:   len(p.ready),
		InUse:   len(p.inUse),
		Waiting: len(p.waiters),
	}
}
