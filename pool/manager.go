package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cochaviz/firebreak/profile"
	"github.com/cochaviz/firebreak/rpc"
	"github.com/cochaviz/firebreak/vmrunner"
)

// Manager multiplexes Pools by profile.PoolKey: one Pool per distinct
// capability profile, so two functions that declare the same resource
// limits and mounts share a warm pool instead of each provisioning its
// own.
type Manager struct {
	runner    vmrunner.Runner
	vmCfg     vmrunner.Config
	codec     rpc.Codec
	logger    *slog.Logger
	poolCfg   Config

	mu    sync.Mutex
	once  map[profile.PoolKey]*sync.Once
	pools map[profile.PoolKey]*Pool
	errs  map[profile.PoolKey]error
}

// NewManager constructs a Manager. poolCfg is applied to every pool it
// creates; per-profile overrides (e.g. a larger max_size for a hot
// profile) are not supported (see DESIGN.md).
func NewManager(runner vmrunner.Runner, vmCfg vmrunner.Config, codec rpc.Codec, poolCfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		runner:  runner,
		vmCfg:   vmCfg,
		codec:   codec,
		logger:  logger,
		poolCfg: poolCfg,
		once:    make(map[profile.PoolKey]*sync.Once),
		pools:   make(map[profile.PoolKey]*Pool),
		errs:    make(map[profile.PoolKey]error),
	}
}

// GetOrCreate returns the Pool for prof, creating and starting it on
// first use. Concurrent first calls for the same PoolKey are
// single-flighted through a per-key sync.Once so Start (and its
// exactly-once provisioning) runs exactly once no matter how many
// callers race to warm the same profile concurrently.
func (m *Manager) GetOrCreate(ctx context.Context, prof profile.CapabilityProfile) (*Pool, error) {
	key := profile.Hash(prof)

	m.mu.Lock()
	once, ok := m.once[key]
	if !ok {
		once = &sync.Once{}
		m.once[key] = once
	}
	m.mu.Unlock()

	once.Do(func() {
		vmCfg := m.vmCfg
		vmCfg.MemoryMB = prof.MemoryMB
		vmCfg.VCPUCount = defaultVCPUCount
		vmCfg.Net = prof.Net
		vmCfg.FS = prof.FS
		vmCfg.Dependencies = prof.Dependencies

		p := New(key, prof, m.runner, vmCfg, m.poolCfg, m.codec, m.logger)
		err := p.Start(ctx)

		m.mu.Lock()
		m.pools[key] = p
		if err != nil {
			m.errs[key] = err
		}
		m.mu.Unlock()
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs[key]; err != nil {
		return nil, err
	}
	p, ok := m.pools[key]
	if !ok {
		return nil, fmt.Errorf("pool manager: pool for %s missing after initialization", key)
	}
	return p, nil
}

// Lookup returns the pool for prof without creating one, reporting
// whether it already existed.
func (m *Manager) Lookup(prof profile.CapabilityProfile) (*Pool, bool) {
	key := profile.Hash(prof)
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[key]
	return p, ok
}

// defaultVCPUCount is the vCPU allocation given to every guest. cpu_ms is
// a wall-clock call deadline, not a compute-capacity request, so it has
// no bearing on vCPU count; a dedicated sizing knob can be added to
// Config if profiles ever need more than one vCPU.
const defaultVCPUCount = 1

// Shutdown stops every pool concurrently and waits for all of them,
// without holding the manager lock across the (potentially slow)
// per-pool teardown.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.pools = make(map[profile.PoolKey]*Pool)
	m.once = make(map[profile.PoolKey]*sync.Once)
	m.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, p := range pools {
		wg.Add(1)
		go func(p *Pool) {
			defer wg.Done()
			if err := p.Stop(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()

	return errors.Join(errs...)
}
