// Package config loads the daemon's on-disk configuration: storage
// locations, the hypervisor backend to drive, and pool tuning.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cochaviz/firebreak/pool"
	"github.com/cochaviz/firebreak/vmrunner/firecracker"
)

// ConfigDir and StorageDir name the default on-disk locations.
var (
	ConfigDir  = "/etc/firebreak"
	StorageDir = "/var/lib/firebreak"
)

// DefaultSocketPath is where firebreakd listens and firebreakctl connects
// by default.
const DefaultSocketPath = "/var/run/firebreak/daemon.sock"

// Hypervisor names the Firecracker binary, guest images, and networking
// the daemon boots VMs with.
type Hypervisor struct {
	BinaryPath    string `yaml:"binary_path"`
	KernelPath    string `yaml:"kernel_path"`
	RootFSPath    string `yaml:"rootfs_path"`
	RunDirRoot    string `yaml:"run_dir_root"`
	NetworkBridge string `yaml:"network_bridge"`
}

// Pool mirrors pool.Config in on-disk, YAML-friendly form: plain seconds
// rather than time.Duration, since a duration string isn't a natural
// thing to hand-edit in a YAML file.
type Pool struct {
	MinSize           int `yaml:"min_size"`
	MaxSize           int `yaml:"max_size"`
	MaxCallsPerVM     int `yaml:"max_calls_per_vm"`
	IdleTimeoutSec    int `yaml:"idle_timeout_sec"`
	StartupTimeoutSec int `yaml:"startup_timeout_sec"`
	AcquireTimeoutSec int `yaml:"acquire_timeout_sec"`
	MaintenanceSec    int `yaml:"maintenance_every_sec"`
}

// Config is the full daemon configuration.
type Config struct {
	StorageDir string     `yaml:"storage_dir"`
	SocketPath string     `yaml:"socket_path"`
	LogLevel   string     `yaml:"log_level"`
	LogMode    string     `yaml:"log_mode"`
	Hypervisor Hypervisor `yaml:"hypervisor"`
	Pool       Pool       `yaml:"pool"`
}

// Default returns the configuration firebreakd runs with when no file is
// present.
func Default() Config {
	return Config{
		StorageDir: StorageDir,
		SocketPath: DefaultSocketPath,
		LogLevel:   "info",
		LogMode:    "cli",
		Hypervisor: Hypervisor{
			BinaryPath: "/usr/bin/firecracker",
			RunDirRoot: StorageDir + "/vms",
		},
		Pool: Pool{
			MinSize:           1,
			MaxSize:           10,
			MaxCallsPerVM:     100,
			IdleTimeoutSec:    300,
			StartupTimeoutSec: 30,
			AcquireTimeoutSec: 10,
			MaintenanceSec:    60,
		},
	}
}

// Load reads and merges a YAML file over Default. A missing path is not an
// error: it returns the defaults, since an operator running without a
// config file should still get a working daemon.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// PoolConfig converts the YAML-friendly Pool section into pool.Config.
func (c Config) PoolConfig() pool.Config {
	return pool.Config{
		MinSize:          c.Pool.MinSize,
		MaxSize:          c.Pool.MaxSize,
		MaxCallsPerVM:    c.Pool.MaxCallsPerVM,
		IdleTimeout:      time.Duration(c.Pool.IdleTimeoutSec) * time.Second,
		StartupTimeout:   time.Duration(c.Pool.StartupTimeoutSec) * time.Second,
		AcquireTimeout:   time.Duration(c.Pool.AcquireTimeoutSec) * time.Second,
		MaintenanceEvery: time.Duration(c.Pool.MaintenanceSec) * time.Second,
	}
}

// FirecrackerConfig converts the Hypervisor section into firecracker.Config.
func (c Config) FirecrackerConfig() firecracker.Config {
	return firecracker.Config{
		BinaryPath: c.Hypervisor.BinaryPath,
		KernelPath: c.Hypervisor.KernelPath,
		RootFSPath: c.Hypervisor.RootFSPath,
		RunDirRoot: c.Hypervisor.RunDirRoot,
		Network: firecracker.NetworkConfig{
			Bridge: c.Hypervisor.NetworkBridge,
		},
	}
}
