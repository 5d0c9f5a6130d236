// Command firebreakd runs the long-lived control-plane daemon: it loads
// configuration, constructs the Firecracker-backed sandbox manager, and
// serves firebreakctl's warm/inspect/drain protocol over a unix socket
// until interrupted.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cochaviz/firebreak/config"
	"github.com/cochaviz/firebreak/daemon"
	"github.com/cochaviz/firebreak/logging"
	"github.com/cochaviz/firebreak/rpc"
	"github.com/cochaviz/firebreak/sandbox"
	"github.com/cochaviz/firebreak/vmrunner"
	"github.com/cochaviz/firebreak/vmrunner/firecracker"
)

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)
	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, &levelVar); err != nil {
		logger.Error("firebreakd exited with error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, levelVar *slog.LevelVar) error {
	configPath := os.Getenv("FIREBREAK_CONFIG")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if level, err := parseLogLevel(cfg.LogLevel); err == nil {
		levelVar.Set(level)
	}

	codec, err := rpc.NewCBORCodec()
	if err != nil {
		return err
	}

	runner := firecracker.New(cfg.FirecrackerConfig(), logger.With("component", "firecracker"))

	manager := sandbox.New(runner, vmrunner.Config{
		KernelPath: cfg.Hypervisor.KernelPath,
		RootFSPath: cfg.Hypervisor.RootFSPath,
	}, codec, cfg.PoolConfig(), logger.With("component", "sandbox"))
	defer manager.Stop(context.Background())

	server := daemon.New(cfg.SocketPath, manager, logger.With("component", "daemon"))
	logger.Info("starting firebreakd", "socket", cfg.SocketPath)
	return server.Start(ctx)
}

func parseLogLevel(value string) (slog.Level, error) {
	switch value {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, nil
	}
}
