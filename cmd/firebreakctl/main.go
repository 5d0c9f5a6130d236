// Command firebreakctl is the operator-facing CLI for the control plane:
// it warms a pool for a capability profile, inspects pool occupancy, and
// drains the daemon's pool manager, talking to firebreakd exclusively
// through the daemon protocol — never bypassing the sandbox manager.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cochaviz/firebreak/config"
	"github.com/cochaviz/firebreak/daemon"
	"github.com/cochaviz/firebreak/logging"
)

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelWarn)
	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(&levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		logger.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func newRootCommand(levelVar *slog.LevelVar) *cobra.Command {
	var socketPath string

	root := &cobra.Command{
		Use:           "firebreakctl",
		Short:         "Operate a firebreakd control plane out-of-band",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", config.DefaultSocketPath, "Path to the daemon control socket")

	client := func() *daemon.Client { return daemon.NewClient(socketPath) }

	root.AddCommand(
		newWarmCommand(client),
		newInspectCommand(client),
		newDrainCommand(client),
	)
	return root
}

func profileFlags(cmd *cobra.Command) func() daemon.ProfileWire {
	var (
		cpuMillis int
		memoryMB  int
		net       string
		fs        []string
		deps      []string
	)
	cmd.Flags().IntVar(&cpuMillis, "cpu-ms", 500, "Per-call wall-clock timeout in milliseconds")
	cmd.Flags().IntVar(&memoryMB, "mem-mb", 128, "Memory ceiling in megabytes")
	cmd.Flags().StringVar(&net, "net", "none", "Network policy: none, https_only, all")
	cmd.Flags().StringArrayVar(&fs, "fs", nil, `Mount spec "r:/path" or "rw:/path"; repeat to add more`)
	cmd.Flags().StringArrayVar(&deps, "dep", nil, "Dependency specifier, e.g. requests>=2.31; repeat to add more")

	return func() daemon.ProfileWire {
		return daemon.ProfileWire{
			CPUMillis:    cpuMillis,
			MemoryMB:     memoryMB,
			Net:          net,
			FS:           fs,
			Dependencies: deps,
		}
	}
}

func newWarmCommand(client func() *daemon.Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "warm",
		Short: "Create (if needed) the pool for a capability profile and report its occupancy",
	}
	prof := profileFlags(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		stats, err := client().Warm(prof())
		if err != nil {
			return err
		}
		printStats(cmd, stats)
		return nil
	}
	return cmd
}

func newInspectCommand(client func() *daemon.Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Report the occupancy of an already-existing pool for a capability profile",
	}
	prof := profileFlags(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		stats, err := client().Inspect(prof())
		if err != nil {
			return err
		}
		printStats(cmd, stats)
		return nil
	}
	return cmd
}

func newDrainCommand(client func() *daemon.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Stop every pool the daemon manages",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().Drain(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "drained")
			return nil
		},
	}
}

func printStats(cmd *cobra.Command, stats daemon.PoolStatsWire) {
	fmt.Fprintf(cmd.OutOrStdout(), "total=%d ready=%d in_use=%d waiting=%d\n",
		stats.Total, stats.Ready, stats.InUse, stats.Waiting)
}
