// Roundtable runs a roster of actors through discuss, review, apply and
// test cycles against a shared, persisted context.
//
// Usage:
//
//	# Run one cycle with the default config
//	roundtable run
//
//	# Run up to five cycles, stopping early on completion
//	roundtable run --cycles 5 --config ./roundtable.yaml
//
//	# Let code_review move on to apply_changes
//	roundtable approve --reason "reviewed by hand"
//
//	# Serve status, briefing and metrics
//	roundtable serve
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/roundtable/internal/config"
	"github.com/fyrsmithlabs/roundtable/internal/faults"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
)

// Exit codes. Only terminal run errors exit 1.
const (
	exitOK       = 0
	exitTerminal = 1
	exitError    = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	os.Exit(exitCode(err))
}

// exitCode maps err to a process exit code. Only errors the run classified
// as terminal exit 1; unclassified config, flag and I/O errors exit 2.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var fe *faults.Error
	if errors.As(err, &fe) && faults.IsTerminal(fe) {
		return exitTerminal
	}
	return exitError
}

// newRootCmd builds a fresh command tree so tests never share flag state.
func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "roundtable",
		Short: "Run actors through consensus-gated change cycles",
		Long: `roundtable coordinates a roster of actors that discuss a change, review it,
apply it and test it. Each invocation of run picks up the persisted context
where the previous one stopped.`,
		Version:      fmt.Sprintf("%s (%s)", version, gitCommit),
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/roundtable/config.yaml)")

	load := func() (*config.Config, error) {
		return config.Load(configPath)
	}

	root.AddCommand(
		newRunCmd(load),
		newBriefingCmd(load),
		newOverrideCmd(load),
		newApproveCmd(load),
		newCacheCmd(load),
		newServeCmd(load),
	)
	return root
}

type loadFunc func() (*config.Config, error)
