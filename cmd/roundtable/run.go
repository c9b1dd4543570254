package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/roundtable/internal/orchestrator"
)

func newRunCmd(load loadFunc) *cobra.Command {
	var cycles int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run cycles against the persisted context",
		Long: `Run loads the context snapshot (or starts run #1), applies any pending
override, and runs cycles until the run completes or --cycles is reached.
The snapshot is saved after every cycle.

Exits 1 on a fatal error, an open circuit, or when every cycle ends without
progress.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = a.close(ctx) }()

			runner, err := a.newRunner()
			if err != nil {
				return err
			}

			a.logger.Info("starting run", zap.Int("max_cycles", cycles), zap.String("snapshot", a.store.Path()))
			sum, runErr := runner.Run(ctx, cycles)
			if sum != nil {
				printSummary(cmd.OutOrStdout(), sum)
			}
			if runErr != nil {
				a.logger.Error("run stopped", zap.Error(runErr))
			}
			return runErr
		},
	}
	cmd.Flags().IntVar(&cycles, "cycles", 1, "maximum number of cycles to run")
	return cmd
}

func printSummary(w io.Writer, sum *orchestrator.RunSummary) {
	cc := sum.Context
	if cc == nil {
		return
	}
	fmt.Fprintf(w, "run %s #%d  phase=%s  agree=%d  pending=%d  cost=$%.4f\n",
		cc.RunID, cc.RunNumber, cc.Phase, cc.AgreeCount(), cc.PendingChanges(), cc.TotalCost())
	for i, res := range sum.Cycles {
		if res == nil {
			continue
		}
		fmt.Fprintf(w, "  cycle %d: %d turns, stop=%s\n", i+1, res.Turns, res.Stop)
	}
	if sum.Overrides > 0 {
		fmt.Fprintf(w, "  overrides applied: %d\n", sum.Overrides)
	}
	switch {
	case sum.Completed:
		fmt.Fprintln(w, "  complete")
	default:
		fmt.Fprintf(w, "  next: %s (%s)\n", cc.NextAction.TargetActor, cc.NextAction.Reason)
	}
}
