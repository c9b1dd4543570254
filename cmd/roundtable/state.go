package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/roundtable/internal/contextstore"
)

var errNoRun = errors.New("no run has started; run `roundtable run` first")

func newBriefingCmd(load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "briefing",
		Short: "Print the briefing actors see for the current context",
		Args:  cobra.NoArgs,
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

			cc, err := a.store.Load()
			if err != nil {
				return err
			}
			if cc == nil {
				return errNoRun
			}
			fmt.Fprint(cmd.OutOrStdout(), a.store.Briefing(cc))
			return nil
		},
	}
}

func newOverrideCmd(load loadFunc) *cobra.Command {
	var (
		phase      string
		next       string
		synthesize bool
		authorize  bool
		reason     string
	)

	cmd := &cobra.Command{
		Use:   "override",
		Short: "Queue a forced phase transition for the next cycle boundary",
		Long: `Override writes an override record that run applies before its next
cycle. It can force the phase, choose the next actor, synthesize agreement
from every actor and authorize applying changes.

Examples:
  # Skip ahead to review with full agreement
  roundtable override --phase code_review --synthesize --reason "design settled"

  # Hand the next cycle to a specific actor
  roundtable override --next reviewer --reason "needs a second look"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			o := contextstore.Override{
				Phase:               contextstore.Phase(phase),
				SynthesizeConsensus: synthesize,
				AuthorizeApply:      authorize,
				Reason:              reason,
			}
			if next != "" {
				o.NextAction = &contextstore.NextAction{
					Type:        contextstore.NextContinue,
					Reason:      reason,
					TargetActor: next,
				}
				if next == contextstore.TerminalTarget {
					o.NextAction.Type = contextstore.NextComplete
				}
			}
			if err := o.Validate(cfg.Roster()); err != nil {
				return err
			}

			a := &app{cfg: cfg}
			path := a.overridePath()
			if err := contextstore.WriteOverride(path, o); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "override queued at %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "phase to force (discussion, code_review, apply_changes, testing)")
	cmd.Flags().StringVar(&next, "next", "", "actor that opens the next cycle")
	cmd.Flags().BoolVar(&synthesize, "synthesize", false, "record agreement from every actor")
	cmd.Flags().BoolVar(&authorize, "authorize", false, "authorize apply_changes")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the override")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func newApproveCmd(load loadFunc) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Authorize the move from code_review to apply_changes",
		Long: `Approve sets the apply authorization on the persisted context. The next
cycle that reaches code_review with consensus moves on to apply_changes.
The authorization is used up by that transition.`,
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

			lock, err := contextstore.AcquireLock(a.store.Path())
			if err != nil {
				return err
			}
			defer func() { _ = lock.Release() }()

			cc, err := a.store.Load()
			if err != nil {
				return err
			}
			if cc == nil {
				return errNoRun
			}
			a.store.Authorize(cc, reason)
			if err := a.store.Save(cc); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "apply authorized for run %s #%d (phase %s)\n", cc.RunID, cc.RunNumber, cc.Phase)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual approval", "reason recorded with the approval")
	return cmd
}
