package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/roundtable/internal/memory"
)

func newCacheCmd(load loadFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the shared memory cache snapshot",
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Print cache usage per bucket",
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

			if _, err := a.cache.LoadFile(a.cachePath); err != nil {
				return err
			}
			out, err := json.MarshalIndent(a.cache.Stats(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	var bucket string
	keys := &cobra.Command{
		Use:   "keys",
		Short: "List live cache keys",
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

			if _, err := a.cache.LoadFile(a.cachePath); err != nil {
				return err
			}
			buckets := memory.Buckets()
			if bucket != "" {
				buckets = []memory.Bucket{memory.Bucket(bucket)}
			}
			for _, b := range buckets {
				for _, k := range a.cache.Keys(b) {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", b, k)
				}
			}
			return nil
		},
	}
	keys.Flags().StringVar(&bucket, "bucket", "", "only list one bucket (transient, decision, sensitive)")

	cmd.AddCommand(stats, keys)
	return cmd
}
