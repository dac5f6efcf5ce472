package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newPrepopulateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "prepopulate",
		Short: "Seed current and next period counters for every token",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			k, _, _, err := openKansas(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = k.Close() }()

			stats, err := k.Prepopulate(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Scanned %d tokens, seeded %d counters, skipped %d, failed %d in %s.\n",
				stats.Scanned, stats.Populated, stats.Skipped, stats.Failed, stats.Duration.Round(time.Millisecond))
			return nil
		},
	}
}
