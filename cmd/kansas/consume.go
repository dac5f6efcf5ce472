package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newConsumeCmd(configPath *string) *cobra.Command {
	var units int64

	cmd := &cobra.Command{
		Use:   "consume <token>",
		Short: "Consume units from a limit token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			k, _, _, err := openKansas(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = k.Close() }()

			remaining, err := k.Consume(ctx, args[0], units)
			if err != nil {
				return err
			}
			fmt.Printf("Remaining: %d\n", remaining)
			return nil
		},
	}
	cmd.Flags().Int64VarP(&units, "units", "n", 1, "units to consume")
	return cmd
}

func newCountCmd(configPath *string) *cobra.Command {
	var units int64

	cmd := &cobra.Command{
		Use:   "count <token>",
		Short: "Record units against a count token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			k, _, _, err := openKansas(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = k.Close() }()

			consumed, err := k.Count(ctx, args[0], units)
			if err != nil {
				return err
			}
			fmt.Printf("Consumed: %d\n", consumed)
			return nil
		},
	}
	cmd.Flags().Int64VarP(&units, "units", "n", 1, "units to record")
	return cmd
}
