package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newUsageCmd(configPath *string) *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "usage [token]",
		Short: "Show current period usage for a token or an owner",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 0) == (owner == "") {
				return fmt.Errorf("pass either a token or --owner")
			}
			ctx := context.Background()
			k, _, _, err := openKansas(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = k.Close() }()

			if owner != "" {
				toks, err := k.UsageByOwner(ctx, owner)
				if err != nil {
					return err
				}
				fmt.Print(formatTokens(toks))
				return nil
			}
			n, err := k.Usage(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Println(n)
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "show every token of this owner")
	return cmd
}
