package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pario-ai/kansas/pkg/maintenance"
)

func newNukeCmd(configPath *string) *cobra.Command {
	var confirm, prefix string

	cmd := &cobra.Command{
		Use:   "nuke",
		Short: "Delete every record under the configured prefix",
		Long: fmt.Sprintf("Delete every record under the configured prefix.\n\n"+
			"Requires --prefix to match the configured prefix and --confirm %q.", maintenance.NukeConfirmation),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			k, _, _, err := openKansas(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = k.Close() }()

			n, err := k.Nuke(ctx, confirm, prefix)
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d keys.\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&confirm, "confirm", "", "confirmation phrase")
	cmd.Flags().StringVar(&prefix, "prefix", "", "configured key prefix")
	return cmd
}
