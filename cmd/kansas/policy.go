package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pario-ai/kansas/pkg/models"
)

func newPolicyCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "List policies and move owners between them",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List configured policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			fmt.Print(formatPolicies(cfg.Policies))
			return nil
		},
	}

	var change models.PolicyChange
	changeCmd := &cobra.Command{
		Use:   "change",
		Short: "Move every token of an owner to another policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			k, _, _, err := openKansas(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = k.Close() }()

			if err := k.ChangePolicy(ctx, change); err != nil {
				return err
			}
			fmt.Printf("Owner %s moved to policy %s.\n", change.OwnerID, change.PolicyName)
			return nil
		},
	}
	changeCmd.Flags().StringVar(&change.OwnerID, "owner", "", "owner id")
	changeCmd.Flags().StringVar(&change.PolicyName, "policy", "", "target policy")
	_ = changeCmd.MarkFlagRequired("owner")
	_ = changeCmd.MarkFlagRequired("policy")

	cmd.AddCommand(listCmd, changeCmd)
	return cmd
}
