package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pario-ai/kansas/pkg/models"
)

func newTokenCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Create, inspect and delete tokens",
	}
	cmd.AddCommand(
		newTokenCreateCmd(configPath),
		newTokenGetCmd(configPath),
		newTokenListCmd(configPath),
		newTokenDeleteCmd(configPath),
	)
	return cmd
}

func newTokenCreateCmd(configPath *string) *cobra.Command {
	var req models.TokenRequest

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a token for an owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			k, _, _, err := openKansas(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = k.Close() }()

			tok, err := k.Set(ctx, req)
			if err != nil {
				return err
			}
			fmt.Print(formatToken(*tok))
			return nil
		},
	}
	cmd.Flags().StringVar(&req.PolicyName, "policy", "", "policy name")
	cmd.Flags().StringVar(&req.OwnerID, "owner", "", "owner id")
	cmd.Flags().StringVar(&req.Token, "token", "", "token id (generated when empty)")
	_ = cmd.MarkFlagRequired("policy")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newTokenGetCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <token>",
		Short: "Show a token and its current usage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			k, _, _, err := openKansas(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = k.Close() }()

			tok, err := k.Get(ctx, args[0])
			if err != nil {
				return err
			}
			if tok == nil {
				fmt.Println("No token found.")
				return nil
			}
			fmt.Print(formatToken(*tok))
			return nil
		},
	}
}

func newTokenListCmd(configPath *string) *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List an owner's tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			k, _, _, err := openKansas(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = k.Close() }()

			toks, err := k.GetByOwnerID(ctx, owner)
			if err != nil {
				return err
			}
			fmt.Print(formatTokens(toks))
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newTokenDeleteCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <token>",
		Short: "Delete a token and its counters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			k, _, _, err := openKansas(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = k.Close() }()

			if err := k.Del(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted token %s.\n", args[0])
			return nil
		},
	}
}
