package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pario-ai/kansas/pkg/mcp"
)

func newMCPCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve token and usage tools over MCP on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			k, _, logger, err := openKansas(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = k.Close() }()

			var events mcp.EventSearcher
			if j := k.Journal(); j != nil {
				events = j
			}
			srv := mcp.New(k, events, version, logger)
			return srv.Run(ctx, os.Stdin, os.Stdout)
		},
	}
}
