package main

import (
	"context"
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/pario-ai/kansas/pkg/config"
	"github.com/pario-ai/kansas/pkg/kansas"
)

var version = "dev"

func main() {
	var (
		configPath string
		envFiles   []string
	)

	root := &cobra.Command{
		Use:           "kansas",
		Short:         "Kansas: rate-limit tokens and usage accounting over Redis",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.LoadEnvFiles(envFiles...)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to kansas config file")
	root.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load before the config (default .env.local, .env)")

	root.AddCommand(
		newServeCmd(&configPath),
		newTokenCmd(&configPath),
		newConsumeCmd(&configPath),
		newCountCmd(&configPath),
		newUsageCmd(&configPath),
		newPolicyCmd(&configPath),
		newPrepopulateCmd(&configPath),
		newNukeCmd(&configPath),
		newEventsCmd(&configPath),
		newMCPCmd(&configPath),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads configPath, or returns defaults when it is empty.
func loadConfig(configPath string) (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// openKansas builds a connected instance from the config at configPath.
func openKansas(ctx context.Context, configPath string) (*kansas.Kansas, *config.Config, hclog.Logger, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	logger := cfg.Log.NewLogger(os.Stderr)

	k, err := kansas.New(cfg, kansas.Options{Logger: logger})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init kansas: %w", err)
	}
	if err := k.Connect(ctx); err != nil {
		_ = k.Close()
		return nil, nil, nil, err
	}
	return k, cfg, logger, nil
}
