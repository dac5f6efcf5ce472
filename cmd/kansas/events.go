package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/kansas/pkg/journal"
	"github.com/pario-ai/kansas/pkg/models"
)

func newEventsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Query and manage the event journal",
	}
	cmd.AddCommand(
		newEventsSearchCmd(configPath),
		newEventsStatsCmd(configPath),
		newEventsCleanupCmd(configPath),
	)
	return cmd
}

func newEventsSearchCmd(configPath *string) *cobra.Command {
	var (
		typ   string
		token string
		owner string
		since string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search journal entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			j, cleanup, err := openJournal(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			opts := models.JournalQueryOpts{
				Type:    typ,
				Token:   token,
				OwnerID: owner,
				Limit:   limit,
			}
			if since != "" {
				t, err := time.Parse("2006-01-02", since)
				if err != nil {
					return fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)
				}
				opts.Since = t
			}

			entries, err := j.Query(context.Background(), opts)
			if err != nil {
				return err
			}
			fmt.Print(formatJournalEntries(entries))
			return nil
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "filter by event type")
	cmd.Flags().StringVar(&token, "token", "", "filter by token")
	cmd.Flags().StringVar(&owner, "owner", "", "filter by owner id")
	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries to return")
	return cmd
}

func newEventsStatsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show journal counts by event type and day",
		RunE: func(cmd *cobra.Command, args []string) error {
			j, cleanup, err := openJournal(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := j.Stats(context.Background())
			if err != nil {
				return err
			}
			fmt.Print(formatJournalStats(stats))
			return nil
		},
	}
}

func newEventsCleanupCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete journal entries older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			j, cleanup, err := openJournal(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			deleted, err := j.Cleanup(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d journal entries.\n", deleted)
			return nil
		},
	}
}

func openJournal(configPath string) (*journal.Journal, func(), error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	j, err := journal.New(cfg.Journal, cfg.Log.NewLogger(os.Stderr))
	if err != nil {
		return nil, nil, fmt.Errorf("open journal db: %w", err)
	}
	return j, func() { _ = j.Close() }, nil
}
