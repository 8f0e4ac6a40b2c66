package main

import (
	"github.com/spf13/cobra"

	"github.com/civicpulse/realtime/internal/cli"
)

func newHistoryCmd() *cobra.Command {
	var (
		limit  int
		types  []string
		counts bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show journaled events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cli.LoadConfig(cmd, clientBindings(map[string]string{
				"journal.driver": "journal-driver",
				"journal.dsn":    "journal-dsn",
			}))
			if err != nil {
				return err
			}
			if err := cfg.ValidateClient(); err != nil {
				return err
			}
			logger, err := cli.BuildLogger(cfg.Log.Level)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			j, err := openJournal(cfg, logger)
			if err != nil {
				return err
			}
			defer j.Close()

			if counts {
				rows, err := j.CountByType(cmd.Context())
				if err != nil {
					return err
				}
				cli.PrintTypeCounts(cmd.OutOrStdout(), rows)
				return nil
			}

			entries, err := j.Recent(cmd.Context(), limit, types...)
			if err != nil {
				return err
			}
			cli.PrintEntries(cmd.OutOrStdout(), entries)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of entries")
	cmd.Flags().StringSliceVar(&types, "type", nil, "Only show these event types")
	cmd.Flags().BoolVar(&counts, "counts", false, "Show the number of entries per type instead")
	cmd.Flags().String("journal-driver", "sqlite", "Journal database driver: sqlite or postgres")
	cmd.Flags().String("journal-dsn", "", "Journal DSN or SQLite file path")
	return cmd
}
