package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/j-veylop/provider-ingest/internal/db"
	"github.com/j-veylop/provider-ingest/internal/logger"
)

const defaultRetention = 30 * 24 * time.Hour

func pruneCmd(opts *rootOptions) *cobra.Command {
	var (
		olderThan time.Duration
		vacuum    bool
	)
	cmd := &cobra.Command{
		Use:     "prune",
		Short:   "Delete closed sessions and their call records older than a cutoff",
		Args:    cobra.NoArgs,
		PreRunE: opts.preRun,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive, got %s", olderThan)
			}

			database, err := db.New(opts.cfg.DatabasePath)
			if err != nil {
				return fmt.Errorf("failed to initialize database: %w", err)
			}
			defer func() {
				if err := database.Close(); err != nil {
					logger.Warn("failed to close database", "error", err)
				}
			}()

			n, err := database.PruneSessions(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			logger.Info("pruned audit log", "sessions", n, "older_than", olderThan)

			if vacuum && n > 0 {
				if err := database.Vacuum(); err != nil {
					return fmt.Errorf("failed to vacuum database: %w", err)
				}
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "pruned %d sessions\n", n)
			return err
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", defaultRetention, "age of the oldest session to keep")
	cmd.Flags().BoolVar(&vacuum, "vacuum", true, "reclaim free pages after pruning")
	return cmd
}
