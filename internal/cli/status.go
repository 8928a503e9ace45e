package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/j-veylop/provider-ingest/internal/db"
	"github.com/j-veylop/provider-ingest/internal/logger"
	"github.com/j-veylop/provider-ingest/internal/services/audit"
	"github.com/j-veylop/provider-ingest/internal/ui/components"
	"github.com/j-veylop/provider-ingest/internal/ui/styles"
	"github.com/j-veylop/provider-ingest/internal/ui/watch"
)

// openAudit opens the audit database read side without touching sessions a
// running service may own.
func openAudit(path string) (*audit.Log, func(), error) {
	database, err := db.New(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	closeFn := func() {
		if err := database.Close(); err != nil {
			logger.Warn("failed to close database", "error", err)
		}
	}
	return audit.New(database, audit.DefaultWriteTimeout), closeFn, nil
}

func statusCmd(opts *rootOptions) *cobra.Command {
	var (
		limit int
		since time.Duration
	)
	cmd := &cobra.Command{
		Use:     "status",
		Short:   "Show recent sessions and provider states",
		Args:    cobra.NoArgs,
		PreRunE: opts.preRun,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, closeFn, err := openAudit(opts.cfg.DatabasePath)
			if err != nil {
				return err
			}
			defer closeFn()

			return renderStatus(cmd.Context(), cmd.OutOrStdout(), log, limit, since, opts.cfg.DefaultRetryAfter)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of sessions to show")
	cmd.Flags().DurationVar(&since, "since", watch.DefaultStatsWindow, "window for provider call statistics")
	return cmd
}

func renderStatus(ctx context.Context, w io.Writer, src watch.Source, limit int, since, maxCooldown time.Duration) error {
	now := time.Now()

	sessions, err := src.RecentSessions(ctx, limit)
	if err != nil {
		return fmt.Errorf("failed to load sessions: %w", err)
	}
	states, err := src.ProviderStates(ctx)
	if err != nil {
		return fmt.Errorf("failed to load provider states: %w", err)
	}
	stats, err := src.ProviderStats(ctx, now.Add(-since))
	if err != nil {
		return fmt.Errorf("failed to load provider stats: %w", err)
	}

	var b strings.Builder
	b.WriteString(styles.SubTitleStyle.Render("Recent sessions"))
	b.WriteString("\n")
	b.WriteString(components.RenderSessionTable(sessions, now))
	b.WriteString("\n\n")
	b.WriteString(styles.SubTitleStyle.Render("Providers"))
	b.WriteString("\n")
	b.WriteString(components.RenderProviderTable(states, stats, now, maxCooldown))
	b.WriteString("\n")

	_, err = io.WriteString(w, b.String())
	return err
}
