package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/j-veylop/provider-ingest/internal/ui/watch"
)

func watchCmd(opts *rootOptions) *cobra.Command {
	var refresh time.Duration
	cmd := &cobra.Command{
		Use:     "watch",
		Short:   "Follow sessions and provider states in a live terminal monitor",
		Args:    cobra.NoArgs,
		PreRunE: opts.preRun,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, closeFn, err := openAudit(opts.cfg.DatabasePath)
			if err != nil {
				return err
			}
			defer closeFn()

			return runProgram(cmd.Context(), watch.New(log, watch.Options{
				RefreshInterval: refresh,
				MaxCooldown:     opts.cfg.DefaultRetryAfter,
			}))
		},
	}
	cmd.Flags().DurationVar(&refresh, "refresh", watch.DefaultRefreshInterval, "how often to re-read the audit tables")
	return cmd
}
