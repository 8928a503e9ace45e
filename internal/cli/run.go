package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/j-veylop/provider-ingest/internal/logger"
	"github.com/j-veylop/provider-ingest/internal/models"
	"github.com/j-veylop/provider-ingest/internal/services"
	"github.com/j-veylop/provider-ingest/internal/ui/components"
	"github.com/j-veylop/provider-ingest/internal/ui/styles"
)

func runCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run every group of the plan once and print the cycle summary",
		Args:    cobra.NoArgs,
		PreRunE: opts.preRun,
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := opts.loadPlan()
			if err != nil {
				return err
			}

			mgr, err := services.NewManager(cmd.Context(), opts.cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := mgr.Close(); err != nil {
					logger.Warn("error closing services", "error", err)
				}
			}()

			summary, runErr := mgr.RunOnce(cmd.Context(), plan)
			if summary != nil {
				if err := printSummary(cmd.OutOrStdout(), summary, asJSON); err != nil {
					return err
				}
			}
			return runErr
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the summary as JSON")
	return cmd
}

func printSummary(w io.Writer, s *models.CycleSummary, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Session %s %s in %s: %d records, %d calls\n",
		s.SessionID,
		styles.GetSessionStyle(s.Status).Render(string(s.Status)),
		components.FormatDuration(s.EndedAt.Sub(s.StartedAt)),
		s.Records, s.Calls)

	names := make([]string, 0, len(s.Groups))
	for name := range s.Groups {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		g := s.Groups[name]
		fmt.Fprintf(&b, "  %-20s %6d records %5d calls %3d errors\n", name, g.Records, g.Calls, len(g.Errors))
	}

	if len(s.Errors) > 0 {
		b.WriteString(styles.ErrorTextStyle.Render("Errors:"))
		b.WriteString("\n")
		for _, e := range s.Errors {
			fmt.Fprintf(&b, "  - %s\n", e)
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}
