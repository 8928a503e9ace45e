package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/j-veylop/provider-ingest/internal/config"
	"github.com/j-veylop/provider-ingest/internal/logger"
	"github.com/j-veylop/provider-ingest/internal/metrics"
	"github.com/j-veylop/provider-ingest/internal/services"
	"github.com/j-veylop/provider-ingest/internal/ui/watch"
)

func serveCmd(opts *rootOptions) *cobra.Command {
	var (
		metricsAddr string
		withTUI     bool
	)
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the plan's groups on their schedules until interrupted",
		Args:    cobra.NoArgs,
		PreRunE: opts.preRun,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			if metricsAddr == "" {
				metricsAddr = cfg.MetricsAddr
			}

			plan, err := opts.loadPlan()
			if err != nil {
				return err
			}

			if withTUI {
				// The monitor owns the terminal; logs go next to the database.
				logFile, err := openLogFile(cfg.DatabasePath)
				if err != nil {
					return err
				}
				defer logFile.Close()
				logger.Configure(cfg.LogLevel, cfg.LogFormat, logFile)
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			mgr, err := services.NewManager(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := mgr.Close(); err != nil {
					logger.Warn("error closing services", "error", err)
				}
			}()

			watcher, err := config.WatchPlan(cfg.PlanPath, mgr.ReloadPlan)
			if err != nil {
				logger.Warn("plan hot reload disabled", "error", err)
			} else {
				defer watcher.Close()
			}

			g, gctx := errgroup.WithContext(ctx)
			if metricsAddr != "" {
				logger.Info("serving metrics", "addr", metricsAddr)
				g.Go(func() error {
					return metrics.Serve(gctx, metricsAddr)
				})
			}
			g.Go(func() error {
				return mgr.Serve(gctx, plan)
			})
			if withTUI {
				events, _ := mgr.Subscribe()
				model := watch.New(mgr.Audit(), watch.Options{
					Events:      events,
					MaxCooldown: cfg.DefaultRetryAfter,
				})
				g.Go(func() error {
					// Quitting the monitor stops the service.
					defer cancel()
					return runProgram(gctx, model)
				})
			}
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "expose Prometheus metrics on this address (default $METRICS_ADDR)")
	cmd.Flags().BoolVar(&withTUI, "tui", false, "show the live monitor while serving")
	return cmd
}

func runProgram(ctx context.Context, model tea.Model) error {
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("error running TUI: %w", err)
	}
	return nil
}

func openLogFile(databasePath string) (*os.File, error) {
	path := filepath.Join(filepath.Dir(databasePath), "ingest.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}
