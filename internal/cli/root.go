// Package cli implements the ingest command line.
package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/j-veylop/provider-ingest/internal/config"
	"github.com/j-veylop/provider-ingest/internal/logger"
	"github.com/j-veylop/provider-ingest/internal/services/orchestrator"
)

// Process exit codes.
const (
	ExitOK        = 0
	ExitError     = 1
	ExitFatalInit = 2
)

// rootOptions carries the persistent flags and the configuration they
// resolve to.
type rootOptions struct {
	cfg       *config.Config
	planPath  string
	logLevel  string
	logFormat string
}

// init loads configuration, applies flag overrides and configures logging.
func (o *rootOptions) init(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if o.planPath != "" {
		cfg.PlanPath = o.planPath
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.logFormat != "" {
		cfg.LogFormat = o.logFormat
	}
	logger.Configure(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
	o.cfg = cfg
	return nil
}

func (o *rootOptions) preRun(cmd *cobra.Command, _ []string) error {
	return o.init(cmd)
}

func (o *rootOptions) loadPlan() (*config.Plan, error) {
	return config.LoadPlan(o.cfg.PlanPath)
}

// RootCmd is the root Cobra command that gets called from the main func.
func RootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "ingest",
		Short:         "ingest pulls records from rate-limited HTTP providers into a relational store.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.planPath, "plan", "", "collection plan file (default $PLAN_PATH)")
	flags.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error (default $LOG_LEVEL)")
	flags.StringVar(&opts.logFormat, "log-format", "", "text or json (default $LOG_FORMAT)")

	cmd.AddCommand(
		runCmd(opts),
		serveCmd(opts),
		statusCmd(opts),
		pruneCmd(opts),
		watchCmd(opts),
		versionCmd(),
	)
	return cmd
}

// ExitCode maps a command error to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var fatal *orchestrator.FatalInitError
	if errors.As(err, &fatal) {
		return ExitFatalInit
	}
	return ExitError
}
