// Package cli wires configuration, the Dune client and the runner into the
// dune-export command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	"github.com/Moey28/Dune-data-market-collection/internal/config"
	"github.com/Moey28/Dune-data-market-collection/internal/dune"
	"github.com/Moey28/Dune-data-market-collection/internal/runner"
)

// Process exit codes.
const (
	ExitOK              = 0
	ExitError           = 1
	ExitExecutionFailed = 2
)

// Options lets tests swap the process-level dependencies.
type Options struct {
	Stdout     io.Writer
	Stderr     io.Writer
	HTTPClient *http.Client
	Clock      clock.Clock
}

type app struct {
	opts       Options
	configFile string
	logFile    *os.File
	logger     *slog.Logger
}

// Execute runs the CLI against the real process environment.
func Execute() int {
	return Run(context.Background(), os.Args[1:], Options{Stdout: os.Stdout, Stderr: os.Stderr})
}

// Run executes one command line and returns the process exit code.
func Run(ctx context.Context, args []string, opts Options) int {
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	if opts.Stderr == nil {
		opts.Stderr = io.Discard
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}

	a := &app{opts: opts, logger: slog.New(slog.NewTextHandler(opts.Stderr, nil))}
	defer a.closeLog()

	root := a.newRootCmd()
	root.SetArgs(args)
	root.SetOut(opts.Stdout)
	root.SetErr(opts.Stderr)

	err := root.ExecuteContext(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "Error: %v\n", err)
	}
	return ExitCode(err)
}

// ExitCode maps a command error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, runner.ErrExecutionFailed):
		return ExitExecutionFailed
	default:
		return ExitError
	}
}

func (a *app) newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dune-export",
		Short: "Execute a Dune query and save the result as CSV.",
		Long: "Submits a stored Dune query (DUNE_QUERY_ID) or raw SQL (DUNE_SQL), waits for it to finish,\n" +
			"downloads the result as CSV and writes it to <output-dir>/<prefix>_<unix>.csv.\n" +
			"Running without a subcommand is the same as 'run'.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logLevel, _ := cmd.Flags().GetString("log-level")
			logFile, _ := cmd.Flags().GetString("log-file")
			return a.configureLogging(logLevel, logFile)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runExport(cmd)
		},
	}
	rootCmd.PersistentFlags().String("log-level", "info", "Set the logging level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-file", "", "Also append logs to this file")
	rootCmd.PersistentFlags().StringVar(&a.configFile, "config", "", "YAML config file (flags and DUNE_* env override it)")
	config.RegisterQueryFlags(rootCmd.Flags())
	config.RegisterOutputFlags(rootCmd.Flags())

	rootCmd.AddCommand(
		a.newRunCmd(),
		a.newStatusCmd(),
		a.newFetchCmd(),
		a.newCancelCmd(),
		a.newUploadCmd(),
		a.newHistoryCmd(),
		a.newCatCmd(),
	)
	return rootCmd
}

func (a *app) configureLogging(level, logFile string) error {
	var leveler slog.Level
	switch strings.ToLower(level) {
	case "debug":
		leveler = slog.LevelDebug
	case "info":
		leveler = slog.LevelInfo
	case "warn":
		leveler = slog.LevelWarn
	case "error":
		leveler = slog.LevelError
	default:
		return &config.Error{Problems: []string{fmt.Sprintf("invalid log level: %s. Use debug, info, warn, or error", level)}}
	}

	var w io.Writer = a.opts.Stderr
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		a.logFile = f
		w = io.MultiWriter(a.opts.Stderr, f)
	}

	a.logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: leveler}))
	// The dune client logs through the default logger.
	slog.SetDefault(a.logger)
	return nil
}

func (a *app) closeLog() {
	if a.logFile != nil {
		_ = a.logFile.Close()
		a.logFile = nil
	}
}

// loadConfig resolves flags, DUNE_* environment and the config file.
func (a *app) loadConfig(cmd *cobra.Command) (config.Config, error) {
	v, err := config.NewViper(cmd.Flags(), a.configFile)
	if err != nil {
		return config.Config{}, &config.Error{Problems: []string{err.Error()}}
	}
	return config.Load(v)
}

func (a *app) newClient(cfg config.Config) (*dune.Client, error) {
	return dune.NewClient(dune.Options{
		BaseURL:    cfg.BaseURL,
		APIKey:     cfg.APIKey,
		HTTPClient: a.opts.HTTPClient,
	})
}
