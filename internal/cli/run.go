package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Moey28/Dune-data-market-collection/internal/config"
	"github.com/Moey28/Dune-data-market-collection/internal/history"
	"github.com/Moey28/Dune-data-market-collection/internal/metrics"
	"github.com/Moey28/Dune-data-market-collection/internal/output"
	"github.com/Moey28/Dune-data-market-collection/internal/runner"
	"github.com/Moey28/Dune-data-market-collection/internal/upload"
)

func (a *app) newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute the configured query, wait for it and save the CSV result.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runExport(cmd)
		},
	}
	config.RegisterQueryFlags(cmd.Flags())
	config.RegisterOutputFlags(cmd.Flags())
	return cmd
}

func (a *app) runExport(cmd *cobra.Command) error {
	ctx := cmd.Context()
	cfg, err := a.loadConfig(cmd)
	if err != nil {
		return err
	}
	started := a.opts.Clock.Now()
	if err := cfg.Validate(); err != nil {
		a.recordRun(ctx, cfg, runner.Result{RunStarted: started, RunFinished: started}, err)
		return err
	}

	client, err := a.newClient(cfg)
	if err != nil {
		return &config.Error{Problems: []string{err.Error()}}
	}
	writer := output.NewWriter(cfg.OutputDir, cfg.FilePrefix, cfg.Compression, a.opts.Clock)

	opts := []runner.Option{runner.WithClock(a.opts.Clock), runner.WithLogger(a.logger)}
	target, err := upload.New(cfg.Upload)
	if err != nil {
		return &config.Error{Problems: []string{err.Error()}}
	}
	if target != nil {
		opts = append(opts, runner.WithUploader(upload.FileUploader{Target: target, BaseDir: cfg.OutputDir}))
	}

	r := runner.New(runner.Config{
		Query:           cfg.ExecuteRequest(),
		PollInterval:    cfg.PollInterval,
		Timeout:         cfg.Timeout,
		CancelOnTimeout: cfg.CancelOnTimeout,
	}, client, writer, opts...)

	res, err := r.Run(ctx)
	a.recordRun(ctx, cfg, res, err)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(a.opts.Stdout, res.Path)
	return nil
}

// recordRun writes the optional history row and metrics textfile. Neither is
// allowed to change the outcome of the run.
func (a *app) recordRun(ctx context.Context, cfg config.Config, res runner.Result, runErr error) {
	outcome := outcomeOf(runErr)

	if cfg.MetricsFile != "" {
		m := metrics.New()
		m.Observe(outcome, res.Polls, res.Bytes, res.RunStarted, res.RunFinished)
		if err := m.WriteTextfile(cfg.MetricsFile); err != nil {
			a.logger.Error("Failed to write metrics", "path", cfg.MetricsFile, "error", err)
		}
	}

	if cfg.HistoryDB == "" {
		return
	}
	store, err := history.Open(cfg.HistoryDB)
	if err != nil {
		a.logger.Error("Failed to open history database", "path", cfg.HistoryDB, "error", err)
		return
	}
	defer store.Close()

	run := history.Run{
		Query:        describeQuery(cfg),
		ExecutionID:  res.ExecutionID,
		State:        string(res.State),
		Polls:        res.Polls,
		OutputPath:   res.Path,
		Bytes:        res.Bytes,
		UploadTarget: res.UploadTarget,
		Outcome:      outcome,
		StartedAt:    res.RunStarted,
		FinishedAt:   res.RunFinished,
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	id, err := store.Record(context.WithoutCancel(ctx), run)
	if err != nil {
		a.logger.Error("Failed to record run", "path", cfg.HistoryDB, "error", err)
		return
	}
	a.logger.Debug("Recorded run", "run_id", id)
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case config.IsConfigError(err):
		return metrics.OutcomeConfigError
	case errors.Is(err, runner.ErrAuth):
		return metrics.OutcomeAuthError
	case errors.Is(err, runner.ErrSubmit):
		return metrics.OutcomeSubmitError
	case errors.Is(err, runner.ErrExecutionFailed):
		return metrics.OutcomeExecutionFailed
	case errors.Is(err, runner.ErrTimeoutExceeded):
		return metrics.OutcomeTimeout
	case errors.Is(err, runner.ErrPoll):
		return metrics.OutcomePollError
	case errors.Is(err, runner.ErrFetch):
		return metrics.OutcomeFetchError
	case errors.Is(err, runner.ErrIO):
		return metrics.OutcomeIOError
	case errors.Is(err, runner.ErrUpload):
		return metrics.OutcomeUploadError
	default:
		return metrics.OutcomeError
	}
}

func describeQuery(cfg config.Config) string {
	if cfg.QueryID != "" {
		return "query " + cfg.QueryID
	}
	return cfg.SQL
}
