package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Moey28/Dune-data-market-collection/internal/config"
	"github.com/Moey28/Dune-data-market-collection/internal/dune"
	"github.com/Moey28/Dune-data-market-collection/internal/output"
	"github.com/Moey28/Dune-data-market-collection/internal/runner"
	"github.com/Moey28/Dune-data-market-collection/internal/upload"
)

func (a *app) newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <execution-id>",
		Short: "Print the current state of an execution.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, client, err := a.clientFor(cmd)
			if err != nil {
				return err
			}
			status, err := client.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			a.logger.Debug("Status", "execution_id", args[0], "state", string(status.State), "finished", status.IsExecutionFinished)
			_, _ = fmt.Fprintln(a.opts.Stdout, status.State)
			if status.Error != nil && status.Error.Message != "" {
				_, _ = fmt.Fprintln(a.opts.Stdout, status.Error.Message)
			}
			return nil
		},
	}
	cmd.Flags().String(config.KeyBaseURL, "", "Dune API base URL")
	cmd.Flags().String(config.KeyAPIKey, "", "Dune API key (env DUNE_API_KEY)")
	return cmd
}

func (a *app) newFetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch <execution-id>",
		Short: "Download the CSV result of a completed execution and save it.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, client, err := a.clientFor(cmd)
			if err != nil {
				return err
			}
			opts := []runner.Option{runner.WithClock(a.opts.Clock), runner.WithLogger(a.logger)}
			target, err := upload.New(cfg.Upload)
			if err != nil {
				return &config.Error{Problems: []string{err.Error()}}
			}

			writer := output.NewWriter(cfg.OutputDir, cfg.FilePrefix, cfg.Compression, a.opts.Clock)
			r := runner.New(runner.Config{}, client, writer, opts...)
			data, err := r.FetchResult(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			path, err := r.SaveResult(data)
			if err != nil {
				return err
			}
			a.logger.Info("Saved CSV", "path", path, "bytes", len(data))
			if target != nil {
				location, err := upload.FileUploader{Target: target, BaseDir: cfg.OutputDir}.Upload(cmd.Context(), path)
				if err != nil {
					return fmt.Errorf("%w: %s: %w", runner.ErrUpload, path, err)
				}
				a.logger.Info("Uploaded result", "path", path, "target", location)
			}
			_, _ = fmt.Fprintln(a.opts.Stdout, path)
			return nil
		},
	}
	cmd.Flags().String(config.KeyBaseURL, "", "Dune API base URL")
	cmd.Flags().String(config.KeyAPIKey, "", "Dune API key (env DUNE_API_KEY)")
	config.RegisterOutputFlags(cmd.Flags())
	return cmd
}

func (a *app) newCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <execution-id>",
		Short: "Cancel a running execution.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, client, err := a.clientFor(cmd)
			if err != nil {
				return err
			}
			ok, err := client.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("execution %s was not cancelled", args[0])
			}
			a.logger.Info("Cancelled execution", "execution_id", args[0])
			return nil
		},
	}
	cmd.Flags().String(config.KeyBaseURL, "", "Dune API base URL")
	cmd.Flags().String(config.KeyAPIKey, "", "Dune API key (env DUNE_API_KEY)")
	return cmd
}

// clientFor loads config and builds a client for commands that only need
// the API key.
func (a *app) clientFor(cmd *cobra.Command) (config.Config, *dune.Client, error) {
	cfg, err := a.loadConfig(cmd)
	if err != nil {
		return config.Config{}, nil, err
	}
	if err := cfg.ValidateAPIKey(); err != nil {
		return config.Config{}, nil, err
	}
	client, err := a.newClient(cfg)
	if err != nil {
		return config.Config{}, nil, &config.Error{Problems: []string{err.Error()}}
	}
	return cfg, client, nil
}
