package cli

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Moey28/Dune-data-market-collection/internal/config"
	"github.com/Moey28/Dune-data-market-collection/internal/history"
	"github.com/Moey28/Dune-data-market-collection/internal/output"
	"github.com/Moey28/Dune-data-market-collection/internal/upload"
)

func (a *app) newUploadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Upload a directory of saved results to object storage.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Upload.Kind == config.UploadNone {
				return &config.Error{Problems: []string{"--upload (azblob, s3) is required"}}
			}
			target, err := upload.New(cfg.Upload)
			if err != nil {
				return &config.Error{Problems: []string{err.Error()}}
			}

			inputDir, _ := cmd.Flags().GetString("input-dir")
			if inputDir == "" {
				inputDir = cfg.OutputDir
			}
			n, err := upload.UploadDir(cmd.Context(), target, inputDir)
			_, _ = fmt.Fprintf(a.opts.Stdout, "uploaded %d file(s) from %s\n", n, inputDir)
			return err
		},
	}
	cmd.Flags().String("input-dir", "", "Directory to upload (defaults to --output-dir)")
	cmd.Flags().String(config.KeyOutputDir, output.DefaultDir, "Directory results are saved to")
	config.RegisterUploadFlags(cmd.Flags())
	return cmd
}

func (a *app) newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent runs recorded in the history database.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.HistoryDB == "" {
				return &config.Error{Problems: []string{"--history-db is required"}}
			}
			limit, _ := cmd.Flags().GetInt("limit")

			store, err := history.Open(cfg.HistoryDB)
			if err != nil {
				return err
			}
			defer store.Close()
			runs, err := store.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(a.opts.Stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "STARTED\tOUTCOME\tQUERY\tEXECUTION\tSTATE\tPOLLS\tBYTES\tDURATION\tOUTPUT")
			for _, r := range runs {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
					r.StartedAt.UTC().Format(time.RFC3339), r.Outcome, truncate(r.Query, 40),
					dash(r.ExecutionID), dash(r.State), r.Polls, r.Bytes,
					r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond), dash(r.OutputPath))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().String(config.KeyHistoryDB, "", "SQLite file recording every run")
	cmd.Flags().Int("limit", 20, "Number of runs to show")
	return cmd
}

func (a *app) newCatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <file>...",
		Short: "Print saved results as plain CSV, decompressing by file extension.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, path := range args {
				if err := a.catFile(path); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func (a *app) catFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	r, err := output.NewReader(f, path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	defer r.Close()
	if _, err := io.Copy(a.opts.Stdout, r); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
