// Package runner executes one remote query end to end: submit, wait for a
// terminal state, fetch the CSV result and persist it.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"k8s.io/utils/clock"

	"github.com/Moey28/Dune-data-market-collection/internal/dune"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultTimeout      = 120 * time.Second
)

// API is the subset of the remote service the runner needs.
type API interface {
	Execute(ctx context.Context, req dune.ExecuteRequest) (dune.ExecuteResponse, error)
	Status(ctx context.Context, executionID string) (dune.StatusResponse, error)
	ResultsCSV(ctx context.Context, executionID string) ([]byte, error)
	Cancel(ctx context.Context, executionID string) (bool, error)
}

// Saver persists a result payload and returns where it went.
type Saver interface {
	Save(data []byte) (string, error)
}

// Uploader copies a saved file somewhere else and returns its location.
type Uploader interface {
	Upload(ctx context.Context, path string) (string, error)
}

// Config is fixed for the lifetime of a Runner.
type Config struct {
	Query           dune.ExecuteRequest
	PollInterval    time.Duration
	Timeout         time.Duration
	CancelOnTimeout bool
}

// Result describes one run. On failure it holds whatever was reached.
type Result struct {
	RunStarted   time.Time
	RunFinished  time.Time
	ExecutionID  string
	State        dune.State
	Polls        int
	Path         string
	Bytes        int
	UploadTarget string
}

type Runner struct {
	cfg      Config
	api      API
	saver    Saver
	uploader Uploader
	clock    clock.Clock
	logger   *slog.Logger
}

type Option func(*Runner)

func WithClock(c clock.Clock) Option {
	return func(r *Runner) { r.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithUploader adds an upload step after the result is saved.
func WithUploader(u Uploader) Option {
	return func(r *Runner) { r.uploader = u }
}

func New(cfg Config, api API, saver Saver, opts ...Option) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	r := &Runner{
		cfg:    cfg,
		api:    api,
		saver:  saver,
		clock:  clock.RealClock{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run performs submit, await, fetch, save and the optional upload, in that
// order. The first error stops the run.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	res := Result{RunStarted: r.clock.Now()}

	r.logger.Info("Executing Dune query", "target", describeQuery(r.cfg.Query))
	id, err := r.Submit(ctx, r.cfg.Query)
	if err != nil {
		return finish(r, res, err)
	}
	res.ExecutionID = id

	state, polls, err := r.await(ctx, id, r.cfg.Timeout)
	res.State, res.Polls = state, polls
	if err != nil {
		if errors.Is(err, ErrTimeoutExceeded) && r.cfg.CancelOnTimeout {
			r.cancelAfterTimeout(ctx, id)
		}
		return finish(r, res, err)
	}

	data, err := r.FetchResult(ctx, id)
	if err != nil {
		return finish(r, res, err)
	}
	res.Bytes = len(data)

	path, err := r.SaveResult(data)
	if err != nil {
		return finish(r, res, err)
	}
	res.Path = path
	r.logger.Info("Saved CSV", "path", path, "bytes", len(data))

	if r.uploader != nil {
		target, err := r.uploader.Upload(ctx, path)
		if err != nil {
			return finish(r, res, fmt.Errorf("%w: %s: %w", ErrUpload, path, err))
		}
		res.UploadTarget = target
		r.logger.Info("Uploaded result", "path", path, "target", target)
	}
	return finish(r, res, nil)
}

func finish(r *Runner, res Result, err error) (Result, error) {
	res.RunFinished = r.clock.Now()
	return res, err
}

// Submit starts one remote execution. It is not idempotent and is never
// retried once the service has accepted it.
func (r *Runner) Submit(ctx context.Context, req dune.ExecuteRequest) (string, error) {
	resp, err := r.api.Execute(ctx, req)
	if err != nil {
		var apiErr *dune.APIError
		if errors.As(err, &apiErr) && apiErr.IsAuth() {
			return "", fmt.Errorf("%w: %w", ErrAuth, err)
		}
		return "", fmt.Errorf("%w: %w", ErrSubmit, err)
	}
	r.logger.Info("Execution ID", "execution_id", resp.ExecutionID)
	return resp.ExecutionID, nil
}

// AwaitCompletion polls the execution every PollInterval until it reaches a
// terminal state or timeout elapses. A non-positive timeout means the
// configured one. Only an observed QUERY_STATE_COMPLETED returns nil.
func (r *Runner) AwaitCompletion(ctx context.Context, executionID string, timeout time.Duration) (dune.State, error) {
	state, _, err := r.await(ctx, executionID, timeout)
	return state, err
}

func (r *Runner) await(ctx context.Context, executionID string, timeout time.Duration) (dune.State, int, error) {
	if timeout <= 0 {
		timeout = r.cfg.Timeout
	}
	start := r.clock.Now()
	polls := 0
	var last dune.State

	for {
		if elapsed := r.clock.Since(start); elapsed >= timeout {
			return last, polls, fmt.Errorf("%w: execution %s still %s after %s (%d polls)",
				ErrTimeoutExceeded, executionID, stateOrUnknown(last), timeout, polls)
		}

		status, err := r.api.Status(ctx, executionID)
		polls++
		if err != nil {
			return last, polls, fmt.Errorf("%w: execution %s: %w", ErrPoll, executionID, err)
		}
		last = status.State
		r.logger.Info("Status", "execution_id", executionID, "state", string(status.State), "poll", polls)

		if status.State.IsTerminal() {
			if status.State == dune.StateCompleted {
				return status.State, polls, nil
			}
			failure := &ExecutionFailedError{ExecutionID: executionID, State: status.State}
			if status.Error != nil {
				failure.Message = status.Error.Message
			}
			return status.State, polls, failure
		}

		if err := r.sleep(ctx, r.cfg.PollInterval); err != nil {
			return last, polls, fmt.Errorf("waiting for execution %s: %w", executionID, err)
		}
	}
}

// FetchResult downloads the CSV result. Only valid after AwaitCompletion
// returned without error.
func (r *Runner) FetchResult(ctx context.Context, executionID string) ([]byte, error) {
	data, err := r.api.ResultsCSV(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("%w: execution %s: %w", ErrFetch, executionID, err)
	}
	r.logger.Debug("Fetched result", "execution_id", executionID, "bytes", len(data))
	return data, nil
}

// SaveResult writes data verbatim through the configured Saver.
func (r *Runner) SaveResult(data []byte) (string, error) {
	path, err := r.saver.Save(data)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrIO, err)
	}
	return path, nil
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.clock.After(d):
		return nil
	}
}

func (r *Runner) cancelAfterTimeout(ctx context.Context, executionID string) {
	ok, err := r.api.Cancel(context.WithoutCancel(ctx), executionID)
	if err != nil {
		r.logger.Warn("Failed to cancel timed out execution", "execution_id", executionID, "error", err)
		return
	}
	r.logger.Info("Cancelled timed out execution", "execution_id", executionID, "success", ok)
}

func describeQuery(q dune.ExecuteRequest) string {
	if q.QueryID != "" {
		return "query " + q.QueryID
	}
	return "raw sql"
}

func stateOrUnknown(s dune.State) string {
	if s == "" {
		return "unknown"
	}
	return string(s)
}
