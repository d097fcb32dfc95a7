package dune

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/avast/retry-go"
)

const (
	DefaultBaseURL = "https://api.dune.com"

	apiKeyHeader   = "X-Dune-API-Key"
	userAgent      = "DuneDataMarketCollection/1.0"
	errorBodyLimit = 4096

	defaultRequestTimeout    = 60 * time.Second
	defaultResultsTimeout    = 120 * time.Second // CSV downloads can be large
	defaultRateLimitDelay    = 2 * time.Second
	defaultRateLimitAttempts = 5
)

// Options configures a Client. Zero values fall back to the defaults above.
type Options struct {
	BaseURL           string
	APIKey            string
	HTTPClient        *http.Client
	RequestTimeout    time.Duration
	ResultsTimeout    time.Duration
	RateLimitDelay    time.Duration
	RateLimitAttempts uint
}

// Client talks to the Dune execution API. It holds no per-run state.
type Client struct {
	baseURL           string
	apiKey            string
	httpClient        *http.Client
	requestTimeout    time.Duration
	resultsTimeout    time.Duration
	rateLimitDelay    time.Duration
	rateLimitAttempts uint
}

func NewClient(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("api key is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", baseURL, err)
	}

	c := &Client{
		baseURL:           baseURL,
		apiKey:            opts.APIKey,
		httpClient:        opts.HTTPClient,
		requestTimeout:    durationOr(opts.RequestTimeout, defaultRequestTimeout),
		resultsTimeout:    durationOr(opts.ResultsTimeout, defaultResultsTimeout),
		rateLimitDelay:    durationOr(opts.RateLimitDelay, defaultRateLimitDelay),
		rateLimitAttempts: opts.RateLimitAttempts,
	}
	if c.rateLimitAttempts == 0 {
		c.rateLimitAttempts = defaultRateLimitAttempts
	}
	if c.httpClient == nil {
		c.httpClient = newHTTPClient()
	}
	return c, nil
}

func newHTTPClient() *http.Client {
	transport := &http.Transport{
		MaxIdleConns:          4,
		MaxIdleConnsPerHost:   2,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	// Per-request deadlines come from the context; this is only a backstop.
	return &http.Client{
		Timeout:   180 * time.Second,
		Transport: transport,
	}
}

// Execute starts a remote execution of a stored query or of raw SQL.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResponse, error) {
	path, body, err := req.endpoint()
	if err != nil {
		return ExecuteResponse{}, err
	}

	raw, err := c.do(ctx, "execute query", http.MethodPost, path, body, c.requestTimeout)
	if err != nil {
		return ExecuteResponse{}, err
	}

	var resp ExecuteResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return ExecuteResponse{}, fmt.Errorf("failed to decode execute response: %w. Body: %s", err, excerpt(raw))
	}
	if resp.ExecutionID == "" {
		return ExecuteResponse{}, fmt.Errorf("execute response carried no execution_id. Body: %s", excerpt(raw))
	}
	return resp, nil
}

// Status reports the current state of an execution.
func (c *Client) Status(ctx context.Context, executionID string) (StatusResponse, error) {
	path := "/api/v1/execution/" + url.PathEscape(executionID) + "/status"
	raw, err := c.do(ctx, "get execution status", http.MethodGet, path, nil, c.requestTimeout)
	if err != nil {
		return StatusResponse{}, err
	}

	var resp StatusResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return StatusResponse{}, fmt.Errorf("failed to decode status response: %w. Body: %s", err, excerpt(raw))
	}
	return resp, nil
}

// ResultsCSV downloads the result set of a completed execution as CSV.
func (c *Client) ResultsCSV(ctx context.Context, executionID string) ([]byte, error) {
	path := "/api/v1/execution/" + url.PathEscape(executionID) + "/results/csv"
	return c.do(ctx, "get execution results", http.MethodGet, path, nil, c.resultsTimeout)
}

// Cancel asks the remote service to stop a running execution.
func (c *Client) Cancel(ctx context.Context, executionID string) (bool, error) {
	path := "/api/v1/execution/" + url.PathEscape(executionID) + "/cancel"
	raw, err := c.do(ctx, "cancel execution", http.MethodPost, path, struct{}{}, c.requestTimeout)
	if err != nil {
		return false, err
	}

	var resp struct {
		Success bool `json:"success"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return false, fmt.Errorf("failed to decode cancel response: %w. Body: %s", err, excerpt(raw))
	}
	return resp.Success, nil
}

// do performs one logical call. A 429 never creates remote state, so it is
// retried with a fixed delay; every other failure is returned as is.
func (c *Client) do(ctx context.Context, op, method, path string, body any, timeout time.Duration) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", op, err)
		}
	}

	var out []byte
	err := retry.Do(
		func() error {
			raw, err := c.doOnce(ctx, op, method, path, payload, timeout)
			if err != nil {
				return err
			}
			out = raw
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(c.rateLimitAttempts),
		retry.Delay(c.rateLimitDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(IsRateLimited),
		retry.OnRetry(func(n uint, err error) {
			slog.Warn("Rate limit hit, retrying", "op", op, "attempt", n+1, "delay", c.rateLimitDelay, "error", err)
		}),
	)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) doOnce(ctx context.Context, op, method, path string, payload []byte, timeout time.Duration) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set(apiKeyHeader, c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	slog.Debug("Sending request", "op", op, "method", method, "path", path)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make %s request: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return nil, &APIError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(bodyBytes),
		}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response body: %w", op, err)
	}
	return raw, nil
}

// excerpt cuts raw to at most 1 KiB without splitting a UTF-8 sequence.
func excerpt(raw []byte) string {
	const limit = 1024
	if len(raw) <= limit {
		return string(raw)
	}
	cut := limit
	for cut > limit-utf8.UTFMax && !utf8.RuneStart(raw[cut]) {
		cut--
	}
	return string(raw[:cut])
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
