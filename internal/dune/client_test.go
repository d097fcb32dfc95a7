package dune

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(Options{
		BaseURL:        srv.URL,
		APIKey:         "test-key",
		RateLimitDelay: time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

func TestNewClient_RequiresAPIKey(t *testing.T) {
	_, err := NewClient(Options{BaseURL: "http://localhost"})
	require.Error(t, err)
}

func TestNewClient_DefaultsAndTrailingSlash(t *testing.T) {
	c, err := NewClient(Options{APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseURL, c.baseURL)
	assert.Equal(t, defaultRequestTimeout, c.requestTimeout)
	assert.Equal(t, uint(defaultRateLimitAttempts), c.rateLimitAttempts)

	c, err = NewClient(Options{APIKey: "k", BaseURL: "http://localhost:8080/"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", c.baseURL)
}

func TestExecute_StoredQuery(t *testing.T) {
	var gotPath, gotKey, gotMethod string
	var gotBody map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-Dune-API-Key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"execution_id":"01HX","state":"QUERY_STATE_PENDING"}`))
	})

	resp, err := c.Execute(context.Background(), ExecuteRequest{
		QueryID:     "4242",
		Parameters:  map[string]string{"league": "EPL"},
		Performance: PerformanceLarge,
	})
	require.NoError(t, err)
	assert.Equal(t, "01HX", resp.ExecutionID)
	assert.Equal(t, StatePending, resp.State)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/api/v1/query/4242/execute", gotPath)
	assert.Equal(t, "test-key", gotKey)
	assert.Equal(t, "large", gotBody["performance"])
	assert.Equal(t, map[string]any{"league": "EPL"}, gotBody["query_parameters"])
}

func TestExecute_RawSQL(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"execution_id":"sql-1"}`))
	})

	resp, err := c.Execute(context.Background(), ExecuteRequest{SQL: "select 1"})
	require.NoError(t, err)
	assert.Equal(t, "sql-1", resp.ExecutionID)
	assert.Equal(t, "/api/v1/sql/execute", gotPath)
	assert.Equal(t, "select 1", gotBody["sql"])
	_, hasPerf := gotBody["performance"]
	assert.False(t, hasPerf)
}

func TestExecute_RejectsAmbiguousRequest(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	})

	_, err := c.Execute(context.Background(), ExecuteRequest{QueryID: "1", SQL: "select 1"})
	require.Error(t, err)
	_, err = c.Execute(context.Background(), ExecuteRequest{})
	require.Error(t, err)
	assert.Zero(t, calls.Load())
}

func TestExecute_MissingExecutionID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	_, err := c.Execute(context.Background(), ExecuteRequest{QueryID: "1"})
	require.ErrorContains(t, err, "no execution_id")
}

func TestExecute_AuthError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid API Key"}`))
	})

	_, err := c.Execute(context.Background(), ExecuteRequest{QueryID: "1"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, apiErr.IsAuth())
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "invalid API Key")
}

func TestStatus(t *testing.T) {
	var gotPath string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{
			"execution_id":"X",
			"query_id":4242,
			"state":"QUERY_STATE_EXECUTING",
			"is_execution_finished":false,
			"submitted_at":"2024-12-20T11:04:18.724658Z"
		}`))
	})

	resp, err := c.Status(context.Background(), "X")
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/execution/X/status", gotPath)
	assert.Equal(t, StateExecuting, resp.State)
	assert.Equal(t, int64(4242), resp.QueryID)
	require.NotNil(t, resp.SubmittedAt)
	assert.Nil(t, resp.ExecutionEndedAt)
}

func TestStatus_RetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"state":"QUERY_STATE_COMPLETED"}`))
	})

	resp, err := c.Status(context.Background(), "X")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, resp.State)
	assert.Equal(t, int32(3), calls.Load())
}

func TestStatus_RateLimitExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)
	c, err := NewClient(Options{BaseURL: srv.URL, APIKey: "k", RateLimitDelay: time.Millisecond, RateLimitAttempts: 2})
	require.NoError(t, err)

	_, err = c.Status(context.Background(), "X")
	require.True(t, IsRateLimited(err))
	assert.Equal(t, int32(2), calls.Load())
}

func TestStatus_ServerErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := c.Status(context.Background(), "X")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestResultsCSV(t *testing.T) {
	payload := "market,volume\nEPL,1200\n"
	var gotPath string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "text/csv")
		_, _ = io.WriteString(w, payload)
	})

	data, err := c.ResultsCSV(context.Background(), "X")
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/execution/X/results/csv", gotPath)
	assert.Equal(t, payload, string(data))
}

func TestCancel(t *testing.T) {
	var gotMethod, gotPath string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		_, _ = w.Write([]byte(`{"success":true}`))
	})

	ok, err := c.Cancel(context.Background(), "X")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/api/v1/execution/X/cancel", gotPath)
}

func TestStateIsTerminal(t *testing.T) {
	tests := []struct {
		state State
		want  bool
	}{
		{StatePending, false},
		{StateExecuting, false},
		{State("EXECUTING"), false},
		{State(""), false},
		{StateCompleted, true},
		{StateFailed, true},
		{StateCancelled, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.state.IsTerminal())
		})
	}
}

func TestExcerpt(t *testing.T) {
	short := []byte(`{"error":"bad"}`)
	assert.Equal(t, string(short), excerpt(short))

	// 1023 ASCII bytes then a 3-byte rune straddling the 1 KiB limit.
	long := append(bytes.Repeat([]byte("a"), 1023), []byte("€tail")...)
	got := excerpt(long)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("a", 1023), got)

	aligned := append(bytes.Repeat([]byte("a"), 1021), []byte("€tail")...)
	assert.Equal(t, strings.Repeat("a", 1021)+"€", excerpt(aligned))
}
