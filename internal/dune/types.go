package dune

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// State is the execution state string reported by the remote service.
type State string

const (
	StatePending   State = "QUERY_STATE_PENDING"
	StateExecuting State = "QUERY_STATE_EXECUTING"
	StateCompleted State = "QUERY_STATE_COMPLETED"
	StateFailed    State = "QUERY_STATE_FAILED"
	StateCancelled State = "QUERY_STATE_CANCELLED"
)

// IsTerminal reports whether the remote job will not transition further.
// Anything not listed here, including states this client does not know,
// counts as still running.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Performance tiers accepted by the execute endpoints.
const (
	PerformanceMedium = "medium"
	PerformanceLarge  = "large"
)

// ExecuteRequest selects what to run. Exactly one of QueryID and SQL must be set.
type ExecuteRequest struct {
	QueryID     string
	SQL         string
	Parameters  map[string]string
	Performance string
}

type queryExecuteBody struct {
	QueryParameters map[string]string `json:"query_parameters,omitempty"`
	Performance     string            `json:"performance,omitempty"`
}

type sqlExecuteBody struct {
	SQL         string `json:"sql"`
	Performance string `json:"performance,omitempty"`
}

func (r ExecuteRequest) endpoint() (string, any, error) {
	queryID := strings.TrimSpace(r.QueryID)
	sql := strings.TrimSpace(r.SQL)
	switch {
	case queryID != "" && sql != "":
		return "", nil, errors.New("query id and sql are mutually exclusive")
	case queryID != "":
		return "/api/v1/query/" + url.PathEscape(queryID) + "/execute",
			queryExecuteBody{QueryParameters: r.Parameters, Performance: r.Performance}, nil
	case sql != "":
		return "/api/v1/sql/execute", sqlExecuteBody{SQL: r.SQL, Performance: r.Performance}, nil
	default:
		return "", nil, errors.New("either a query id or sql is required")
	}
}

// ExecuteResponse is returned by both execute endpoints.
type ExecuteResponse struct {
	ExecutionID string `json:"execution_id"`
	State       State  `json:"state"`
}

// ExecutionError is the error block the service attaches to failed executions.
type ExecutionError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// StatusResponse mirrors GET /execution/{id}/status.
type StatusResponse struct {
	ExecutionID         string          `json:"execution_id"`
	QueryID             int64           `json:"query_id"`
	State               State           `json:"state"`
	IsExecutionFinished bool            `json:"is_execution_finished"`
	SubmittedAt         *time.Time      `json:"submitted_at,omitempty"`
	ExecutionStartedAt  *time.Time      `json:"execution_started_at,omitempty"`
	ExecutionEndedAt    *time.Time      `json:"execution_ended_at,omitempty"`
	Error               *ExecutionError `json:"error,omitempty"`
}

// APIError is a non-2xx answer from the service.
type APIError struct {
	Op         string
	StatusCode int
	Status     string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("failed to %s, status: %s, body: %s", e.Op, e.Status, strings.TrimSpace(e.Body))
}

// IsAuth reports whether the service rejected the credentials.
func (e *APIError) IsAuth() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// IsRateLimited reports whether err is a 429 from the service.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}
