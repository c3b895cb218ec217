// Package execstore persists executions and model responses.
package execstore

import (
	"context"
	"errors"
	"time"

	"github.com/loomstudio/canvas-engine/pkg/types"
)

// Common errors returned by Store implementations.
var (
	ErrExecutionNotFound = errors.New("execution not found")
	ErrResponseNotFound  = errors.New("response not found")

	// ErrTerminalState is returned for writes that would move a completed
	// response, or overwrite a terminal result. Duplicate queue deliveries
	// surface as this error and are dropped by the caller.
	ErrTerminalState = errors.New("response already in terminal state")
)

// Store defines execution and response lifecycle persistence.
// Implementations must be safe for concurrent use.
type Store interface {
	// Execution lifecycle
	CreateExecution(ctx context.Context, exec *types.Execution) error
	GetExecution(ctx context.Context, executionID string) (*types.Execution, error)
	UpdateExecutionStatus(ctx context.Context, executionID string, status types.ExecutionStatus, completedAt *time.Time) error

	// UpsertNodeExecution inserts or replaces the node execution entry
	// keyed by node id.
	UpsertNodeExecution(ctx context.Context, executionID string, ne types.NodeExecution) error

	// AddExecutionTotals accumulates response metrics into the execution
	// aggregate.
	AddExecutionTotals(ctx context.Context, executionID string, tokens int, cost float64, duration time.Duration) error

	// Response lifecycle. Status transitions are monotonic:
	// pending -> processing -> completed|error. MarkProcessing from error
	// re-enters a new attempt; from completed it fails with
	// ErrTerminalState. MarkCompleted and MarkError never overwrite a
	// completed result.
	CreateResponse(ctx context.Context, resp *types.ModelResponse) error
	GetResponse(ctx context.Context, responseID string) (*types.ModelResponse, error)
	MarkProcessing(ctx context.Context, responseID string) error
	MarkCompleted(ctx context.Context, responseID, content, mediaURL string, m types.ResponseMetrics) error
	MarkError(ctx context.Context, responseID, errMsg string) error

	// Orchestration bookkeeping on a parent response.
	AppendOrchestratedTask(ctx context.Context, parentID string, task types.OrchestratedTask) error
	UpdateOrchestratedTask(ctx context.Context, parentID, childResponseID string, status types.ResponseStatus) error

	// Cleanup
	Close() error
}

// applyProcessing advances a response to processing, enforcing monotonic
// transitions. Shared by the memory and redis implementations.
func applyProcessing(r *types.ModelResponse) error {
	if r.Status == types.ResponseStatusCompleted {
		return ErrTerminalState
	}
	r.Status = types.ResponseStatusProcessing
	r.Error = ""
	return nil
}

func applyCompleted(r *types.ModelResponse, content, mediaURL string, m types.ResponseMetrics) error {
	if r.Status.Terminal() {
		return ErrTerminalState
	}
	r.Status = types.ResponseStatusCompleted
	r.Content = content
	if mediaURL != "" {
		r.MediaURL = mediaURL
	}
	r.Tokens = m.Tokens
	r.Cost = m.Cost
	r.ResponseTimeMS = m.ResponseTimeMS
	return nil
}

func applyError(r *types.ModelResponse, errMsg string) error {
	if r.Status.Terminal() {
		return ErrTerminalState
	}
	r.Status = types.ResponseStatusError
	r.Error = errMsg
	return nil
}

func applyTaskUpdate(r *types.ModelResponse, childResponseID string, status types.ResponseStatus) bool {
	if r.Orchestration == nil {
		return false
	}
	for i := range r.Orchestration.OrchestratedTasks {
		if r.Orchestration.OrchestratedTasks[i].ResponseID == childResponseID {
			r.Orchestration.OrchestratedTasks[i].Status = status
			return true
		}
	}
	return false
}
