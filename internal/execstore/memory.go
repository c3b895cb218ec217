package execstore

import (
	"context"
	"sync"
	"time"

	"github.com/loomstudio/canvas-engine/pkg/types"
)

// MemoryStore is an in-memory implementation of Store.
// Suitable for development and testing. Data is lost on restart.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*types.Execution
	responses  map[string]*types.ModelResponse
}

// NewMemoryStore creates a new in-memory execution store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[string]*types.Execution),
		responses:  make(map[string]*types.ModelResponse),
	}
}

func (s *MemoryStore) CreateExecution(ctx context.Context, exec *types.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *exec
	cp.NodeExecutions = append([]types.NodeExecution(nil), exec.NodeExecutions...)
	s.executions[exec.ID] = &cp
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, executionID string) (*types.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.executions[executionID]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	cp := *exec
	cp.NodeExecutions = append([]types.NodeExecution(nil), exec.NodeExecutions...)
	return &cp, nil
}

func (s *MemoryStore) UpdateExecutionStatus(ctx context.Context, executionID string, status types.ExecutionStatus, completedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[executionID]
	if !ok {
		return ErrExecutionNotFound
	}
	exec.Status = status
	if completedAt != nil {
		exec.CompletedAt = completedAt
	}
	return nil
}

func (s *MemoryStore) UpsertNodeExecution(ctx context.Context, executionID string, ne types.NodeExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[executionID]
	if !ok {
		return ErrExecutionNotFound
	}
	for i := range exec.NodeExecutions {
		if exec.NodeExecutions[i].NodeID == ne.NodeID {
			exec.NodeExecutions[i] = ne
			return nil
		}
	}
	exec.NodeExecutions = append(exec.NodeExecutions, ne)
	return nil
}

func (s *MemoryStore) AddExecutionTotals(ctx context.Context, executionID string, tokens int, cost float64, duration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[executionID]
	if !ok {
		return ErrExecutionNotFound
	}
	exec.TotalTokens += tokens
	exec.TotalCost += cost
	exec.TotalDuration += duration
	return nil
}

func (s *MemoryStore) CreateResponse(ctx context.Context, resp *types.ModelResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *resp
	s.responses[resp.ID] = &cp
	return nil
}

func (s *MemoryStore) GetResponse(ctx context.Context, responseID string) (*types.ModelResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resp, ok := s.responses[responseID]
	if !ok {
		return nil, ErrResponseNotFound
	}
	cp := *resp
	if resp.Orchestration != nil {
		o := *resp.Orchestration
		o.OrchestratedTasks = append([]types.OrchestratedTask(nil), resp.Orchestration.OrchestratedTasks...)
		cp.Orchestration = &o
	}
	return &cp, nil
}

func (s *MemoryStore) MarkProcessing(ctx context.Context, responseID string) error {
	return s.mutateResponse(responseID, applyProcessing)
}

func (s *MemoryStore) MarkCompleted(ctx context.Context, responseID, content, mediaURL string, m types.ResponseMetrics) error {
	return s.mutateResponse(responseID, func(r *types.ModelResponse) error {
		return applyCompleted(r, content, mediaURL, m)
	})
}

func (s *MemoryStore) MarkError(ctx context.Context, responseID, errMsg string) error {
	return s.mutateResponse(responseID, func(r *types.ModelResponse) error {
		return applyError(r, errMsg)
	})
}

func (s *MemoryStore) AppendOrchestratedTask(ctx context.Context, parentID string, task types.OrchestratedTask) error {
	return s.mutateResponse(parentID, func(r *types.ModelResponse) error {
		if r.Orchestration == nil {
			r.Orchestration = &types.OrchestrationData{IsOrchestrator: true}
		}
		r.Orchestration.OrchestratedTasks = append(r.Orchestration.OrchestratedTasks, task)
		return nil
	})
}

func (s *MemoryStore) UpdateOrchestratedTask(ctx context.Context, parentID, childResponseID string, status types.ResponseStatus) error {
	return s.mutateResponse(parentID, func(r *types.ModelResponse) error {
		applyTaskUpdate(r, childResponseID, status)
		return nil
	})
}

func (s *MemoryStore) mutateResponse(responseID string, fn func(*types.ModelResponse) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp, ok := s.responses[responseID]
	if !ok {
		return ErrResponseNotFound
	}
	return fn(resp)
}

func (s *MemoryStore) Close() error { return nil }

// Verify interface compliance
var _ Store = (*MemoryStore)(nil)
