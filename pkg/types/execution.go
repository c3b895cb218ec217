package types

import "time"

// ExecutionStatus represents the state of a triggered run or of one node
// within it.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// Terminal reports whether the status is final.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed
}

// NodeExecution tracks the outcome of a single node within an execution.
// Upserted by node id.
type NodeExecution struct {
	NodeID     string          `json:"node_id"`
	ResponseID string          `json:"response_id,omitempty"`
	Status     ExecutionStatus `json:"status"`
	Input      string          `json:"input,omitempty"`
	Output     string          `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	Duration   time.Duration   `json:"duration,omitempty"`
}

// Execution is one triggered run of a canvas. Created once per trigger,
// mutated by status updates, never deleted by the engine.
type Execution struct {
	ID             string          `json:"id"`
	CanvasID       string          `json:"canvas_id"`
	UserID         string          `json:"user_id"`
	Input          string          `json:"input,omitempty"`
	Output         string          `json:"output,omitempty"`
	Status         ExecutionStatus `json:"status"`
	NodeExecutions []NodeExecution `json:"node_executions"`
	TotalDuration  time.Duration   `json:"total_duration,omitempty"`
	TotalTokens    int             `json:"total_tokens,omitempty"`
	TotalCost      float64         `json:"total_cost,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// NodeExecutionByID returns the node execution for the given node id.
func (e *Execution) NodeExecutionByID(nodeID string) (*NodeExecution, bool) {
	for i := range e.NodeExecutions {
		if e.NodeExecutions[i].NodeID == nodeID {
			return &e.NodeExecutions[i], true
		}
	}
	return nil, false
}
