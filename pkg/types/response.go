package types

// ResponseStatus represents the lifecycle state of a model response.
// Transitions are monotonic: pending -> processing -> completed|error.
type ResponseStatus string

const (
	ResponseStatusPending    ResponseStatus = "pending"
	ResponseStatusProcessing ResponseStatus = "processing"
	ResponseStatusCompleted  ResponseStatus = "completed"
	ResponseStatusError      ResponseStatus = "error"
)

// Terminal reports whether the status is final for the current attempt.
func (s ResponseStatus) Terminal() bool {
	return s == ResponseStatusCompleted || s == ResponseStatusError
}

// OrchestratedTask is one child task entry on an orchestrating response.
type OrchestratedTask struct {
	TaskType   string         `json:"task_type"`
	ModelID    string         `json:"model_id"`
	Status     ResponseStatus `json:"status"`
	ResponseID string         `json:"response_id,omitempty"`
}

// OrchestrationData lives on a parent response that spawned child tasks.
type OrchestrationData struct {
	IsOrchestrator    bool               `json:"is_orchestrator"`
	OrchestratedTasks []OrchestratedTask `json:"orchestrated_tasks"`
}

// ModelResponse is the stored result of one model invocation. UserID scopes
// reads the same way Execution.UserID does.
type ModelResponse struct {
	ID               string             `json:"id"`
	UserID           string             `json:"user_id,omitempty"`
	ModelID          string             `json:"model_id"`
	Provider         string             `json:"provider"`
	Category         string             `json:"category,omitempty"` // reasoning, image, video
	Content          string             `json:"content,omitempty"`
	MediaURL         string             `json:"media_url,omitempty"`
	Status           ResponseStatus     `json:"status"`
	Error            string             `json:"error,omitempty"`
	ResponseTimeMS   int64              `json:"response_time_ms,omitempty"`
	Tokens           int                `json:"tokens,omitempty"`
	Cost             float64            `json:"cost,omitempty"`
	ParentResponseID string             `json:"parent_response_id,omitempty"`
	Orchestration    *OrchestrationData `json:"orchestration_data,omitempty"`
}

// ResponseMetrics carries the measurements written on completion.
type ResponseMetrics struct {
	Tokens         int     `json:"tokens"`
	Cost           float64 `json:"cost"`
	ResponseTimeMS int64   `json:"response_time_ms"`
}
