package types

import (
	"fmt"
	"time"
)

// JobInputs is the fully resolved input payload for one node dispatch.
type JobInputs struct {
	Prompt      string            `json:"prompt,omitempty"`
	Context     *ReasoningContext `json:"context,omitempty"`
	Attachments []string          `json:"attachments,omitempty"`
	Options     map[string]any    `json:"options,omitempty"`

	// Orchestrate lists media child tasks to spawn once this job's
	// response completes.
	Orchestrate []OrchestratedSpec `json:"orchestrate,omitempty"`
}

// OrchestratedSpec describes one media child task attached to a reasoning job.
type OrchestratedSpec struct {
	TaskType      string         `json:"task_type"` // "image", "video"
	ModelID       string         `json:"model_id"`
	Provider      string         `json:"provider"`
	Options       map[string]any `json:"options,omitempty"`
	DisplayNodeID string         `json:"display_node_id"`
}

// Job is the dispatched unit of work for one node within an execution.
// MessageID is the idempotency key: redelivery with the same key must not
// produce duplicate side effects downstream.
type Job struct {
	MessageID   string    `json:"message_id"`
	ExecutionID string    `json:"execution_id"`
	NodeID      string    `json:"node_id"`
	CanvasID    string    `json:"canvas_id"`
	NodeType    NodeType  `json:"node_type"`
	ResponseID  string    `json:"response_id"`
	ModelID     string    `json:"model_id"`
	Provider    string    `json:"provider"`
	Category    string    `json:"category,omitempty"`
	Tier        string    `json:"tier,omitempty"`
	Inputs      JobInputs `json:"inputs"`
	UserID      string    `json:"user_id"`
	Timestamp   time.Time `json:"timestamp"`

	// DisplayNodeID is the node that receives the media URL for
	// image/video jobs.
	DisplayNodeID string `json:"display_node_id,omitempty"`

	// ParentResponseID links an orchestrated child job back to the
	// response that spawned it.
	ParentResponseID string `json:"parent_response_id,omitempty"`
}

// JobMessageID builds the idempotency key for a (execution, node) pair.
func JobMessageID(executionID, nodeID string) string {
	return fmt.Sprintf("%s-%s", executionID, nodeID)
}

// JobHandle identifies an enqueued job back to the trigger caller.
type JobHandle struct {
	NodeID string `json:"node_id"`
	JobID  string `json:"job_id"`
}

// MessageRole is the role of a single prompt message.
type MessageRole string

const (
	MessageRoleSystem MessageRole = "system"
	MessageRoleUser   MessageRole = "user"
)

// Message is one turn in the sequence handed to the model boundary.
type Message struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
}
