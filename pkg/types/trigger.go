package types

// ModelCategory constants for requested models.
const (
	CategoryReasoning = "reasoning"
	CategoryImage     = "image"
	CategoryVideo     = "video"
)

// ModelRequest names one model a trigger wants to run.
type ModelRequest struct {
	ModelID  string         `json:"model_id"`
	Provider string         `json:"provider"`
	Category string         `json:"category,omitempty"`
	Options  map[string]any `json:"options,omitempty"` // size, quality, duration... passed through verbatim
}

// TriggerRequest is the payload starting or resuming an execution.
// Either Prompt (new execution) or ExecutionID (resume) must be set.
type TriggerRequest struct {
	Prompt       string         `json:"prompt,omitempty"`
	Models       []ModelRequest `json:"models,omitempty"`
	AnchorNodeID string         `json:"anchor_node_id,omitempty"`
	ExecutionID  string         `json:"execution_id,omitempty"`
	Attachments  []string       `json:"attachments,omitempty"`
	Tier         string         `json:"tier,omitempty"`
}

// TriggerResult is returned to the trigger caller.
type TriggerResult struct {
	ExecutionID string      `json:"execution_id"`
	Jobs        []JobHandle `json:"jobs"`
}
