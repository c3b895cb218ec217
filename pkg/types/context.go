package types

// ContextRole is the semantic role an ancestor contribution plays in a prompt.
type ContextRole string

const (
	RoleInstruction ContextRole = "instruction"
	RoleConstraint  ContextRole = "constraint"
	RoleCritique    ContextRole = "critique"
	RoleExample     ContextRole = "example"
	RoleKnowledge   ContextRole = "knowledge"
	RoleHistory     ContextRole = "history"
	RoleEvidence    ContextRole = "evidence"
	RoleContext     ContextRole = "context"
)

// rolePriorities orders roles for distillation. Unknown roles rank last.
var rolePriorities = map[ContextRole]int{
	RoleInstruction: 100,
	RoleConstraint:  90,
	RoleCritique:    80,
	RoleExample:     70,
	RoleKnowledge:   60,
	RoleHistory:     50,
	RoleEvidence:    40,
	RoleContext:     30,
}

// Priority returns the distillation rank of the role (higher is kept first).
func (r ContextRole) Priority() int {
	return rolePriorities[r]
}

// ContextItem is one ancestor node's contribution to a prompt.
// Items are built fresh on every resolution and never persisted.
type ContextItem struct {
	SourceNodeID string      `json:"source_node_id"`
	NodeType     NodeType    `json:"node_type"`
	Role         ContextRole `json:"role"`
	Content      string      `json:"content"`
	Importance   int         `json:"importance"`
	Relation     string      `json:"relation,omitempty"`
	Summarized   bool        `json:"summarized,omitempty"`
}

// ReasoningContext is the ordered ancestor context for a target node,
// running from the most distant ancestor to the nearest parent.
type ReasoningContext struct {
	TargetNodeID string        `json:"target_node_id"`
	Items        []ContextItem `json:"items"`
	TotalTokens  int           `json:"total_tokens,omitempty"`
	Distilled    bool          `json:"distilled,omitempty"`
}
