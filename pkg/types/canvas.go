// Package types provides shared types for the canvas engine.
package types

// NodeType identifies the kind of canvas node.
type NodeType string

const (
	NodeTypeInput    NodeType = "input"
	NodeTypeResponse NodeType = "response"
	NodeTypeDisplay  NodeType = "display"
	NodeTypeFile     NodeType = "file"
)

// IsValidNodeType reports whether t is one of the known node types.
func IsValidNodeType(t NodeType) bool {
	switch t {
	case NodeTypeInput, NodeTypeResponse, NodeTypeDisplay, NodeTypeFile:
		return true
	default:
		return false
	}
}

// NodeData carries the mutable payload of a canvas node.
type NodeData struct {
	Text       string         `json:"text,omitempty"`
	Prompt     string         `json:"prompt,omitempty"`
	Output     string         `json:"output,omitempty"`
	Status     string         `json:"status,omitempty"`
	Role       string         `json:"role,omitempty"`
	Importance int            `json:"importance,omitempty"`
	ModelID    string         `json:"model_id,omitempty"`
	MediaURL   string         `json:"media_url,omitempty"`
	Options    map[string]any `json:"options,omitempty"`
}

// Node is a typed unit of the canvas.
type Node struct {
	ID   string   `json:"id"`
	Type NodeType `json:"type"`
	Data NodeData `json:"data"`
}

// Edge is a directed dependency between two canvas nodes.
type Edge struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	Relation string `json:"relation,omitempty"`
}

// Graph is the full node/edge set of a canvas.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// NodeByID returns the node with the given id, if present.
func (g *Graph) NodeByID(id string) (*Node, bool) {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i], true
		}
	}
	return nil, false
}
