// Package resolver walks a canvas graph backward from a target node and
// produces the ordered ancestor context for prompt building.
package resolver

import (
	"github.com/loomstudio/canvas-engine/pkg/types"
)

// Defaults are applied to an ancestor when its node data does not carry an
// explicit role or importance.
type Defaults struct {
	Role       types.ContextRole
	Importance int
}

// DefaultsTable maps node types to their default role and importance.
// Passed in explicitly so call sites share one table instead of re-declaring
// constants.
type DefaultsTable map[types.NodeType]Defaults

// StandardDefaults returns the engine's default role/importance mapping.
func StandardDefaults() DefaultsTable {
	return DefaultsTable{
		types.NodeTypeInput:    {Role: types.RoleInstruction, Importance: 4},
		types.NodeTypeResponse: {Role: types.RoleHistory, Importance: 3},
		types.NodeTypeDisplay:  {Role: types.RoleContext, Importance: 2},
		types.NodeTypeFile:     {Role: types.RoleKnowledge, Importance: 3},
	}
}

const fallbackImportance = 3

// Resolver resolves ancestor contributions for canvas nodes.
type Resolver struct {
	defaults DefaultsTable
}

// New creates a resolver using the given defaults table.
func New(defaults DefaultsTable) *Resolver {
	if defaults == nil {
		defaults = StandardDefaults()
	}
	return &Resolver{defaults: defaults}
}

// Resolve walks edges backward (target to source) from targetNodeID and
// returns the ancestor contributions ordered from the most distant ancestor
// to the nearest parent. Resolution is a best-effort read: an unknown target
// yields an empty context, and a cycle in the edge set terminates via the
// visited set instead of hanging.
func (r *Resolver) Resolve(targetNodeID string, g *types.Graph) types.ReasoningContext {
	rc := types.ReasoningContext{TargetNodeID: targetNodeID}
	if g == nil {
		return rc
	}
	if _, ok := g.NodeByID(targetNodeID); !ok {
		return rc
	}

	// Incoming edges per node: target id -> edges pointing at it.
	incoming := make(map[string][]types.Edge, len(g.Edges))
	for _, e := range g.Edges {
		incoming[e.Target] = append(incoming[e.Target], e)
	}

	visited := map[string]bool{targetNodeID: true}
	queue := []string{targetNodeID}
	relations := map[string]string{}

	var discovered []string
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, e := range incoming[current] {
			if visited[e.Source] {
				continue
			}
			visited[e.Source] = true
			relations[e.Source] = e.Relation
			discovered = append(discovered, e.Source)
			queue = append(queue, e.Source)
		}
	}

	items := make([]types.ContextItem, 0, len(discovered))
	for _, id := range discovered {
		node, ok := g.NodeByID(id)
		if !ok {
			continue
		}
		content := contribution(node)
		if content == "" {
			continue
		}
		items = append(items, types.ContextItem{
			SourceNodeID: id,
			NodeType:     node.Type,
			Role:         r.roleFor(node),
			Content:      content,
			Importance:   r.importanceFor(node),
			Relation:     relations[id],
		})
	}

	// Discovery runs nearest-first; models read context history-to-present,
	// so flip to root-first.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}

	rc.Items = items
	return rc
}

// contribution extracts a node's textual contribution: the first non-empty
// of text, output, prompt.
func contribution(n *types.Node) string {
	switch {
	case n.Data.Text != "":
		return n.Data.Text
	case n.Data.Output != "":
		return n.Data.Output
	case n.Data.Prompt != "":
		return n.Data.Prompt
	default:
		return ""
	}
}

func (r *Resolver) roleFor(n *types.Node) types.ContextRole {
	if n.Data.Role != "" {
		return types.ContextRole(n.Data.Role)
	}
	if d, ok := r.defaults[n.Type]; ok {
		return d.Role
	}
	return types.RoleContext
}

func (r *Resolver) importanceFor(n *types.Node) int {
	if n.Data.Importance > 0 {
		return n.Data.Importance
	}
	if d, ok := r.defaults[n.Type]; ok && d.Importance > 0 {
		return d.Importance
	}
	return fallbackImportance
}
