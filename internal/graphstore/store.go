// Package graphstore provides canvas graph persistence.
package graphstore

import (
	"context"
	"errors"

	"github.com/loomstudio/canvas-engine/pkg/types"
)

// Common errors returned by Store implementations.
var (
	// ErrCanvasNotFound is returned for missing canvases and for canvases
	// owned by a different user; callers cannot distinguish the two.
	ErrCanvasNotFound = errors.New("canvas not found")

	// ErrCanvasExists is returned when creating a canvas with a taken id.
	ErrCanvasExists = errors.New("canvas already exists")

	// ErrUnknownEndpoint is returned when an edge references a node that
	// does not exist at creation time.
	ErrUnknownEndpoint = errors.New("edge endpoint does not exist")
)

// Store defines the interface for canvas graph persistence.
// All reads and writes are scoped by the caller's user id; a canvas the
// caller does not own behaves exactly like a missing one, never a partial
// graph. Implementations must be safe for concurrent use.
type Store interface {
	// CreateCanvas registers an empty canvas owned by userID.
	CreateCanvas(ctx context.Context, canvasID, userID string) error

	// GetGraph returns the full node/edge set of the canvas.
	GetGraph(ctx context.Context, canvasID, userID string) (*types.Graph, error)

	// PatchNodes merges the given nodes into the canvas by id. Existing
	// nodes are replaced wholesale; unknown ids are inserted.
	PatchNodes(ctx context.Context, canvasID, userID string, nodes []types.Node) error

	// AddNodesAndEdges persists nodes and edges as one atomic batch.
	// Every edge endpoint must exist either in the canvas or in the batch.
	// Duplicate (source, target, relation) edges are dropped silently.
	AddNodesAndEdges(ctx context.Context, canvasID, userID string, nodes []types.Node, edges []types.Edge) error

	// Close releases store resources.
	Close() error
}

// dedupEdges drops edges already present in existing and duplicates within
// the batch itself, keyed by (source, target, relation).
func dedupEdges(existing, batch []types.Edge) []types.Edge {
	type key struct{ src, dst, rel string }
	seen := make(map[key]struct{}, len(existing)+len(batch))
	for _, e := range existing {
		seen[key{e.Source, e.Target, e.Relation}] = struct{}{}
	}
	out := make([]types.Edge, 0, len(batch))
	for _, e := range batch {
		k := key{e.Source, e.Target, e.Relation}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, e)
	}
	return out
}
