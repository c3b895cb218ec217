package graphstore

import (
	"context"
	"sync"

	"github.com/loomstudio/canvas-engine/pkg/types"
)

// memoryCanvas holds all state for a single canvas in memory.
type memoryCanvas struct {
	mu      sync.RWMutex
	ownerID string
	nodes   map[string]types.Node
	order   []string // node ids in insertion order
	edges   []types.Edge
}

// MemoryStore is an in-memory implementation of Store.
// Suitable for development and testing. Data is lost on restart.
type MemoryStore struct {
	mu       sync.RWMutex
	canvases map[string]*memoryCanvas
}

// NewMemoryStore creates a new in-memory graph store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{canvases: make(map[string]*memoryCanvas)}
}

func (s *MemoryStore) CreateCanvas(ctx context.Context, canvasID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.canvases[canvasID]; ok {
		return ErrCanvasExists
	}
	s.canvases[canvasID] = &memoryCanvas{
		ownerID: userID,
		nodes:   make(map[string]types.Node),
	}
	return nil
}

// lookup returns the canvas if it exists and is owned by userID.
func (s *MemoryStore) lookup(canvasID, userID string) (*memoryCanvas, error) {
	s.mu.RLock()
	c, ok := s.canvases[canvasID]
	s.mu.RUnlock()

	if !ok || c.ownerID != userID {
		return nil, ErrCanvasNotFound
	}
	return c, nil
}

func (s *MemoryStore) GetGraph(ctx context.Context, canvasID, userID string) (*types.Graph, error) {
	c, err := s.lookup(canvasID, userID)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	g := &types.Graph{
		Nodes: make([]types.Node, 0, len(c.nodes)),
		Edges: make([]types.Edge, len(c.edges)),
	}
	for _, id := range c.order {
		g.Nodes = append(g.Nodes, c.nodes[id])
	}
	copy(g.Edges, c.edges)
	return g, nil
}

func (s *MemoryStore) PatchNodes(ctx context.Context, canvasID, userID string, nodes []types.Node) error {
	c, err := s.lookup(canvasID, userID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, n := range nodes {
		if _, ok := c.nodes[n.ID]; !ok {
			c.order = append(c.order, n.ID)
		}
		c.nodes[n.ID] = n
	}
	return nil
}

func (s *MemoryStore) AddNodesAndEdges(ctx context.Context, canvasID, userID string, nodes []types.Node, edges []types.Edge) error {
	c, err := s.lookup(canvasID, userID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Validate edge endpoints against existing plus incoming nodes before
	// writing anything: the batch is all-or-nothing.
	incoming := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		incoming[n.ID] = struct{}{}
	}
	exists := func(id string) bool {
		if _, ok := c.nodes[id]; ok {
			return true
		}
		_, ok := incoming[id]
		return ok
	}
	for _, e := range edges {
		if !exists(e.Source) || !exists(e.Target) {
			return ErrUnknownEndpoint
		}
	}

	for _, n := range nodes {
		if _, ok := c.nodes[n.ID]; !ok {
			c.order = append(c.order, n.ID)
		}
		c.nodes[n.ID] = n
	}
	c.edges = append(c.edges, dedupEdges(c.edges, edges)...)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// Verify interface compliance
var _ Store = (*MemoryStore)(nil)
