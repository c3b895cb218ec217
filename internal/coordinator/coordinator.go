// Package coordinator turns trigger requests into graph mutations and
// dispatched jobs.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loomstudio/canvas-engine/internal/distill"
	"github.com/loomstudio/canvas-engine/internal/execstore"
	"github.com/loomstudio/canvas-engine/internal/graphstore"
	"github.com/loomstudio/canvas-engine/internal/queue"
	"github.com/loomstudio/canvas-engine/internal/resolver"
	"github.com/loomstudio/canvas-engine/pkg/types"
)

// ErrInvalidTrigger is returned when a trigger carries neither a prompt nor
// an execution id to resume.
var ErrInvalidTrigger = errors.New("trigger requires a prompt or an execution id")

// defaultModel is dispatched when a trigger names no models.
var defaultModel = types.ModelRequest{
	ModelID:  "claude-sonnet-4",
	Provider: "anthropic",
	Category: types.CategoryReasoning,
}

// Coordinator owns the trigger path: graph mutation, execution bookkeeping,
// context resolution and job dispatch. Dispatch is fire-and-forget; results
// arrive asynchronously through the worker's status write-backs.
type Coordinator struct {
	graphs      graphstore.Store
	execs       execstore.Store
	jobs        queue.Queue
	resolver    *resolver.Resolver
	distiller   *distill.Distiller
	distillOpts distill.Options
	defaultTier string
	logger      *slog.Logger
}

// New creates a coordinator.
func New(graphs graphstore.Store, execs execstore.Store, jobs queue.Queue, res *resolver.Resolver, dist *distill.Distiller, distillOpts distill.Options, defaultTier string, logger *slog.Logger) *Coordinator {
	if res == nil {
		res = resolver.New(nil)
	}
	if dist == nil {
		dist = distill.New(logger)
	}
	if distillOpts.MaxTokens <= 0 {
		distillOpts = distill.DefaultOptions()
	}
	if defaultTier == "" {
		defaultTier = "standard"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		graphs:      graphs,
		execs:       execs,
		jobs:        jobs,
		resolver:    res,
		distiller:   dist,
		distillOpts: distillOpts,
		defaultTier: defaultTier,
		logger:      logger,
	}
}

// Trigger starts a new execution or resumes an existing one.
func (c *Coordinator) Trigger(ctx context.Context, canvasID, userID string, req *types.TriggerRequest) (*types.TriggerResult, error) {
	if req == nil || (req.Prompt == "" && req.ExecutionID == "") {
		return nil, ErrInvalidTrigger
	}

	tier := req.Tier
	if tier == "" {
		tier = c.defaultTier
	}

	if req.ExecutionID != "" {
		return c.resume(ctx, canvasID, userID, tier, req)
	}
	return c.start(ctx, canvasID, userID, tier, req)
}

// start creates the execution, batches the new nodes and edges into the
// graph, and dispatches one job per reasoning/media response node.
func (c *Coordinator) start(ctx context.Context, canvasID, userID, tier string, req *types.TriggerRequest) (*types.TriggerResult, error) {
	// Ownership check up front; also confirms the anchor can exist.
	if _, err := c.graphs.GetGraph(ctx, canvasID, userID); err != nil {
		return nil, fmt.Errorf("validate canvas: %w", err)
	}

	models := req.Models
	if len(models) == 0 {
		models = []types.ModelRequest{defaultModel}
	}
	reasoning, media := splitModels(models)

	executionID := uuid.New().String()
	inputNodeID := uuid.New().String()

	nodes := []types.Node{{
		ID:   inputNodeID,
		Type: types.NodeTypeInput,
		Data: types.NodeData{Text: req.Prompt},
	}}
	var edges []types.Edge
	if req.AnchorNodeID != "" {
		edges = append(edges, types.Edge{Source: req.AnchorNodeID, Target: inputNodeID})
	}

	type pending struct {
		node       types.Node
		responseID string
		model      types.ModelRequest
		display    string // paired display node for media jobs
	}
	var dispatches []pending

	addResponseNode := func(m types.ModelRequest) *pending {
		n := types.Node{
			ID:   uuid.New().String(),
			Type: types.NodeTypeResponse,
			Data: types.NodeData{Status: "pending", ModelID: m.ModelID},
		}
		nodes = append(nodes, n)
		edges = append(edges, types.Edge{Source: inputNodeID, Target: n.ID})
		dispatches = append(dispatches, pending{node: n, responseID: uuid.New().String(), model: m})
		return &dispatches[len(dispatches)-1]
	}

	addDisplayNode := func(source string) string {
		n := types.Node{
			ID:   uuid.New().String(),
			Type: types.NodeTypeDisplay,
			Data: types.NodeData{Status: "pending"},
		}
		nodes = append(nodes, n)
		edges = append(edges, types.Edge{Source: source, Target: n.ID})
		return n.ID
	}

	var orchestrate []types.OrchestratedSpec
	for _, m := range reasoning {
		addResponseNode(m)
	}
	if len(reasoning) > 0 {
		// Media models ride along as orchestrated children of the first
		// reasoning response; the generated media lands on display nodes.
		parent := &dispatches[0]
		for _, m := range media {
			displayID := addDisplayNode(parent.node.ID)
			orchestrate = append(orchestrate, types.OrchestratedSpec{
				TaskType:      m.Category,
				ModelID:       m.ModelID,
				Provider:      m.Provider,
				Options:       m.Options,
				DisplayNodeID: displayID,
			})
		}
	} else {
		// Media-only trigger: each media model gets its own direct job.
		for _, m := range media {
			p := addResponseNode(m)
			p.display = addDisplayNode(p.node.ID)
		}
	}

	if err := c.graphs.AddNodesAndEdges(ctx, canvasID, userID, nodes, edges); err != nil {
		return nil, fmt.Errorf("persist trigger nodes: %w", err)
	}

	exec := &types.Execution{
		ID:        executionID,
		CanvasID:  canvasID,
		UserID:    userID,
		Input:     req.Prompt,
		Status:    types.ExecutionStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	for _, p := range dispatches {
		exec.NodeExecutions = append(exec.NodeExecutions, types.NodeExecution{
			NodeID:     p.node.ID,
			ResponseID: p.responseID,
			Status:     types.ExecutionStatusPending,
		})
	}
	if err := c.execs.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}

	for _, p := range dispatches {
		resp := &types.ModelResponse{
			ID:       p.responseID,
			UserID:   userID,
			ModelID:  p.model.ModelID,
			Provider: p.model.Provider,
			Category: p.model.Category,
			Status:   types.ResponseStatusPending,
		}
		if err := c.execs.CreateResponse(ctx, resp); err != nil {
			return nil, fmt.Errorf("create response: %w", err)
		}
	}

	// Re-read so resolution sees the freshly created nodes.
	graph, err := c.graphs.GetGraph(ctx, canvasID, userID)
	if err != nil {
		return nil, fmt.Errorf("reload graph: %w", err)
	}

	result := &types.TriggerResult{ExecutionID: executionID}
	for i, p := range dispatches {
		job := c.buildJob(graph, executionID, canvasID, userID, tier, &p.node, p.responseID, p.model, req)
		job.DisplayNodeID = p.display
		if i == 0 {
			job.Inputs.Orchestrate = orchestrate
		}
		handle, err := c.jobs.Enqueue(ctx, tier, job)
		if err != nil {
			return nil, fmt.Errorf("enqueue job for node %s: %w", p.node.ID, err)
		}
		result.Jobs = append(result.Jobs, types.JobHandle{NodeID: p.node.ID, JobID: handle})
	}

	c.logger.Info("execution triggered",
		"execution_id", executionID,
		"canvas_id", canvasID,
		"jobs", len(result.Jobs))
	return result, nil
}

// resume re-dispatches the execution's still-pending node executions.
// Nothing pending is a valid outcome, not an error.
func (c *Coordinator) resume(ctx context.Context, canvasID, userID, tier string, req *types.TriggerRequest) (*types.TriggerResult, error) {
	exec, err := c.execs.GetExecution(ctx, req.ExecutionID)
	if err != nil {
		return nil, fmt.Errorf("load execution: %w", err)
	}
	if exec.UserID != userID || (canvasID != "" && exec.CanvasID != canvasID) {
		return nil, execstore.ErrExecutionNotFound
	}

	graph, err := c.graphs.GetGraph(ctx, exec.CanvasID, userID)
	if err != nil {
		return nil, fmt.Errorf("load graph: %w", err)
	}

	result := &types.TriggerResult{ExecutionID: exec.ID}
	for _, ne := range exec.NodeExecutions {
		if ne.Status != types.ExecutionStatusPending {
			continue
		}
		node, ok := graph.NodeByID(ne.NodeID)
		if !ok {
			c.logger.Warn("pending node missing from graph, skipping",
				"execution_id", exec.ID, "node_id", ne.NodeID)
			continue
		}

		model := defaultModel
		if resp, err := c.execs.GetResponse(ctx, ne.ResponseID); err == nil {
			model = types.ModelRequest{ModelID: resp.ModelID, Provider: resp.Provider, Category: resp.Category}
		}

		// Requeue rather than Enqueue: the original dispatch may have been
		// consumed and lost, and its MessageID would otherwise be deduped.
		job := c.buildJob(graph, exec.ID, exec.CanvasID, userID, tier, node, ne.ResponseID, model, req)
		handle, err := c.jobs.Requeue(ctx, tier, job)
		if err != nil {
			return nil, fmt.Errorf("enqueue job for node %s: %w", node.ID, err)
		}
		result.Jobs = append(result.Jobs, types.JobHandle{NodeID: node.ID, JobID: handle})
	}

	c.logger.Info("execution resumed",
		"execution_id", exec.ID,
		"jobs", len(result.Jobs))
	return result, nil
}

// buildJob resolves and distills the node's context and assembles the job
// payload. Prompt precedence: request prompt, then the node's stored prompt,
// then its stored text. A node with no extractable prompt still dispatches.
func (c *Coordinator) buildJob(graph *types.Graph, executionID, canvasID, userID, tier string, node *types.Node, responseID string, model types.ModelRequest, req *types.TriggerRequest) *types.Job {
	rc := c.resolver.Resolve(node.ID, graph)
	distilled := c.distiller.Distill(rc, c.distillOpts)

	promptText := req.Prompt
	if promptText == "" {
		promptText = node.Data.Prompt
	}
	if promptText == "" {
		promptText = node.Data.Text
	}

	return &types.Job{
		MessageID:   types.JobMessageID(executionID, node.ID),
		ExecutionID: executionID,
		NodeID:      node.ID,
		CanvasID:    canvasID,
		NodeType:    node.Type,
		ResponseID:  responseID,
		ModelID:     model.ModelID,
		Provider:    model.Provider,
		Category:    model.Category,
		Tier:        tier,
		Inputs: types.JobInputs{
			Prompt:      promptText,
			Context:     &distilled,
			Attachments: req.Attachments,
			Options:     model.Options,
		},
		UserID:    userID,
		Timestamp: time.Now().UTC(),
	}
}

// splitModels separates reasoning requests from media (image/video) ones.
// A request with no category counts as reasoning.
func splitModels(models []types.ModelRequest) (reasoning, media []types.ModelRequest) {
	for _, m := range models {
		switch m.Category {
		case types.CategoryImage, types.CategoryVideo:
			media = append(media, m)
		default:
			mm := m
			if mm.Category == "" {
				mm.Category = types.CategoryReasoning
			}
			reasoning = append(reasoning, mm)
		}
	}
	return reasoning, media
}
