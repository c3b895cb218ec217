package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loomstudio/canvas-engine/internal/distill"
	"github.com/loomstudio/canvas-engine/internal/execstore"
	"github.com/loomstudio/canvas-engine/internal/graphstore"
	"github.com/loomstudio/canvas-engine/internal/queue"
	"github.com/loomstudio/canvas-engine/pkg/types"
)

type fixture struct {
	graphs *graphstore.MemoryStore
	execs  *execstore.MemoryStore
	jobs   *queue.MemoryQueue
	coord  *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		graphs: graphstore.NewMemoryStore(),
		execs:  execstore.NewMemoryStore(),
		jobs:   queue.NewMemoryQueue(nil, nil),
	}
	f.coord = New(f.graphs, f.execs, f.jobs, nil, nil, distill.Options{}, "standard", nil)
	if err := f.graphs.CreateCanvas(context.Background(), "c1", "u1"); err != nil {
		t.Fatalf("CreateCanvas: %v", err)
	}
	return f
}

func TestTrigger_DefaultsToSingleReasoningModel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.coord.Trigger(ctx, "c1", "u1", &types.TriggerRequest{Prompt: "Hello"})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if len(res.Jobs) != 1 {
		t.Fatalf("expected 1 job handle, got %d", len(res.Jobs))
	}
	if res.ExecutionID == "" {
		t.Fatal("missing execution id")
	}

	graph, err := f.graphs.GetGraph(ctx, "c1", "u1")
	if err != nil {
		t.Fatalf("GetGraph: %v", err)
	}
	var inputs, responses int
	for _, n := range graph.Nodes {
		switch n.Type {
		case types.NodeTypeInput:
			inputs++
			if n.Data.Text != "Hello" {
				t.Errorf("input node text = %q", n.Data.Text)
			}
		case types.NodeTypeResponse:
			responses++
		}
	}
	if inputs != 1 || responses != 1 {
		t.Errorf("got %d input nodes and %d response nodes", inputs, responses)
	}
	if len(graph.Edges) != 1 {
		t.Errorf("got %d edges, want 1", len(graph.Edges))
	}

	exec, err := f.execs.GetExecution(ctx, res.ExecutionID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if exec.Status != types.ExecutionStatusPending {
		t.Errorf("execution status = %q", exec.Status)
	}
	if len(exec.NodeExecutions) != 1 {
		t.Fatalf("got %d node executions", len(exec.NodeExecutions))
	}
	if exec.NodeExecutions[0].ResponseID == "" {
		t.Error("node execution missing response id")
	}
}

func TestTrigger_JobPayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.coord.Trigger(ctx, "c1", "u1", &types.TriggerRequest{
		Prompt: "Summarize",
		Models: []types.ModelRequest{{ModelID: "gpt-4o", Provider: "openai"}},
		Tier:   "premium",
	})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	job := drainOne(t, f.jobs, "premium")
	if job.MessageID != types.JobMessageID(res.ExecutionID, job.NodeID) {
		t.Errorf("message id = %q", job.MessageID)
	}
	if job.ModelID != "gpt-4o" || job.Provider != "openai" {
		t.Errorf("model = %s/%s", job.Provider, job.ModelID)
	}
	if job.Category != types.CategoryReasoning {
		t.Errorf("category = %q", job.Category)
	}
	if job.Inputs.Prompt != "Summarize" {
		t.Errorf("prompt = %q", job.Inputs.Prompt)
	}
	if job.Inputs.Context == nil {
		t.Fatal("missing resolved context")
	}
	// The input node upstream of the response node contributes its text.
	found := false
	for _, it := range job.Inputs.Context.Items {
		if it.Content == "Summarize" && it.Role == types.RoleInstruction {
			found = true
		}
	}
	if !found {
		t.Errorf("input contribution missing from context: %+v", job.Inputs.Context.Items)
	}
}

func TestTrigger_AnchorEdge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seed := []types.Node{{ID: "anchor", Type: types.NodeTypeResponse, Data: types.NodeData{Output: "earlier result"}}}
	if err := f.graphs.AddNodesAndEdges(ctx, "c1", "u1", seed, nil); err != nil {
		t.Fatalf("seed: %v", err)
	}

	_, err := f.coord.Trigger(ctx, "c1", "u1", &types.TriggerRequest{Prompt: "Continue", AnchorNodeID: "anchor"})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	job := drainOne(t, f.jobs, "standard")
	var sawAnchor bool
	for _, it := range job.Inputs.Context.Items {
		if it.SourceNodeID == "anchor" && it.Content == "earlier result" {
			sawAnchor = true
		}
	}
	if !sawAnchor {
		t.Errorf("anchor contribution missing: %+v", job.Inputs.Context.Items)
	}
}

func TestTrigger_MediaModelsOrchestrated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coord.Trigger(ctx, "c1", "u1", &types.TriggerRequest{
		Prompt: "Draw a fox",
		Models: []types.ModelRequest{
			{ModelID: "claude-sonnet-4", Provider: "anthropic", Category: types.CategoryReasoning},
			{ModelID: "flux-pro", Provider: "bfl", Category: types.CategoryImage},
		},
	})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	job := drainOne(t, f.jobs, "standard")
	if job.Category != types.CategoryReasoning {
		t.Fatalf("expected the reasoning job, got category %q", job.Category)
	}
	if len(job.Inputs.Orchestrate) != 1 {
		t.Fatalf("expected 1 orchestrated spec, got %d", len(job.Inputs.Orchestrate))
	}
	spec := job.Inputs.Orchestrate[0]
	if spec.ModelID != "flux-pro" || spec.TaskType != types.CategoryImage {
		t.Errorf("spec = %+v", spec)
	}
	if spec.DisplayNodeID == "" {
		t.Error("missing display node id")
	}

	graph, _ := f.graphs.GetGraph(ctx, "c1", "u1")
	if _, ok := graph.NodeByID(spec.DisplayNodeID); !ok {
		t.Error("display node not persisted")
	}
}

func TestTrigger_MediaOnlyDirectDispatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.coord.Trigger(ctx, "c1", "u1", &types.TriggerRequest{
		Prompt: "A red balloon",
		Models: []types.ModelRequest{{ModelID: "flux-pro", Provider: "bfl", Category: types.CategoryImage}},
	})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if len(res.Jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(res.Jobs))
	}

	job := drainOne(t, f.jobs, "standard")
	if job.Category != types.CategoryImage {
		t.Errorf("category = %q", job.Category)
	}
	if job.DisplayNodeID == "" {
		t.Error("media job missing display node id")
	}
}

func TestTrigger_ResumeOnlyPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.coord.Trigger(ctx, "c1", "u1", &types.TriggerRequest{
		Prompt: "Hello",
		Models: []types.ModelRequest{
			{ModelID: "gpt-4o", Provider: "openai"},
			{ModelID: "claude-sonnet-4", Provider: "anthropic"},
		},
	})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	drainOne(t, f.jobs, "standard")
	drainOne(t, f.jobs, "standard")

	// First node already finished; only the second should redispatch.
	exec, _ := f.execs.GetExecution(ctx, res.ExecutionID)
	done := exec.NodeExecutions[0]
	done.Status = types.ExecutionStatusCompleted
	if err := f.execs.UpsertNodeExecution(ctx, res.ExecutionID, done); err != nil {
		t.Fatalf("UpsertNodeExecution: %v", err)
	}

	resumed, err := f.coord.Trigger(ctx, "c1", "u1", &types.TriggerRequest{ExecutionID: res.ExecutionID})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if len(resumed.Jobs) != 1 {
		t.Fatalf("expected 1 resumed job, got %d", len(resumed.Jobs))
	}
	if resumed.Jobs[0].NodeID != exec.NodeExecutions[1].NodeID {
		t.Errorf("resumed wrong node %q", resumed.Jobs[0].NodeID)
	}
}

func TestTrigger_ResumeNothingPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.coord.Trigger(ctx, "c1", "u1", &types.TriggerRequest{Prompt: "Hello"})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	exec, _ := f.execs.GetExecution(ctx, res.ExecutionID)
	for _, ne := range exec.NodeExecutions {
		ne.Status = types.ExecutionStatusCompleted
		f.execs.UpsertNodeExecution(ctx, res.ExecutionID, ne)
	}

	resumed, err := f.coord.Trigger(ctx, "c1", "u1", &types.TriggerRequest{ExecutionID: res.ExecutionID})
	if err != nil {
		t.Fatalf("resume with nothing pending: %v", err)
	}
	if len(resumed.Jobs) != 0 {
		t.Errorf("expected no jobs, got %d", len(resumed.Jobs))
	}
}

func TestTrigger_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.coord.Trigger(ctx, "c1", "u1", &types.TriggerRequest{}); !errors.Is(err, ErrInvalidTrigger) {
		t.Errorf("empty trigger: %v", err)
	}
	if _, err := f.coord.Trigger(ctx, "missing", "u1", &types.TriggerRequest{Prompt: "x"}); !errors.Is(err, graphstore.ErrCanvasNotFound) {
		t.Errorf("missing canvas: %v", err)
	}
	if _, err := f.coord.Trigger(ctx, "c1", "u2", &types.TriggerRequest{Prompt: "x"}); !errors.Is(err, graphstore.ErrCanvasNotFound) {
		t.Errorf("foreign canvas: %v", err)
	}
	if _, err := f.coord.Trigger(ctx, "c1", "u1", &types.TriggerRequest{ExecutionID: "nope"}); !errors.Is(err, execstore.ErrExecutionNotFound) {
		t.Errorf("missing execution: %v", err)
	}
}

func TestTrigger_ResumeRedeliversLostDispatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.coord.Trigger(ctx, "c1", "u1", &types.TriggerRequest{Prompt: "Hello"})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	// The first delivery is consumed but the node execution never left
	// pending, as after a worker crash.
	first := drainOne(t, f.jobs, "standard")
	if first.MessageID != types.JobMessageID(res.ExecutionID, first.NodeID) {
		t.Errorf("message id = %q", first.MessageID)
	}

	resumed, err := f.coord.Trigger(ctx, "c1", "u1", &types.TriggerRequest{ExecutionID: res.ExecutionID})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if len(resumed.Jobs) != 1 {
		t.Fatalf("expected 1 resumed job, got %d", len(resumed.Jobs))
	}
	// Same (execution, node) pair yields the same idempotency key.
	if resumed.Jobs[0].JobID != res.Jobs[0].JobID {
		t.Errorf("handles differ: %q vs %q", resumed.Jobs[0].JobID, res.Jobs[0].JobID)
	}

	// The re-dispatch must actually reach a worker; the dedup window alone
	// must not swallow it.
	second := drainOne(t, f.jobs, "standard")
	if second.MessageID != first.MessageID {
		t.Errorf("redelivered message id = %q, want %q", second.MessageID, first.MessageID)
	}
}

// drainOne consumes exactly one job from the tier or fails the test.
func drainOne(t *testing.T, q *queue.MemoryQueue, tier string) *types.Job {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *types.Job, 1)
	go q.Consume(ctx, tier, func(ctx context.Context, job *types.Job, attempt int) error {
		select {
		case got <- job:
		default:
		}
		cancel()
		return nil
	})

	select {
	case job := <-got:
		return job
	case <-time.After(2 * time.Second):
		t.Fatal("no job delivered")
		return nil
	}
}
