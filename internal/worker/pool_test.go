package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/loomstudio/canvas-engine/internal/credentials"
	"github.com/loomstudio/canvas-engine/internal/execstore"
	"github.com/loomstudio/canvas-engine/internal/graphstore"
	"github.com/loomstudio/canvas-engine/internal/media"
	"github.com/loomstudio/canvas-engine/internal/orchestration"
	"github.com/loomstudio/canvas-engine/internal/provider"
	"github.com/loomstudio/canvas-engine/internal/queue"
	"github.com/loomstudio/canvas-engine/pkg/types"
)

type world struct {
	graphs *graphstore.MemoryStore
	execs  *execstore.MemoryStore
	creds  *credentials.MemoryStore
	jobs   *queue.MemoryQueue
	fake   *provider.Fake
	pool   *Pool
}

func newWorld(t *testing.T) *world {
	t.Helper()
	ctx := context.Background()

	w := &world{
		graphs: graphstore.NewMemoryStore(),
		execs:  execstore.NewMemoryStore(),
		creds:  credentials.NewMemoryStore(),
		jobs:   queue.NewMemoryQueue(nil, nil),
		fake:   provider.NewFake(),
	}
	tracker := orchestration.NewTracker(w.execs, nil)
	w.pool = New(&Config{Concurrency: 2, MaxAttempts: 3}, w.jobs, w.execs, w.graphs, w.creds, w.fake, media.NewMemoryStore(), tracker, nil)

	if err := w.graphs.CreateCanvas(ctx, "c1", "u1"); err != nil {
		t.Fatalf("CreateCanvas: %v", err)
	}
	if err := w.creds.Set(ctx, "u1", "anthropic", "sk-test"); err != nil {
		t.Fatalf("Set credential: %v", err)
	}
	return w
}

// seedJob registers the graph node, execution and pending response for a
// dispatchable reasoning job.
func (w *world) seedJob(t *testing.T, nodeID, responseID string) *types.Job {
	t.Helper()
	ctx := context.Background()

	nodes := []types.Node{{ID: nodeID, Type: types.NodeTypeResponse, Data: types.NodeData{Status: "pending"}}}
	if err := w.graphs.AddNodesAndEdges(ctx, "c1", "u1", nodes, nil); err != nil {
		t.Fatalf("AddNodesAndEdges: %v", err)
	}

	exec := &types.Execution{
		ID:       "e1",
		CanvasID: "c1",
		UserID:   "u1",
		Status:   types.ExecutionStatusPending,
		NodeExecutions: []types.NodeExecution{
			{NodeID: nodeID, ResponseID: responseID, Status: types.ExecutionStatusPending},
		},
		CreatedAt: time.Now().UTC(),
	}
	if _, err := w.execs.GetExecution(ctx, "e1"); err != nil {
		if err := w.execs.CreateExecution(ctx, exec); err != nil {
			t.Fatalf("CreateExecution: %v", err)
		}
	} else {
		if err := w.execs.UpsertNodeExecution(ctx, "e1", exec.NodeExecutions[0]); err != nil {
			t.Fatalf("UpsertNodeExecution: %v", err)
		}
	}

	resp := &types.ModelResponse{
		ID:       responseID,
		ModelID:  "claude-sonnet-4",
		Provider: "anthropic",
		Category: types.CategoryReasoning,
		Status:   types.ResponseStatusPending,
	}
	if err := w.execs.CreateResponse(ctx, resp); err != nil {
		t.Fatalf("CreateResponse: %v", err)
	}

	return &types.Job{
		MessageID:   types.JobMessageID("e1", nodeID),
		ExecutionID: "e1",
		NodeID:      nodeID,
		CanvasID:    "c1",
		NodeType:    types.NodeTypeResponse,
		ResponseID:  responseID,
		ModelID:     "claude-sonnet-4",
		Provider:    "anthropic",
		Category:    types.CategoryReasoning,
		Tier:        "standard",
		Inputs:      types.JobInputs{Prompt: "Say hi"},
		UserID:      "u1",
		Timestamp:   time.Now().UTC(),
	}
}

func TestPool_HappyPath(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	job := w.seedJob(t, "n1", "r1")

	if err := w.pool.Handle(ctx, job, 1); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	resp, err := w.execs.GetResponse(ctx, "r1")
	if err != nil {
		t.Fatalf("GetResponse: %v", err)
	}
	if resp.Status != types.ResponseStatusCompleted {
		t.Errorf("response status = %q", resp.Status)
	}
	if resp.Content != "echo: Say hi" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Tokens == 0 {
		t.Error("tokens not recorded")
	}

	exec, err := w.execs.GetExecution(ctx, "e1")
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if exec.Status != types.ExecutionStatusCompleted {
		t.Errorf("execution status = %q", exec.Status)
	}
	ne, ok := exec.NodeExecutionByID("n1")
	if !ok || ne.Status != types.ExecutionStatusCompleted {
		t.Errorf("node execution = %+v", ne)
	}
	if exec.TotalTokens == 0 {
		t.Error("totals not accumulated")
	}

	graph, _ := w.graphs.GetGraph(ctx, "c1", "u1")
	node, _ := graph.NodeByID("n1")
	if node.Data.Output != "echo: Say hi" || node.Data.Status != "completed" {
		t.Errorf("node write-back = %+v", node.Data)
	}
}

func TestPool_MissingCredentialIsTerminal(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	job := w.seedJob(t, "n1", "r1")
	job.Provider = "openai" // no credential seeded

	if err := w.pool.Handle(ctx, job, 1); err != nil {
		t.Fatalf("expected ack, got redelivery request: %v", err)
	}

	resp, _ := w.execs.GetResponse(ctx, "r1")
	if resp.Status != types.ResponseStatusError {
		t.Errorf("response status = %q", resp.Status)
	}
	exec, _ := w.execs.GetExecution(ctx, "e1")
	if exec.Status != types.ExecutionStatusFailed {
		t.Errorf("execution status = %q", exec.Status)
	}
	if w.fake.Calls("claude-sonnet-4") != 0 {
		t.Error("provider invoked without credential")
	}
}

func TestPool_RetryableFailureThenSuccess(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	job := w.seedJob(t, "n1", "r1")
	w.fake.FailFor["claude-sonnet-4"] = 1

	if err := w.pool.Handle(ctx, job, 1); err == nil {
		t.Fatal("expected redelivery request on first attempt")
	}

	resp, _ := w.execs.GetResponse(ctx, "r1")
	if resp.Status != types.ResponseStatusError {
		t.Errorf("status after failed attempt = %q", resp.Status)
	}

	// Redelivered attempt re-enters processing and completes.
	if err := w.pool.Handle(ctx, job, 2); err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	resp, _ = w.execs.GetResponse(ctx, "r1")
	if resp.Status != types.ResponseStatusCompleted {
		t.Errorf("status after retry = %q", resp.Status)
	}
	if resp.Error != "" {
		t.Errorf("stale error kept: %q", resp.Error)
	}
}

func TestPool_ExhaustedAttemptsTerminalize(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	job := w.seedJob(t, "n1", "r1")
	w.fake.FailFor["claude-sonnet-4"] = 10

	if err := w.pool.Handle(ctx, job, 3); err != nil {
		t.Fatalf("final attempt should ack, got: %v", err)
	}

	resp, _ := w.execs.GetResponse(ctx, "r1")
	if resp.Status != types.ResponseStatusError {
		t.Errorf("response status = %q", resp.Status)
	}
	exec, _ := w.execs.GetExecution(ctx, "e1")
	if exec.Status != types.ExecutionStatusFailed {
		t.Errorf("execution status = %q", exec.Status)
	}
}

func TestPool_FatalProviderErrorSkipsRetry(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	job := w.seedJob(t, "n1", "r1")
	w.fake.FailFor["claude-sonnet-4"] = 1
	w.fake.Fatal = true

	if err := w.pool.Handle(ctx, job, 1); err != nil {
		t.Fatalf("fatal failure should ack, got: %v", err)
	}
	resp, _ := w.execs.GetResponse(ctx, "r1")
	if resp.Status != types.ResponseStatusError {
		t.Errorf("response status = %q", resp.Status)
	}
}

func TestPool_DuplicateDeliveryIsNoOp(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	job := w.seedJob(t, "n1", "r1")

	if err := w.pool.Handle(ctx, job, 1); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	before, _ := w.execs.GetResponse(ctx, "r1")

	if err := w.pool.Handle(ctx, job, 1); err != nil {
		t.Fatalf("duplicate delivery should ack, got: %v", err)
	}
	after, _ := w.execs.GetResponse(ctx, "r1")
	if after.Content != before.Content || after.Status != before.Status {
		t.Errorf("duplicate delivery mutated response: %+v vs %+v", before, after)
	}
	if w.fake.Calls("claude-sonnet-4") != 1 {
		t.Errorf("provider invoked %d times", w.fake.Calls("claude-sonnet-4"))
	}
}

// blockingInvoker stalls every call until released and records how many
// invocations overlap.
type blockingInvoker struct {
	mu      sync.Mutex
	active  int
	maxSeen int
	started chan struct{}
	release chan struct{}
}

func (b *blockingInvoker) Invoke(ctx context.Context, modelID string, messages []types.Message, secret string) (*provider.Result, error) {
	b.mu.Lock()
	b.active++
	if b.active > b.maxSeen {
		b.maxSeen = b.active
	}
	b.mu.Unlock()
	b.started <- struct{}{}
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	b.mu.Lock()
	b.active--
	b.mu.Unlock()
	return &provider.Result{Content: "ok", Tokens: 1}, nil
}

func TestPool_RunsJobsConcurrently(t *testing.T) {
	w := newWorld(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inv := &blockingInvoker{started: make(chan struct{}, 4), release: make(chan struct{})}
	tracker := orchestration.NewTracker(w.execs, nil)
	pool := New(&Config{Concurrency: 2, MaxAttempts: 3}, w.jobs, w.execs, w.graphs, w.creds, inv, media.NewMemoryStore(), tracker, nil)

	jobs := []*types.Job{
		w.seedJob(t, "n1", "r1"),
		w.seedJob(t, "n2", "r2"),
	}
	for _, job := range jobs {
		if _, err := w.jobs.Enqueue(ctx, "standard", job); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	pool.Start(ctx, "standard")

	// Both jobs must enter the provider while the first is still blocked;
	// a serialized tier would never start the second one.
	for i := 0; i < 2; i++ {
		select {
		case <-inv.started:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d jobs started, tier is serialized", i)
		}
	}
	inv.mu.Lock()
	overlap := inv.maxSeen
	inv.mu.Unlock()
	if overlap < 2 {
		t.Errorf("max overlapping invocations = %d, want at least 2", overlap)
	}

	close(inv.release)
	cancel()
	pool.Wait()
}

func TestPool_OrchestratedFanOut(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	job := w.seedJob(t, "n1", "r1")

	// Display node that will receive the generated media.
	display := []types.Node{{ID: "d1", Type: types.NodeTypeDisplay, Data: types.NodeData{Status: "pending"}}}
	if err := w.graphs.AddNodesAndEdges(ctx, "c1", "u1", display, []types.Edge{{Source: "n1", Target: "d1"}}); err != nil {
		t.Fatalf("AddNodesAndEdges: %v", err)
	}
	if err := w.creds.Set(ctx, "u1", "bfl", "sk-media"); err != nil {
		t.Fatalf("Set credential: %v", err)
	}
	job.Inputs.Orchestrate = []types.OrchestratedSpec{{
		TaskType:      types.CategoryImage,
		ModelID:       "flux-pro",
		Provider:      "bfl",
		DisplayNodeID: "d1",
	}}

	if err := w.pool.Handle(ctx, job, 1); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	parent, _ := w.execs.GetResponse(ctx, "r1")
	if parent.Orchestration == nil || len(parent.Orchestration.OrchestratedTasks) != 1 {
		t.Fatalf("orchestration = %+v", parent.Orchestration)
	}
	task := parent.Orchestration.OrchestratedTasks[0]
	if task.Status != types.ResponseStatusPending {
		t.Errorf("child task status = %q", task.Status)
	}

	// The child job was enqueued; run it through the pool.
	child := drainOne(t, w.jobs, "standard")
	if child.ParentResponseID != "r1" || child.NodeID != "d1" {
		t.Fatalf("child job = %+v", child)
	}
	if err := w.pool.Handle(ctx, child, 1); err != nil {
		t.Fatalf("child Handle: %v", err)
	}

	childResp, err := w.execs.GetResponse(ctx, task.ResponseID)
	if err != nil {
		t.Fatalf("GetResponse(child): %v", err)
	}
	if childResp.Status != types.ResponseStatusCompleted {
		t.Errorf("child status = %q", childResp.Status)
	}
	if childResp.MediaURL == "" {
		t.Error("child media url not set")
	}

	parent, _ = w.execs.GetResponse(ctx, "r1")
	if parent.Orchestration.OrchestratedTasks[0].Status != types.ResponseStatusCompleted {
		t.Errorf("parent task status = %q", parent.Orchestration.OrchestratedTasks[0].Status)
	}

	graph, _ := w.graphs.GetGraph(ctx, "c1", "u1")
	node, _ := graph.NodeByID("d1")
	if node.Data.MediaURL == "" || node.Data.Status != "completed" {
		t.Errorf("display node = %+v", node.Data)
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
