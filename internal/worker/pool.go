// Package worker consumes dispatched jobs and drives the response lifecycle.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/loomstudio/canvas-engine/internal/credentials"
	"github.com/loomstudio/canvas-engine/internal/execstore"
	"github.com/loomstudio/canvas-engine/internal/graphstore"
	"github.com/loomstudio/canvas-engine/internal/media"
	"github.com/loomstudio/canvas-engine/internal/metrics"
	"github.com/loomstudio/canvas-engine/internal/orchestration"
	"github.com/loomstudio/canvas-engine/internal/prompt"
	"github.com/loomstudio/canvas-engine/internal/provider"
	"github.com/loomstudio/canvas-engine/internal/queue"
	"github.com/loomstudio/canvas-engine/pkg/types"
)

// Config controls the pool's concurrency, start rate and retry budget.
type Config struct {
	// Concurrency caps simultaneously in-flight jobs.
	Concurrency int

	// StartsPerSec and StartBurst rate-limit job starts; provider rate
	// limits are respected here, not at the model boundary.
	StartsPerSec float64
	StartBurst   int

	// MaxAttempts bounds deliveries per job; must match the queue's.
	MaxAttempts int

	// SystemPrompt is prepended to every assembled message sequence.
	SystemPrompt string
}

// DefaultConfig returns sensible pool defaults.
func DefaultConfig() *Config {
	return &Config{
		Concurrency:  8,
		StartsPerSec: 4.0,
		StartBurst:   8,
		MaxAttempts:  3,
	}
}

// Pool consumes jobs from the queue under a concurrency bound and a start
// rate limit, invokes the model boundary, and writes status transitions back
// to the execution store.
type Pool struct {
	cfg     *Config
	jobs    queue.Queue
	execs   execstore.Store
	graphs  graphstore.Store
	creds   credentials.Store
	invoker provider.Invoker
	media   media.Store
	tracker *orchestration.Tracker
	limiter *rate.Limiter
	sem     chan struct{}
	logger  *slog.Logger

	wg sync.WaitGroup
}

// New creates a worker pool. media may be nil when no media models are
// configured; media jobs then fail terminally.
func New(cfg *Config, jobs queue.Queue, execs execstore.Store, graphs graphstore.Store, creds credentials.Store, invoker provider.Invoker, mediaStore media.Store, tracker *orchestration.Tracker, logger *slog.Logger) *Pool {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	limit := rate.Limit(cfg.StartsPerSec)
	if cfg.StartsPerSec <= 0 {
		limit = rate.Inf
	}
	burst := cfg.StartBurst
	if burst <= 0 {
		burst = cfg.Concurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:     cfg,
		jobs:    jobs,
		execs:   execs,
		graphs:  graphs,
		creds:   creds,
		invoker: invoker,
		media:   mediaStore,
		tracker: tracker,
		limiter: rate.NewLimiter(limit, burst),
		sem:     make(chan struct{}, cfg.Concurrency),
		logger:  logger,
	}
}

// Start begins consuming the given tiers until ctx is done.
func (p *Pool) Start(ctx context.Context, tiers ...string) {
	if len(tiers) == 0 {
		tiers = []string{"standard"}
	}
	for _, tier := range tiers {
		p.wg.Add(1)
		go func(tier string) {
			defer p.wg.Done()
			if err := p.jobs.Consume(ctx, tier, p.Handle); err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Error("consumer stopped", "tier", tier, "error", err)
			}
		}(tier)
	}
}

// Wait blocks until all consumers have stopped.
func (p *Pool) Wait() { p.wg.Wait() }

// Handle processes one delivery. Returning an error requests redelivery;
// terminal outcomes return nil so the queue acks.
func (p *Pool) Handle(ctx context.Context, job *types.Job, attempt int) error {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.sem }()

	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}

	return p.process(ctx, job, attempt)
}

func (p *Pool) process(ctx context.Context, job *types.Job, attempt int) error {
	log := p.logger.With(
		"message_id", job.MessageID,
		"execution_id", job.ExecutionID,
		"node_id", job.NodeID,
		"model_id", job.ModelID,
		"attempt", attempt,
	)

	secret, err := p.creds.Get(ctx, job.UserID, job.Provider)
	if err != nil {
		if errors.Is(err, credentials.ErrNoCredential) {
			log.Warn("no credential for provider, failing job", "provider", job.Provider)
			p.terminalError(ctx, job, attempt, fmt.Sprintf("no credential for provider %s", job.Provider))
			return nil
		}
		return fmt.Errorf("credential lookup: %w", err)
	}

	if err := p.execs.MarkProcessing(ctx, job.ResponseID); err != nil {
		if errors.Is(err, execstore.ErrTerminalState) {
			// Redelivery of an already-completed job; ack and move on.
			metrics.JobsTotal.WithLabelValues("duplicate").Inc()
			log.Info("response already terminal, dropping duplicate delivery")
			return nil
		}
		return fmt.Errorf("mark processing: %w", err)
	}
	p.markExecutionRunning(ctx, job.ExecutionID)

	var rc types.ReasoningContext
	if job.Inputs.Context != nil {
		rc = *job.Inputs.Context
	}
	messages := prompt.Assemble(p.cfg.SystemPrompt, rc, job.Inputs.Prompt)

	start := time.Now()
	result, err := p.invoker.Invoke(ctx, job.ModelID, messages, secret)
	elapsed := time.Since(start)

	if err != nil {
		return p.handleFailure(ctx, job, attempt, err, log)
	}

	mediaURL := result.MediaURL
	if isMediaCategory(job.Category) && mediaURL == "" && p.media != nil {
		url, putErr := p.media.Put(ctx, mediaContentType(job.Category), strings.NewReader(result.Content))
		if putErr != nil {
			log.Error("media upload failed", "error", putErr)
			return p.handleFailure(ctx, job, attempt, fmt.Errorf("store media: %w", putErr), log)
		}
		mediaURL = url
	}

	cost := provider.CostFor(job.ModelID, result.Tokens)
	m := types.ResponseMetrics{
		Tokens:         result.Tokens,
		Cost:           cost,
		ResponseTimeMS: elapsed.Milliseconds(),
	}
	if err := p.execs.MarkCompleted(ctx, job.ResponseID, result.Content, mediaURL, m); err != nil {
		if errors.Is(err, execstore.ErrTerminalState) {
			metrics.JobsTotal.WithLabelValues("duplicate").Inc()
			return nil
		}
		return fmt.Errorf("mark completed: %w", err)
	}

	p.writeBackNodes(ctx, job, result.Content, mediaURL)

	ne := types.NodeExecution{
		NodeID:     job.NodeID,
		ResponseID: job.ResponseID,
		Status:     types.ExecutionStatusCompleted,
		Input:      job.Inputs.Prompt,
		Output:     result.Content,
		Duration:   elapsed,
	}
	if err := p.execs.UpsertNodeExecution(ctx, job.ExecutionID, ne); err != nil {
		log.Error("node execution upsert failed", "error", err)
	}
	if err := p.execs.AddExecutionTotals(ctx, job.ExecutionID, result.Tokens, cost, elapsed); err != nil {
		log.Error("execution totals update failed", "error", err)
	}
	p.rollupExecution(ctx, job.ExecutionID)

	if job.ParentResponseID != "" && p.tracker != nil {
		if err := p.tracker.UpdateChildStatus(ctx, job.ParentResponseID, job.ResponseID, types.ResponseStatusCompleted); err != nil {
			log.Error("orchestration status propagation failed", "error", err)
		}
	}
	p.spawnChildren(ctx, job, result.Content, log)

	metrics.JobsTotal.WithLabelValues("completed").Inc()
	metrics.JobDuration.WithLabelValues(categoryLabel(job.Category)).Observe(elapsed.Seconds())
	metrics.JobAttempts.WithLabelValues("completed").Observe(float64(attempt))
	log.Info("job completed", "tokens", result.Tokens, "duration_ms", elapsed.Milliseconds())
	return nil
}

// handleFailure decides between redelivery and terminal failure.
func (p *Pool) handleFailure(ctx context.Context, job *types.Job, attempt int, cause error, log *slog.Logger) error {
	retryable := true
	var perr *provider.Error
	if errors.As(cause, &perr) {
		retryable = perr.Retryable
	}

	if retryable && attempt < p.cfg.MaxAttempts {
		// Record the failure but leave the response non-terminal so the
		// redelivered attempt can re-enter processing.
		if err := p.execs.MarkError(ctx, job.ResponseID, cause.Error()); err != nil && !errors.Is(err, execstore.ErrTerminalState) {
			log.Error("mark error failed", "error", err)
		}
		metrics.JobsTotal.WithLabelValues("retried").Inc()
		log.Warn("job failed, awaiting redelivery", "error", cause)
		return cause
	}

	log.Error("job failed terminally", "error", cause, "retryable", retryable)
	p.terminalError(ctx, job, attempt, cause.Error())
	return nil
}

// terminalError finalizes a job that will not be retried.
func (p *Pool) terminalError(ctx context.Context, job *types.Job, attempt int, msg string) {
	if err := p.execs.MarkError(ctx, job.ResponseID, msg); err != nil && !errors.Is(err, execstore.ErrTerminalState) {
		p.logger.Error("mark error failed", "response_id", job.ResponseID, "error", err)
	}
	ne := types.NodeExecution{
		NodeID:     job.NodeID,
		ResponseID: job.ResponseID,
		Status:     types.ExecutionStatusFailed,
		Input:      job.Inputs.Prompt,
		Error:      msg,
	}
	if err := p.execs.UpsertNodeExecution(ctx, job.ExecutionID, ne); err != nil {
		p.logger.Error("node execution upsert failed", "execution_id", job.ExecutionID, "error", err)
	}
	p.writeBackNodeStatus(ctx, job, "error")
	p.rollupExecution(ctx, job.ExecutionID)

	if job.ParentResponseID != "" && p.tracker != nil {
		if err := p.tracker.UpdateChildStatus(ctx, job.ParentResponseID, job.ResponseID, types.ResponseStatusError); err != nil {
			p.logger.Error("orchestration status propagation failed", "error", err)
		}
	}

	metrics.JobsTotal.WithLabelValues("error").Inc()
	metrics.JobAttempts.WithLabelValues("error").Observe(float64(attempt))
}

// markExecutionRunning moves a pending execution to running. Best effort.
func (p *Pool) markExecutionRunning(ctx context.Context, executionID string) {
	exec, err := p.execs.GetExecution(ctx, executionID)
	if err != nil || exec.Status != types.ExecutionStatusPending {
		return
	}
	if err := p.execs.UpdateExecutionStatus(ctx, executionID, types.ExecutionStatusRunning, nil); err != nil {
		p.logger.Error("execution status update failed", "execution_id", executionID, "error", err)
	}
}

// rollupExecution finalizes the execution once every tracked node is
// terminal: failed only when no node succeeded.
func (p *Pool) rollupExecution(ctx context.Context, executionID string) {
	exec, err := p.execs.GetExecution(ctx, executionID)
	if err != nil {
		return
	}
	if exec.Status.Terminal() || len(exec.NodeExecutions) == 0 {
		return
	}

	completed := 0
	for _, ne := range exec.NodeExecutions {
		if !ne.Status.Terminal() {
			return
		}
		if ne.Status == types.ExecutionStatusCompleted {
			completed++
		}
	}

	final := types.ExecutionStatusCompleted
	if completed == 0 {
		final = types.ExecutionStatusFailed
	}
	now := time.Now().UTC()
	if err := p.execs.UpdateExecutionStatus(ctx, executionID, final, &now); err != nil {
		p.logger.Error("execution rollup failed", "execution_id", executionID, "error", err)
		return
	}
	metrics.ExecutionsTotal.WithLabelValues(string(final)).Inc()
}

// spawnChildren fans out orchestrated media tasks after a parent completes.
func (p *Pool) spawnChildren(ctx context.Context, job *types.Job, parentContent string, log *slog.Logger) {
	if len(job.Inputs.Orchestrate) == 0 || p.tracker == nil {
		return
	}
	for _, spec := range job.Inputs.Orchestrate {
		childID, err := p.tracker.SpawnChild(ctx, job.ResponseID, orchestration.ChildSpec{
			TaskType: spec.TaskType,
			ModelID:  spec.ModelID,
			Provider: spec.Provider,
			Category: spec.TaskType,
		})
		if err != nil {
			log.Error("spawn child failed", "task_type", spec.TaskType, "error", err)
			continue
		}
		if childID == "" {
			continue
		}

		child := &types.Job{
			MessageID:        types.JobMessageID(job.ExecutionID, spec.DisplayNodeID),
			ExecutionID:      job.ExecutionID,
			NodeID:           spec.DisplayNodeID,
			CanvasID:         job.CanvasID,
			NodeType:         types.NodeTypeDisplay,
			ResponseID:       childID,
			ModelID:          spec.ModelID,
			Provider:         spec.Provider,
			Category:         spec.TaskType,
			Tier:             job.Tier,
			DisplayNodeID:    spec.DisplayNodeID,
			ParentResponseID: job.ResponseID,
			Inputs: types.JobInputs{
				// The parent's output is the generation prompt.
				Prompt:  parentContent,
				Options: spec.Options,
			},
			UserID:    job.UserID,
			Timestamp: time.Now().UTC(),
		}
		if _, err := p.jobs.Enqueue(ctx, job.Tier, child); err != nil {
			log.Error("enqueue child job failed", "task_type", spec.TaskType, "error", err)
		}
	}
}

// writeBackNodes patches graph nodes with the finished output.
func (p *Pool) writeBackNodes(ctx context.Context, job *types.Job, content, mediaURL string) {
	graph, err := p.graphs.GetGraph(ctx, job.CanvasID, job.UserID)
	if err != nil {
		p.logger.Error("graph read for write-back failed", "canvas_id", job.CanvasID, "error", err)
		return
	}

	var patch []types.Node
	if node, ok := graph.NodeByID(job.NodeID); ok {
		n := *node
		n.Data.Output = content
		n.Data.Status = "completed"
		patch = append(patch, n)
	}
	if job.DisplayNodeID != "" && job.DisplayNodeID != job.NodeID {
		if node, ok := graph.NodeByID(job.DisplayNodeID); ok {
			n := *node
			n.Data.MediaURL = mediaURL
			n.Data.Status = "completed"
			patch = append(patch, n)
		}
	} else if mediaURL != "" && len(patch) > 0 {
		patch[len(patch)-1].Data.MediaURL = mediaURL
	}
	if len(patch) == 0 {
		return
	}
	if err := p.graphs.PatchNodes(ctx, job.CanvasID, job.UserID, patch); err != nil {
		p.logger.Error("node write-back failed", "canvas_id", job.CanvasID, "error", err)
	}
}

// writeBackNodeStatus marks the job's node with a failure status.
func (p *Pool) writeBackNodeStatus(ctx context.Context, job *types.Job, status string) {
	graph, err := p.graphs.GetGraph(ctx, job.CanvasID, job.UserID)
	if err != nil {
		return
	}
	node, ok := graph.NodeByID(job.NodeID)
	if !ok {
		return
	}
	n := *node
	n.Data.Status = status
	if err := p.graphs.PatchNodes(ctx, job.CanvasID, job.UserID, []types.Node{n}); err != nil {
		p.logger.Error("node write-back failed", "canvas_id", job.CanvasID, "error", err)
	}
}

func isMediaCategory(category string) bool {
	return category == types.CategoryImage || category == types.CategoryVideo
}

func mediaContentType(category string) string {
	if category == types.CategoryVideo {
		return "video/mp4"
	}
	return "image/png"
}

func categoryLabel(category string) string {
	if category == "" {
		return types.CategoryReasoning
	}
	return category
}
