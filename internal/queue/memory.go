package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loomstudio/canvas-engine/internal/metrics"
	"github.com/loomstudio/canvas-engine/pkg/types"
)

// delivery is one in-flight handoff of a job to a handler.
type delivery struct {
	job     *types.Job
	attempt int
}

// MemoryQueue is an in-process implementation of Queue.
// Suitable for development and testing.
type MemoryQueue struct {
	cfg    *Config
	logger *slog.Logger

	mu     sync.Mutex
	tiers  map[string]chan *delivery
	seen   map[string]string // messageID -> job handle
	closed bool
}

// NewMemoryQueue creates a new in-process queue.
func NewMemoryQueue(cfg *Config, logger *slog.Logger) *MemoryQueue {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryQueue{
		cfg:    cfg,
		logger: logger,
		tiers:  make(map[string]chan *delivery),
		seen:   make(map[string]string),
	}
}

func (q *MemoryQueue) tier(name string) chan *delivery {
	if ch, ok := q.tiers[name]; ok {
		return ch
	}
	ch := make(chan *delivery, 1024)
	q.tiers[name] = ch
	return ch
}

func (q *MemoryQueue) Enqueue(ctx context.Context, tier string, job *types.Job) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", ErrClosed
	}
	if handle, ok := q.seen[job.MessageID]; ok {
		metrics.JobsTotal.WithLabelValues("duplicate").Inc()
		return handle, nil
	}
	handle := job.MessageID
	q.seen[job.MessageID] = handle

	select {
	case q.tier(tier) <- &delivery{job: job, attempt: 1}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	metrics.QueueDepth.WithLabelValues(tier).Inc()
	return handle, nil
}

func (q *MemoryQueue) Requeue(ctx context.Context, tier string, job *types.Job) (string, error) {
	q.mu.Lock()
	delete(q.seen, job.MessageID)
	q.mu.Unlock()
	return q.Enqueue(ctx, tier, job)
}

func (q *MemoryQueue) Consume(ctx context.Context, tier string, h Handler) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	ch := q.tier(tier)
	q.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-ch:
			if !ok {
				return ErrClosed
			}
			metrics.QueueDepth.WithLabelValues(tier).Dec()

			// Hand off so a slow handler cannot head-of-line block the
			// tier; the handler bounds its own parallelism.
			go q.deliver(ctx, tier, ch, d, h)
		}
	}
}

// deliver runs one handoff and schedules redelivery on failure.
func (q *MemoryQueue) deliver(ctx context.Context, tier string, ch chan *delivery, d *delivery, h Handler) {
	err := h(ctx, d.job, d.attempt)
	if err == nil {
		return
	}
	if d.attempt >= q.cfg.MaxAttempts {
		q.logger.Warn("job attempts exhausted",
			slog.String("message_id", d.job.MessageID),
			slog.Int("attempts", d.attempt),
			slog.Any("error", err),
		)
		return
	}

	next := &delivery{job: d.job, attempt: d.attempt + 1}
	select {
	case <-time.After(q.cfg.backoffFor(d.attempt)):
	case <-ctx.Done():
		return
	}
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return
	}
	select {
	case ch <- next:
		metrics.QueueDepth.WithLabelValues(tier).Inc()
	case <-ctx.Done():
	}
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

// Verify interface compliance
var _ Queue = (*MemoryQueue)(nil)
