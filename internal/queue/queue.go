// Package queue provides at-least-once job delivery with idempotent
// enqueueing and bounded redelivery.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/loomstudio/canvas-engine/pkg/types"
)

// Common errors returned by Queue implementations.
var (
	ErrClosed = errors.New("queue closed")
)

// Handler processes one delivery. attempt starts at 1. Returning an error
// requests redelivery; the queue stops redelivering once the attempt budget
// is spent. Deliveries are dispatched concurrently, so handlers must be safe
// for concurrent use and bound their own parallelism.
type Handler func(ctx context.Context, job *types.Job, attempt int) error

// Queue is the dispatch boundary between the coordinator and the workers.
// Delivery is at-least-once: handlers must tolerate duplicates, which the
// response store's terminal-state check makes a no-op.
type Queue interface {
	// Enqueue adds the job to the tier's queue and returns a job handle.
	// A second enqueue of the same MessageID within the dedup window is
	// dropped and returns the same handle.
	Enqueue(ctx context.Context, tier string, job *types.Job) (string, error)

	// Requeue re-dispatches a job whose earlier delivery may have been
	// lost, releasing the MessageID's dedup claim first. Resume uses it to
	// recover pending work; a resulting duplicate delivery is safe because
	// terminal responses reject further updates.
	Requeue(ctx context.Context, tier string, job *types.Job) (string, error)

	// Consume blocks delivering jobs from the tier to h until ctx is
	// done. Each delivery is handed to h in its own goroutine.
	Consume(ctx context.Context, tier string, h Handler) error

	// Close releases queue resources.
	Close() error
}

// Config holds redelivery and dedup policy shared by implementations.
type Config struct {
	// MaxAttempts bounds deliveries per job (default 3).
	MaxAttempts int

	// BackoffBase is the first retry delay; doubled each attempt.
	BackoffBase time.Duration

	// BackoffCap limits the retry delay.
	BackoffCap time.Duration

	// DedupWindow is how long a MessageID blocks re-enqueueing.
	DedupWindow time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts: 3,
		BackoffBase: 2 * time.Second,
		BackoffCap:  60 * time.Second,
		DedupWindow: 24 * time.Hour,
	}
}

// backoffFor returns the delay before redelivering attempt n (1-based).
func (c *Config) backoffFor(attempt int) time.Duration {
	d := c.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.BackoffCap {
			return c.BackoffCap
		}
	}
	if d > c.BackoffCap {
		return c.BackoffCap
	}
	return d
}
