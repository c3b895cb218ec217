package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/loomstudio/canvas-engine/internal/metrics"
	"github.com/loomstudio/canvas-engine/pkg/types"
)

// RedisQueue implements Queue on Redis Streams with a consumer group per
// tier. Redelivery is modelled by re-adding the message with a bumped
// attempt counter after backoff and acking the failed delivery, which keeps
// pending-entry bookkeeping out of the hot path.
type RedisQueue struct {
	client *redis.Client
	cfg    *Config
	prefix string
	group  string
	logger *slog.Logger
}

// RedisQueueConfig holds Redis connection configuration for the queue.
type RedisQueueConfig struct {
	URL      string
	Password string
	DB       int

	// Prefix for stream keys (default: "jobs")
	Prefix string

	// Group is the consumer group name (default: "canvas-workers")
	Group string
}

// NewRedisQueue creates a Redis Streams backed queue.
func NewRedisQueue(rcfg *RedisQueueConfig, cfg *Config, logger *slog.Logger) (*RedisQueue, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := &redis.Options{Password: rcfg.Password, DB: rcfg.DB}
	if rcfg.URL != "" {
		parsed, err := redis.ParseURL(rcfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts.Addr = parsed.Addr
		if parsed.Password != "" && rcfg.Password == "" {
			opts.Password = parsed.Password
		}
		if parsed.DB != 0 && rcfg.DB == 0 {
			opts.DB = parsed.DB
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := rcfg.Prefix
	if prefix == "" {
		prefix = "jobs"
	}
	group := rcfg.Group
	if group == "" {
		group = "canvas-workers"
	}

	return &RedisQueue{client: client, cfg: cfg, prefix: prefix, group: group, logger: logger}, nil
}

func (q *RedisQueue) keyStream(tier string) string { return fmt.Sprintf("%s:%s", q.prefix, tier) }
func (q *RedisQueue) keyDedup(id string) string    { return fmt.Sprintf("%s:dedup:%s", q.prefix, id) }

// ensureGroup creates the consumer group if it does not exist yet.
func (q *RedisQueue) ensureGroup(ctx context.Context, tier string) error {
	err := q.client.XGroupCreateMkStream(ctx, q.keyStream(tier), q.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, tier string, job *types.Job) (string, error) {
	// SETNX gate keyed by the idempotency key: a second enqueue within the
	// dedup window is dropped.
	fresh, err := q.client.SetNX(ctx, q.keyDedup(job.MessageID), "1", q.cfg.DedupWindow).Result()
	if err != nil {
		return "", fmt.Errorf("dedup check: %w", err)
	}
	if !fresh {
		metrics.JobsTotal.WithLabelValues("duplicate").Inc()
		return job.MessageID, nil
	}

	if err := q.add(ctx, tier, job, 1); err != nil {
		return "", err
	}
	metrics.QueueDepth.WithLabelValues(tier).Inc()
	return job.MessageID, nil
}

// Requeue drops the dedup claim before enqueueing, so a job whose stream
// entry was already consumed (and possibly lost to a crash) can be
// re-dispatched within the dedup window.
func (q *RedisQueue) Requeue(ctx context.Context, tier string, job *types.Job) (string, error) {
	if err := q.client.Del(ctx, q.keyDedup(job.MessageID)).Err(); err != nil {
		return "", fmt.Errorf("release dedup claim: %w", err)
	}
	return q.Enqueue(ctx, tier, job)
}

func (q *RedisQueue) add(ctx context.Context, tier string, job *types.Job, attempt int) error {
	blob, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.keyStream(tier),
		MaxLen: 10000,
		Approx: true,
		Values: map[string]interface{}{
			"messageId": job.MessageID,
			"attempt":   strconv.Itoa(attempt),
			"job":       string(blob),
		},
	}).Err(); err != nil {
		return fmt.Errorf("xadd: %w", err)
	}
	return nil
}

func (q *RedisQueue) Consume(ctx context.Context, tier string, h Handler) error {
	if err := q.ensureGroup(ctx, tier); err != nil {
		return err
	}
	consumer := "worker-" + uuid.NewString()
	stream := q.keyStream(tier)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    1,
			Block:    time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}

		for _, s := range streams {
			for _, entry := range s.Messages {
				// Hand off so a slow handler cannot head-of-line block
				// the tier; the handler bounds its own parallelism.
				go q.handleEntry(ctx, tier, stream, entry, h)
			}
		}
	}
}

func (q *RedisQueue) handleEntry(ctx context.Context, tier, stream string, entry redis.XMessage, h Handler) {
	defer q.client.XAck(ctx, stream, q.group, entry.ID)
	metrics.QueueDepth.WithLabelValues(tier).Dec()

	blob, _ := entry.Values["job"].(string)
	attemptStr, _ := entry.Values["attempt"].(string)
	attempt, _ := strconv.Atoi(attemptStr)
	if attempt < 1 {
		attempt = 1
	}

	var job types.Job
	if err := json.Unmarshal([]byte(blob), &job); err != nil {
		q.logger.Error("dropping undecodable job",
			slog.String("entry_id", entry.ID),
			slog.Any("error", err),
		)
		return
	}

	err := h(ctx, &job, attempt)
	if err == nil {
		return
	}
	if attempt >= q.cfg.MaxAttempts {
		q.logger.Warn("job attempts exhausted",
			slog.String("message_id", job.MessageID),
			slog.Int("attempts", attempt),
			slog.Any("error", err),
		)
		return
	}

	// Re-add after backoff before the deferred ack fires, so the failed
	// delivery is only released once its successor is in the stream.
	select {
	case <-time.After(q.cfg.backoffFor(attempt)):
	case <-ctx.Done():
		return
	}
	if err := q.add(context.Background(), tier, &job, attempt+1); err != nil {
		q.logger.Error("redeliver failed",
			slog.String("message_id", job.MessageID),
			slog.Any("error", err),
		)
		return
	}
	metrics.QueueDepth.WithLabelValues(tier).Inc()
}

func (q *RedisQueue) Close() error { return q.client.Close() }

// Verify interface compliance
var _ Queue = (*RedisQueue)(nil)
