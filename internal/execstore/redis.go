package execstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loomstudio/canvas-engine/pkg/types"
)

// RedisStore implements Store backed by Redis. Executions and responses are
// stored as JSON blobs; read-modify-write updates run under WATCH so
// concurrent workers cannot lose each other's writes.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	URL      string
	Password string
	DB       int

	// Prefix for all keys (default: "engine")
	Prefix string

	// TTL for records (0 = no expiry)
	TTL time.Duration
}

// NewRedisStore creates a new Redis-backed execution store.
func NewRedisStore(cfg *RedisConfig) (*RedisStore, error) {
	opts := &redis.Options{
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts.Addr = parsed.Addr
		if parsed.Password != "" && cfg.Password == "" {
			opts.Password = parsed.Password
		}
		if parsed.DB != 0 && cfg.DB == 0 {
			opts.DB = parsed.DB
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "engine"
	}

	return &RedisStore{client: client, prefix: prefix, ttl: cfg.TTL}, nil
}

func (s *RedisStore) keyExec(id string) string { return fmt.Sprintf("%s:exec:%s", s.prefix, id) }
func (s *RedisStore) keyResp(id string) string { return fmt.Sprintf("%s:resp:%s", s.prefix, id) }

func (s *RedisStore) setJSON(ctx context.Context, key string, v any) error {
	blob, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, string(blob), s.ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) getJSON(ctx context.Context, key string, v any, notFound error) error {
	blob, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return notFound
		}
		return fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(blob), v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) CreateExecution(ctx context.Context, exec *types.Execution) error {
	return s.setJSON(ctx, s.keyExec(exec.ID), exec)
}

func (s *RedisStore) GetExecution(ctx context.Context, executionID string) (*types.Execution, error) {
	var exec types.Execution
	if err := s.getJSON(ctx, s.keyExec(executionID), &exec, ErrExecutionNotFound); err != nil {
		return nil, err
	}
	return &exec, nil
}

// txRetries bounds optimistic-locking retries on contended records.
const txRetries = 5

// mutateExecution performs a read-modify-write on an execution record under
// WATCH, so two workers finishing sibling nodes cannot overwrite each
// other's updates. Conflicts retry with a fresh read.
func (s *RedisStore) mutateExecution(ctx context.Context, executionID string, fn func(*types.Execution) error) error {
	key := s.keyExec(executionID)
	for i := 0; i < txRetries; i++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			blob, err := tx.Get(ctx, key).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return ErrExecutionNotFound
				}
				return fmt.Errorf("get %s: %w", key, err)
			}
			var exec types.Execution
			if err := json.Unmarshal([]byte(blob), &exec); err != nil {
				return fmt.Errorf("unmarshal %s: %w", key, err)
			}
			if err := fn(&exec); err != nil {
				return err
			}
			out, err := json.Marshal(&exec)
			if err != nil {
				return fmt.Errorf("marshal %s: %w", key, err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, string(out), s.ttl)
				return nil
			})
			return err
		}, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("update %s: %w", key, redis.TxFailedErr)
}

func (s *RedisStore) UpdateExecutionStatus(ctx context.Context, executionID string, status types.ExecutionStatus, completedAt *time.Time) error {
	return s.mutateExecution(ctx, executionID, func(e *types.Execution) error {
		e.Status = status
		if completedAt != nil {
			e.CompletedAt = completedAt
		}
		return nil
	})
}

func (s *RedisStore) UpsertNodeExecution(ctx context.Context, executionID string, ne types.NodeExecution) error {
	return s.mutateExecution(ctx, executionID, func(e *types.Execution) error {
		for i := range e.NodeExecutions {
			if e.NodeExecutions[i].NodeID == ne.NodeID {
				e.NodeExecutions[i] = ne
				return nil
			}
		}
		e.NodeExecutions = append(e.NodeExecutions, ne)
		return nil
	})
}

func (s *RedisStore) AddExecutionTotals(ctx context.Context, executionID string, tokens int, cost float64, duration time.Duration) error {
	return s.mutateExecution(ctx, executionID, func(e *types.Execution) error {
		e.TotalTokens += tokens
		e.TotalCost += cost
		e.TotalDuration += duration
		return nil
	})
}

func (s *RedisStore) CreateResponse(ctx context.Context, resp *types.ModelResponse) error {
	return s.setJSON(ctx, s.keyResp(resp.ID), resp)
}

func (s *RedisStore) GetResponse(ctx context.Context, responseID string) (*types.ModelResponse, error) {
	var resp types.ModelResponse
	if err := s.getJSON(ctx, s.keyResp(responseID), &resp, ErrResponseNotFound); err != nil {
		return nil, err
	}
	return &resp, nil
}

// mutateResponse mirrors mutateExecution's optimistic locking for response
// records; orchestrated children updating a shared parent contend here.
func (s *RedisStore) mutateResponse(ctx context.Context, responseID string, fn func(*types.ModelResponse) error) error {
	key := s.keyResp(responseID)
	for i := 0; i < txRetries; i++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			blob, err := tx.Get(ctx, key).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return ErrResponseNotFound
				}
				return fmt.Errorf("get %s: %w", key, err)
			}
			var resp types.ModelResponse
			if err := json.Unmarshal([]byte(blob), &resp); err != nil {
				return fmt.Errorf("unmarshal %s: %w", key, err)
			}
			if err := fn(&resp); err != nil {
				return err
			}
			out, err := json.Marshal(&resp)
			if err != nil {
				return fmt.Errorf("marshal %s: %w", key, err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, string(out), s.ttl)
				return nil
			})
			return err
		}, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("update %s: %w", key, redis.TxFailedErr)
}

func (s *RedisStore) MarkProcessing(ctx context.Context, responseID string) error {
	return s.mutateResponse(ctx, responseID, applyProcessing)
}

func (s *RedisStore) MarkCompleted(ctx context.Context, responseID, content, mediaURL string, m types.ResponseMetrics) error {
	return s.mutateResponse(ctx, responseID, func(r *types.ModelResponse) error {
		return applyCompleted(r, content, mediaURL, m)
	})
}

func (s *RedisStore) MarkError(ctx context.Context, responseID, errMsg string) error {
	return s.mutateResponse(ctx, responseID, func(r *types.ModelResponse) error {
		return applyError(r, errMsg)
	})
}

func (s *RedisStore) AppendOrchestratedTask(ctx context.Context, parentID string, task types.OrchestratedTask) error {
	return s.mutateResponse(ctx, parentID, func(r *types.ModelResponse) error {
		if r.Orchestration == nil {
			r.Orchestration = &types.OrchestrationData{IsOrchestrator: true}
		}
		r.Orchestration.OrchestratedTasks = append(r.Orchestration.OrchestratedTasks, task)
		return nil
	})
}

func (s *RedisStore) UpdateOrchestratedTask(ctx context.Context, parentID, childResponseID string, status types.ResponseStatus) error {
	return s.mutateResponse(ctx, parentID, func(r *types.ModelResponse) error {
		applyTaskUpdate(r, childResponseID, status)
		return nil
	})
}

func (s *RedisStore) Close() error { return s.client.Close() }

// Verify interface compliance
var _ Store = (*RedisStore)(nil)
