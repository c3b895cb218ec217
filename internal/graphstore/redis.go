package graphstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loomstudio/canvas-engine/pkg/types"
)

// RedisStore implements Store backed by Redis.
// Each canvas is kept as a meta hash, a node hash keyed by node id, an
// insertion-order list, and an edges blob.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (redis://host:port/db)
	URL string

	// Password for Redis authentication
	Password string

	// DB is the database number
	DB int

	// Prefix for all keys (default: "canvas")
	Prefix string

	// TTL for canvas data (0 = no expiry)
	TTL time.Duration
}

// NewRedisStore creates a new Redis-backed graph store.
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
		prefix = "canvas"
	}

	return &RedisStore{client: client, prefix: prefix, ttl: cfg.TTL}, nil
}

// Key helpers
func (s *RedisStore) keyMeta(id string) string  { return fmt.Sprintf("%s:%s:meta", s.prefix, id) }
func (s *RedisStore) keyNodes(id string) string { return fmt.Sprintf("%s:%s:nodes", s.prefix, id) }
func (s *RedisStore) keyOrder(id string) string { return fmt.Sprintf("%s:%s:order", s.prefix, id) }
func (s *RedisStore) keyEdges(id string) string { return fmt.Sprintf("%s:%s:edges", s.prefix, id) }

// setTTL refreshes TTL on all keys for a canvas.
func (s *RedisStore) setTTL(ctx context.Context, canvasID string) {
	if s.ttl <= 0 {
		return
	}
	pipe := s.client.Pipeline()
	pipe.Expire(ctx, s.keyMeta(canvasID), s.ttl)
	pipe.Expire(ctx, s.keyNodes(canvasID), s.ttl)
	pipe.Expire(ctx, s.keyOrder(canvasID), s.ttl)
	pipe.Expire(ctx, s.keyEdges(canvasID), s.ttl)
	pipe.Exec(ctx)
}

// authorize verifies the canvas exists and is owned by userID.
func (s *RedisStore) authorize(ctx context.Context, canvasID, userID string) error {
	owner, err := s.client.HGet(ctx, s.keyMeta(canvasID), "owner").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrCanvasNotFound
		}
		return fmt.Errorf("get canvas owner: %w", err)
	}
	if owner != userID {
		return ErrCanvasNotFound
	}
	return nil
}

func (s *RedisStore) CreateCanvas(ctx context.Context, canvasID, userID string) error {
	created, err := s.client.HSetNX(ctx, s.keyMeta(canvasID), "owner", userID).Result()
	if err != nil {
		return fmt.Errorf("create canvas: %w", err)
	}
	if !created {
		return ErrCanvasExists
	}
	s.client.HSet(ctx, s.keyMeta(canvasID), "createdAt", time.Now().UTC().Format(time.RFC3339))
	s.setTTL(ctx, canvasID)
	return nil
}

func (s *RedisStore) GetGraph(ctx context.Context, canvasID, userID string) (*types.Graph, error) {
	if err := s.authorize(ctx, canvasID, userID); err != nil {
		return nil, err
	}

	pipe := s.client.Pipeline()
	nodesCmd := pipe.HGetAll(ctx, s.keyNodes(canvasID))
	orderCmd := pipe.LRange(ctx, s.keyOrder(canvasID), 0, -1)
	edgesCmd := pipe.Get(ctx, s.keyEdges(canvasID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get graph: %w", err)
	}

	raw := nodesCmd.Val()
	order := orderCmd.Val()

	g := &types.Graph{Nodes: make([]types.Node, 0, len(raw))}
	for _, id := range order {
		blob, ok := raw[id]
		if !ok {
			continue
		}
		var n types.Node
		if err := json.Unmarshal([]byte(blob), &n); err != nil {
			return nil, fmt.Errorf("unmarshal node %s: %w", id, err)
		}
		g.Nodes = append(g.Nodes, n)
	}

	if blob, err := edgesCmd.Result(); err == nil && blob != "" {
		if err := json.Unmarshal([]byte(blob), &g.Edges); err != nil {
			return nil, fmt.Errorf("unmarshal edges: %w", err)
		}
	}

	return g, nil
}

func (s *RedisStore) PatchNodes(ctx context.Context, canvasID, userID string, nodes []types.Node) error {
	if err := s.authorize(ctx, canvasID, userID); err != nil {
		return err
	}

	known, err := s.client.HKeys(ctx, s.keyNodes(canvasID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("get node ids: %w", err)
	}
	existing := make(map[string]struct{}, len(known))
	for _, id := range known {
		existing[id] = struct{}{}
	}

	pipe := s.client.TxPipeline()
	for _, n := range nodes {
		blob, err := json.Marshal(n)
		if err != nil {
			return fmt.Errorf("marshal node %s: %w", n.ID, err)
		}
		pipe.HSet(ctx, s.keyNodes(canvasID), n.ID, string(blob))
		if _, ok := existing[n.ID]; !ok {
			pipe.RPush(ctx, s.keyOrder(canvasID), n.ID)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("patch nodes: %w", err)
	}

	s.setTTL(ctx, canvasID)
	return nil
}

func (s *RedisStore) AddNodesAndEdges(ctx context.Context, canvasID, userID string, nodes []types.Node, edges []types.Edge) error {
	if err := s.authorize(ctx, canvasID, userID); err != nil {
		return err
	}

	// Load current state once for endpoint validation and edge dedup.
	known, err := s.client.HKeys(ctx, s.keyNodes(canvasID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("get node ids: %w", err)
	}
	existing := make(map[string]struct{}, len(known)+len(nodes))
	for _, id := range known {
		existing[id] = struct{}{}
	}
	newNode := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		newNode[n.ID] = struct{}{}
	}
	for _, e := range edges {
		okSrc := hasKey(existing, e.Source) || hasKey(newNode, e.Source)
		okDst := hasKey(existing, e.Target) || hasKey(newNode, e.Target)
		if !okSrc || !okDst {
			return ErrUnknownEndpoint
		}
	}

	var current []types.Edge
	if blob, err := s.client.Get(ctx, s.keyEdges(canvasID)).Result(); err == nil && blob != "" {
		if err := json.Unmarshal([]byte(blob), &current); err != nil {
			return fmt.Errorf("unmarshal edges: %w", err)
		}
	}
	merged := append(current, dedupEdges(current, edges)...)
	edgeBlob, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("marshal edges: %w", err)
	}

	// Single transaction so the graph connectivity invariant cannot be
	// observed half-written.
	pipe := s.client.TxPipeline()
	for _, n := range nodes {
		blob, err := json.Marshal(n)
		if err != nil {
			return fmt.Errorf("marshal node %s: %w", n.ID, err)
		}
		pipe.HSet(ctx, s.keyNodes(canvasID), n.ID, string(blob))
		if _, ok := existing[n.ID]; !ok {
			pipe.RPush(ctx, s.keyOrder(canvasID), n.ID)
		}
	}
	pipe.Set(ctx, s.keyEdges(canvasID), string(edgeBlob), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add nodes and edges: %w", err)
	}

	s.setTTL(ctx, canvasID)
	return nil
}

func hasKey(m map[string]struct{}, k string) bool {
	_, ok := m[k]
	return ok
}

func (s *RedisStore) Close() error { return s.client.Close() }

// Verify interface compliance
var _ Store = (*RedisStore)(nil)
