// Package credentials resolves per-user provider secrets at dispatch time.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNoCredential is returned when the user has no secret for the provider.
// Workers treat it as a dispatch-time fatal error, not a retryable one.
var ErrNoCredential = errors.New("no credential for provider")

// Store looks up provider secrets. Secret issuance and encryption belong to
// the billing/auth system; this store only reads.
type Store interface {
	Get(ctx context.Context, userID, provider string) (string, error)
	Set(ctx context.Context, userID, provider, secret string) error
	Close() error
}

// MemoryStore is an in-memory credential store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	secrets map[string]string // userID/provider -> secret
}

// NewMemoryStore creates an in-memory credential store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{secrets: make(map[string]string)}
}

func credKey(userID, provider string) string { return userID + "/" + provider }

func (s *MemoryStore) Get(ctx context.Context, userID, provider string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	secret, ok := s.secrets[credKey(userID, provider)]
	if !ok {
		return "", ErrNoCredential
	}
	return secret, nil
}

func (s *MemoryStore) Set(ctx context.Context, userID, provider, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[credKey(userID, provider)] = secret
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// RedisStore keeps credentials in a hash per user.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed credential store.
func NewRedisStore(url, password string, db int) (*RedisStore, error) {
	opts := &redis.Options{Password: password, DB: db}
	if url != "" {
		parsed, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts.Addr = parsed.Addr
		if parsed.Password != "" && password == "" {
			opts.Password = parsed.Password
		}
		if parsed.DB != 0 && db == 0 {
			opts.DB = parsed.DB
		}
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisStore{client: client, prefix: "credentials"}, nil
}

func (s *RedisStore) key(userID string) string { return fmt.Sprintf("%s:%s", s.prefix, userID) }

func (s *RedisStore) Get(ctx context.Context, userID, provider string) (string, error) {
	secret, err := s.client.HGet(ctx, s.key(userID), provider).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNoCredential
		}
		return "", fmt.Errorf("get credential: %w", err)
	}
	if secret == "" {
		return "", ErrNoCredential
	}
	return secret, nil
}

func (s *RedisStore) Set(ctx context.Context, userID, provider, secret string) error {
	if err := s.client.HSet(ctx, s.key(userID), provider, secret).Err(); err != nil {
		return fmt.Errorf("set credential: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error { return s.client.Close() }

// Verify interface compliance
var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisStore)(nil)
)
