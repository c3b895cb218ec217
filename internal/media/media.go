// Package media stores generated media artifacts and hands out URLs for them.
package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// Store persists media blobs produced by image and video models.
// Put returns a stable URL suitable for storing on a display node.
type Store interface {
	Put(ctx context.Context, contentType string, data io.Reader) (string, error)
	Get(ctx context.Context, url string) (io.ReadCloser, error)
	Close() error
}

// MemoryStore keeps media in process memory. Development and tests only.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
	next  int
}

// NewMemoryStore creates an in-memory media store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Put(ctx context.Context, contentType string, data io.Reader) (string, error) {
	content, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("read data: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	url := fmt.Sprintf("mem://media/%d", s.next)
	s.blobs[url] = content
	return url, nil
}

func (s *MemoryStore) Get(ctx context.Context, url string) (io.ReadCloser, error) {
	s.mu.RLock()
	content, ok := s.blobs[url]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("media not found: %s", url)
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

func (s *MemoryStore) Close() error { return nil }

// Verify interface compliance
var _ Store = (*MemoryStore)(nil)
