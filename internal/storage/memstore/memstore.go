// Package memstore provides an in-memory Store for tests and storage-less
// runs. Contents do not survive a restart.
package memstore

import (
	"context"
	"sync"
)

// Store is a mutex-guarded map.
type Store struct {
	mu    sync.Mutex
	items map[string]string
}

// New creates an empty store.
func New() *Store {
	return &Store{items: make(map[string]string)}
}

func (s *Store) GetItem(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items[key], nil
}

func (s *Store) SetItem(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = value
	return nil
}

func (s *Store) RemoveItem(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]string)
	return nil
}
