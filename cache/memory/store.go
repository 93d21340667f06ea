// Package memory provides an in-process cache.Store. Entries vanish
// on restart, so it suits tests and single-shot runs only.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/manlek25/optantes"
	"github.com/manlek25/optantes/cache"
)

// Store keeps entries in a map guarded by a mutex.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*cache.Entry
}

var _ cache.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{entries: make(map[string]*cache.Entry)}
}

func (s *Store) Get(ctx context.Context, cnpj string) (*cache.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[cnpj]
	if !ok {
		return nil, optantes.ErrCacheMiss
	}
	clone := *entry
	return &clone, nil
}

func (s *Store) Put(ctx context.Context, entry *cache.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *entry
	s.entries[entry.CNPJ] = &clone
	return nil
}

func (s *Store) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var dropped int64
	for cnpj, entry := range s.entries {
		if entry.FetchedAt.Before(olderThan) {
			delete(s.entries, cnpj)
			dropped++
		}
	}
	return dropped, nil
}

func (s *Store) Ping(ctx context.Context) error { return nil }

func (s *Store) Close() error { return nil }
