// Package memory is an in-process store.Store.
package memory

import (
	"context"
	"sort"
	"sync"

	"agentrelay/internal/store"
)

// Store keeps records in a map. Records are copied on the way in and out.
type Store struct {
	mu      sync.RWMutex
	records map[string]store.Record
}

var _ store.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{records: make(map[string]store.Record)}
}

func (s *Store) Save(_ context.Context, rec store.Record) error {
	if err := store.ValidateID(rec.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec.Clone()
	return nil
}

func (s *Store) Load(_ context.Context, id string) (store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return store.Record{}, store.NotFound(id)
	}
	return rec.Clone(), nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return store.NotFound(id)
	}
	delete(s.records, id)
	return nil
}

func (s *Store) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
