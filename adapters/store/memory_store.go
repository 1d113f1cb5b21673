package store

import (
	"bytes"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/layer-3/woosh/core"
	"github.com/layer-3/woosh/ports"
)

type expiryEntry struct {
	at   time.Time
	path string
}

// MemoryStore is an in-memory implementation of the Store interface
type MemoryStore struct {
	nodes     map[string]map[string][]byte // parent -> child -> value
	expiries  []expiryEntry                // sorted by deadline, then path
	deadlines map[string]time.Time
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() ports.Store {
	return &MemoryStore{
		nodes:     make(map[string]map[string][]byte),
		deadlines: make(map[string]time.Time),
	}
}

func (s *MemoryStore) Get(ctx context.Context, path string) ([]byte, error) {
	parent, name, err := splitPath(path)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.nodes[parent][name]
	if !ok {
		return nil, core.ErrNotFound
	}
	return bytes.Clone(v), nil
}

func (s *MemoryStore) Set(ctx context.Context, path string, value []byte) error {
	parent, name, err := splitPath(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.put(parent, name, value)
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, path string, fields map[string]any) error {
	parent, name, err := splitPath(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.nodes[parent][name]
	if !ok {
		return core.ErrNotFound
	}
	merged, err := mergeFields(cur, fields)
	if err != nil {
		return err
	}
	s.nodes[parent][name] = merged
	return nil
}

func (s *MemoryStore) Push(ctx context.Context, path string, value []byte) (string, error) {
	id, err := newChildID()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.put(cleanPath(path), id, value)
	return id, nil
}

func (s *MemoryStore) Delete(ctx context.Context, path string) error {
	parent, name, err := splitPath(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.nodes[parent], name)
	if len(s.nodes[parent]) == 0 {
		delete(s.nodes, parent)
	}
	return nil
}

func (s *MemoryStore) Children(ctx context.Context, path string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	children := s.nodes[cleanPath(path)]
	out := make(map[string][]byte, len(children))
	for k, v := range children {
		out[k] = bytes.Clone(v)
	}
	return out, nil
}

func (s *MemoryStore) SetIfAbsent(ctx context.Context, path string, value []byte) (bool, error) {
	parent, name, err := splitPath(path)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.nodes[parent][name]; exists {
		return false, nil
	}
	s.put(parent, name, value)
	return true, nil
}

func (s *MemoryStore) CompareAndSwap(ctx context.Context, path string, old, new []byte) (bool, error) {
	parent, name, err := splitPath(path)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, exists := s.nodes[parent][name]
	if !exists || !bytes.Equal(cur, old) {
		return false, nil
	}
	s.put(parent, name, new)
	return true, nil
}

func (s *MemoryStore) ScheduleExpiry(ctx context.Context, path string, at time.Time) error {
	path = cleanPath(path)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.unschedule(path)
	entry := expiryEntry{at: at, path: path}
	i, _ := slices.BinarySearchFunc(s.expiries, entry, compareExpiry)
	s.expiries = slices.Insert(s.expiries, i, entry)
	s.deadlines[path] = at
	return nil
}

func (s *MemoryStore) DueExpiries(ctx context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []string
	for _, e := range s.expiries {
		if e.at.After(now) || len(due) >= limit {
			break
		}
		due = append(due, e.path)
	}
	return due, nil
}

func (s *MemoryStore) RemoveExpiry(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.unschedule(cleanPath(path))
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) put(parent, name string, value []byte) {
	children, ok := s.nodes[parent]
	if !ok {
		children = make(map[string][]byte)
		s.nodes[parent] = children
	}
	children[name] = bytes.Clone(value)
}

func (s *MemoryStore) unschedule(path string) {
	at, ok := s.deadlines[path]
	if !ok {
		return
	}
	if i, found := slices.BinarySearchFunc(s.expiries, expiryEntry{at: at, path: path}, compareExpiry); found {
		s.expiries = slices.Delete(s.expiries, i, i+1)
	}
	delete(s.deadlines, path)
}

func compareExpiry(a, b expiryEntry) int {
	if c := a.at.Compare(b.at); c != 0 {
		return c
	}
	switch {
	case a.path < b.path:
		return -1
	case a.path > b.path:
		return 1
	}
	return 0
}
