package repository

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
)

// MemoryStore keeps every document in process memory. It backs local
// development and tests and follows the same path semantics as the
// networked backends.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]json.RawMessage
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]json.RawMessage)}
}

func (s *MemoryStore) Get(_ context.Context, path string) (json.RawMessage, error) {
	p, err := cleanPath(path)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if doc, ok := s.docs[p]; ok {
		return append(json.RawMessage(nil), doc...), nil
	}

	prefix := ""
	if p != "" {
		prefix = p + "/"
	}
	below := make(map[string]json.RawMessage)
	for k, doc := range s.docs {
		if strings.HasPrefix(k, prefix) {
			below[strings.TrimPrefix(k, prefix)] = doc
		}
	}
	if len(below) > 0 {
		return assemble(below)
	}

	if a, ok := nearestDocument(s.docs, p); ok {
		if v, ok := extract(s.docs[a], strings.Split(strings.TrimPrefix(p, a+"/"), "/")); ok {
			return append(json.RawMessage(nil), v...), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) Set(ctx context.Context, path string, value any) error {
	return s.Update(ctx, map[string]any{path: value})
}

func (s *MemoryStore) Update(_ context.Context, updates map[string]any) error {
	encoded, err := encodeUpdates(updates)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Work on a copy so a failed merge leaves the store untouched.
	next := make(map[string]json.RawMessage, len(s.docs)+len(encoded))
	for k, v := range s.docs {
		next[k] = v
	}

	for p, doc := range encoded {
		if a, ok := nearestDocument(next, p); ok {
			merged, err := inject(next[a], strings.Split(strings.TrimPrefix(p, a+"/"), "/"), doc)
			if err != nil {
				return err
			}
			next[a] = merged
			continue
		}
		for k := range next {
			if strings.HasPrefix(k, p+"/") {
				delete(next, k)
			}
		}
		if doc == nil {
			delete(next, p)
			continue
		}
		next[p] = doc
	}
	s.docs = next
	return nil
}

func (s *MemoryStore) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s.Get(ctx, path)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func nearestDocument(docs map[string]json.RawMessage, p string) (string, bool) {
	for _, a := range ancestors(p) {
		if _, ok := docs[a]; ok {
			return a, true
		}
	}
	return "", false
}
