// Package setstore provides named string sets used as moderation
// configuration: the "strict-sources" set forces strict mode for listed
// content sources, and the "log-allow-categories" set names low-severity
// categories that surface on approved verdicts instead of rejecting.
package setstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

const (
	// SetStrictSources lists content sources evaluated in strict mode.
	SetStrictSources = "strict-sources"
	// SetLogAllowCategories lists categories configured "log but allow".
	// There is no set name that can exempt child_safety; the engine ignores
	// it if listed.
	SetLogAllowCategories = "log-allow-categories"
)

type SetStore interface {
	InSet(ctx context.Context, name, val string) (bool, error)
}

type MemSetStore struct {
	mu   sync.RWMutex
	sets map[string]map[string]bool
}

func NewMemSetStore() *MemSetStore {
	return &MemSetStore{
		sets: make(map[string]map[string]bool),
	}
}

func (s *MemSetStore) InSet(ctx context.Context, name, val string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.sets[name]
	if !ok {
		// an unknown set is empty, not an error
		return false, nil
	}
	return set[val], nil
}

// Add inserts values into a named set, creating it if needed.
func (s *MemSetStore) Add(name string, vals ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[name]
	if !ok {
		set = make(map[string]bool, len(vals))
		s.sets[name] = set
	}
	for _, v := range vals {
		set[v] = true
	}
}

// LoadFromFileJSON replaces set contents from a JSON file shaped as
// {"set-name": ["val", ...], ...}.
func (s *MemSetStore) LoadFromFileJSON(p string) error {
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	raw, err := io.ReadAll(f)
	if err != nil {
		return err
	}

	var sets map[string][]string
	if err := json.Unmarshal(raw, &sets); err != nil {
		return fmt.Errorf("failed to parse sets file: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, l := range sets {
		m := make(map[string]bool, len(l))
		for _, val := range l {
			m[val] = true
		}
		s.sets[name] = m
	}
	return nil
}
