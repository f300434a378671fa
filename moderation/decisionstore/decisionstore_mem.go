package decisionstore

import (
	"context"
	"sync"
)

// MemDecisionStore is for tests and local development.
type MemDecisionStore struct {
	mu      sync.Mutex
	records []DecisionRecord
}

var _ DecisionStore = (*MemDecisionStore)(nil)

func NewMemDecisionStore() *MemDecisionStore {
	return &MemDecisionStore{}
}

func (s *MemDecisionStore) Record(ctx context.Context, rec DecisionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.ID = uint(len(s.records) + 1)
	s.records = append(s.records, rec)
	return nil
}

func (s *MemDecisionStore) GetByItem(ctx context.Context, itemID string) ([]DecisionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []DecisionRecord
	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].ItemID == itemID {
			out = append(out, s.records[i])
		}
	}
	return out, nil
}

// All returns every record, in insertion order. Test helper.
func (s *MemDecisionStore) All() []DecisionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DecisionRecord, len(s.records))
	copy(out, s.records)
	return out
}
