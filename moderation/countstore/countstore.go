// Package countstore tracks rolling decision counters (per category, per
// source) in hour/day/total buckets. Counters feed dashboards today and are
// the hook for future per-source circuit breaking.
package countstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	PeriodTotal = "total"
	PeriodDay   = "day"
	PeriodHour  = "hour"
)

type CountStore interface {
	GetCount(ctx context.Context, name, val, period string) (int, error)
	// Increment bumps the named counter in every time-period bucket.
	Increment(ctx context.Context, name, val string) error
}

func periodBucket(name, val, period string) string {
	switch period {
	case PeriodTotal:
		return fmt.Sprintf("%s/%s", name, val)
	case PeriodDay:
		t := time.Now().UTC().Format(time.DateOnly)
		return fmt.Sprintf("%s/%s/%s", name, val, t)
	case PeriodHour:
		t := time.Now().UTC().Format(time.RFC3339)[0:13]
		return fmt.Sprintf("%s/%s/%s", name, val, t)
	default:
		slog.Warn("unhandled counter period", "period", period)
		return fmt.Sprintf("%s/%s", name, val)
	}
}

type MemCountStore struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewMemCountStore() *MemCountStore {
	return &MemCountStore{
		counts: make(map[string]int),
	}
}

func (s *MemCountStore) GetCount(ctx context.Context, name, val, period string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[periodBucket(name, val, period)], nil
}

func (s *MemCountStore) Increment(ctx context.Context, name, val string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range []string{PeriodTotal, PeriodDay, PeriodHour} {
		s.counts[periodBucket(name, val, p)]++
	}
	return nil
}
