package resultstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and single-process runs
// where no MongoDB is configured. Safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, rec *Record) error {
	clone := *rec
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}

	if clone.Status == "" {
		clone.Status = StatusCompleted
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[clone.TaskID] = &clone

	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, taskID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[taskID]
	if !ok {
		return nil, ErrNotFound
	}

	clone := *rec

	return &clone, nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, status string, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]*Record, 0, len(s.records))

	for _, rec := range s.records {
		if status != "" && rec.Status != status {
			continue
		}

		clone := *rec
		records = append(records, &clone)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})

	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}

	return records, nil
}

// UpdateStatus implements Store.
func (s *MemoryStore) UpdateStatus(_ context.Context, taskID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[taskID]
	if !ok {
		return ErrNotFound
	}

	rec.Status = status

	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, taskID)

	return nil
}

// Stats implements Store.
func (s *MemoryStore) Stats(_ context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Stats{ByStatus: make(map[string]int64)}

	for _, rec := range s.records {
		stats.ByStatus[rec.Status]++
		stats.Total++
	}

	return stats, nil
}

// HealthCheck implements Store.
func (s *MemoryStore) HealthCheck(_ context.Context) error {
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close(_ context.Context) error {
	return nil
}
