package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/polisai/polis-flow/pkg/domain"
)

// MemoryRunStore is an in-memory implementation of RunStore.
type MemoryRunStore struct {
	mu   sync.RWMutex
	runs map[string]*domain.RunRecord
}

// NewMemoryRunStore creates a new MemoryRunStore.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{
		runs: make(map[string]*domain.RunRecord),
	}
}

// SaveRun inserts or replaces a run record.
func (s *MemoryRunStore) SaveRun(_ context.Context, record *domain.RunRecord) error {
	if record == nil || record.ID == "" {
		return fmt.Errorf("run record requires an ID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[record.ID] = record.Clone()
	return nil
}

// GetRun retrieves a run record from memory.
func (s *MemoryRunStore) GetRun(_ context.Context, id string) (*domain.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, id)
	}
	return record.Clone(), nil
}

// ListRuns returns stored runs, most recent first.
func (s *MemoryRunStore) ListRuns(_ context.Context, pipelineID string, limit int) ([]*domain.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.RunRecord, 0, len(s.runs))
	for _, record := range s.runs {
		if pipelineID != "" && record.PipelineID != pipelineID {
			continue
		}
		result = append(result, record.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].StartedAt.Equal(result[j].StartedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].StartedAt.After(result[j].StartedAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// LastSuccessful returns the most recent DONE run of the pipeline.
func (s *MemoryRunStore) LastSuccessful(ctx context.Context, pipelineID string) (*domain.RunRecord, error) {
	runs, err := s.ListRuns(ctx, pipelineID, 0)
	if err != nil {
		return nil, err
	}
	for _, record := range runs {
		if record.State == domain.RunDone {
			return record, nil
		}
	}
	return nil, fmt.Errorf("%w: no successful run of %s", domain.ErrRunNotFound, pipelineID)
}

// Close is a no-op for memory store.
func (s *MemoryRunStore) Close() error {
	return nil
}
