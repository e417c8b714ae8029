package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/GoSim-25-26J-441/montecarlo-core/pkg/models"
)

type memoryRun struct {
	entries []Entry
	summary SummaryEntry
}

// MemoryStore keeps results in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]memoryRun
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]memoryRun)}
}

func (s *MemoryStore) Save(ctx context.Context, key string, records []models.Record, summary models.RunSummary) error {
	if err := validateKey(key); err != nil {
		return writeErr(key, err)
	}
	run := memoryRun{entries: EntriesFromRecords(records), summary: NewSummaryEntry(summary)}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[key] = run
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, key string) (*Results, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return buildResults(key, run.entries, run.summary), nil
}

func (s *MemoryStore) Keys(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.runs))
	for k := range s.runs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
