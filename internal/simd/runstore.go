package simd

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/GoSim-25-26J-441/montecarlo-core/pkg/models"
	"github.com/GoSim-25-26J-441/montecarlo-core/pkg/utils"
)

var (
	ErrRunExists   = errors.New("run already exists")
	ErrRunNotFound = errors.New("run not found")
	ErrRunTerminal = errors.New("run is terminal")
)

// RunRecord is a snapshot of one run.
type RunRecord struct {
	ID        string
	Status    models.RunStatus
	Request   models.RunRequest
	Summary   *models.RunSummary
	Error     string
	CreatedAt time.Time
	StartedAt time.Time
	EndedAt   time.Time
}

// RunStore keeps run records in memory. Accessors return copies.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]*RunRecord
}

func NewRunStore() *RunStore {
	return &RunStore{
		runs: make(map[string]*RunRecord),
	}
}

// Create registers a pending run. An empty req.RunID gets a generated id,
// which is written back into the stored request; the result key is pinned
// first, so such a run still persists under its worker-count key.
func (s *RunStore) Create(req models.RunRequest) (RunRecord, error) {
	if strings.ContainsAny(req.RunID, `/\:`) || strings.Contains(req.RunID, "..") {
		return RunRecord{}, fmt.Errorf("%w: run_id cannot contain path separators, '..' or ':'", models.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	req.ResultKey = req.StoreKey()
	if req.RunID == "" {
		req.RunID = utils.GenerateRunID()
	}
	if _, exists := s.runs[req.RunID]; exists {
		return RunRecord{}, fmt.Errorf("%w: %s", ErrRunExists, req.RunID)
	}

	rec := &RunRecord{
		ID:        req.RunID,
		Status:    models.RunStatusPending,
		Request:   req,
		CreatedAt: time.Now().UTC(),
	}
	s.runs[req.RunID] = rec
	return *rec, nil
}

func (s *RunStore) Get(runID string) (RunRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.runs[runID]
	if !ok {
		return RunRecord{}, false
	}
	return *rec, true
}

// List returns up to limit runs, newest first. An empty status matches all.
func (s *RunStore) List(limit, offset int, status models.RunStatus) []RunRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	all := make([]RunRecord, 0, len(s.runs))
	for _, rec := range s.runs {
		if status != "" && rec.Status != status {
			continue
		}
		all = append(all, *rec)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	if offset >= len(all) {
		return []RunRecord{}
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all
}

// SetStatus moves a run to status. A terminal status is final: later
// transitions return ErrRunTerminal and leave the record unchanged.
func (s *RunStore) SetStatus(runID string, status models.RunStatus, errMsg string) (RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.runs[runID]
	if !ok {
		return RunRecord{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if rec.Status.IsTerminal() {
		return *rec, fmt.Errorf("%w: %s is %s", ErrRunTerminal, runID, rec.Status)
	}

	rec.Status = status
	if errMsg != "" {
		rec.Error = errMsg
	}

	now := time.Now().UTC()
	switch status {
	case models.RunStatusRunning:
		if rec.StartedAt.IsZero() {
			rec.StartedAt = now
		}
	case models.RunStatusCompleted, models.RunStatusFailed, models.RunStatusCancelled:
		rec.EndedAt = now
	}

	return *rec, nil
}

// SetSummary attaches the run summary.
func (s *RunStore) SetSummary(runID string, summary models.RunSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	rec.Summary = &summary
	return nil
}
