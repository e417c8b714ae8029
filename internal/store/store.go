// Package store persists the records and summary of a run and reads them
// back grouped by simulation id.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/GoSim-25-26J-441/montecarlo-core/pkg/models"
)

var (
	// ErrStoreWrite wraps every persistence failure on the write path.
	ErrStoreWrite = errors.New("result store write failed")
	// ErrNotFound is returned when no results exist for a key.
	ErrNotFound = errors.New("results not found")
	// ErrInvalidKey is returned for keys that cannot name a stored run.
	ErrInvalidKey = errors.New("invalid result key")
)

// TimestampLayout is the persisted summary timestamp format.
const TimestampLayout = time.RFC3339Nano

// ResultStore persists one record set and one summary per key.
// Save replaces anything previously stored under the key.
type ResultStore interface {
	Save(ctx context.Context, key string, records []models.Record, summary models.RunSummary) error
	Load(ctx context.Context, key string) (*Results, error)
	Keys(ctx context.Context) ([]string, error)
}

// Entry is the persisted form of a path point or a payoff. Path points
// carry step_index and current_price; payoffs carry payoff and final_price.
type Entry struct {
	SimulationID int      `json:"simulation_id"`
	StepIndex    *int     `json:"step_index,omitempty"`
	CurrentPrice *float64 `json:"current_price,omitempty"`
	Payoff       *float64 `json:"payoff,omitempty"`
	FinalPrice   *float64 `json:"final_price,omitempty"`
}

// IsPayoff reports whether the entry is a payoff.
func (e Entry) IsPayoff() bool {
	return e.Payoff != nil
}

// SummaryEntry is the persisted form of a run summary.
type SummaryEntry struct {
	AveragePayoff        float64 `json:"average_payoff"`
	TotalSimulations     int     `json:"total_simulations"`
	SucceededSimulations int     `json:"succeeded_simulations"`
	FailedBatches        int     `json:"failed_batches"`
	ExecutionTimeSeconds float64 `json:"execution_time_seconds"`
	Timestamp            string  `json:"timestamp"`
}

// Results is the read-side view of a stored run.
type Results struct {
	Key         string
	Simulations map[int][]Entry
	// Order lists simulation ids in the order they were stored.
	Order   []int
	Summary SummaryEntry
}

// Head returns at most n simulations in stored order. n <= 0 means all.
func (r *Results) Head(n int) []Simulation {
	ids := r.Order
	if n > 0 && n < len(ids) {
		ids = ids[:n]
	}
	out := make([]Simulation, 0, len(ids))
	for _, id := range ids {
		out = append(out, Simulation{ID: id, Entries: r.Simulations[id]})
	}
	return out
}

// Simulation is one simulation's stored entries.
type Simulation struct {
	ID      int     `json:"simulation_id"`
	Entries []Entry `json:"entries"`
}

// EntriesFromRecords converts records to their persisted form.
func EntriesFromRecords(records []models.Record) []Entry {
	out := make([]Entry, 0, len(records))
	for _, r := range records {
		switch {
		case r.Payoff != nil:
			p := *r.Payoff
			out = append(out, Entry{SimulationID: p.SimulationID, Payoff: &p.Payoff, FinalPrice: &p.FinalPrice})
		case r.Path != nil:
			p := *r.Path
			out = append(out, Entry{SimulationID: p.SimulationID, StepIndex: &p.StepIndex, CurrentPrice: &p.Price})
		}
	}
	return out
}

// NewSummaryEntry converts a summary to its persisted form.
func NewSummaryEntry(s models.RunSummary) SummaryEntry {
	return SummaryEntry{
		AveragePayoff:        s.AveragePayoff,
		TotalSimulations:     s.TotalSimulations,
		SucceededSimulations: s.SucceededSimulations,
		FailedBatches:        s.FailedBatches,
		ExecutionTimeSeconds: s.ExecutionSeconds(),
		Timestamp:            s.Timestamp.UTC().Format(TimestampLayout),
	}
}

func buildResults(key string, entries []Entry, summary SummaryEntry) *Results {
	res := &Results{
		Key:         key,
		Simulations: make(map[int][]Entry),
		Summary:     summary,
	}
	for _, e := range entries {
		if _, ok := res.Simulations[e.SimulationID]; !ok {
			res.Order = append(res.Order, e.SimulationID)
		}
		res.Simulations[e.SimulationID] = append(res.Simulations[e.SimulationID], e)
	}
	return res
}

func validateKey(key string) error {
	if key == "" || strings.ContainsAny(key, `/\:`) || strings.Contains(key, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

func writeErr(key string, err error) error {
	return fmt.Errorf("%w: key %s: %w", ErrStoreWrite, key, err)
}
