package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/GoSim-25-26J-441/montecarlo-core/pkg/models"
)

const (
	resultsPrefix = "results_"
	summaryPrefix = "summary_"
)

// FileStore keeps each run as two JSON files in one directory:
// results_<key>.json (array of entries) and summary_<key>.json
// (one-element array).
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create results directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the directory the store writes to.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) resultsPath(key string) string {
	return filepath.Join(s.dir, resultsPrefix+key+".json")
}

func (s *FileStore) summaryPath(key string) string {
	return filepath.Join(s.dir, summaryPrefix+key+".json")
}

func (s *FileStore) Save(ctx context.Context, key string, records []models.Record, summary models.RunSummary) error {
	if err := validateKey(key); err != nil {
		return writeErr(key, err)
	}
	if err := ctx.Err(); err != nil {
		return writeErr(key, err)
	}
	if err := s.writeJSON(s.resultsPath(key), EntriesFromRecords(records)); err != nil {
		return writeErr(key, err)
	}
	if err := s.writeJSON(s.summaryPath(key), []SummaryEntry{NewSummaryEntry(summary)}); err != nil {
		return writeErr(key, err)
	}
	return nil
}

// writeJSON replaces path atomically through a temp file in the same directory.
func (s *FileStore) writeJSON(path string, v any) error {
	tmp, err := os.CreateTemp(s.dir, ".tmp-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	enc := json.NewEncoder(tmp)
	if err := enc.Encode(v); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *FileStore) Load(ctx context.Context, key string) (*Results, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var entries []Entry
	if err := readJSON(s.resultsPath(key), &entries); err != nil {
		return nil, err
	}
	var summaries []SummaryEntry
	if err := readJSON(s.summaryPath(key), &summaries); err != nil {
		return nil, err
	}
	var summary SummaryEntry
	if len(summaries) > 0 {
		summary = summaries[0]
	}
	return buildResults(key, entries, summary), nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, filepath.Base(path))
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (s *FileStore) Keys(ctx context.Context) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, summaryPrefix+"*.json"))
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(matches))
	for _, m := range matches {
		name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), summaryPrefix), ".json")
		keys = append(keys, name)
	}
	sort.Strings(keys)
	return keys, nil
}
