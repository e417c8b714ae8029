package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/GoSim-25-26J-441/montecarlo-core/pkg/models"
)

const insertBatchSize = 500

// DBPathEntry is a stored record row. Seq preserves emission order.
type DBPathEntry struct {
	ID           uint   `gorm:"primaryKey"`
	RunKey       string `gorm:"index:idx_run_seq"`
	Seq          int    `gorm:"index:idx_run_seq"`
	SimulationID int
	StepIndex    *int
	CurrentPrice *float64
	Payoff       *float64
	FinalPrice   *float64
}

func (DBPathEntry) TableName() string { return "path_entries" }

// DBRunSummary is the stored summary row, one per key.
type DBRunSummary struct {
	RunKey               string `gorm:"primaryKey"`
	AveragePayoff        float64
	TotalSimulations     int
	SucceededSimulations int
	FailedBatches        int
	ExecutionTimeSeconds float64
	Timestamp            time.Time
	UpdatedAt            time.Time
}

func (DBRunSummary) TableName() string { return "run_summaries" }

// SQLStore keeps results in SQLite through gorm.
type SQLStore struct {
	db *gorm.DB
}

// NewSQLStore opens (or creates) the database at dbPath and migrates the schema.
func NewSQLStore(dbPath string) (*SQLStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.AutoMigrate(&DBPathEntry{}, &DBRunSummary{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLStore) Save(ctx context.Context, key string, records []models.Record, summary models.RunSummary) error {
	if err := validateKey(key); err != nil {
		return writeErr(key, err)
	}

	entries := EntriesFromRecords(records)
	rows := make([]DBPathEntry, len(entries))
	for i, e := range entries {
		rows[i] = DBPathEntry{
			RunKey:       key,
			Seq:          i,
			SimulationID: e.SimulationID,
			StepIndex:    e.StepIndex,
			CurrentPrice: e.CurrentPrice,
			Payoff:       e.Payoff,
			FinalPrice:   e.FinalPrice,
		}
	}
	sum := DBRunSummary{
		RunKey:               key,
		AveragePayoff:        summary.AveragePayoff,
		TotalSimulations:     summary.TotalSimulations,
		SucceededSimulations: summary.SucceededSimulations,
		FailedBatches:        summary.FailedBatches,
		ExecutionTimeSeconds: summary.ExecutionSeconds(),
		Timestamp:            summary.Timestamp.UTC(),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("run_key = ?", key).Delete(&DBPathEntry{}).Error; err != nil {
			return err
		}
		if len(rows) > 0 {
			if err := tx.CreateInBatches(rows, insertBatchSize).Error; err != nil {
				return err
			}
		}
		return tx.Save(&sum).Error
	})
	if err != nil {
		return writeErr(key, err)
	}
	return nil
}

func (s *SQLStore) Load(ctx context.Context, key string) (*Results, error) {
	var sum DBRunSummary
	err := s.db.WithContext(ctx).Where("run_key = ?", key).First(&sum).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load summary: %w", err)
	}

	var rows []DBPathEntry
	if err := s.db.WithContext(ctx).Where("run_key = ?", key).Order("seq ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load entries: %w", err)
	}
	entries := make([]Entry, len(rows))
	for i, r := range rows {
		entries[i] = Entry{
			SimulationID: r.SimulationID,
			StepIndex:    r.StepIndex,
			CurrentPrice: r.CurrentPrice,
			Payoff:       r.Payoff,
			FinalPrice:   r.FinalPrice,
		}
	}

	return buildResults(key, entries, SummaryEntry{
		AveragePayoff:        sum.AveragePayoff,
		TotalSimulations:     sum.TotalSimulations,
		SucceededSimulations: sum.SucceededSimulations,
		FailedBatches:        sum.FailedBatches,
		ExecutionTimeSeconds: sum.ExecutionTimeSeconds,
		Timestamp:            sum.Timestamp.UTC().Format(TimestampLayout),
	}), nil
}

func (s *SQLStore) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	if err := s.db.WithContext(ctx).Model(&DBRunSummary{}).Order("run_key ASC").Pluck("run_key", &keys).Error; err != nil {
		return nil, err
	}
	return keys, nil
}
