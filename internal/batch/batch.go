// Package batch partitions a run into contiguous units of simulation ids
// and executes a single unit.
package batch

import (
	"context"
	"fmt"

	"github.com/GoSim-25-26J-441/montecarlo-core/internal/pricing"
	"github.com/GoSim-25-26J-441/montecarlo-core/pkg/models"
)

// Partition splits simulation ids [1, total] into units of size batchSize.
// The final unit may be shorter; there is never an empty trailing unit.
func Partition(total, batchSize int, params models.SimulationParameters) ([]models.BatchUnit, error) {
	if total <= 0 {
		return nil, fmt.Errorf("%w: simulation count must be positive, got %d", models.ErrValidation, total)
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("%w: batch size must be positive, got %d", models.ErrValidation, batchSize)
	}

	units := make([]models.BatchUnit, 0, (total+batchSize-1)/batchSize)
	for start := 1; start <= total; start += batchSize {
		size := batchSize
		if remaining := total - start + 1; remaining < size {
			size = remaining
		}
		units = append(units, models.BatchUnit{
			StartSimID: start,
			BatchSize:  size,
			Params:     params,
		})
	}
	return units, nil
}

// Run simulates every id of the unit in ascending order.
// A failure in any simulation fails the whole unit and no records are returned.
func Run(ctx context.Context, unit models.BatchUnit, newSource pricing.SourceFactory) (models.BatchResult, error) {
	if newSource == nil {
		newSource = pricing.NewSource
	}

	records := make([]models.Record, 0, unit.BatchSize*(unit.Params.Steps+1))
	for simID := unit.StartSimID; simID <= unit.EndSimID(); simID++ {
		if err := ctx.Err(); err != nil {
			return models.BatchResult{Unit: unit}, err
		}
		var err error
		records, err = pricing.SimulatePath(records, unit.Params, simID, newSource())
		if err != nil {
			return models.BatchResult{Unit: unit}, fmt.Errorf("simulation %d: %w", simID, err)
		}
	}
	return models.BatchResult{Unit: unit, Records: records}, nil
}
