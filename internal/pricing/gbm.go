// Package pricing simulates Geometric Brownian Motion price paths and
// evaluates European option payoffs at expiry.
package pricing

import (
	"errors"
	"fmt"
	"math"

	"github.com/GoSim-25-26J-441/montecarlo-core/pkg/models"
	"github.com/GoSim-25-26J-441/montecarlo-core/pkg/utils"
)

// ErrInvalidOptionType is returned for option kinds other than call and put.
var ErrInvalidOptionType = errors.New("invalid option type: choose 'call' or 'put'")

// NormalSource draws normally distributed variates.
// *utils.RandSource satisfies it.
type NormalSource interface {
	NormFloat64(mean, stddev float64) float64
}

// SourceFactory returns a new, independent source for each path.
type SourceFactory func() NormalSource

// NewSource is the default SourceFactory.
func NewSource() NormalSource {
	return utils.NewRandSource(0)
}

// Payoff returns the value of the option at expiry given the final price.
func Payoff(kind models.OptionType, finalPrice, strike float64) (float64, error) {
	switch kind {
	case models.OptionCall:
		return math.Max(finalPrice-strike, 0), nil
	case models.OptionPut:
		return math.Max(strike-finalPrice, 0), nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidOptionType, string(kind))
	}
}

// SimulatePath runs one GBM path for simID and appends its records to dst:
// params.Steps path points followed by a single payoff record.
// The payoff is evaluated after the path, so on ErrInvalidOptionType the
// caller must discard whatever was appended.
func SimulatePath(dst []models.Record, params models.SimulationParameters, simID int, src NormalSource) ([]models.Record, error) {
	dt := params.DeltaT()
	sigma := params.Volatility
	drift := (params.RiskFreeRate - 0.5*sigma*sigma) * dt
	diffusion := sigma * math.Sqrt(dt)

	st := params.StockValue
	for i := 0; i < params.Steps; i++ {
		z := src.NormFloat64(0, 1)
		st *= math.Exp(drift + diffusion*z)
		dst = append(dst, models.Record{Path: &models.PathRecord{
			SimulationID: simID,
			StepIndex:    i,
			Price:        st,
		}})
	}

	payoff, err := Payoff(params.OptionType, st, params.Strike)
	if err != nil {
		return dst, err
	}
	dst = append(dst, models.Record{Payoff: &models.PayoffRecord{
		SimulationID: simID,
		Payoff:       payoff,
		FinalPrice:   st,
	}})
	return dst, nil
}
