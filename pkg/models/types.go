package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultRiskFreeRate is the annualised risk-free rate used when none is configured.
const DefaultRiskFreeRate = 0.02

// ErrValidation is returned when run parameters are rejected before any work is submitted.
var ErrValidation = errors.New("invalid run parameters")

// RunStatus represents the status of a simulation run
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// OptionType is the kind of European option being priced.
type OptionType string

const (
	OptionCall OptionType = "call"
	OptionPut  OptionType = "put"
)

// ParseOptionType normalises s. Unknown kinds are returned as-is so the
// path simulator can reject them.
func ParseOptionType(s string) OptionType {
	switch t := OptionType(strings.ToLower(strings.TrimSpace(s))); t {
	case OptionCall, OptionPut:
		return t
	default:
		return OptionType(s)
	}
}

// SimulationParameters are shared, read-only inputs for every path of a run.
type SimulationParameters struct {
	StockValue   float64    `json:"stock_value"`
	Strike       float64    `json:"strike"`
	Volatility   float64    `json:"volatility"`
	Steps        int        `json:"steps"`
	Horizon      float64    `json:"horizon"`
	OptionType   OptionType `json:"option_type"`
	RiskFreeRate float64    `json:"risk_free_rate"`
}

// DeltaT returns the length of one time increment in years.
func (p SimulationParameters) DeltaT() float64 {
	return p.Horizon / float64(p.Steps)
}

// PathRecord is one simulated price point.
type PathRecord struct {
	SimulationID int     `json:"simulation_id"`
	StepIndex    int     `json:"step_index"`
	Price        float64 `json:"current_price"`
}

// PayoffRecord closes a simulation. It is always the last record for its id.
type PayoffRecord struct {
	SimulationID int     `json:"simulation_id"`
	Payoff       float64 `json:"payoff"`
	FinalPrice   float64 `json:"final_price"`
}

// Record is either a path point or a payoff, kept in emission order.
type Record struct {
	Path   *PathRecord
	Payoff *PayoffRecord
}

// SimulationID returns the id of whichever record is set.
func (r Record) SimulationID() int {
	if r.Payoff != nil {
		return r.Payoff.SimulationID
	}
	if r.Path != nil {
		return r.Path.SimulationID
	}
	return 0
}

// IsPayoff reports whether r carries a payoff.
func (r Record) IsPayoff() bool {
	return r.Payoff != nil
}

// BatchUnit is a contiguous range of simulation ids scheduled as one unit of work.
type BatchUnit struct {
	StartSimID int                  `json:"start_sim_id"`
	BatchSize  int                  `json:"batch_size"`
	Params     SimulationParameters `json:"params"`
}

// EndSimID returns the last simulation id covered by the unit.
func (u BatchUnit) EndSimID() int {
	return u.StartSimID + u.BatchSize - 1
}

func (u BatchUnit) String() string {
	return fmt.Sprintf("batch[%d..%d]", u.StartSimID, u.EndSimID())
}

// BatchResult holds every record produced by a successful batch.
type BatchResult struct {
	Unit    BatchUnit
	Records []Record
}

// RunSummary is the aggregate outcome of a run.
type RunSummary struct {
	TotalSimulations     int           `json:"total_simulations"`
	SucceededSimulations int           `json:"succeeded_simulations"`
	FailedBatches        int           `json:"failed_batches"`
	AveragePayoff        float64       `json:"average_payoff"`
	ExecutionTime        time.Duration `json:"-"`
	Timestamp            time.Time     `json:"timestamp"`
}

// ExecutionSeconds returns the execution time in fractional seconds.
func (s RunSummary) ExecutionSeconds() float64 {
	return s.ExecutionTime.Seconds()
}

// RunRequest is the request accepted from the API layer.
type RunRequest struct {
	RunID           string  `json:"run_id,omitempty"`
	StockValue      float64 `json:"stock_value"`
	Strike          float64 `json:"strike"`
	Volatility      float64 `json:"volatility"`
	Steps           int     `json:"steps"`
	Horizon         float64 `json:"horizon"`
	SimulationCount int     `json:"simulation_count"`
	BatchSize       int     `json:"batch_size"`
	OptionType      string  `json:"option_type"`
	WorkerCount     int     `json:"worker_count"`

	// ResultKey pins the persistence key once the run is registered, so a
	// generated run id does not replace the worker-count key.
	ResultKey string `json:"-"`
}

// Validate checks that every numeric field is positive (volatility may be zero).
func (r RunRequest) Validate() error {
	var errs []error
	positive := func(name string, v float64) {
		if !(v > 0) {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", name, v))
		}
	}
	positive("stock_value", r.StockValue)
	positive("strike", r.Strike)
	positive("horizon", r.Horizon)
	positive("steps", float64(r.Steps))
	positive("simulation_count", float64(r.SimulationCount))
	positive("batch_size", float64(r.BatchSize))
	positive("worker_count", float64(r.WorkerCount))
	if !(r.Volatility >= 0) {
		errs = append(errs, fmt.Errorf("volatility must not be negative, got %v", r.Volatility))
	}
	if r.OptionType == "" {
		errs = append(errs, errors.New("option_type is required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrValidation, errors.Join(errs...))
	}
	return nil
}

// Parameters builds the simulation parameters for the request.
func (r RunRequest) Parameters(riskFreeRate float64) SimulationParameters {
	return SimulationParameters{
		StockValue:   r.StockValue,
		Strike:       r.Strike,
		Volatility:   r.Volatility,
		Steps:        r.Steps,
		Horizon:      r.Horizon,
		OptionType:   ParseOptionType(r.OptionType),
		RiskFreeRate: riskFreeRate,
	}
}

// StoreKey returns the key results are persisted under: the pinned
// ResultKey, else the run id when set, otherwise one key per worker count.
func (r RunRequest) StoreKey() string {
	if r.ResultKey != "" {
		return r.ResultKey
	}
	if r.RunID != "" {
		return r.RunID
	}
	return fmt.Sprintf("workers_%d", r.WorkerCount)
}
