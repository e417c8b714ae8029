// Package aggregator drives one Monte Carlo run end to end: it partitions
// the request, submits the batches to the shared pool, forwards path
// points to the subscriber as batches complete, and produces the summary.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/GoSim-25-26J-441/montecarlo-core/internal/batch"
	"github.com/GoSim-25-26J-441/montecarlo-core/internal/distributor"
	"github.com/GoSim-25-26J-441/montecarlo-core/internal/metrics"
	"github.com/GoSim-25-26J-441/montecarlo-core/internal/store"
	"github.com/GoSim-25-26J-441/montecarlo-core/internal/stream"
	"github.com/GoSim-25-26J-441/montecarlo-core/pkg/logger"
	"github.com/GoSim-25-26J-441/montecarlo-core/pkg/models"
)

// maxPreallocRecords caps the up-front record buffer of a large run.
const maxPreallocRecords = 1 << 16

// ErrRunCancelled is returned when the caller cancels a run before it
// finishes. Nothing is persisted for a cancelled run.
var ErrRunCancelled = errors.New("run cancelled")

// State is the phase of a run.
type State int

const (
	StateSubmitting State = iota
	StateDraining
	StateSummarizing
	StateDone
)

func (s State) String() string {
	switch s {
	case StateSubmitting:
		return "submitting"
	case StateDraining:
		return "draining"
	case StateSummarizing:
		return "summarizing"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Observer is notified on every state transition of a run.
type Observer func(key string, s State)

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) {
		a.logger = l
	}
}

// WithMetrics injects the metrics registry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Aggregator) {
		a.metrics = m
	}
}

// WithRiskFreeRate overrides models.DefaultRiskFreeRate.
func WithRiskFreeRate(r float64) Option {
	return func(a *Aggregator) {
		a.riskFreeRate = r
	}
}

// WithObserver registers a state observer.
func WithObserver(o Observer) Option {
	return func(a *Aggregator) {
		a.observer = o
	}
}

// Aggregator runs simulations on a shared pool. It is safe for concurrent
// use; every Run opens its own submission group.
type Aggregator struct {
	pool         *distributor.Pool
	store        store.ResultStore
	riskFreeRate float64
	logger       *slog.Logger
	metrics      *metrics.Metrics
	observer     Observer
}

// New creates an Aggregator over pool and st.
func New(pool *distributor.Pool, st store.ResultStore, opts ...Option) *Aggregator {
	a := &Aggregator{
		pool:         pool,
		store:        st,
		riskFreeRate: models.DefaultRiskFreeRate,
		logger:       logger.Default,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RiskFreeRate returns the rate applied to every run.
func (a *Aggregator) RiskFreeRate() float64 {
	return a.riskFreeRate
}

// run holds the mutable state of one Run call.
type run struct {
	key     string
	sink    stream.Sink
	sinkErr error
	log     *slog.Logger

	payoffSum float64
	payoffs   int
	failed    int
	records   []models.Record
}

// Run executes req and streams its path points and summary to sink. The
// sink is closed when Run returns, whatever the outcome.
//
// A sink that stops accepting messages does not stop the run: the rest of
// the batches are still aggregated and persisted. Cancelling ctx abandons
// outstanding batches and returns an error wrapping ErrRunCancelled.
// A persistence failure is returned wrapping store.ErrStoreWrite together
// with the summary.
func (a *Aggregator) Run(ctx context.Context, req models.RunRequest, sink stream.Sink) (*models.RunSummary, error) {
	if sink == nil {
		sink = stream.Discard
	}
	defer sink.Close()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	params := req.Parameters(a.riskFreeRate)
	units, err := batch.Partition(req.SimulationCount, req.BatchSize, params)
	if err != nil {
		return nil, err
	}

	r := &run{
		key:     req.StoreKey(),
		sink:    sink,
		records: make([]models.Record, 0, min(req.SimulationCount*(req.Steps+1), maxPreallocRecords)),
	}
	r.log = a.logger.With("run_key", r.key)
	started := time.Now()

	a.transition(r.key, StateSubmitting)
	group := a.pool.NewGroup(req.WorkerCount)
	defer group.Abandon()
	for _, u := range units {
		if _, err := group.Submit(u); err != nil {
			a.metrics.RunFinished(string(models.RunStatusFailed), 0)
			return nil, fmt.Errorf("submit %s: %w", u, err)
		}
	}
	r.log.Info("run submitted", "simulations", req.SimulationCount, "batches", len(units), "workers", req.WorkerCount)

	a.transition(r.key, StateDraining)
	for group.Outstanding() > 0 {
		c, err := group.NextCompleted(ctx)
		if err != nil {
			if ctx.Err() != nil {
				r.log.Info("run cancelled", "outstanding", group.Outstanding())
				a.metrics.RunFinished(string(models.RunStatusCancelled), 0)
				return nil, fmt.Errorf("%w: %w", ErrRunCancelled, ctx.Err())
			}
			a.metrics.RunFinished(string(models.RunStatusFailed), 0)
			return nil, err
		}
		if c.Failed() {
			r.failed++
			r.log.Warn("batch failed", "batch_start", c.Handle.Unit.StartSimID, "batch_size", c.Handle.Unit.BatchSize, "error", c.Err)
			continue
		}
		a.absorb(ctx, r, c.Result)
	}

	a.transition(r.key, StateSummarizing)
	summary := models.RunSummary{
		TotalSimulations:     req.SimulationCount,
		SucceededSimulations: r.payoffs,
		FailedBatches:        r.failed,
		ExecutionTime:        time.Since(started),
		Timestamp:            time.Now().UTC(),
	}
	if r.payoffs > 0 {
		summary.AveragePayoff = r.payoffSum / float64(r.payoffs)
	}
	a.forward(ctx, r, stream.SummaryMessage(summary))

	// The run is complete at this point; persisting it must not depend on
	// the subscriber still being around.
	saveErr := a.store.Save(context.WithoutCancel(ctx), r.key, r.records, summary)
	a.transition(r.key, StateDone)
	a.metrics.RunFinished(string(models.RunStatusCompleted), summary.ExecutionTime)

	r.log.Info("run completed",
		"average_payoff", summary.AveragePayoff,
		"succeeded_simulations", summary.SucceededSimulations,
		"failed_batches", summary.FailedBatches,
		"execution_time", summary.ExecutionTime,
		"sink_error", r.sinkErr)
	if saveErr != nil {
		r.log.Error("failed to persist run", "error", saveErr)
		return &summary, saveErr
	}
	return &summary, nil
}

// absorb forwards the path records of a succeeded batch in order and
// accumulates its payoffs.
func (a *Aggregator) absorb(ctx context.Context, r *run, res models.BatchResult) {
	forwarded := 0
	for _, rec := range res.Records {
		if rec.Payoff != nil {
			r.payoffSum += rec.Payoff.Payoff
			r.payoffs++
			continue
		}
		if rec.Path != nil && a.forward(ctx, r, stream.PathMessage(*rec.Path)) {
			forwarded++
		}
	}
	r.records = append(r.records, res.Records...)
	a.metrics.PathsStreamed(forwarded)
}

// forward sends msg unless the sink already failed. It reports whether
// the message was delivered.
func (a *Aggregator) forward(ctx context.Context, r *run, msg stream.Message) bool {
	if r.sinkErr != nil {
		return false
	}
	if err := r.sink.Send(ctx, msg); err != nil {
		r.sinkErr = err
		r.log.Warn("subscriber stopped receiving, continuing without it", "error", err)
		return false
	}
	return true
}

func (a *Aggregator) transition(key string, s State) {
	a.logger.Debug("run state", "run_key", key, "state", s.String())
	if a.observer != nil {
		a.observer(key, s)
	}
}
