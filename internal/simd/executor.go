package simd

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/GoSim-25-26J-441/montecarlo-core/internal/aggregator"
	"github.com/GoSim-25-26J-441/montecarlo-core/internal/stream"
	"github.com/GoSim-25-26J-441/montecarlo-core/pkg/logger"
	"github.com/GoSim-25-26J-441/montecarlo-core/pkg/models"
)

var (
	ErrRunIDMissing = errors.New("run_id is required")
	ErrRunNotLive   = errors.New("run is not streaming")
)

// RequestDefaults fill the fields a client left at zero.
type RequestDefaults struct {
	BatchSize int
	Workers   int
	Steps     int
}

// Limits bound what a single request may ask for. Zero means unbounded.
type Limits struct {
	MaxSimulations int
	MaxSteps       int
	// MaxBatchPoints caps batch_size*(steps+1), the records in one batch.
	MaxBatchPoints int
}

// ExecutorOption configures a RunExecutor.
type ExecutorOption func(*RunExecutor)

// WithDefaults sets the request defaults.
func WithDefaults(d RequestDefaults) ExecutorOption {
	return func(e *RunExecutor) {
		e.defaults = d
	}
}

// WithLimits sets the request limits.
func WithLimits(l Limits) ExecutorOption {
	return func(e *RunExecutor) {
		e.limits = l
	}
}

// RunExecutor manages run execution and per-run cancellation. Every run,
// whether started in the background or attached to a live subscriber,
// streams into a Fanout so that more subscribers can join while it runs.
type RunExecutor struct {
	store    *RunStore
	agg      *aggregator.Aggregator
	defaults RequestDefaults
	limits   Limits

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	feeds   map[string]*stream.Fanout
	wg      sync.WaitGroup
}

func NewRunExecutor(store *RunStore, agg *aggregator.Aggregator, opts ...ExecutorOption) *RunExecutor {
	e := &RunExecutor{
		store:   store,
		agg:     agg,
		cancels: make(map[string]context.CancelFunc),
		feeds:   make(map[string]*stream.Fanout),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Prepare applies defaults to req and validates it against the request
// rules and the configured limits.
func (e *RunExecutor) Prepare(req models.RunRequest) (models.RunRequest, error) {
	if req.BatchSize == 0 {
		req.BatchSize = e.defaults.BatchSize
	}
	if req.WorkerCount == 0 {
		req.WorkerCount = e.defaults.Workers
	}
	if req.Steps == 0 {
		req.Steps = e.defaults.Steps
	}
	if err := req.Validate(); err != nil {
		return req, err
	}
	if e.limits.MaxSimulations > 0 && req.SimulationCount > e.limits.MaxSimulations {
		return req, fmt.Errorf("%w: simulation_count %d exceeds limit %d", models.ErrValidation, req.SimulationCount, e.limits.MaxSimulations)
	}
	if e.limits.MaxSteps > 0 && req.Steps > e.limits.MaxSteps {
		return req, fmt.Errorf("%w: steps %d exceeds limit %d", models.ErrValidation, req.Steps, e.limits.MaxSteps)
	}
	if points := req.BatchSize * (req.Steps + 1); e.limits.MaxBatchPoints > 0 && points > e.limits.MaxBatchPoints {
		return req, fmt.Errorf("%w: batch of %d points exceeds limit %d, lower batch_size", models.ErrValidation, points, e.limits.MaxBatchPoints)
	}
	return req, nil
}

// Start begins executing a run in the background and returns its record
// in the running state. Results are persisted; live output is available
// through Subscribe while the run lasts.
func (e *RunExecutor) Start(req models.RunRequest) (RunRecord, error) {
	rec, feed, ctx, err := e.begin(context.Background(), req)
	if err != nil {
		return RunRecord{}, err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.execute(ctx, rec.ID, rec.Request, feed)
	}()
	return rec, nil
}

// Run executes a run synchronously, streaming to sink, and returns the
// final record. Cancelling ctx does not cancel the run: a departing
// subscriber only stops receiving. Use Stop to cancel.
func (e *RunExecutor) Run(ctx context.Context, req models.RunRequest, sink stream.Sink) (RunRecord, error) {
	res, err := e.Reserve(ctx, req)
	if err != nil {
		_ = sink.Close()
		return RunRecord{}, err
	}
	return res.Stream(sink), nil
}

// Reserve validates req and registers the run without executing it, so
// that callers can reject a request before they commit to a response.
// The reservation must be finished with Stream or Release.
func (e *RunExecutor) Reserve(ctx context.Context, req models.RunRequest) (*Reservation, error) {
	rec, feed, runCtx, err := e.begin(context.WithoutCancel(ctx), req)
	if err != nil {
		return nil, err
	}
	e.wg.Add(1)
	return &Reservation{e: e, rec: rec, feed: feed, ctx: runCtx}, nil
}

// Reservation is a registered run waiting for its first subscriber.
type Reservation struct {
	e    *RunExecutor
	rec  RunRecord
	feed *stream.Fanout
	ctx  context.Context
	once sync.Once
}

// Record returns the run as registered.
func (r *Reservation) Record() RunRecord {
	return r.rec
}

// Stream executes the run, streaming to sink, and returns the final record.
func (r *Reservation) Stream(sink stream.Sink) RunRecord {
	ran := false
	r.once.Do(func() {
		ran = true
		defer r.e.wg.Done()
		if _, err := r.feed.Attach(sink); err != nil {
			_ = sink.Close()
		}
		r.e.execute(r.ctx, r.rec.ID, r.rec.Request, r.feed)
	})
	if !ran {
		_ = sink.Close()
	}
	final, _ := r.e.store.Get(r.rec.ID)
	return final
}

// Release gives up a reservation that was never streamed; the run is
// marked cancelled. It does nothing after Stream.
func (r *Reservation) Release() {
	r.once.Do(func() {
		defer r.e.wg.Done()
		if _, err := r.e.store.SetStatus(r.rec.ID, models.RunStatusCancelled, ""); err != nil && !errors.Is(err, ErrRunTerminal) {
			logger.Error("failed to release run", "run_id", r.rec.ID, "error", err)
		}
		r.e.cleanup(r.rec.ID)
		logger.Info("run released before streaming", "run_id", r.rec.ID)
	})
}

func (e *RunExecutor) begin(parent context.Context, req models.RunRequest) (RunRecord, *stream.Fanout, context.Context, error) {
	req, err := e.Prepare(req)
	if err != nil {
		return RunRecord{}, nil, nil, err
	}
	rec, err := e.store.Create(req)
	if err != nil {
		return RunRecord{}, nil, nil, err
	}

	ctx, cancel := context.WithCancel(parent)
	feed := stream.NewFanout()
	e.mu.Lock()
	e.cancels[rec.ID] = cancel
	e.feeds[rec.ID] = feed
	e.mu.Unlock()

	updated, err := e.store.SetStatus(rec.ID, models.RunStatusRunning, "")
	if err != nil {
		e.cleanup(rec.ID)
		return RunRecord{}, nil, nil, err
	}
	logger.Info("run started", "run_id", rec.ID, "simulations", req.SimulationCount, "batch_size", req.BatchSize, "workers", req.WorkerCount)
	return updated, feed, ctx, nil
}

func (e *RunExecutor) execute(ctx context.Context, runID string, req models.RunRequest, feed *stream.Fanout) {
	defer e.cleanup(runID)

	summary, err := e.agg.Run(ctx, req, feed)
	if summary != nil {
		if setErr := e.store.SetSummary(runID, *summary); setErr != nil {
			logger.Error("failed to set summary", "run_id", runID, "error", setErr)
		}
	}

	status, msg := models.RunStatusCompleted, ""
	switch {
	case err == nil:
	case errors.Is(err, aggregator.ErrRunCancelled):
		status = models.RunStatusCancelled
	default:
		status, msg = models.RunStatusFailed, err.Error()
	}

	if _, setErr := e.store.SetStatus(runID, status, msg); setErr != nil && !errors.Is(setErr, ErrRunTerminal) {
		logger.Error("failed to set final status", "run_id", runID, "status", status, "error", setErr)
		return
	}
	if err != nil && status == models.RunStatusFailed {
		logger.Error("run failed", "run_id", runID, "error", err)
		return
	}
	logger.Info("run finished", "run_id", runID, "status", status)
}

func (e *RunExecutor) cleanup(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cancel, ok := e.cancels[runID]; ok {
		cancel()
		delete(e.cancels, runID)
	}
	if feed, ok := e.feeds[runID]; ok {
		_ = feed.Close()
		delete(e.feeds, runID)
	}
}

// Subscribe attaches sink to a running run. The returned channel is
// closed when the run ends; detach removes the sink early.
func (e *RunExecutor) Subscribe(runID string, sink stream.Sink) (<-chan struct{}, func(), error) {
	if runID == "" {
		return nil, nil, ErrRunIDMissing
	}
	e.mu.Lock()
	feed, ok := e.feeds[runID]
	e.mu.Unlock()
	if !ok {
		if _, exists := e.store.Get(runID); exists {
			return nil, nil, fmt.Errorf("%w: %s", ErrRunNotLive, runID)
		}
		return nil, nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	detach, err := feed.Attach(sink)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrRunNotLive, runID)
	}
	return feed.Done(), detach, nil
}

// Stop requests cancellation for a running run and marks it cancelled.
func (e *RunExecutor) Stop(runID string) (RunRecord, error) {
	if runID == "" {
		return RunRecord{}, ErrRunIDMissing
	}

	e.mu.Lock()
	cancel, ok := e.cancels[runID]
	e.mu.Unlock()

	updated, err := e.store.SetStatus(runID, models.RunStatusCancelled, "")
	if err != nil {
		return updated, err
	}
	if ok {
		cancel()
	}
	return updated, nil
}

// Shutdown cancels every active run and waits for them to end or for ctx.
func (e *RunExecutor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	for _, cancel := range e.cancels {
		cancel()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
