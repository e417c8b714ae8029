// Package distributor runs batch units on a bounded set of workers and
// hands results back in completion order.
//
// A Pool is long-lived and shared by every run. Each run opens a Group,
// submits its units to it and drains the group's completions; completions
// of other runs never leak into it.
package distributor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc/panics"

	"github.com/GoSim-25-26J-441/montecarlo-core/internal/batch"
	"github.com/GoSim-25-26J-441/montecarlo-core/internal/metrics"
	"github.com/GoSim-25-26J-441/montecarlo-core/internal/pricing"
	"github.com/GoSim-25-26J-441/montecarlo-core/pkg/logger"
	"github.com/GoSim-25-26J-441/montecarlo-core/pkg/models"
)

var (
	ErrPoolClosed     = errors.New("worker pool is closed")
	ErrGroupAbandoned = errors.New("submission group abandoned")
	ErrNoOutstanding  = errors.New("no outstanding submissions")
	ErrBatchFailure   = errors.New("batch failed")
)

// Executor runs a single batch unit. Implementations must be safe for
// concurrent use.
type Executor interface {
	Execute(ctx context.Context, unit models.BatchUnit) (models.BatchResult, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, unit models.BatchUnit) (models.BatchResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, unit models.BatchUnit) (models.BatchResult, error) {
	return f(ctx, unit)
}

// LocalExecutor runs batches in-process.
type LocalExecutor struct {
	NewSource pricing.SourceFactory
}

func (e LocalExecutor) Execute(ctx context.Context, unit models.BatchUnit) (models.BatchResult, error) {
	return batch.Run(ctx, unit, e.NewSource)
}

// Handle identifies one submission.
type Handle struct {
	ID   uint64
	Unit models.BatchUnit
}

// Completion is the outcome of one submission. A failed batch carries an
// error wrapping ErrBatchFailure and no records.
type Completion struct {
	Handle Handle
	Result models.BatchResult
	Err    error
}

// Failed reports whether the batch failed.
func (c Completion) Failed() bool {
	return c.Err != nil
}

type poolOptions struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Name    string
	Size    int
}

// Option configures a Pool.
type Option func(*poolOptions)

// WithName sets the pool name used in logs and metrics.
func WithName(name string) Option {
	return func(o *poolOptions) {
		o.Name = name
	}
}

// WithWorkers sets the number of concurrent workers.
func WithWorkers(n int) Option {
	return func(o *poolOptions) {
		o.Size = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *poolOptions) {
		o.Logger = l
	}
}

// WithMetrics injects the metrics registry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *poolOptions) {
		o.Metrics = m
	}
}

type task struct {
	handle Handle
	group  *Group
}

// Pool executes submitted units on a fixed number of workers.
type Pool struct {
	executor Executor
	options  *poolOptions

	baseCtx context.Context
	stop    context.CancelFunc
	quit    chan struct{}
	wg      sync.WaitGroup

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []task
	closed bool

	nextID atomic.Uint64
}

// NewPool starts the workers.
func NewPool(executor Executor, opts ...Option) *Pool {
	options := &poolOptions{
		Name:   "default-pool",
		Size:   4,
		Logger: logger.Default,
	}
	for _, opt := range opts {
		opt(options)
	}
	if options.Size <= 0 {
		options.Size = 1
	}

	ctx, stop := context.WithCancel(context.Background())
	p := &Pool{
		executor: executor,
		options:  options,
		baseCtx:  ctx,
		stop:     stop,
		quit:     make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	p.start()
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.options.Size
}

// Name returns the pool name.
func (p *Pool) Name() string {
	return p.options.Name
}

func (p *Pool) start() {
	p.options.Logger.Info("worker pool starting", "name", p.options.Name, "size", p.options.Size)
	for range p.options.Size {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.runWorker()
		}()
	}
}

func (p *Pool) runWorker() {
	for {
		t, ok := p.dequeue()
		if !ok {
			return
		}
		if t.group.isAbandoned() {
			t.group.discard()
			continue
		}
		p.execute(t)
	}
}

func (p *Pool) dequeue() (task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 && !p.closed {
		p.cond.Wait()
	}
	if p.closed {
		return task{}, false
	}
	t := p.queue[0]
	p.queue[0] = task{}
	p.queue = p.queue[1:]
	p.options.Metrics.SetQueueLength(p.options.Name, len(p.queue))
	return t, true
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool) enqueue(t task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.queue = append(p.queue, t)
	p.options.Metrics.SetQueueLength(p.options.Name, len(p.queue))
	p.cond.Signal()
	return nil
}

func (p *Pool) execute(t task) {
	unit := t.handle.Unit
	p.options.Metrics.WorkerStarted(p.options.Name)
	defer p.options.Metrics.WorkerFinished(p.options.Name)

	var (
		res models.BatchResult
		err error
		pc  panics.Catcher
	)
	pc.Try(func() {
		res, err = p.executor.Execute(t.group.ctx, unit)
	})
	if rec := pc.Recovered(); rec != nil {
		err = rec.AsError()
	}

	c := Completion{Handle: t.handle, Result: res}
	if err != nil {
		c.Err = fmt.Errorf("%w: %s: %w", ErrBatchFailure, unit, err)
		c.Result = models.BatchResult{Unit: unit}
		p.options.Logger.Debug("batch failed", "pool", p.options.Name, "batch_start", unit.StartSimID, "batch_size", unit.BatchSize, "error", err)
	}
	p.options.Metrics.BatchDone(p.options.Name, err != nil)
	// The unit holds its slot until the consumer takes it, so a group
	// whose results are not drained cannot occupy more than its limit.
	t.group.deliver(c, p.quit)
	t.group.release()
}

// Close stops accepting work, drops queued units and waits for workers
// to finish the batch they are running. It is safe to call more than once.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.queue = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	p.stop()
	close(p.quit)
	p.wg.Wait()
	p.options.Metrics.SetQueueLength(p.options.Name, 0)
	p.options.Logger.Info("worker pool stopped", "name", p.options.Name)
}

// NewGroup opens a submission group for one run. At most maxInFlight of
// its units are queued or running at once; zero or a value above the pool
// size means the pool size.
func (p *Pool) NewGroup(maxInFlight int) *Group {
	if maxInFlight <= 0 || maxInFlight > p.options.Size {
		maxInFlight = p.options.Size
	}
	ctx, cancel := context.WithCancel(p.baseCtx)
	return &Group{
		pool:      p,
		ctx:       ctx,
		cancel:    cancel,
		limit:     maxInFlight,
		done:      make(chan Completion, maxInFlight),
		abandoned: make(chan struct{}),
	}
}

// Group is the set of submissions belonging to one run. Its completion
// buffer holds at most one result per worker; workers block on a full
// buffer, so a slow consumer throttles execution instead of growing memory.
type Group struct {
	pool   *Pool
	ctx    context.Context
	cancel context.CancelFunc

	done      chan Completion
	abandoned chan struct{}
	once      sync.Once

	mu          sync.Mutex
	outstanding int
	inFlight    int
	limit       int
	backlog     []Handle
}

// Submit queues unit for execution and returns immediately.
func (g *Group) Submit(unit models.BatchUnit) (Handle, error) {
	if g.isAbandoned() {
		return Handle{}, ErrGroupAbandoned
	}
	h := Handle{ID: g.pool.nextID.Add(1), Unit: unit}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inFlight >= g.limit {
		if g.pool.isClosed() {
			return Handle{}, ErrPoolClosed
		}
		g.backlog = append(g.backlog, h)
		g.outstanding++
		return h, nil
	}
	if err := g.pool.enqueue(task{handle: h, group: g}); err != nil {
		return Handle{}, err
	}
	g.inFlight++
	g.outstanding++
	return h, nil
}

// release frees the in-flight slot of a delivered unit and queues the
// next backlogged one.
func (g *Group) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inFlight--
	if len(g.backlog) == 0 || g.isAbandoned() {
		return
	}
	h := g.backlog[0]
	g.backlog = g.backlog[1:]
	if err := g.pool.enqueue(task{handle: h, group: g}); err != nil {
		// Pool closed; NextCompleted reports it.
		return
	}
	g.inFlight++
}

// Outstanding returns the number of submissions not yet returned by NextCompleted.
func (g *Group) Outstanding() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.outstanding
}

// NextCompleted blocks until any outstanding submission finishes and
// returns it. Failed batches are returned as a Completion with Err set,
// not as an error; the error return is reserved for the group itself
// (cancelled context, closed pool, nothing outstanding).
func (g *Group) NextCompleted(ctx context.Context) (Completion, error) {
	if g.Outstanding() == 0 {
		return Completion{}, ErrNoOutstanding
	}
	select {
	case c := <-g.done:
		g.mu.Lock()
		g.outstanding--
		g.mu.Unlock()
		return c, nil
	case <-ctx.Done():
		return Completion{}, ctx.Err()
	case <-g.abandoned:
		return Completion{}, ErrGroupAbandoned
	case <-g.pool.quit:
		return Completion{}, ErrPoolClosed
	}
}

// Abandon stops the group: queued units are skipped, running units see a
// cancelled context and their results are discarded.
func (g *Group) Abandon() {
	g.once.Do(func() {
		close(g.abandoned)
		g.cancel()
	})
}

func (g *Group) isAbandoned() bool {
	select {
	case <-g.abandoned:
		return true
	default:
		return false
	}
}

func (g *Group) discard() {
	g.mu.Lock()
	g.outstanding--
	g.mu.Unlock()
}

func (g *Group) deliver(c Completion, quit <-chan struct{}) {
	select {
	case g.done <- c:
	case <-g.abandoned:
		g.discard()
	case <-quit:
	}
}
