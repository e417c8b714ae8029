package distributor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GoSim-25-26J-441/montecarlo-core/internal/pricing"
	"github.com/GoSim-25-26J-441/montecarlo-core/pkg/models"
)

func testParams() models.SimulationParameters {
	return models.SimulationParameters{
		StockValue:   100,
		Strike:       103,
		Volatility:   0.3,
		Steps:        12,
		Horizon:      1,
		OptionType:   models.OptionCall,
		RiskFreeRate: models.DefaultRiskFreeRate,
	}
}

func unit(start, size int) models.BatchUnit {
	return models.BatchUnit{StartSimID: start, BatchSize: size, Params: testParams()}
}

func nextWithTimeout(t *testing.T, g *Group) Completion {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := g.NextCompleted(ctx)
	if err != nil {
		t.Fatalf("NextCompleted error: %v", err)
	}
	return c
}

func TestPoolLocalExecutorRunsBatches(t *testing.T) {
	pool := NewPool(LocalExecutor{}, WithWorkers(2))
	defer pool.Close()

	g := pool.NewGroup(0)
	defer g.Abandon()
	for _, u := range []models.BatchUnit{unit(1, 5), unit(6, 5)} {
		if _, err := g.Submit(u); err != nil {
			t.Fatalf("Submit error: %v", err)
		}
	}

	seen := map[int]bool{}
	for g.Outstanding() > 0 {
		c := nextWithTimeout(t, g)
		if c.Failed() {
			t.Fatalf("unexpected failure: %v", c.Err)
		}
		if len(c.Result.Records) != 5*13 {
			t.Fatalf("expected %d records, got %d", 5*13, len(c.Result.Records))
		}
		seen[c.Handle.Unit.StartSimID] = true
	}
	if !seen[1] || !seen[6] {
		t.Fatalf("expected both batches, got %v", seen)
	}
}

func TestPoolReturnsCompletionOrder(t *testing.T) {
	gates := map[int]chan struct{}{1: make(chan struct{}), 6: make(chan struct{})}
	var started sync.WaitGroup
	started.Add(2)
	exec := ExecutorFunc(func(ctx context.Context, u models.BatchUnit) (models.BatchResult, error) {
		started.Done()
		<-gates[u.StartSimID]
		return models.BatchResult{Unit: u}, nil
	})

	pool := NewPool(exec, WithWorkers(2))
	defer pool.Close()
	g := pool.NewGroup(0)
	defer g.Abandon()

	if _, err := g.Submit(unit(1, 5)); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if _, err := g.Submit(unit(6, 5)); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	started.Wait()

	close(gates[6])
	if c := nextWithTimeout(t, g); c.Handle.Unit.StartSimID != 6 {
		t.Fatalf("expected second submission to complete first, got %s", c.Handle.Unit)
	}
	close(gates[1])
	if c := nextWithTimeout(t, g); c.Handle.Unit.StartSimID != 1 {
		t.Fatalf("expected first submission last, got %s", c.Handle.Unit)
	}
}

func TestPoolIsolatesFailures(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, u models.BatchUnit) (models.BatchResult, error) {
		if u.StartSimID == 6 {
			return models.BatchResult{Unit: u, Records: []models.Record{{}}}, pricing.ErrInvalidOptionType
		}
		return LocalExecutor{}.Execute(ctx, u)
	})
	pool := NewPool(exec, WithWorkers(3))
	defer pool.Close()
	g := pool.NewGroup(0)
	defer g.Abandon()

	for _, u := range []models.BatchUnit{unit(1, 5), unit(6, 5), unit(11, 5)} {
		if _, err := g.Submit(u); err != nil {
			t.Fatalf("Submit error: %v", err)
		}
	}

	failed, succeeded := 0, 0
	for g.Outstanding() > 0 {
		c := nextWithTimeout(t, g)
		if c.Failed() {
			failed++
			if !errors.Is(c.Err, ErrBatchFailure) || !errors.Is(c.Err, pricing.ErrInvalidOptionType) {
				t.Fatalf("expected wrapped batch failure, got %v", c.Err)
			}
			if len(c.Result.Records) != 0 {
				t.Fatalf("failed batch must not surface records")
			}
			continue
		}
		succeeded++
	}
	if failed != 1 || succeeded != 2 {
		t.Fatalf("expected 1 failed and 2 succeeded, got %d/%d", failed, succeeded)
	}
}

func TestPoolRecoversPanics(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, u models.BatchUnit) (models.BatchResult, error) {
		panic("boom")
	})
	pool := NewPool(exec, WithWorkers(1))
	defer pool.Close()
	g := pool.NewGroup(0)
	defer g.Abandon()

	if _, err := g.Submit(unit(1, 1)); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	c := nextWithTimeout(t, g)
	if !errors.Is(c.Err, ErrBatchFailure) {
		t.Fatalf("expected batch failure from panic, got %v", c.Err)
	}

	// The worker survives the panic.
	if _, err := g.Submit(unit(2, 1)); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if c := nextWithTimeout(t, g); !c.Failed() {
		t.Fatalf("expected second panic to be reported too")
	}
}

func TestPoolBoundsParallelism(t *testing.T) {
	var running, peak atomic.Int32
	exec := ExecutorFunc(func(ctx context.Context, u models.BatchUnit) (models.BatchResult, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return models.BatchResult{Unit: u}, nil
	})
	pool := NewPool(exec, WithWorkers(3))
	defer pool.Close()
	g := pool.NewGroup(0)
	defer g.Abandon()

	for i := 0; i < 20; i++ {
		if _, err := g.Submit(unit(i+1, 1)); err != nil {
			t.Fatalf("Submit error: %v", err)
		}
	}
	for g.Outstanding() > 0 {
		nextWithTimeout(t, g)
	}
	if p := peak.Load(); p > 3 {
		t.Fatalf("expected at most 3 concurrent batches, saw %d", p)
	}
}

func TestGroupsAreIsolated(t *testing.T) {
	pool := NewPool(LocalExecutor{}, WithWorkers(2))
	defer pool.Close()

	a, b := pool.NewGroup(0), pool.NewGroup(0)
	defer a.Abandon()
	defer b.Abandon()
	if _, err := a.Submit(unit(1, 2)); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if _, err := b.Submit(unit(100, 2)); err != nil {
		t.Fatalf("Submit error: %v", err)
	}

	if c := nextWithTimeout(t, a); c.Handle.Unit.StartSimID != 1 {
		t.Fatalf("group a received foreign completion %s", c.Handle.Unit)
	}
	if c := nextWithTimeout(t, b); c.Handle.Unit.StartSimID != 100 {
		t.Fatalf("group b received foreign completion %s", c.Handle.Unit)
	}
}

func TestNextCompletedWithNothingOutstanding(t *testing.T) {
	pool := NewPool(LocalExecutor{}, WithWorkers(1))
	defer pool.Close()
	g := pool.NewGroup(0)
	if _, err := g.NextCompleted(context.Background()); !errors.Is(err, ErrNoOutstanding) {
		t.Fatalf("expected ErrNoOutstanding, got %v", err)
	}
}

func TestNextCompletedHonorsContext(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	exec := ExecutorFunc(func(ctx context.Context, u models.BatchUnit) (models.BatchResult, error) {
		<-block
		return models.BatchResult{Unit: u}, nil
	})
	pool := NewPool(exec, WithWorkers(1))
	g := pool.NewGroup(0)
	if _, err := g.Submit(unit(1, 1)); err != nil {
		t.Fatalf("Submit error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := g.NextCompleted(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	g.Abandon()
	go pool.Close()
}

func TestAbandonSkipsQueuedWork(t *testing.T) {
	var executed atomic.Int32
	release := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, u models.BatchUnit) (models.BatchResult, error) {
		executed.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
			return models.BatchResult{Unit: u}, ctx.Err()
		}
		return models.BatchResult{Unit: u}, nil
	})
	pool := NewPool(exec, WithWorkers(1))
	defer pool.Close()
	g := pool.NewGroup(0)

	for i := 1; i <= 5; i++ {
		if _, err := g.Submit(unit(i, 1)); err != nil {
			t.Fatalf("Submit error: %v", err)
		}
	}
	// Wait until the first unit is running.
	deadline := time.Now().Add(2 * time.Second)
	for executed.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	g.Abandon()
	if _, err := g.NextCompleted(context.Background()); !errors.Is(err, ErrGroupAbandoned) {
		t.Fatalf("expected ErrGroupAbandoned, got %v", err)
	}
	if _, err := g.Submit(unit(9, 1)); !errors.Is(err, ErrGroupAbandoned) {
		t.Fatalf("expected submit on abandoned group to fail, got %v", err)
	}

	// Another group still gets served once the abandoned work drains.
	close(release)
	other := pool.NewGroup(0)
	defer other.Abandon()
	if _, err := other.Submit(unit(50, 1)); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if c := nextWithTimeout(t, other); c.Handle.Unit.StartSimID != 50 {
		t.Fatalf("unexpected completion %s", c.Handle.Unit)
	}
	if n := executed.Load(); n != 2 {
		t.Fatalf("expected abandoned queued units to be skipped (2 executions), got %d", n)
	}
}

func TestPoolCloseIsIdempotent(t *testing.T) {
	pool := NewPool(LocalExecutor{}, WithWorkers(2), WithName("close-test"))
	if pool.Size() != 2 || pool.Name() != "close-test" {
		t.Fatalf("unexpected pool options")
	}
	pool.Close()
	pool.Close()

	g := pool.NewGroup(0)
	if _, err := g.Submit(unit(1, 1)); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
	if g.Outstanding() != 0 {
		t.Fatalf("rejected submission must not count as outstanding")
	}
}

func TestGroupCapsInFlightUnits(t *testing.T) {
	var running, peak atomic.Int32
	exec := ExecutorFunc(func(ctx context.Context, u models.BatchUnit) (models.BatchResult, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(3 * time.Millisecond)
		running.Add(-1)
		return models.BatchResult{Unit: u}, nil
	})
	pool := NewPool(exec, WithWorkers(4))
	defer pool.Close()
	g := pool.NewGroup(2)
	defer g.Abandon()

	for i := 0; i < 12; i++ {
		if _, err := g.Submit(unit(i+1, 1)); err != nil {
			t.Fatalf("Submit error: %v", err)
		}
	}
	completed := 0
	for g.Outstanding() > 0 {
		nextWithTimeout(t, g)
		completed++
	}
	if completed != 12 {
		t.Fatalf("expected 12 completions, got %d", completed)
	}
	if p := peak.Load(); p > 2 {
		t.Fatalf("expected at most 2 concurrent batches for the group, saw %d", p)
	}
}

func TestUndrainedGroupDoesNotStarveOthers(t *testing.T) {
	var startedA atomic.Int32
	exec := ExecutorFunc(func(ctx context.Context, u models.BatchUnit) (models.BatchResult, error) {
		if u.StartSimID < 100 {
			startedA.Add(1)
		}
		return models.BatchResult{Unit: u}, nil
	})
	pool := NewPool(exec, WithWorkers(4))
	defer pool.Close()

	// a is never drained, as with a subscriber that stopped reading.
	a := pool.NewGroup(1)
	defer a.Abandon()
	for i := 0; i < 10; i++ {
		if _, err := a.Submit(unit(i+1, 1)); err != nil {
			t.Fatalf("Submit error: %v", err)
		}
	}

	b := pool.NewGroup(1)
	defer b.Abandon()
	if _, err := b.Submit(unit(100, 1)); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := b.NextCompleted(ctx)
	if err != nil {
		t.Fatalf("group b starved by an undrained group: %v", err)
	}
	if c.Handle.Unit.StartSimID != 100 {
		t.Fatalf("group b received foreign completion %s", c.Handle.Unit)
	}

	// One buffered result plus one unit waiting to deliver it.
	if n := startedA.Load(); n > 2 {
		t.Fatalf("expected at most 2 units of the undrained group to run, got %d", n)
	}
}
