//go:build integration
// +build integration

package integration_test

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"

	"github.com/GoSim-25-26J-441/montecarlo-core/internal/aggregator"
	"github.com/GoSim-25-26J-441/montecarlo-core/internal/distributor"
	"github.com/GoSim-25-26J-441/montecarlo-core/internal/metrics"
	"github.com/GoSim-25-26J-441/montecarlo-core/internal/simd"
	"github.com/GoSim-25-26J-441/montecarlo-core/internal/store"
	"github.com/GoSim-25-26J-441/montecarlo-core/pkg/config"
	"github.com/GoSim-25-26J-441/montecarlo-core/pkg/logger"
)

func TestIntegration_ConfigLoadSmoke(t *testing.T) {
	cfgPath := filepath.Join("..", "..", "config", "config.yaml")
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		t.Fatalf("LoadConfig(%s) failed: %v", cfgPath, err)
	}
	if cfg.Pool.Workers <= 0 {
		t.Fatalf("expected a positive pool size, got %d", cfg.Pool.Workers)
	}
}

// startWorkers serves n batch workers on loopback and returns their addresses.
func startWorkers(t *testing.T, n int) []string {
	t.Helper()
	addrs := make([]string, 0, n)
	for range n {
		lis, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
		srv := grpc.NewServer(distributor.WorkerServerOptions()...)
		distributor.RegisterWorkerServer(srv, distributor.NewWorkerServer(distributor.LocalExecutor{}))
		go func() {
			_ = srv.Serve(lis)
		}()
		t.Cleanup(srv.Stop)
		addrs = append(addrs, lis.Addr().String())
	}
	return addrs
}

func TestIntegration_RemoteWorkersStreamAndPersist(t *testing.T) {
	conns, err := distributor.DialWorkers(startWorkers(t, 2))
	if err != nil {
		t.Fatalf("DialWorkers: %v", err)
	}
	ifaces := make([]grpc.ClientConnInterface, 0, len(conns))
	for _, c := range conns {
		t.Cleanup(func() { _ = c.Close() })
		ifaces = append(ifaces, c)
	}
	remote, err := distributor.NewRemoteExecutor(ifaces...)
	if err != nil {
		t.Fatalf("NewRemoteExecutor: %v", err)
	}

	m := metrics.New()
	pool := distributor.NewPool(remote, distributor.WithWorkers(3), distributor.WithMetrics(m), distributor.WithLogger(logger.Discard))
	t.Cleanup(pool.Close)

	dir := t.TempDir()
	results, err := store.NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	agg := aggregator.New(pool, results, aggregator.WithMetrics(m), aggregator.WithLogger(logger.Discard))
	runs := simd.NewRunStore()
	executor := simd.NewRunExecutor(runs, agg, simd.WithDefaults(simd.RequestDefaults{BatchSize: 5, Workers: 3, Steps: 10}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = executor.Shutdown(ctx)
	})

	ts := httptest.NewServer(simd.NewHTTPServer(runs, executor, results, simd.WithMetrics(m)).Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/simulate/stream?stock_value=100&strike=105&volatility=0.25&horizon=1&simulation_count=20&option_type=call")
	if err != nil {
		t.Fatalf("GET simulate stream: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	if n := strings.Count(string(body), "event: path\n"); n != 200 {
		t.Fatalf("expected 200 path events, got %d", n)
	}
	if !strings.Contains(string(body), "event: summary\n") {
		t.Fatalf("expected summary event")
	}

	// Without a run id the results land under the worker-count key.
	if _, err := os.Stat(filepath.Join(dir, "results_workers_3.json")); err != nil {
		t.Fatalf("expected results file for workers_3: %v", err)
	}

	resp, err = http.Get(ts.URL + "/v1/results/workers_3?limit=5")
	if err != nil {
		t.Fatalf("GET results: %v", err)
	}
	defer resp.Body.Close()
	var out struct {
		TotalSimulations int               `json:"total_simulations"`
		Simulations      []json.RawMessage `json:"simulations"`
		Summary          struct {
			SucceededSimulations int `json:"succeeded_simulations"`
		} `json:"summary"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode results: %v", err)
	}
	if out.TotalSimulations != 20 || len(out.Simulations) != 5 {
		t.Fatalf("expected 20 stored simulations and 5 returned, got %d and %d", out.TotalSimulations, len(out.Simulations))
	}
	if out.Summary.SucceededSimulations != 20 {
		t.Fatalf("expected 20 succeeded simulations, got %d", out.Summary.SucceededSimulations)
	}

	metricsResp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	defer metricsResp.Body.Close()
	text, _ := io.ReadAll(metricsResp.Body)
	if !strings.Contains(string(text), `mc_runs_total{status="completed"} 1`) {
		t.Fatalf("expected one completed run in metrics")
	}
}
