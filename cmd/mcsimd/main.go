package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/GoSim-25-26J-441/montecarlo-core/internal/aggregator"
	"github.com/GoSim-25-26J-441/montecarlo-core/internal/distributor"
	"github.com/GoSim-25-26J-441/montecarlo-core/internal/metrics"
	"github.com/GoSim-25-26J-441/montecarlo-core/internal/simd"
	"github.com/GoSim-25-26J-441/montecarlo-core/internal/store"
	"github.com/GoSim-25-26J-441/montecarlo-core/internal/ticker"
	"github.com/GoSim-25-26J-441/montecarlo-core/pkg/config"
	"github.com/GoSim-25-26J-441/montecarlo-core/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var (
		configPath string
		mode       string
		grpcAddr   string
		httpAddr   string
		logLevel   string
		logFormat  string
	)

	flag.StringVar(&configPath, "config", "", "path to config YAML (defaults are used when empty)")
	flag.StringVar(&mode, "mode", "server", "server or worker")
	flag.StringVar(&grpcAddr, "grpc-addr", "", "gRPC listen address (overrides config)")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP listen address (overrides config)")
	flag.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flag.StringVar(&logFormat, "log-format", "json", "log format (json, text)")
	flag.Parse()

	if err := config.LoadEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if grpcAddr != "" {
		cfg.Server.GRPCAddr = grpcAddr
	}
	if httpAddr != "" {
		cfg.Server.HTTPAddr = httpAddr
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	logger.SetDefault(logger.NewFormat(logFormat, cfg.LogLevel, os.Stdout))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch mode {
	case "server":
		err = runServer(ctx, cfg)
	case "worker":
		err = runWorker(ctx, cfg)
	default:
		err = fmt.Errorf("unknown mode %q", mode)
	}
	if err != nil {
		logger.Error("exiting", "mode", mode, "error", err)
		os.Exit(1)
	}
}

// runWorker serves batch execution for a remote pool.
func runWorker(ctx context.Context, cfg *config.Config) error {
	grpcServer := grpc.NewServer(distributor.WorkerServerOptions()...)
	distributor.RegisterWorkerServer(grpcServer, distributor.NewWorkerServer(distributor.LocalExecutor{}))
	healthSrv := registerHealth(grpcServer, distributor.BatchWorkerServiceDesc.ServiceName)
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen for gRPC on %s: %w", cfg.Server.GRPCAddr, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("batch worker listening", "addr", cfg.Server.GRPCAddr)
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown requested")
		healthSrv.Shutdown()
		grpcServer.GracefulStop()
		return nil
	})
	return ignoreServerClosed(g.Wait())
}

func runServer(ctx context.Context, cfg *config.Config) error {
	m := metrics.New()

	executor, closeExecutor, err := newBatchExecutor(cfg.Pool)
	if err != nil {
		return err
	}
	defer closeExecutor()

	pool := distributor.NewPool(executor,
		distributor.WithName("montecarlo"),
		distributor.WithWorkers(cfg.Pool.Workers),
		distributor.WithMetrics(m),
	)
	defer pool.Close()

	results, closeStore, err := newResultStore(cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	agg := aggregator.New(pool, results,
		aggregator.WithMetrics(m),
		aggregator.WithRiskFreeRate(cfg.Simulation.RiskFreeRate),
	)

	runs := simd.NewRunStore()
	runExecutor := simd.NewRunExecutor(runs, agg,
		simd.WithDefaults(simd.RequestDefaults{
			BatchSize: cfg.Simulation.DefaultBatchSize,
			Workers:   cfg.Simulation.DefaultWorkers,
			Steps:     cfg.Simulation.DefaultSteps,
		}),
		simd.WithLimits(simd.Limits{
			MaxSimulations: cfg.Simulation.MaxSimulations,
			MaxSteps:       cfg.Simulation.MaxSteps,
			MaxBatchPoints: cfg.Simulation.MaxBatchPoints,
		}),
	)

	timeout, err := cfg.Ticker.GetTimeout()
	if err != nil {
		return fmt.Errorf("ticker timeout: %w", err)
	}
	tickerClient := ticker.NewClient(ticker.Config{
		BaseURL:           cfg.Ticker.BaseURL,
		APIKey:            cfg.Ticker.APIKey,
		RequestsPerMinute: cfg.Ticker.RequestsPerMinute,
		Timeout:           timeout,
	}, ticker.WithMetrics(m))
	if cfg.Ticker.APIKey == "" {
		logger.Warn("stock search disabled until an API key is set", "env", config.TickerAPIKeyEnv)
	}

	// TODO: Configure gRPC server security (e.g., TLS, authentication)
	// before using this service in a production environment.
	grpcServer := grpc.NewServer()
	simd.RegisterSimulationServiceServer(grpcServer, simd.NewSimulationGRPCServer(runs, runExecutor))
	healthSrv := registerHealth(grpcServer, simd.SimulationServiceName)
	reflection.Register(grpcServer)

	grpcLis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen for gRPC on %s: %w", cfg.Server.GRPCAddr, err)
	}

	httpSrv := &http.Server{
		Addr: cfg.Server.HTTPAddr,
		Handler: simd.NewHTTPServer(runs, runExecutor, results,
			simd.WithTicker(tickerClient),
			simd.WithMetrics(m),
		).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		// No WriteTimeout: streamed runs outlive any fixed deadline.
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("gRPC server listening", "addr", cfg.Server.GRPCAddr)
		return grpcServer.Serve(grpcLis)
	})
	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", cfg.Server.HTTPAddr)
		return httpSrv.ListenAndServe()
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown requested")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		healthSrv.Shutdown()
		if err := runExecutor.Shutdown(shutdownCtx); err != nil {
			logger.Warn("runs still active at shutdown", "error", err)
		}
		grpcServer.GracefulStop()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP shutdown error", "error", err)
		}
		return nil
	})
	return ignoreServerClosed(g.Wait())
}

func registerHealth(s *grpc.Server, service string) *health.Server {
	hs := health.NewServer()
	hs.SetServingStatus(service, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	return hs
}

func newBatchExecutor(cfg config.Pool) (distributor.Executor, func(), error) {
	if cfg.Executor != config.ExecutorRemote {
		return distributor.LocalExecutor{}, func() {}, nil
	}

	conns, err := distributor.DialWorkers(cfg.RemoteAddrs)
	if err != nil {
		return nil, nil, err
	}
	closeAll := func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}
	ifaces := make([]grpc.ClientConnInterface, 0, len(conns))
	for _, c := range conns {
		ifaces = append(ifaces, c)
	}
	remote, err := distributor.NewRemoteExecutor(ifaces...)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	logger.Info("using remote batch workers", "workers", cfg.RemoteAddrs)
	return remote, closeAll, nil
}

func newResultStore(cfg config.Store) (store.ResultStore, func(), error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return store.NewMemoryStore(), func() {}, nil
	case config.BackendSQLite:
		s, err := store.NewSQLStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, func() {
			if err := s.Close(); err != nil {
				logger.Error("close sqlite store", "error", err)
			}
		}, nil
	default:
		s, err := store.NewFileStore(cfg.Dir)
		if err != nil {
			return nil, nil, fmt.Errorf("open file store: %w", err)
		}
		return s, func() {}, nil
	}
}

func ignoreServerClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) || errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}
