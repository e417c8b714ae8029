package config

import "time"

// Config represents the service configuration
type Config struct {
	LogLevel   string     `yaml:"log_level"`
	Server     Server     `yaml:"server"`
	Simulation Simulation `yaml:"simulation"`
	Pool       Pool       `yaml:"pool"`
	Store      Store      `yaml:"store"`
	Ticker     Ticker     `yaml:"ticker"`
}

// Server holds listen addresses
type Server struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
}

// Simulation holds run defaults and limits
type Simulation struct {
	RiskFreeRate     float64 `yaml:"risk_free_rate"`
	DefaultBatchSize int     `yaml:"default_batch_size"`
	DefaultWorkers   int     `yaml:"default_workers"`
	DefaultSteps     int     `yaml:"default_steps"`
	MaxSimulations   int     `yaml:"max_simulations"`
	MaxSteps         int     `yaml:"max_steps"`
	MaxBatchPoints   int     `yaml:"max_batch_points"`
}

// Pool configures the shared worker pool
type Pool struct {
	Workers     int      `yaml:"workers"`
	Executor    string   `yaml:"executor"` // local or remote
	RemoteAddrs []string `yaml:"remote_addrs,omitempty"`
}

// Store selects the result store backend
type Store struct {
	Backend    string `yaml:"backend"` // file, sqlite or memory
	Dir        string `yaml:"dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Ticker configures the reference data client
type Ticker struct {
	BaseURL           string `yaml:"base_url"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	Timeout           string `yaml:"timeout"` // e.g., "10s"
	APIKey            string `yaml:"-"`
}

const (
	ExecutorLocal  = "local"
	ExecutorRemote = "remote"

	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// GetTimeout parses the timeout string to time.Duration
func (t *Ticker) GetTimeout() (time.Duration, error) {
	if t.Timeout == "" {
		return 0, nil
	}
	return time.ParseDuration(t.Timeout)
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Server.HTTPAddr == "" {
		cfg.Server.HTTPAddr = ":8080"
	}
	if cfg.Server.GRPCAddr == "" {
		cfg.Server.GRPCAddr = ":50051"
	}
	if cfg.Simulation.RiskFreeRate == 0 {
		cfg.Simulation.RiskFreeRate = 0.02
	}
	if cfg.Simulation.DefaultBatchSize == 0 {
		cfg.Simulation.DefaultBatchSize = 10
	}
	if cfg.Simulation.DefaultWorkers == 0 {
		cfg.Simulation.DefaultWorkers = 4
	}
	if cfg.Simulation.DefaultSteps == 0 {
		cfg.Simulation.DefaultSteps = 252
	}
	if cfg.Simulation.MaxSimulations == 0 {
		cfg.Simulation.MaxSimulations = 100000
	}
	if cfg.Simulation.MaxSteps == 0 {
		cfg.Simulation.MaxSteps = 5040
	}
	if cfg.Simulation.MaxBatchPoints == 0 {
		cfg.Simulation.MaxBatchPoints = 1000000
	}
	if cfg.Pool.Workers == 0 {
		cfg.Pool.Workers = 4
	}
	if cfg.Pool.Executor == "" {
		cfg.Pool.Executor = ExecutorLocal
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = BackendFile
	}
	if cfg.Store.Dir == "" {
		cfg.Store.Dir = "simulation_results"
	}
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = "simulation_results/results.db"
	}
	if cfg.Ticker.BaseURL == "" {
		cfg.Ticker.BaseURL = "https://api.polygon.io"
	}
	if cfg.Ticker.RequestsPerMinute == 0 {
		cfg.Ticker.RequestsPerMinute = 5
	}
	if cfg.Ticker.Timeout == "" {
		cfg.Ticker.Timeout = "10s"
	}
}
