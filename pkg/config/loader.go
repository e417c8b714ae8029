package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// TickerAPIKeyEnv is the environment variable holding the ticker API key.
const TickerAPIKeyEnv = "POLYGON_API_KEY"

// LoadConfig loads and parses a configuration file. An empty path yields
// the defaults. Secrets are read from the environment afterwards.
func LoadConfig(path string) (*Config, error) {
	var cfg *Config
	if path == "" {
		cfg = Default()
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		cfg, err = ParseConfigYAML(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	cfg.Ticker.APIKey = os.Getenv(TickerAPIKeyEnv)
	return cfg, nil
}

// LoadEnv loads variables from the given .env files into the process
// environment without overriding variables already set. Missing files
// are ignored; with no arguments ".env" is tried.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load env file %s: %w", f, err)
		}
	}
	return nil
}

// validateConfig performs validation on the configuration
func validateConfig(cfg *Config) error {
	// Validate log level
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("invalid log_level: %s (must be debug, info, warn, or error)", cfg.LogLevel)
	}

	if err := validateSimulation(&cfg.Simulation); err != nil {
		return fmt.Errorf("simulation validation failed: %w", err)
	}
	if err := validatePool(&cfg.Pool); err != nil {
		return fmt.Errorf("pool validation failed: %w", err)
	}
	if err := validateStore(&cfg.Store); err != nil {
		return fmt.Errorf("store validation failed: %w", err)
	}
	if err := validateTicker(&cfg.Ticker); err != nil {
		return fmt.Errorf("ticker validation failed: %w", err)
	}
	return nil
}

// validateSimulation validates run defaults and limits
func validateSimulation(s *Simulation) error {
	if s.RiskFreeRate < 0 {
		return fmt.Errorf("risk_free_rate cannot be negative, got %f", s.RiskFreeRate)
	}
	if s.DefaultBatchSize < 0 {
		return fmt.Errorf("default_batch_size cannot be negative, got %d", s.DefaultBatchSize)
	}
	if s.DefaultWorkers < 0 {
		return fmt.Errorf("default_workers cannot be negative, got %d", s.DefaultWorkers)
	}
	if s.MaxSimulations < 0 {
		return fmt.Errorf("max_simulations cannot be negative, got %d", s.MaxSimulations)
	}
	if s.MaxSteps < 0 {
		return fmt.Errorf("max_steps cannot be negative, got %d", s.MaxSteps)
	}
	if s.DefaultSteps > s.MaxSteps {
		return fmt.Errorf("default_steps %d exceeds max_steps %d", s.DefaultSteps, s.MaxSteps)
	}
	if s.MaxBatchPoints < 0 {
		return fmt.Errorf("max_batch_points cannot be negative, got %d", s.MaxBatchPoints)
	}
	if points := s.DefaultBatchSize * (s.DefaultSteps + 1); s.MaxBatchPoints > 0 && points > s.MaxBatchPoints {
		return fmt.Errorf("default batch of %d points exceeds max_batch_points %d", points, s.MaxBatchPoints)
	}
	return nil
}

// validatePool validates the worker pool configuration
func validatePool(p *Pool) error {
	if p.Workers < 0 {
		return fmt.Errorf("workers cannot be negative, got %d", p.Workers)
	}
	switch p.Executor {
	case ExecutorLocal:
	case ExecutorRemote:
		if len(p.RemoteAddrs) == 0 {
			return fmt.Errorf("remote executor needs at least one remote_addrs entry")
		}
		for i, addr := range p.RemoteAddrs {
			if addr == "" {
				return fmt.Errorf("remote_addrs[%d] cannot be empty", i)
			}
		}
	default:
		return fmt.Errorf("invalid executor: %s (must be local or remote)", p.Executor)
	}
	return nil
}

// validateStore validates the result store configuration
func validateStore(s *Store) error {
	validBackends := map[string]bool{
		BackendFile:   true,
		BackendSQLite: true,
		BackendMemory: true,
	}
	if !validBackends[s.Backend] {
		return fmt.Errorf("invalid backend: %s (must be file, sqlite, or memory)", s.Backend)
	}
	return nil
}

// validateTicker validates the ticker client configuration
func validateTicker(t *Ticker) error {
	if t.RequestsPerMinute < 0 {
		return fmt.Errorf("requests_per_minute cannot be negative, got %d", t.RequestsPerMinute)
	}
	d, err := t.GetTimeout()
	if err != nil {
		return fmt.Errorf("invalid timeout %s: %w", t.Timeout, err)
	}
	if d < 0 {
		return fmt.Errorf("timeout cannot be negative, got %s", t.Timeout)
	}
	return nil
}
