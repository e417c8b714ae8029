package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadConfig(t *testing.T) {
	// Test loading the shipped config file
	cfg, err := LoadConfig("../../config/config.yaml")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("Expected log_level 'info', got '%s'", cfg.LogLevel)
	}
	if cfg.Server.HTTPAddr != ":8080" || cfg.Server.GRPCAddr != ":50051" {
		t.Errorf("Unexpected server addresses %+v", cfg.Server)
	}
	if cfg.Simulation.RiskFreeRate != 0.02 {
		t.Errorf("Expected risk_free_rate 0.02, got %f", cfg.Simulation.RiskFreeRate)
	}
	if cfg.Simulation.DefaultSteps != 252 {
		t.Errorf("Expected default_steps 252, got %d", cfg.Simulation.DefaultSteps)
	}
	if cfg.Simulation.MaxBatchPoints != 1000000 {
		t.Errorf("Expected max_batch_points 1000000, got %d", cfg.Simulation.MaxBatchPoints)
	}
	if cfg.Pool.Workers != 8 || cfg.Pool.Executor != ExecutorLocal {
		t.Errorf("Unexpected pool config %+v", cfg.Pool)
	}
	if cfg.Store.Backend != BackendFile || cfg.Store.Dir != "simulation_results" {
		t.Errorf("Unexpected store config %+v", cfg.Store)
	}

	timeout, err := cfg.Ticker.GetTimeout()
	if err != nil {
		t.Errorf("Failed to parse timeout: %v", err)
	}
	if timeout.Seconds() != 10 {
		t.Errorf("Expected 10s timeout, got %v", timeout)
	}
}

func TestLoadConfigEmptyPathUsesDefaults(t *testing.T) {
	t.Setenv(TickerAPIKeyEnv, "from-env")
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Pool.Workers != 4 || cfg.Store.Backend != BackendFile {
		t.Errorf("Expected defaults, got %+v", cfg)
	}
	if cfg.Ticker.APIKey != "from-env" {
		t.Errorf("Expected API key from environment, got %q", cfg.Ticker.APIKey)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("Expected error for missing file")
	}
}

func TestLoadConfigInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("log_level: chatty\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "log_level") {
		t.Fatalf("Expected log_level error, got %v", err)
	}
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("MC_TEST_FROM_DOTENV=loaded\nMC_TEST_PRESET=dotenv\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("MC_TEST_PRESET", "process")
	t.Cleanup(func() { os.Unsetenv("MC_TEST_FROM_DOTENV") })

	if err := LoadEnv(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadEnv error: %v", err)
	}
	if got := os.Getenv("MC_TEST_FROM_DOTENV"); got != "loaded" {
		t.Errorf("Expected value from .env, got %q", got)
	}
	if got := os.Getenv("MC_TEST_PRESET"); got != "process" {
		t.Errorf("Existing variables must win, got %q", got)
	}
}
