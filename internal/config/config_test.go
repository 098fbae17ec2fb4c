package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.RunnerID != "default" {
		t.Errorf("Expected runner id %q, got %q", "default", cfg.RunnerID)
	}
	if cfg.Slots != 1 {
		t.Errorf("Expected 1 slot, got %d", cfg.Slots)
	}
	if cfg.LeaseTTL != time.Minute {
		t.Errorf("Expected 60s lease, got %v", cfg.LeaseTTL)
	}
	if cfg.MaxAttempts != 3 {
		t.Errorf("Expected 3 max attempts, got %d", cfg.MaxAttempts)
	}
	if cfg.JobTimeout != 0 {
		t.Errorf("Expected no job timeout by default, got %v", cfg.JobTimeout)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("MODELQ_RUNNER", "batch-7")
	t.Setenv("MODELQ_SLOTS", "4")
	t.Setenv("MODELQ_LEASE_TTL", "90s")
	t.Setenv("MODELQ_COMMAND", "python train.py {}")

	cfg := Load()
	if cfg.RunnerID != "batch-7" {
		t.Errorf("Expected runner id %q, got %q", "batch-7", cfg.RunnerID)
	}
	if cfg.Slots != 4 {
		t.Errorf("Expected 4 slots, got %d", cfg.Slots)
	}
	if cfg.LeaseTTL != 90*time.Second {
		t.Errorf("Expected 90s lease, got %v", cfg.LeaseTTL)
	}
	if cfg.Command != "python train.py {}" {
		t.Errorf("Unexpected command %q", cfg.Command)
	}
}
