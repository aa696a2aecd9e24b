package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BatchMaxSize != 100 {
		t.Errorf("expected batch_max_size default 100, got %d", cfg.BatchMaxSize)
	}
	if cfg.JobMaxAttempts != 3 {
		t.Errorf("expected job_max_attempts default 3, got %d", cfg.JobMaxAttempts)
	}
	if cfg.MaxHistoryEntries != 100000 {
		t.Errorf("expected max_history_entries default 100000, got %d", cfg.MaxHistoryEntries)
	}
	if !cfg.DuplicateEnabled {
		t.Error("expected duplicate_enabled default true")
	}
	if cfg.LatestKeyTTLSeconds != 604800 {
		t.Errorf("expected latest_key_ttl_s default 604800, got %d", cfg.LatestKeyTTLSeconds)
	}
}
