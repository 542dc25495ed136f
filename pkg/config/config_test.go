package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Telemetry.DebounceWindow != 400*time.Millisecond {
		t.Errorf("expected 400ms debounce, got %v", cfg.Telemetry.DebounceWindow)
	}
	if cfg.Telemetry.MinViewDuration != time.Second {
		t.Errorf("expected 1s min view duration, got %v", cfg.Telemetry.MinViewDuration)
	}
	if cfg.Batch.Size != 50 || cfg.Batch.FlushInterval != 10*time.Second {
		t.Errorf("unexpected batch defaults: %+v", cfg.Batch)
	}
	if cfg.Kafka.Topics.ContentGaps != "content-gaps" {
		t.Errorf("unexpected gap topic %q", cfg.Kafka.Topics.ContentGaps)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
server:
  port: 9999
postgres:
  host: db.internal
telemetry:
  failedResultThreshold: 5
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Server.Port)
	}
	if cfg.Postgres.Host != "db.internal" {
		t.Errorf("expected host db.internal, got %q", cfg.Postgres.Host)
	}
	if cfg.Telemetry.FailedResultThreshold != 5 {
		t.Errorf("expected threshold 5, got %d", cfg.Telemetry.FailedResultThreshold)
	}
	// Untouched fields keep their defaults.
	if cfg.Postgres.Port != 5432 {
		t.Errorf("expected default postgres port, got %d", cfg.Postgres.Port)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CT_SERVER_PORT", "7070")
	t.Setenv("CT_POSTGRES_HOST", "pg.override")
	t.Setenv("CT_SERVER_ADMIN_TOKEN", "sekrit")
	t.Setenv("CT_CLIENT_COLLECTOR_URL", "https://collect.example.com")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("expected port override 7070, got %d", cfg.Server.Port)
	}
	if cfg.Postgres.Host != "pg.override" {
		t.Errorf("expected host override, got %q", cfg.Postgres.Host)
	}
	if cfg.Server.AdminToken != "sekrit" {
		t.Errorf("admin token override not applied")
	}
	if cfg.Client.CollectorURL != "https://collect.example.com" {
		t.Errorf("collector url override not applied")
	}
}
