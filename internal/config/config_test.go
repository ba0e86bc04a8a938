package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	// TEST_INT_MISSING is not set.
	v, err := envInt("TEST_INT_MISSING", 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-integer value, got nil")
	}
	if got := err.Error(); got != `TEST_INT_BAD="abc" is not a valid integer` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvBoolValid(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	v, err := envBool("TEST_BOOL", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v {
		t.Fatal("expected true")
	}
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	if err == nil {
		t.Fatal("expected error for non-boolean value, got nil")
	}
	if got := err.Error(); got != `TEST_BOOL_BAD="maybe" is not a valid boolean` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	v, err := envDuration("TEST_DUR", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Seconds() != 5 {
		t.Fatalf("expected 5s, got %s", v)
	}
}

func TestEnvDurationInvalid(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err := envDuration("TEST_DUR_BAD", 0)
	if err == nil {
		t.Fatal("expected error for invalid duration, got nil")
	}
	if got := err.Error(); got != `TEST_DUR_BAD="five-seconds" is not a valid duration` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvFloatInvalid(t *testing.T) {
	t.Setenv("TEST_FLOAT_BAD", "fast")
	_, err := envFloat("TEST_FLOAT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-numeric value, got nil")
	}
	if got := err.Error(); got != `TEST_FLOAT_BAD="fast" is not a valid number` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvList(t *testing.T) {
	t.Setenv("TEST_LIST", " cfo, cto ,,cmo ")
	got := envList("TEST_LIST", nil)
	if strings.Join(got, "|") != "cfo|cto|cmo" {
		t.Fatalf("unexpected list: %q", got)
	}
	if def := envList("TEST_LIST_MISSING", []string{"x"}); len(def) != 1 || def[0] != "x" {
		t.Fatalf("expected fallback, got %q", def)
	}
}

func TestLoadFailsOnInvalidPort(t *testing.T) {
	t.Setenv("GOVERNOR_PORT", "abc")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with invalid GOVERNOR_PORT")
	}
	if got := err.Error(); !strings.Contains(got, "GOVERNOR_PORT") || !strings.Contains(got, "abc") {
		t.Fatalf("error should mention GOVERNOR_PORT and value 'abc', got: %s", got)
	}
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("GOVERNOR_PORT", "abc")
	t.Setenv("GOVERNOR_SWEEP_INTERVAL", "hourly")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with multiple invalid vars")
	}
	got := err.Error()
	if !strings.Contains(got, "GOVERNOR_PORT") {
		t.Fatalf("error should mention GOVERNOR_PORT, got: %s", got)
	}
	if !strings.Contains(got, "GOVERNOR_SWEEP_INTERVAL") {
		t.Fatalf("error should mention GOVERNOR_SWEEP_INTERVAL, got: %s", got)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.ApprovalMode != ModeAutonomous {
		t.Fatalf("expected default approval mode autonomous, got %q", cfg.ApprovalMode)
	}
	if cfg.DetectorMinSample != 5 || cfg.DetectorLookbackTasks != 50 || cfg.DetectorLookbackDays != 30 {
		t.Fatalf("unexpected detector defaults: %+v", cfg)
	}
}

func TestValidateRejectsUnknownMode(t *testing.T) {
	cfg := Defaults()
	cfg.ApprovalMode = "yolo"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "yolo") {
		t.Fatalf("expected approval mode error, got %v", err)
	}
}

func TestValidatePostgresNeedsURL(t *testing.T) {
	cfg := Defaults()
	cfg.DatabaseURL = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing DATABASE_URL")
	}
	cfg.StoreDriver = DriverSQLite
	if err := cfg.Validate(); err != nil {
		t.Fatalf("sqlite store should not need DATABASE_URL: %v", err)
	}
}

func TestLoadAppliesConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "governor.yaml")
	body := `
approval:
  mode: trust
detector:
  min_sample: 8
scheduler:
  sweep_interval: 15m
store:
  driver: sqlite
  sqlite_path: /tmp/gov.db
agents:
  - role: cfo
    display_name: Chief Financial Officer
    base_knowledge: You own the books.
    standard_knowledge: |
      ## Expense Reports
      Attach receipts.
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GOVERNOR_CONFIG_FILE", path)
	t.Setenv("GOVERNOR_DETECTOR_MIN_SAMPLE", "6")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ApprovalMode != ModeTrust {
		t.Fatalf("expected trust mode from file, got %q", cfg.ApprovalMode)
	}
	if cfg.SweepInterval != 15*time.Minute {
		t.Fatalf("expected 15m sweep interval, got %s", cfg.SweepInterval)
	}
	if cfg.DetectorMinSample != 6 {
		t.Fatalf("env should override file, got %d", cfg.DetectorMinSample)
	}
	if cfg.StoreDriver != DriverSQLite || cfg.SQLitePath != "/tmp/gov.db" {
		t.Fatalf("unexpected store settings: %q %q", cfg.StoreDriver, cfg.SQLitePath)
	}

	defs := cfg.AgentDefinitions()
	if len(defs) != len(cfg.DefaultRoles) {
		t.Fatalf("expected cfo defined once plus remaining defaults, got %d", len(defs))
	}
	if defs[0].Role != "cfo" || defs[0].DisplayName != "Chief Financial Officer" {
		t.Fatalf("file definition should come first, got %+v", defs[0])
	}
}

func TestLoadReportsBadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("scheduler:\n  sweep_interval: soon\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GOVERNOR_CONFIG_FILE", path)
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "scheduler.sweep_interval") {
		t.Fatalf("expected sweep_interval error, got %v", err)
	}
}
