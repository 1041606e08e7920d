package config

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/example/sheet2audio/api-go/internal/pipeline"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SCORE_CONFIG_FILE", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Addr != ":8080" || cfg.FailurePolicy != pipeline.PolicySkip || cfg.ProgressBackend != BackendSQLite {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.RecognizeTimeout != 10*time.Minute || cfg.MaxParallelScores != 2 || cfg.MaxConcurrentJobs != 1 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if len(cfg.AudiverisArgs) != 0 || len(cfg.Instruments) != 0 {
		t.Fatalf("unexpected lists: %+v", cfg)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SCORE_CONFIG_FILE", "")
	t.Setenv("SCORE_API_ADDR", ":9090")
	t.Setenv("SCORE_FAILURE_POLICY", "abort")
	t.Setenv("SCORE_SYNTH_TIMEOUT", "90s")
	t.Setenv("SCORE_AUDIVERIS_ARGS", "-option, org.audiveris.omr.sheet.BookManager.useOpus=true ,")
	t.Setenv("SCORE_PROGRESS_BACKEND", "Redis")
	t.Setenv("SCORE_MAX_PARALLEL_SCORES", "0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Addr != ":9090" || cfg.FailurePolicy != pipeline.PolicyAbort || cfg.SynthTimeout != 90*time.Second {
		t.Fatalf("cfg = %+v", cfg)
	}
	if !slices.Equal(cfg.AudiverisArgs, []string{"-option", "org.audiveris.omr.sheet.BookManager.useOpus=true"}) {
		t.Fatalf("args = %q", cfg.AudiverisArgs)
	}
	if cfg.ProgressBackend != BackendRedis || cfg.MaxParallelScores != 1 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadRejectsUnknownValues(t *testing.T) {
	t.Setenv("SCORE_CONFIG_FILE", "")
	t.Setenv("SCORE_FAILURE_POLICY", "retry")
	if _, err := Load(); err == nil {
		t.Fatal("expected policy error")
	}
	t.Setenv("SCORE_FAILURE_POLICY", "")
	t.Setenv("SCORE_PROGRESS_BACKEND", "etcd")
	if _, err := Load(); err == nil {
		t.Fatal("expected backend error")
	}
}

func TestLoadInstrumentsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "score.yaml")
	content := `
api_addr: ":7070"
instruments:
  - name: Harpsichord
    program: 6
  - name: Piano
    bank: 1
    program: 2
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SCORE_CONFIG_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Addr != ":7070" {
		t.Fatalf("addr = %s", cfg.Addr)
	}
	if len(cfg.Instruments) != 2 || cfg.Instruments[0].Name != "Harpsichord" || cfg.Instruments[0].Program != 6 {
		t.Fatalf("instruments = %+v", cfg.Instruments)
	}
	if cfg.Instruments[1].Bank != 1 || cfg.Instruments[1].Program != 2 {
		t.Fatalf("piano override = %+v", cfg.Instruments[1])
	}
}

func TestLoadMissingConfigFile(t *testing.T) {
	t.Setenv("SCORE_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error")
	}
}
