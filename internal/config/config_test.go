package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"reportflow/internal/engine/gate"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Approval.ConfidenceThreshold != gate.DefaultThreshold {
		t.Fatalf("expected default threshold %v, got %v", gate.DefaultThreshold, cfg.Approval.ConfidenceThreshold)
	}
	if cfg.Analysis.Timeout != 30*time.Second {
		t.Fatalf("expected 30s timeout, got %v", cfg.Analysis.Timeout)
	}
	if !cfg.Approval.RequireSuperAdmin {
		t.Fatalf("expected super admin stage required by default")
	}
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := FromYAML([]byte("approval:\n  confidence_threshold: 0.85\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Approval.ConfidenceThreshold != 0.85 {
		t.Fatalf("threshold not applied: %v", cfg.Approval.ConfidenceThreshold)
	}
	if cfg.Analysis.Workers != 4 || cfg.Analysis.Provider != ProviderStub {
		t.Fatalf("defaults lost: %+v", cfg.Analysis)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"threshold": "approval:\n  confidence_threshold: 1.5\n",
		"provider":  "analysis:\n  provider: magic\n",
		"endpoint":  "analysis:\n  provider: http\n",
		"workers":   "analysis:\n  workers: 0\n",
		"timeout":   "analysis:\n  timeout: 0s\n",
		"log":       "log:\n  level: loud\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadOptionalMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadOptional(t.TempDir())
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if cfg.Server.BasePath != "/v0" {
		t.Fatalf("unexpected base path %q", cfg.Server.BasePath)
	}
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "rf config init") {
		t.Fatalf("expected missing config hint, got %v", err)
	}
	if err := os.WriteFile(Path(dir), []byte("approval:\n  require_super_admin: false\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Approval.RequireSuperAdmin {
		t.Fatalf("expected require_super_admin=false")
	}
}
