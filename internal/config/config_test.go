package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if cfg.QualityThreshold != 0.7 {
		t.Errorf("QualityThreshold = %v, want 0.7", cfg.QualityThreshold)
	}
	if cfg.MaxIterations != 3 {
		t.Errorf("MaxIterations = %v, want 3", cfg.MaxIterations)
	}
	if cfg.ComplexityThreshold != 0.5 {
		t.Errorf("ComplexityThreshold = %v, want 0.5", cfg.ComplexityThreshold)
	}
	if cfg.StrategyDefault != "adaptive" {
		t.Errorf("StrategyDefault = %q, want adaptive", cfg.StrategyDefault)
	}
	if w := cfg.Consensus.RoleWeights["primary_user"]; w != 0.60 {
		t.Errorf("primary_user weight = %v, want 0.60", w)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hlcs.yaml")
	content := []byte(`
listen_address: ":9090"
quality_threshold: 0.85
backends:
  tool_server:
    url: "http://tools:3000"
    retries: 5
memory:
  backend: inmem
  stm_ttl_hours: 12
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ListenAddress != ":9090" {
		t.Errorf("ListenAddress = %q, want :9090", cfg.ListenAddress)
	}
	if cfg.QualityThreshold != 0.85 {
		t.Errorf("QualityThreshold = %v, want 0.85", cfg.QualityThreshold)
	}
	if cfg.Backends.ToolServer.URL != "http://tools:3000" {
		t.Errorf("ToolServer.URL = %q", cfg.Backends.ToolServer.URL)
	}
	if cfg.Backends.ToolServer.Retries != 5 {
		t.Errorf("ToolServer.Retries = %d, want 5", cfg.Backends.ToolServer.Retries)
	}
	if cfg.Memory.StmTTLHours != 12 {
		t.Errorf("StmTTLHours = %d, want 12", cfg.Memory.StmTTLHours)
	}
	// Untouched keys keep their defaults.
	if cfg.MaxIterations != 3 {
		t.Errorf("MaxIterations = %d, want default 3", cfg.MaxIterations)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HLCS_LISTEN_ADDRESS", ":7070")
	t.Setenv("HLCS_QUALITY_THRESHOLD", "0.9")
	t.Setenv("HLCS_BACKENDS_TOOL_SERVER_URL", "http://override:3000")
	t.Setenv("HLCS_FEATURE_NEW_ROUTER", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ListenAddress != ":7070" {
		t.Errorf("ListenAddress = %q, want env override :7070", cfg.ListenAddress)
	}
	if cfg.QualityThreshold != 0.9 {
		t.Errorf("QualityThreshold = %v, want 0.9", cfg.QualityThreshold)
	}
	if cfg.Backends.ToolServer.URL != "http://override:3000" {
		t.Errorf("ToolServer.URL = %q", cfg.Backends.ToolServer.URL)
	}
	flag, ok := cfg.FeatureFlags["new_router"]
	if !ok || !flag.Enabled {
		t.Errorf("FeatureFlags[new_router] = %+v, want enabled from env", flag)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"quality out of range", func(c *Config) { c.QualityThreshold = 1.5 }},
		{"iterations out of range", func(c *Config) { c.MaxIterations = 0 }},
		{"missing tool server url", func(c *Config) { c.Backends.ToolServer.URL = "" }},
		{"bad memory backend", func(c *Config) { c.Memory.Backend = "postgres" }},
	}
	for _, tt := range tests {
		cfg := Default()
		tt.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: Validate() = nil, want error", tt.name)
		}
	}
}
