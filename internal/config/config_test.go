package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("expected default listen addr :8080, got %q", cfg.ListenAddr)
	}
	if cfg.AwayThreshold() != 30*time.Second {
		t.Errorf("expected default away threshold 30s, got %v", cfg.AwayThreshold())
	}
	if cfg.DeadThreshold() != 90*time.Second {
		t.Errorf("expected default dead threshold 90s, got %v", cfg.DeadThreshold())
	}
	if cfg.HeartbeatInterval() != 10*time.Second {
		t.Errorf("expected default heartbeat interval 10s, got %v", cfg.HeartbeatInterval())
	}
	if cfg.IncludeAnonymousInSnapshot {
		t.Errorf("expected anonymous excluded from snapshot by default")
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
listen_addr: ":9090"
away_threshold_seconds: 15
dead_threshold_seconds: 45
include_anonymous_in_snapshot: true
jwt_secret: file-secret
allowed_origins:
  - https://example.com
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("expected listen addr from file, got %q", cfg.ListenAddr)
	}
	if cfg.AwayThreshold() != 15*time.Second || cfg.DeadThreshold() != 45*time.Second {
		t.Errorf("expected thresholds from file, got %v/%v", cfg.AwayThreshold(), cfg.DeadThreshold())
	}
	if !cfg.IncludeAnonymousInSnapshot {
		t.Errorf("expected anonymous included per file")
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "https://example.com" {
		t.Errorf("unexpected origins: %v", cfg.AllowedOrigins)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("away_threshold_seconds: 15\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("AWAY_THRESHOLD_SECONDS", "20")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("INCLUDE_ANONYMOUS_IN_SNAPSHOT", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.AwayThreshold() != 20*time.Second {
		t.Errorf("expected env to override file, got %v", cfg.AwayThreshold())
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Errorf("unexpected origins: %v", cfg.AllowedOrigins)
	}
	if !cfg.IncludeAnonymousInSnapshot {
		t.Errorf("expected anonymous included per env")
	}
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{"away above dead", map[string]string{"AWAY_THRESHOLD_SECONDS": "100", "DEAD_THRESHOLD_SECONDS": "90"}},
		{"zero dead", map[string]string{"DEAD_THRESHOLD_SECONDS": "0"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := Load(""); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}

func TestMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Errorf("expected error for missing file")
	}
}

func TestMalformedEnvIgnored(t *testing.T) {
	t.Setenv("AWAY_THRESHOLD_SECONDS", "not-a-number")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.AwayThreshold() != 30*time.Second {
		t.Errorf("expected default kept for malformed env, got %v", cfg.AwayThreshold())
	}
}
