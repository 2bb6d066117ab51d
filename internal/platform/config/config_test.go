package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg, err := Load(dir, "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Debounce != time.Second || cfg.MinPushInterval != 5*time.Second {
		t.Fatalf("unexpected scheduler defaults: %+v", cfg)
	}
	if cfg.BackupInterval != time.Hour || cfg.BackupRetention != 72*time.Hour {
		t.Fatalf("unexpected backup defaults: %+v", cfg)
	}
	if cfg.LocalDSN != "sqlite://"+filepath.Join(dir, "flowsync.db") {
		t.Fatalf("unexpected local dsn %q", cfg.LocalDSN)
	}
}

func TestLoadOverridesFromYAML(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	raw := "user_id: u-1\nremote_dsn: redis://localhost:6379/0\ndebounce: 250ms\nencrypt: true\nbackup_retention: 24h\n"
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(dir, "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.UserID != "u-1" || !cfg.Encrypt || cfg.Debounce != 250*time.Millisecond || cfg.BackupRetention != 24*time.Hour {
		t.Fatalf("yaml overrides not applied: %+v", cfg)
	}
	if cfg.EffectiveKeysDSN() != "redis://localhost:6379/0" {
		t.Fatalf("expected keys dsn to follow redis remote, got %q", cfg.EffectiveKeysDSN())
	}
}

func TestEffectiveKeysDSNForRelay(t *testing.T) {
	t.Parallel()
	cfg := Default(t.TempDir())
	cfg.RemoteDSN = "ws://relay.local:8787/v1/sync"
	if got := cfg.EffectiveKeysDSN(); got != "" {
		t.Fatalf("relay remote cannot hold key records, got %q", got)
	}
	cfg.KeysDSN = "postgres://db/keys"
	if got := cfg.EffectiveKeysDSN(); got != "postgres://db/keys" {
		t.Fatalf("explicit keys dsn ignored, got %q", got)
	}
}

func TestLoadRejectsNegativeDurations(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte("push_timeout: -1s\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(dir, ""); err == nil {
		t.Fatalf("expected validation error")
	}
}
