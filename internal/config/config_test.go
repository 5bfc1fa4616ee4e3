package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultProfile = "work"
	cfg.Sync.MaxAttempts = 7
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
	if loaded.Sync.MaxAttempts != 7 {
		t.Errorf("MaxAttempts = %d, want 7", loaded.Sync.MaxAttempts)
	}
}

func TestLoadMissingYieldsDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/config.toml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	def := Default()
	if cfg.Limits.MaxBodyBytes != def.Limits.MaxBodyBytes {
		t.Errorf("MaxBodyBytes = %d, want default %d", cfg.Limits.MaxBodyBytes, def.Limits.MaxBodyBytes)
	}
	if cfg.Sync.MaxAttempts != def.Sync.MaxAttempts {
		t.Errorf("MaxAttempts = %d, want default %d", cfg.Sync.MaxAttempts, def.Sync.MaxAttempts)
	}
}

func TestLoadNormalizesBadValues(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")
	content := "[limits]\nmax_body_bytes = -1\n[sync]\nmax_attempts = 0\nbackoff_base_ms = 1000\nbackoff_max_ms = 10\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Limits.MaxBodyBytes != Default().Limits.MaxBodyBytes {
		t.Errorf("MaxBodyBytes = %d, want default", cfg.Limits.MaxBodyBytes)
	}
	if cfg.Sync.MaxAttempts != Default().Sync.MaxAttempts {
		t.Errorf("MaxAttempts = %d, want default", cfg.Sync.MaxAttempts)
	}
	if cfg.Sync.BackoffMaxMS < cfg.Sync.BackoffBaseMS {
		t.Errorf("BackoffMaxMS = %d below base %d", cfg.Sync.BackoffMaxMS, cfg.Sync.BackoffBaseMS)
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
