package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsWhenFileAbsent(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenPort != DefaultListenPort {
		t.Errorf("ListenPort = %d, want %d", cfg.ListenPort, DefaultListenPort)
	}
	if cfg.StatePath != DefaultStatePath {
		t.Errorf("StatePath = %q, want %q", cfg.StatePath, DefaultStatePath)
	}
}

func TestLoadMergesFileOntoDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "supervisor.config.json")
	if err := os.WriteFile(path, []byte(`{"listen_port": 9000, "local_mode": true}`), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenPort != 9000 {
		t.Errorf("ListenPort = %d, want 9000", cfg.ListenPort)
	}
	if !cfg.LocalMode {
		t.Error("LocalMode = false, want true")
	}
	if cfg.AppUpdatePollIntervalMS != DefaultPollIntervalMS {
		t.Errorf("AppUpdatePollIntervalMS = %d, want default %d", cfg.AppUpdatePollIntervalMS, DefaultPollIntervalMS)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("LISTEN_PORT", "1234")
	t.Setenv("LOCAL_MODE", "true")
	t.Setenv("LOCK_OVERRIDE", "1")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenPort != 1234 {
		t.Errorf("ListenPort = %d, want 1234", cfg.ListenPort)
	}
	if !cfg.LocalMode || !cfg.LockOverride {
		t.Errorf("LocalMode=%v LockOverride=%v, want both true", cfg.LocalMode, cfg.LockOverride)
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "supervisor.config.json")
	cfg := defaults()
	cfg.ListenPort = 5555

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.ListenPort != 5555 {
		t.Errorf("ListenPort = %d, want 5555", loaded.ListenPort)
	}
}
