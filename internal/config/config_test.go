package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, "config.yaml", `
log_level: debug
storage:
  driver: memory
api:
  enabled: true
  addr: ":9000"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log_level = %q", cfg.LogLevel)
	}
	if cfg.Storage.Driver != "memory" {
		t.Fatalf("storage.driver = %q", cfg.Storage.Driver)
	}
	if cfg.API.Addr != ":9000" {
		t.Fatalf("api.addr = %q", cfg.API.Addr)
	}
	if cfg.Queue.Shards != 8 || cfg.Queue.MaxAttempts != 5 {
		t.Fatalf("queue defaults not applied: %+v", cfg.Queue)
	}
	if cfg.Queue.DedupeTTL != 24*time.Hour {
		t.Fatalf("dedupe_ttl default = %v", cfg.Queue.DedupeTTL)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeTempConfig(t, "config.json", `{"log_level":"warn","storage":{"driver":"memory"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("log_level = %q", cfg.LogLevel)
	}
}

func TestLoadRejectsEmptyFile(t *testing.T) {
	path := writeTempConfig(t, "config.yaml", "   \n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for empty config")
	}
}

func TestValidateRejectsBadDriver(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Driver = "oracle"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestValidateTokens(t *testing.T) {
	cfg := DefaultConfig()
	cfg.API.Tokens = []TokenConfig{{Token: "t1", ClientID: "acme", Role: "root"}}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown role")
	}

	cfg.API.Tokens = []TokenConfig{{Token: "t1", ClientID: "acme", Role: RoleSite}}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for site role without site_id")
	}

	cfg.API.Tokens = []TokenConfig{{Token: "t1", ClientID: "acme", Role: RoleSite, SiteID: "site-1"}}
	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg.API.Tokens = []TokenConfig{{Token: "", ClientID: "acme"}}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestManagerReload(t *testing.T) {
	path := writeTempConfig(t, "config.yaml", "log_level: info\nstorage:\n  driver: memory\n")
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if m.Get().LogLevel != "info" {
		t.Fatalf("log_level = %q", m.Get().LogLevel)
	}

	if err := os.WriteFile(path, []byte("log_level: debug\nstorage:\n  driver: memory\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	if _, err := m.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if m.Get().LogLevel != "debug" {
		t.Fatalf("log_level after reload = %q", m.Get().LogLevel)
	}
}

func TestStaticManager(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = "debug"
	m := NewStaticManager(cfg)
	if m.Get().LogLevel != "debug" {
		t.Fatalf("log_level = %q", m.Get().LogLevel)
	}
	if NewStaticManager(nil).Get() == nil {
		t.Fatal("nil config should fall back to defaults")
	}
}
