package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddress != "0.0.0.0" {
		t.Errorf("BindAddress = %q, want 0.0.0.0", cfg.BindAddress)
	}
	if cfg.Port != 12345 {
		t.Errorf("Port = %d, want 12345", cfg.Port)
	}
	if cfg.MaxConnections != 1024 {
		t.Errorf("MaxConnections = %d, want 1024", cfg.MaxConnections)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.toml")
	contents := `
bind_address = "127.0.0.1"
port = 9000
max_connections = 50
shared_secret = "test-secret"
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddress != "127.0.0.1" || cfg.Port != 9000 || cfg.MaxConnections != 50 || cfg.SharedSecret != "test-secret" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestValidateRejectsEmptySecret(t *testing.T) {
	cfg := &Server{BindAddress: "0.0.0.0", Port: 12345, MaxConnections: 1024}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty shared secret")
	}
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := &Server{SharedSecret: "x", Port: 70000, MaxConnections: 1}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for out-of-range port")
	}
}

func TestAddr(t *testing.T) {
	cfg := &Server{BindAddress: "10.0.0.1", Port: 4000}
	if got, want := cfg.Addr(), "10.0.0.1:4000"; got != want {
		t.Errorf("Addr() = %q, want %q", got, want)
	}
}
