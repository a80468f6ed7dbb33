package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "emubridge.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("Default log level mismatch: got %s, want info", cfg.LogLevel)
	}
	if len(cfg.EmulatorPaths) != 1 || cfg.EmulatorPaths[0] != "./emulators" {
		t.Errorf("Default emulator paths mismatch: got %v, want [./emulators]", cfg.EmulatorPaths)
	}
	if cfg.Guest.TextMaxBytes != 1024 || cfg.Guest.JSONMaxBytes != 2048 {
		t.Errorf("Default output bounds mismatch: got %d/%d, want 1024/2048",
			cfg.Guest.TextMaxBytes, cfg.Guest.JSONMaxBytes)
	}
	if cfg.Guest.MaxInputBytes != 65536 {
		t.Errorf("Default max input mismatch: got %d, want 65536", cfg.Guest.MaxInputBytes)
	}
	if cfg.Session.Overlap != "queue" {
		t.Errorf("Default overlap mismatch: got %s, want queue", cfg.Session.Overlap)
	}
	if cfg.Wasm.MemoryPages != 256 || cfg.Wasm.MaxInstances != 100 {
		t.Errorf("Wasm defaults mismatch: %+v", cfg.Wasm)
	}
	if cfg.Wasm.ExecutionTimeout != 30*time.Second {
		t.Errorf("Default execution timeout mismatch: got %v, want 30s", cfg.Wasm.ExecutionTimeout)
	}
	if cfg.Server.Addr != ":8086" {
		t.Errorf("Default server addr mismatch: got %s, want :8086", cfg.Server.Addr)
	}
	if cfg.Telemetry.OTLPEndpoint != "" || cfg.Telemetry.ServiceName != "emubridge" {
		t.Errorf("Telemetry defaults mismatch: %+v", cfg.Telemetry)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
emulator: i8086
guest:
  module: ./build/emulator.wasm
  text_max_bytes: 4096
  exports:
    simulate: run
    text_output: get_text
session:
  overlap: reject
wasm:
  execution_timeout: 250ms
server:
  addr: 127.0.0.1:9000
  static_dir: ./web
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("Log level mismatch: got %s, want debug", cfg.LogLevel)
	}
	if cfg.Emulator != "i8086" {
		t.Errorf("Emulator mismatch: got %s, want i8086", cfg.Emulator)
	}
	if cfg.Guest.Module != "./build/emulator.wasm" {
		t.Errorf("Guest module mismatch: got %s", cfg.Guest.Module)
	}
	if cfg.Guest.TextMaxBytes != 4096 {
		t.Errorf("Text bound mismatch: got %d, want 4096", cfg.Guest.TextMaxBytes)
	}
	// Unset keys keep their defaults.
	if cfg.Guest.JSONMaxBytes != 2048 {
		t.Errorf("JSON bound mismatch: got %d, want 2048", cfg.Guest.JSONMaxBytes)
	}
	if cfg.Guest.Exports["simulate"] != "run" || cfg.Guest.Exports["text_output"] != "get_text" {
		t.Errorf("Export overrides mismatch: got %v", cfg.Guest.Exports)
	}
	if cfg.Session.Overlap != "reject" {
		t.Errorf("Overlap mismatch: got %s, want reject", cfg.Session.Overlap)
	}
	if cfg.Wasm.ExecutionTimeout != 250*time.Millisecond {
		t.Errorf("Execution timeout mismatch: got %v, want 250ms", cfg.Wasm.ExecutionTimeout)
	}
	if cfg.Server.Addr != "127.0.0.1:9000" || cfg.Server.StaticDir != "./web" {
		t.Errorf("Server config mismatch: %+v", cfg.Server)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("EMUBRIDGE_SERVER_ADDR", ":9999")
	t.Setenv("EMUBRIDGE_SESSION_OVERLAP", "reject")
	t.Setenv("EMUBRIDGE_WASM_EXECUTION_TIMEOUT", "2s")

	path := writeConfig(t, "server:\n  addr: :7000\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.Addr != ":9999" {
		t.Errorf("Env should override file: got %s, want :9999", cfg.Server.Addr)
	}
	if cfg.Session.Overlap != "reject" {
		t.Errorf("Overlap mismatch: got %s, want reject", cfg.Session.Overlap)
	}
	if cfg.Wasm.ExecutionTimeout != 2*time.Second {
		t.Errorf("Execution timeout mismatch: got %v, want 2s", cfg.Wasm.ExecutionTimeout)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"log level", "log_level: loud\n"},
		{"overlap", "session:\n  overlap: latest\n"},
		{"text bound", "guest:\n  text_max_bytes: 0\n"},
		{"max instances", "wasm:\n  max_instances: 0\n"},
		{"malformed yaml", "guest: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Error("expected an error")
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}
