package emulator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/woxQAQ/emubridge/internal/wasm"
)

func newTestRuntime(t *testing.T) *wasm.Runtime {
	t.Helper()
	ctx := context.Background()
	runtime, err := wasm.NewRuntime(ctx, zaptest.NewLogger(t), wasm.DefaultRuntimeConfig())
	if err != nil {
		t.Fatalf("Failed to create runtime: %v", err)
	}
	t.Cleanup(func() { runtime.Close(ctx) })
	return runtime
}

func TestLoader_LoadPackage(t *testing.T) {
	ctx := context.Background()
	runtime := newTestRuntime(t)
	loader := NewLoader(runtime, zaptest.NewLogger(t))

	pkg, err := loader.LoadPackage(ctx, filepath.Join("testdata", "emulators", "echo"))
	if err != nil {
		t.Fatalf("LoadPackage() failed: %v", err)
	}

	if pkg.Name() != "echo" || pkg.Arch() != "echo" || pkg.Version() != "0.1.0" {
		t.Errorf("unexpected package identity: %s %s %s", pkg.Name(), pkg.Arch(), pkg.Version())
	}
	if _, ok := pkg.Source().(*wasm.WATModuleSource); !ok {
		t.Errorf("expected a WAT source for echo.wat, got %T", pkg.Source())
	}
	if pkg.Compiled == nil || pkg.Compiled.SizeBytes == 0 {
		t.Fatal("expected a compiled module")
	}

	// The compiled module is cached under the source name.
	if _, ok := runtime.GetCompiledModule(pkg.Source().Name()); !ok {
		t.Error("compiled module should be cached in the runtime")
	}
}

func TestLoader_LoadPackage_CompileFailure(t *testing.T) {
	loader := NewLoader(newTestRuntime(t), zap.NewNop())

	_, err := loader.LoadPackage(context.Background(), filepath.Join("testdata", "emulators", "broken"))
	var loadErr *PackageLoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("expected PackageLoadError, got %T: %v", err, err)
	}
	if loadErr.PackageName != "broken" {
		t.Errorf("expected package broken, got %s", loadErr.PackageName)
	}
}

func TestLoader_Discover(t *testing.T) {
	loader := NewLoader(newTestRuntime(t), zap.NewNop())

	pkgs, err := loader.Discover(context.Background(), []string{
		filepath.Join("testdata", "emulators"),
		filepath.Join("testdata", "nonexistent"),
	})
	if err != nil {
		t.Fatalf("Discover() failed: %v", err)
	}

	// broken fails to compile and is skipped.
	if len(pkgs) != 1 || pkgs[0].Name() != "echo" {
		t.Errorf("Discover() = %v, want [echo]", pkgs)
	}
}

func TestLoader_Discover_NoneFound(t *testing.T) {
	loader := NewLoader(newTestRuntime(t), zap.NewNop())

	_, err := loader.Discover(context.Background(), []string{filepath.Join("testdata", "invalid")})
	var none *NoPackagesFoundError
	if !errors.As(err, &none) {
		t.Fatalf("expected NoPackagesFoundError, got %T", err)
	}
}

func TestManager_LoadAll(t *testing.T) {
	ctx := context.Background()
	manager := NewManager([]string{filepath.Join("testdata", "emulators")}, newTestRuntime(t), zap.NewNop())

	if manager.IsLoaded() {
		t.Error("Manager should not be loaded initially")
	}
	if err := manager.LoadAll(ctx); err != nil {
		t.Fatalf("LoadAll() failed: %v", err)
	}
	if !manager.IsLoaded() {
		t.Error("Manager should be loaded")
	}
	if err := manager.LoadAll(ctx); err == nil {
		t.Error("second LoadAll() should fail")
	}

	pkg, err := manager.Get("echo")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if byArch, err := manager.FindForArch("echo"); err != nil || byArch != pkg {
		t.Errorf("FindForArch(echo) = %v, %v", byArch, err)
	}
	var notFound *PackageNotFoundError
	if _, err := manager.FindForArch("z80"); !errors.As(err, &notFound) {
		t.Errorf("FindForArch(z80) error = %v, want PackageNotFoundError", err)
	}
	if _, err := manager.Get("z80"); !errors.As(err, &notFound) {
		t.Errorf("expected PackageNotFoundError, got %T", err)
	}
}

func TestManager_Select(t *testing.T) {
	ctx := context.Background()
	manager := NewManager([]string{filepath.Join("testdata", "emulators")}, newTestRuntime(t), zap.NewNop())
	if err := manager.LoadAll(ctx); err != nil {
		t.Fatal(err)
	}

	pkg, err := manager.Select("")
	if err != nil || pkg.Name() != "echo" {
		t.Errorf("Select(\"\") = %v, %v", pkg, err)
	}
	var notFound *PackageNotFoundError
	if _, err := manager.Select("missing"); !errors.As(err, &notFound) {
		t.Errorf("Select(missing) error = %v, want PackageNotFoundError", err)
	}
}

func TestManager_SelectByArch(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	dir := filepath.Join(root, "i8086")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	guest, err := os.ReadFile(filepath.Join("testdata", "emulators", "echo", "echo.wat"))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "i8086.wat"), guest, 0o644); err != nil {
		t.Fatal(err)
	}
	manifest := "name: i8086\nversion: 1.0.0\narch: x86\nwasm:\n  file: i8086.wat\n"
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	// Not a package; discovery skips it.
	if err := os.Mkdir(filepath.Join(root, "docs"), 0o755); err != nil {
		t.Fatal(err)
	}

	manager := NewManager([]string{root}, newTestRuntime(t), zap.NewNop())
	if err := manager.LoadAll(ctx); err != nil {
		t.Fatal(err)
	}
	if n := len(manager.List()); n != 1 {
		t.Fatalf("List() has %d packages, want 1", n)
	}

	for _, query := range []string{"i8086", "x86"} {
		pkg, err := manager.Select(query)
		if err != nil {
			t.Fatalf("Select(%s) failed: %v", query, err)
		}
		if pkg.Name() != "i8086" {
			t.Errorf("Select(%s) = %s, want i8086", query, pkg.Name())
		}
	}
}

func TestManager_SelectEmpty(t *testing.T) {
	manager := NewManager([]string{t.TempDir()}, newTestRuntime(t), zap.NewNop())

	// No packages is not a load error.
	if err := manager.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll() failed: %v", err)
	}

	_, err := manager.Select("")
	var none *NoPackagesFoundError
	if !errors.As(err, &none) {
		t.Fatalf("expected NoPackagesFoundError, got %T", err)
	}
}

func TestPackage_GuestConfig(t *testing.T) {
	pkg := &Package{Manifest: &Manifest{
		Name:          "i8086",
		Exports:       map[string]string{"simulate": "run", "json_state": "state_json"},
		Outputs:       OutputsConfig{TextMaxBytes: 4096},
		MaxInputBytes: 1024,
	}}

	cfg, err := pkg.GuestConfig(wasm.DefaultGuestConfig())
	if err != nil {
		t.Fatalf("GuestConfig() failed: %v", err)
	}

	if cfg.Exports.Simulate != "run" || cfg.Exports.JSONState != "state_json" {
		t.Errorf("export overrides not applied: %+v", cfg.Exports)
	}
	if cfg.Exports.Reset != "reset" {
		t.Errorf("unset exports should keep defaults, got reset=%s", cfg.Exports.Reset)
	}
	if cfg.TextMaxBytes != 4096 || cfg.JSONMaxBytes != 2048 || cfg.MaxInputBytes != 1024 {
		t.Errorf("bounds = %d/%d/%d, want 4096/2048/1024",
			cfg.TextMaxBytes, cfg.JSONMaxBytes, cfg.MaxInputBytes)
	}

	pkg.Manifest.Exports = map[string]string{"step": "x"}
	if _, err := pkg.GuestConfig(wasm.DefaultGuestConfig()); err == nil {
		t.Error("unknown export key should fail")
	}
}
