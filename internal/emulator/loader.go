package emulator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/woxQAQ/emubridge/internal/wasm"
)

// Loader handles loading emulator packages from disk.
type Loader struct {
	moduleLoader *wasm.ModuleLoader
	logger       *zap.Logger
}

// NewLoader creates a new package loader.
func NewLoader(runtime *wasm.Runtime, logger *zap.Logger) *Loader {
	return &Loader{
		moduleLoader: wasm.NewModuleLoader(runtime, logger),
		logger:       logger.With(zap.String("component", "emulator-loader")),
	}
}

// LoadPackage loads a single package from a directory. The module is
// compiled into the runtime cache so a later session load skips compilation.
func (l *Loader) LoadPackage(ctx context.Context, dir string) (*Package, error) {
	l.logger.Debug("Loading emulator", zap.String("dir", dir))

	manifest, err := ParseManifest(dir)
	if err != nil {
		return nil, err
	}

	l.logger.Info("Loading emulator",
		zap.String("name", manifest.Name),
		zap.String("version", manifest.Version),
		zap.String("arch", manifest.Arch),
	)

	source := wasm.SourceFor(manifest.WasmPath())
	compiled, err := l.moduleLoader.LoadModule(ctx, source)
	if err != nil {
		return nil, &PackageLoadError{
			PackageName: manifest.Name,
			Arch:        manifest.Arch,
			Err:         err,
		}
	}

	pkg := &Package{
		Manifest: manifest,
		Compiled: compiled,
		LoadedAt: time.Now(),
		source:   source,
	}

	l.logger.Info("Emulator loaded successfully",
		zap.String("name", manifest.Name),
		zap.Int64("size_bytes", compiled.SizeBytes),
	)

	return pkg, nil
}

// Discover scans directories for packages. Subdirectories that fail to
// load are logged and skipped.
func (l *Loader) Discover(ctx context.Context, paths []string) ([]*Package, error) {
	var pkgs []*Package
	var errs []error

	for _, basePath := range paths {
		l.logger.Debug("Scanning emulator directory", zap.String("path", basePath))

		entries, err := os.ReadDir(basePath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				l.logger.Warn("Emulator path does not exist", zap.String("path", basePath))
				continue
			}
			return nil, fmt.Errorf("failed to read directory '%s': %w", basePath, err)
		}

		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}

			dir := filepath.Join(basePath, entry.Name())

			pkg, err := l.LoadPackage(ctx, dir)
			var noManifest *ManifestNotFoundError
			if errors.As(err, &noManifest) {
				l.logger.Debug("Skipping directory without manifest", zap.String("dir", dir))
				continue
			}
			if err != nil {
				l.logger.Error("Failed to load emulator",
					zap.String("dir", dir),
					zap.Error(err),
				)
				errs = append(errs, err)
				continue
			}

			pkgs = append(pkgs, pkg)
		}
	}

	if len(pkgs) > 0 && len(errs) > 0 {
		l.logger.Warn("Some emulators failed to load",
			zap.Int("loaded", len(pkgs)),
			zap.Int("failed", len(errs)),
		)
	}

	if len(pkgs) == 0 {
		return nil, &NoPackagesFoundError{Paths: paths}
	}

	return pkgs, nil
}
