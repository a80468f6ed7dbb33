package emulator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/woxQAQ/emubridge/internal/wasm"
)

// Manager discovers packages once and answers lookups.
type Manager struct {
	paths    []string
	loader   *Loader
	registry *Registry
	logger   *zap.Logger

	mu     sync.RWMutex
	loaded bool
}

// NewManager creates a manager scanning paths.
func NewManager(paths []string, runtime *wasm.Runtime, logger *zap.Logger) *Manager {
	return &Manager{
		paths:    paths,
		loader:   NewLoader(runtime, logger),
		registry: NewRegistry(logger),
		logger:   logger.With(zap.String("component", "emulator-manager")),
	}
}

// LoadAll discovers and registers all packages under the configured paths.
// Finding none is not an error.
func (m *Manager) LoadAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loaded {
		return fmt.Errorf("emulators already loaded")
	}

	m.logger.Info("Loading emulators", zap.Strings("paths", m.paths))

	pkgs, err := m.loader.Discover(ctx, m.paths)
	if err != nil {
		var none *NoPackagesFoundError
		if errors.As(err, &none) {
			m.logger.Warn("No emulators found in configured paths",
				zap.Strings("paths", m.paths),
			)
			m.loaded = true
			return nil
		}
		return err
	}

	for _, pkg := range pkgs {
		if err := m.registry.Register(pkg); err != nil {
			m.logger.Error("Failed to register emulator",
				zap.String("name", pkg.Manifest.Name),
				zap.Error(err),
			)
		}
	}

	m.loaded = true

	m.logger.Info("Emulators loaded successfully", zap.Int("count", m.registry.Count()))

	return nil
}

// Get retrieves a package by name.
func (m *Manager) Get(name string) (*Package, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pkg, ok := m.registry.Get(name)
	if !ok {
		return nil, &PackageNotFoundError{Name: name}
	}
	return pkg, nil
}

// FindForArch returns the first package registered for arch.
func (m *Manager) FindForArch(arch string) (*Package, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pkgs := m.registry.LookupByArch(arch)
	if len(pkgs) == 0 {
		return nil, &PackageNotFoundError{Name: arch}
	}
	return pkgs[0], nil
}

// Select picks the package to run. name is matched against package names
// first and then against architectures; an empty name selects the first
// package by name.
func (m *Manager) Select(name string) (*Package, error) {
	if name != "" {
		pkg, err := m.Get(name)
		if err == nil {
			return pkg, nil
		}
		if pkg, archErr := m.FindForArch(name); archErr == nil {
			m.logger.Info("Selected emulator by arch",
				zap.String("arch", name),
				zap.String("selected", pkg.Name()),
			)
			return pkg, nil
		}
		return nil, err
	}

	pkgs := m.List()
	if len(pkgs) == 0 {
		return nil, &NoPackagesFoundError{Paths: m.paths}
	}
	if len(pkgs) > 1 {
		m.logger.Info("Several emulators available, selecting the first",
			zap.String("selected", pkgs[0].Name()),
			zap.Int("count", len(pkgs)),
		)
	}
	return pkgs[0], nil
}

// List returns all packages sorted by name.
func (m *Manager) List() []*Package {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.registry.List()
}

// Registry returns the package registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// IsLoaded returns whether packages have been loaded.
func (m *Manager) IsLoaded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loaded
}
