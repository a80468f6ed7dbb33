package emulator

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Registry indexes loaded packages by name and by architecture.
type Registry struct {
	sync.RWMutex
	pkgs   map[string]*Package   // name -> package
	byArch map[string][]*Package // arch -> packages
	logger *zap.Logger
}

// NewRegistry creates a new package registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		pkgs:   make(map[string]*Package),
		byArch: make(map[string][]*Package),
		logger: logger.With(zap.String("component", "emulator-registry")),
	}
}

// Register adds a package to the registry.
func (r *Registry) Register(pkg *Package) error {
	r.Lock()
	defer r.Unlock()

	name := pkg.Manifest.Name

	if existing, ok := r.pkgs[name]; ok {
		return &PackageAlreadyRegisteredError{
			Name:     name,
			Existing: existing.Manifest.Path(),
			Rejected: pkg.Manifest.Path(),
		}
	}

	r.pkgs[name] = pkg

	arch := pkg.Manifest.Arch
	r.byArch[arch] = append(r.byArch[arch], pkg)

	r.logger.Info("Emulator registered",
		zap.String("name", name),
		zap.String("arch", arch),
	)

	return nil
}

// Get retrieves a package by name.
func (r *Registry) Get(name string) (*Package, bool) {
	r.RLock()
	defer r.RUnlock()

	pkg, ok := r.pkgs[name]
	return pkg, ok
}

// LookupByArch finds packages for an architecture, in registration order.
func (r *Registry) LookupByArch(arch string) []*Package {
	r.RLock()
	defer r.RUnlock()

	pkgs := r.byArch[arch]
	result := make([]*Package, len(pkgs))
	copy(result, pkgs)
	return result
}

// List returns all registered packages sorted by name.
func (r *Registry) List() []*Package {
	r.RLock()
	defer r.RUnlock()

	result := make([]*Package, 0, len(r.pkgs))
	for _, pkg := range r.pkgs {
		result = append(result, pkg)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Manifest.Name < result[j].Manifest.Name
	})
	return result
}

// Count returns the number of registered packages.
func (r *Registry) Count() int {
	r.RLock()
	defer r.RUnlock()

	return len(r.pkgs)
}
