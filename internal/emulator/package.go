// Package emulator discovers emulator packages on disk: a directory holding
// a manifest.yaml and the guest module it names.
package emulator

import (
	"time"

	"github.com/woxQAQ/emubridge/internal/wasm"
)

// Package is a discovered emulator with its manifest and compiled module.
type Package struct {
	Manifest *Manifest

	// Compiled is the compiled guest module, cached in the runtime under
	// Source().Name().
	Compiled *wasm.CompiledModule

	LoadedAt time.Time

	source wasm.ModuleSource
}

func (p *Package) Name() string {
	return p.Manifest.Name
}

func (p *Package) Arch() string {
	return p.Manifest.Arch
}

func (p *Package) Version() string {
	return p.Manifest.Version
}

// Source returns the module source a session loads the package from.
func (p *Package) Source() wasm.ModuleSource {
	return p.source
}

// GuestConfig applies the manifest's export names and bounds to base.
func (p *Package) GuestConfig(base wasm.GuestConfig) (wasm.GuestConfig, error) {
	exports, err := base.Exports.WithOverrides(p.Manifest.Exports)
	if err != nil {
		return base, err
	}
	base.Exports = exports

	if n := p.Manifest.Outputs.TextMaxBytes; n > 0 {
		base.TextMaxBytes = n
	}
	if n := p.Manifest.Outputs.JSONMaxBytes; n > 0 {
		base.JSONMaxBytes = n
	}
	if n := p.Manifest.MaxInputBytes; n > 0 {
		base.MaxInputBytes = n
	}
	return base, nil
}
