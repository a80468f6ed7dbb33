package emulator

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/woxQAQ/emubridge/internal/wasm"
)

// ManifestFile is the file name looked up in each package directory.
const ManifestFile = "manifest.yaml"

// Manifest represents the emulator manifest.yaml structure.
type Manifest struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Arch        string `yaml:"arch"`
	Description string `yaml:"description"`

	Wasm WasmConfig `yaml:"wasm"`

	// Export name overrides keyed by entry point (simulate, text_output, ...).
	Exports map[string]string `yaml:"exports"`

	Outputs       OutputsConfig `yaml:"outputs"`
	MaxInputBytes uint32        `yaml:"max_input_bytes"`

	// Internal fields
	dir string // Directory containing manifest
}

// WasmConfig holds the guest module location.
type WasmConfig struct {
	// Relative to the package directory. A .wat file is compiled on load.
	File string `yaml:"file"`
}

// OutputsConfig bounds results read through the NUL-terminated ABI.
type OutputsConfig struct {
	TextMaxBytes uint32 `yaml:"text_max_bytes"`
	JSONMaxBytes uint32 `yaml:"json_max_bytes"`
}

// ParseManifest reads and parses manifest.yaml from a directory.
func ParseManifest(dir string) (*Manifest, error) {
	manifestPath := filepath.Join(dir, ManifestFile)

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, &ManifestNotFoundError{
			Dir: dir,
			Err: err,
		}
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &ManifestParseError{
			Path: manifestPath,
			Err:  err,
		}
	}

	m.dir = dir

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Validate checks manifest fields.
func (m *Manifest) Validate() error {
	required := []struct{ field, value string }{
		{"name", m.Name},
		{"version", m.Version},
		{"arch", m.Arch},
		{"wasm.file", m.Wasm.File},
	}
	for _, r := range required {
		if r.value == "" {
			return &ManifestValidationError{
				Path:    m.Path(),
				Field:   r.field,
				Message: r.field + " is required",
			}
		}
	}

	if _, err := wasm.DefaultExportNames().WithOverrides(m.Exports); err != nil {
		return &ManifestValidationError{
			Path:    m.Path(),
			Field:   "exports",
			Message: err.Error(),
		}
	}

	// Validate Wasm file exists
	if _, err := os.Stat(m.WasmPath()); os.IsNotExist(err) {
		return &ModuleFileMissingError{
			ManifestPath: m.Path(),
			File:         m.Wasm.File,
		}
	}

	return nil
}

// Path returns the manifest file path.
func (m *Manifest) Path() string {
	return filepath.Join(m.dir, ManifestFile)
}

// WasmPath returns the path to the guest module file.
func (m *Manifest) WasmPath() string {
	return filepath.Join(m.dir, m.Wasm.File)
}

// Dir returns the directory containing the manifest.
func (m *Manifest) Dir() string {
	return m.dir
}
