package emulator

import (
	"fmt"
	"strings"
)

// ManifestNotFoundError means a directory holds no manifest.yaml and so is
// not an emulator package. Discovery skips such directories.
type ManifestNotFoundError struct {
	Dir string
	Err error
}

func (e *ManifestNotFoundError) Error() string {
	return fmt.Sprintf("'%s' is not an emulator package (no %s): %v", e.Dir, ManifestFile, e.Err)
}

func (e *ManifestNotFoundError) Unwrap() error {
	return e.Err
}

// ManifestParseError wraps a YAML decoding failure.
type ManifestParseError struct {
	Path string
	Err  error
}

func (e *ManifestParseError) Error() string {
	return fmt.Sprintf("emulator manifest '%s' is not valid YAML: %v", e.Path, e.Err)
}

func (e *ManifestParseError) Unwrap() error {
	return e.Err
}

// ManifestValidationError reports a missing or unusable manifest field.
type ManifestValidationError struct {
	Path    string
	Field   string
	Message string
}

func (e *ManifestValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("emulator manifest '%s': %s", e.Path, e.Message)
	}
	return fmt.Sprintf("emulator manifest '%s': %s: %s", e.Path, e.Field, e.Message)
}

// ModuleFileMissingError occurs when wasm.file names a module that is not
// in the package directory.
type ModuleFileMissingError struct {
	ManifestPath string
	File         string
}

func (e *ModuleFileMissingError) Error() string {
	return fmt.Sprintf("emulator module '%s' named by '%s' does not exist", e.File, e.ManifestPath)
}

// PackageLoadError occurs when a package's guest module does not compile.
type PackageLoadError struct {
	PackageName string
	Arch        string
	Err         error
}

func (e *PackageLoadError) Error() string {
	return fmt.Sprintf("emulator '%s' (%s) has an unusable guest module: %v", e.PackageName, e.Arch, e.Err)
}

func (e *PackageLoadError) Unwrap() error {
	return e.Err
}

// PackageNotFoundError occurs when no package matches a name or arch.
type PackageNotFoundError struct {
	Name string
}

func (e *PackageNotFoundError) Error() string {
	return fmt.Sprintf("no emulator named or targeting '%s'", e.Name)
}

// PackageAlreadyRegisteredError occurs when two package directories declare
// the same emulator name.
type PackageAlreadyRegisteredError struct {
	Name     string
	Existing string
	Rejected string
}

func (e *PackageAlreadyRegisteredError) Error() string {
	return fmt.Sprintf("emulator '%s' in '%s' clashes with the one already loaded from '%s'",
		e.Name, e.Rejected, e.Existing)
}

// NoPackagesFoundError occurs when the emulator paths hold no loadable package.
type NoPackagesFoundError struct {
	Paths []string
}

func (e *NoPackagesFoundError) Error() string {
	return fmt.Sprintf("no emulator packages under %s", strings.Join(e.Paths, ", "))
}
