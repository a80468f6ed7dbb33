package emulator

import (
	"errors"
	"testing"

	"go.uber.org/zap"
)

func testPackage(name, arch string) *Package {
	return &Package{Manifest: &Manifest{Name: name, Arch: arch, dir: "/tmp/" + name}}
}

func TestRegistry_Register(t *testing.T) {
	registry := NewRegistry(zap.NewNop())

	if err := registry.Register(testPackage("i8086", "x86")); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}

	if registry.Count() != 1 {
		t.Errorf("expected count 1, got %d", registry.Count())
	}

	pkg, ok := registry.Get("i8086")
	if !ok || pkg.Name() != "i8086" {
		t.Errorf("Get() = %v, %v", pkg, ok)
	}
}

func TestRegistry_Duplicate(t *testing.T) {
	registry := NewRegistry(zap.NewNop())

	if err := registry.Register(testPackage("i8086", "x86")); err != nil {
		t.Fatalf("First Register() failed: %v", err)
	}

	err := registry.Register(testPackage("i8086", "x86"))
	var dup *PackageAlreadyRegisteredError
	if !errors.As(err, &dup) {
		t.Fatalf("expected PackageAlreadyRegisteredError, got %T", err)
	}
	if registry.Count() != 1 {
		t.Errorf("expected count 1, got %d", registry.Count())
	}
}

func TestRegistry_LookupByArch(t *testing.T) {
	registry := NewRegistry(zap.NewNop())
	for _, pkg := range []*Package{
		testPackage("i8086", "x86"),
		testPackage("i8088", "x86"),
		testPackage("z80", "z80"),
	} {
		if err := registry.Register(pkg); err != nil {
			t.Fatal(err)
		}
	}

	x86 := registry.LookupByArch("x86")
	if len(x86) != 2 || x86[0].Name() != "i8086" || x86[1].Name() != "i8088" {
		t.Errorf("LookupByArch(x86) = %v", x86)
	}

	// The returned slice is a copy.
	x86[0] = nil
	if registry.LookupByArch("x86")[0] == nil {
		t.Error("LookupByArch() exposed the internal index")
	}

	if got := registry.LookupByArch("m68k"); len(got) != 0 {
		t.Errorf("LookupByArch(m68k) = %v, want empty", got)
	}
}

func TestRegistry_ListSorted(t *testing.T) {
	registry := NewRegistry(zap.NewNop())
	for _, name := range []string{"z80", "i8086", "m6502"} {
		if err := registry.Register(testPackage(name, name)); err != nil {
			t.Fatal(err)
		}
	}

	list := registry.List()
	want := []string{"i8086", "m6502", "z80"}
	if len(list) != len(want) {
		t.Fatalf("expected %d packages, got %d", len(want), len(list))
	}
	for i, pkg := range list {
		if pkg.Name() != want[i] {
			t.Errorf("List()[%d] = %s, want %s", i, pkg.Name(), want[i])
		}
	}
}
