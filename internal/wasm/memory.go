package wasm

import (
	"context"
	"errors"
	"sync"
	"unicode/utf8"

	"github.com/tetratelabs/wazero/api"
)

// GuestRef locates a buffer in guest memory. Generation pins the ref to the
// memory layout it was obtained under; the ref becomes stale once the guest
// grows its memory or is reset.
type GuestRef struct {
	Offset     uint32
	Length     uint32
	Generation uint64
}

// Memory marshals data across the guest's linear memory.
//
// Views returned by api.Memory.Read alias the guest's backing array, which
// wazero reallocates when the memory grows. Memory therefore never hands out
// or keeps such a view: every read re-derives it and copies the bytes out.
// All guest memory access in this package goes through Memory.
type Memory struct {
	mem api.Memory

	mu         sync.Mutex
	size       uint32
	generation uint64
}

// NewMemory creates a memory helper.
func NewMemory(module api.Module) *Memory {
	return newMemory(module.Memory())
}

func newMemory(mem api.Memory) *Memory {
	return &Memory{mem: mem, size: mem.Size(), generation: 1}
}

// Generation returns the current layout generation.
func (m *Memory) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// Size returns the memory size observed at the last Sync.
func (m *Memory) Size() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size
}

// Ref stamps a location with the current generation.
func (m *Memory) Ref(offset, length uint32) GuestRef {
	return GuestRef{Offset: offset, Length: length, Generation: m.Generation()}
}

// Sync compares the live memory size against the last observed size and
// starts a new generation if the guest grew its memory. It reports whether
// a growth was observed.
func (m *Memory) Sync() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	size := m.mem.Size()
	if size == m.size {
		return false
	}
	m.size = size
	m.generation++
	return true
}

// Invalidate starts a new generation unconditionally.
func (m *Memory) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.size = m.mem.Size()
	m.generation++
}

// allocator reserves guest memory and returns its offset.
type allocator func(ctx context.Context, size uint32) (uint32, error)

// WriteInput encodes text as UTF-8, reserves space for it with alloc and
// copies it into guest memory.
// Empty text is not allocated and yields a zero-length ref at offset 0.
func (m *Memory) WriteInput(ctx context.Context, alloc allocator, text string, maxBytes uint32) (GuestRef, error) {
	data := []byte(text)
	size := uint32(len(data))

	if maxBytes > 0 && size > maxBytes {
		return GuestRef{}, &AllocationError{Size: size, Reason: "input exceeds max input size"}
	}
	if size == 0 {
		return m.Ref(0, 0), nil
	}

	offset, err := alloc(ctx, size)
	if err != nil {
		return GuestRef{}, err
	}
	if offset == 0 {
		return GuestRef{}, &AllocationError{Size: size, Reason: "allocator returned null"}
	}

	ref := m.Ref(offset, size)
	if err := m.Write(ref, data); err != nil {
		var access *MemoryAccessError
		if errors.As(err, &access) {
			return GuestRef{}, &AllocationError{Size: size, Offset: offset, Reason: "allocation outside guest memory"}
		}
		return GuestRef{}, err
	}
	return ref, nil
}

// Write copies data to the location of ref.
func (m *Memory) Write(ref GuestRef, data []byte) error {
	if err := m.check(ref); err != nil {
		return err
	}
	if uint32(len(data)) > ref.Length {
		return &MemoryAccessError{
			Operation: "write",
			Address:   ref.Offset,
			Length:    uint32(len(data)),
			Err:       errors.New("data larger than reference"),
		}
	}
	if !m.mem.Write(ref.Offset, data) {
		return &MemoryAccessError{
			Operation: "write",
			Address:   ref.Offset,
			Length:    uint32(len(data)),
			Err:       errors.New("out of range"),
		}
	}
	return nil
}

// Read decodes exactly ref.Length bytes of UTF-8 text.
func (m *Memory) Read(ref GuestRef) (string, error) {
	buf, err := m.copyOut(ref)
	if err != nil {
		return "", err
	}
	if err := validateUTF8(ref, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// ReadBounded decodes a NUL-terminated buffer of at most ref.Length bytes.
// Content that does not terminate within the bound is cut at the bound,
// which may split a multi-byte sequence and surface as a DecodeError.
// The second result reports whether a terminator was found.
func (m *Memory) ReadBounded(ref GuestRef) (string, bool, error) {
	buf, err := m.copyOut(ref)
	if err != nil {
		return "", false, err
	}

	// Find null terminator.
	terminated := false
	for i, b := range buf {
		if b == 0 {
			buf = buf[:i]
			terminated = true
			break
		}
	}

	if err := validateUTF8(ref, buf); err != nil {
		return "", terminated, err
	}
	return string(buf), terminated, nil
}

// ReadBytes copies raw bytes from guest memory without generation checks.
// Used for buffers whose location the guest passes directly to the host.
func (m *Memory) ReadBytes(ptr uint32, length uint32) ([]byte, bool) {
	view, ok := m.mem.Read(ptr, length)
	if !ok {
		return nil, false
	}
	out := make([]byte, len(view))
	copy(out, view)
	return out, true
}

func (m *Memory) check(ref GuestRef) error {
	if current := m.Generation(); ref.Generation != current {
		return &StaleReferenceError{Ref: ref, Current: current}
	}
	return nil
}

func (m *Memory) copyOut(ref GuestRef) ([]byte, error) {
	if err := m.check(ref); err != nil {
		return nil, err
	}
	buf, ok := m.ReadBytes(ref.Offset, ref.Length)
	if !ok {
		return nil, &MemoryAccessError{
			Operation: "read",
			Address:   ref.Offset,
			Length:    ref.Length,
			Err:       errors.New("out of range"),
		}
	}
	return buf, nil
}

func validateUTF8(ref GuestRef, buf []byte) error {
	if utf8.Valid(buf) {
		return nil
	}
	i := 0
	for i < len(buf) {
		r, size := utf8.DecodeRune(buf[i:])
		if r == utf8.RuneError && size <= 1 {
			break
		}
		i += size
	}
	return &DecodeError{Offset: ref.Offset, Length: ref.Length, Index: i}
}
