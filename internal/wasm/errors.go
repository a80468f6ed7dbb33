package wasm

import (
	"fmt"
	"time"
)

// LoadError occurs when a guest module cannot be fetched, compiled,
// instantiated or bound. It is fatal to the session that attempted the load.
type LoadError struct {
	Source string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load guest module '%s': %v", e.Source, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// CompilationError occurs when Wasm module compilation fails
type CompilationError struct {
	ModuleName string
	Err        error
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("failed to compile Wasm module '%s': %v", e.ModuleName, e.Err)
}

func (e *CompilationError) Unwrap() error {
	return e.Err
}

// InstantiationError occurs when module instantiation fails
type InstantiationError struct {
	ModuleName string
	InstanceID string
	Err        error
}

func (e *InstantiationError) Error() string {
	return fmt.Sprintf("failed to instantiate module '%s' (instance: %s): %v",
		e.ModuleName, e.InstanceID, e.Err)
}

func (e *InstantiationError) Unwrap() error {
	return e.Err
}

// ModuleNotFoundError occurs when a module is not in cache
type ModuleNotFoundError struct {
	ModuleName string
}

func (e *ModuleNotFoundError) Error() string {
	return fmt.Sprintf("module '%s' not found in cache", e.ModuleName)
}

// FunctionNotFoundError occurs when an exported function is missing
type FunctionNotFoundError struct {
	ModuleName   string
	FunctionName string
}

func (e *FunctionNotFoundError) Error() string {
	return fmt.Sprintf("function '%s' not found in module '%s'",
		e.FunctionName, e.ModuleName)
}

// SignatureError occurs when an export exists but has the wrong type.
type SignatureError struct {
	FunctionName string
	Want         string
	Got          string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("function '%s' has signature %s, want %s",
		e.FunctionName, e.Got, e.Want)
}

// InstanceLimitError occurs when the runtime already tracks MaxInstances.
type InstanceLimitError struct {
	Limit int
}

func (e *InstanceLimitError) Error() string {
	return fmt.Sprintf("instance limit reached (max %d)", e.Limit)
}

// MemoryAccessError occurs when memory operations fail
type MemoryAccessError struct {
	Operation string
	Address   uint32
	Length    uint32
	Err       error
}

func (e *MemoryAccessError) Error() string {
	return fmt.Sprintf("memory access failed (op=%s, addr=%d, len=%d): %v",
		e.Operation, e.Address, e.Length, e.Err)
}

func (e *MemoryAccessError) Unwrap() error {
	return e.Err
}

// AllocationError occurs when the guest allocator cannot serve a request.
type AllocationError struct {
	Size   uint32
	Offset uint32
	Reason string
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("guest allocation of %d bytes failed (offset=%d): %s",
		e.Size, e.Offset, e.Reason)
}

// DecodeError occurs when guest bytes are not valid UTF-8.
type DecodeError struct {
	Offset uint32
	Length uint32
	// Index of the first invalid byte, relative to Offset.
	Index int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("invalid UTF-8 at byte %d of guest buffer (addr=%d, len=%d)",
		e.Index, e.Offset, e.Length)
}

// StaleReferenceError occurs when a GuestRef outlived a memory growth or reset.
type StaleReferenceError struct {
	Ref     GuestRef
	Current uint64
}

func (e *StaleReferenceError) Error() string {
	return fmt.Sprintf("stale guest reference (addr=%d, len=%d, generation=%d, current=%d)",
		e.Ref.Offset, e.Ref.Length, e.Ref.Generation, e.Current)
}

// GuestCallError occurs when a guest entry point traps or exits.
type GuestCallError struct {
	FunctionName string
	Err          error
}

func (e *GuestCallError) Error() string {
	return fmt.Sprintf("guest function '%s' failed: %v", e.FunctionName, e.Err)
}

func (e *GuestCallError) Unwrap() error {
	return e.Err
}

// HostModuleError occurs when a host module cannot be built or instantiated.
type HostModuleError struct {
	ModuleName string
	Err        error
}

func (e *HostModuleError) Error() string {
	return fmt.Sprintf("host module '%s' failed: %v", e.ModuleName, e.Err)
}

func (e *HostModuleError) Unwrap() error {
	return e.Err
}

// TimeoutError occurs when Wasm execution times out
type TimeoutError struct {
	FunctionName string
	Duration     time.Duration
	Err          error
}

func (e *TimeoutError) Error() string {
	if e.Duration > 0 {
		return fmt.Sprintf("Wasm execution of '%s' timed out after %v", e.FunctionName, e.Duration)
	}
	return fmt.Sprintf("Wasm execution of '%s' timed out", e.FunctionName)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}
