//go:build wasm

package wasm

// This file defines the Wasm export interface for emulator modules.
// Emulators must implement these functions using //go:wasmexport
//
// NOTE: uint32 is used for pointers and lengths because WebAssembly uses a 32-bit
// linear memory model. All Wasm memory addresses are represented as 32-bit integers
// (addresses 0 to 4GB). This ensures compatibility with Wasm's memory architecture.
// See: https://github.com/golang/go/issues/59156

// Exported functions that emulators must implement:
//
// //go:wasmexport allocate
// func allocate(length uint32) uint32
//
// //go:wasmexport simulate
// func simulate(ptr, length uint32)
//
// //go:wasmexport reset
// func reset()
//
// Result accessors. Each reports the location of a UTF-8 buffer owned by the
// emulator. wasmexport functions have at most one result, so Go emulators
// pack the location as offset<<32 | length (see Pack):
//
// //go:wasmexport getTextOutput
// func getTextOutput() uint64
//
// //go:wasmexport getJsonOutput
// func getJsonOutput() uint64
//
// //go:wasmexport getTextState
// func getTextState() uint64
//
// //go:wasmexport getJsonState
// func getJsonState() uint64
//
// Toolchains with multi-value returns may export () -> (ptr, length)
// instead. Modules built before lengths were reported return a bare ptr and
// NUL-terminate the buffer; the host then reads at most the configured
// maximum number of bytes. The host detects the form from the export
// signature.
