package wasm

// Default export names of an emulator module.
const (
	ExportMemory     = "memory"
	ExportAllocate   = "allocate"
	ExportSimulate   = "simulate"
	ExportReset      = "reset"
	ExportTextOutput = "getTextOutput"
	ExportJSONOutput = "getJsonOutput"
	ExportTextState  = "getTextState"
	ExportJSONState  = "getJsonState"
)

// AccessorABI describes how a result accessor reports its buffer.
type AccessorABI int

const (
	// ABIOffset accessors return a bare i32 offset to a NUL-terminated
	// buffer. The host decodes up to a configured maximum length.
	ABIOffset AccessorABI = iota + 1

	// ABIOffsetLength accessors return (offset i32, length i32).
	ABIOffsetLength

	// ABIPacked accessors return a single i64 holding offset<<32 | length.
	ABIPacked
)

func (a AccessorABI) String() string {
	switch a {
	case ABIOffset:
		return "offset"
	case ABIOffsetLength:
		return "offset+length"
	case ABIPacked:
		return "packed"
	default:
		return "unknown"
	}
}

// Unpack splits a packed accessor result.
func Unpack(v uint64) (offset, length uint32) {
	return uint32(v >> 32), uint32(v)
}

// Pack is the inverse of Unpack.
func Pack(offset, length uint32) uint64 {
	return uint64(offset)<<32 | uint64(length)
}
