package wasm

// HostModule is the import module name under which the host exposes its
// functions to emulator modules.
const HostModule = "env"

// Host functions available to emulator modules.
//
// log_message(level, ptr, length uint32)
//
//	(import "env" "log_message" (func (param i32 i32 i32)))
const HostLogMessage = "log_message"

// LogLevel is the level argument of log_message.
type LogLevel uint32

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarn
	LogError
)
