package wasm

import (
	"context"
	"unicode/utf8"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	abi "github.com/woxQAQ/emubridge/api/wasm"
)

// maxLogMessage caps a single guest log line.
const maxLogMessage = 4096

// HostFunctionsImpl implements host functions for Wasm modules.
type HostFunctionsImpl struct {
	logger *zap.Logger
}

// NewHostFunctions creates a new host functions implementation.
func NewHostFunctions(logger *zap.Logger) *HostFunctionsImpl {
	return &HostFunctionsImpl{
		logger: logger.With(zap.String("component", "wasm-host")),
	}
}

// Export registers the host functions on builder.
func (h *HostFunctionsImpl) Export(builder wazero.HostModuleBuilder) wazero.HostModuleBuilder {
	// Export log_message function.
	// Wasm modules can call this to log messages.
	return builder.NewFunctionBuilder().
		WithFunc(h.logMessage).
		WithParameterNames("level", "ptr", "length").
		Export(abi.HostLogMessage)
}

// logMessage is called by Wasm modules to log messages.
// Signature: log_message(level, ptr, length)
// level: 0 = debug, 1 = info, 2 = warn, 3 = error
func (h *HostFunctionsImpl) logMessage(ctx context.Context, mod api.Module, level uint32, ptr uint32, length uint32) {
	truncated := false
	if length > maxLogMessage {
		length = maxLogMessage
		truncated = true
	}

	// Read message from Wasm memory.
	msg, ok := NewMemory(mod).ReadBytes(ptr, length)
	if !ok {
		h.logger.Error("Failed to read log message from Wasm memory",
			zap.Uint32("ptr", ptr),
			zap.Uint32("length", length),
		)
		return
	}
	if !utf8.Valid(msg) {
		h.logger.Warn("Guest log message is not valid UTF-8",
			zap.Uint32("ptr", ptr),
			zap.Binary("raw", msg),
		)
		return
	}

	logger := h.logger.With(zap.String("guest", mod.Name()))
	if truncated {
		logger = logger.With(zap.Bool("truncated", true))
	}

	switch abi.LogLevel(level) {
	case abi.LogDebug:
		logger.Debug(string(msg))
	case abi.LogInfo:
		logger.Info(string(msg))
	case abi.LogWarn:
		logger.Warn(string(msg))
	case abi.LogError:
		logger.Error(string(msg))
	default:
		logger.Info(string(msg))
	}
}
