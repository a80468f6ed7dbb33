package wasm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/experimental/logging"
	"github.com/wippyai/wasm-runtime/wat"
	"go.uber.org/zap"
)

// maxFetchBytes bounds modules fetched over HTTP.
const maxFetchBytes = 64 << 20

// ModuleLoader handles loading and compiling Wasm modules.
type ModuleLoader struct {
	runtime *Runtime
	logger  *zap.Logger
}

// NewModuleLoader creates a new module loader.
func NewModuleLoader(runtime *Runtime, logger *zap.Logger) *ModuleLoader {
	return &ModuleLoader{
		runtime: runtime,
		logger:  logger.With(zap.String("component", "wasm-loader")),
	}
}

// ModuleSource represents a source for Wasm bytecode.
type ModuleSource interface {
	// Bytes returns the Wasm bytecode. Sources that block honour ctx.
	Bytes(ctx context.Context) ([]byte, error)

	// Name returns a name/identifier for this module.
	Name() string

	// Size returns the size in bytes.
	Size() int64
}

// SourceFor picks a ModuleSource for a location: an http(s) URL, a .wat
// text file or a binary .wasm file.
func SourceFor(location string) ModuleSource {
	switch {
	case strings.HasPrefix(location, "http://"), strings.HasPrefix(location, "https://"):
		return &HTTPModuleSource{URL: location}
	case strings.EqualFold(filepath.Ext(location), ".wat"):
		return &WATModuleSource{Path: location}
	default:
		return &FileModuleSource{Path: location}
	}
}

// FileModuleSource loads Wasm from a file.
type FileModuleSource struct {
	Path string
}

// Bytes reads the Wasm file.
func (f *FileModuleSource) Bytes(context.Context) ([]byte, error) {
	return os.ReadFile(f.Path)
}

// Name returns the file path as the module name.
func (f *FileModuleSource) Name() string {
	return f.Path
}

// Size returns the file size.
func (f *FileModuleSource) Size() int64 {
	info, err := os.Stat(f.Path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// MemoryModuleSource loads Wasm from memory.
type MemoryModuleSource struct {
	ModuleName string
	Data       []byte
}

// Bytes returns the Wasm bytecode.
func (m *MemoryModuleSource) Bytes(context.Context) ([]byte, error) {
	return m.Data, nil
}

// Name returns the module name.
func (m *MemoryModuleSource) Name() string {
	return m.ModuleName
}

// Size returns the data size.
func (m *MemoryModuleSource) Size() int64 {
	return int64(len(m.Data))
}

// WATModuleSource compiles a WebAssembly text file to binary on read.
type WATModuleSource struct {
	Path string

	once sync.Once
	data []byte
	err  error
}

// Bytes reads and compiles the WAT file. The result is memoized.
func (w *WATModuleSource) Bytes(context.Context) ([]byte, error) {
	w.once.Do(func() {
		text, err := os.ReadFile(w.Path)
		if err != nil {
			w.err = err
			return
		}
		w.data, w.err = wat.Compile(string(text))
		if w.err != nil {
			w.err = fmt.Errorf("compile WAT %s: %w", w.Path, w.err)
		}
	})
	return w.data, w.err
}

// Name returns the file path as the module name.
func (w *WATModuleSource) Name() string {
	return w.Path
}

// Size returns the compiled size, or 0 before the first successful read.
func (w *WATModuleSource) Size() int64 {
	data, err := w.Bytes(context.Background())
	if err != nil {
		return 0
	}
	return int64(len(data))
}

// HTTPModuleSource fetches Wasm over HTTP, the way a browser host would
// fetch /emulator.wasm.
type HTTPModuleSource struct {
	URL    string
	Client *http.Client

	mu   sync.Mutex
	data []byte
}

// Bytes fetches the module. A successful response is memoized; a failed or
// canceled fetch is retried on the next call.
func (h *HTTPModuleSource) Bytes(ctx context.Context) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.data != nil {
		return h.data, nil
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", h.URL, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", h.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %s", h.URL, resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes+1))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", h.URL, err)
	}
	if len(data) > maxFetchBytes {
		return nil, fmt.Errorf("fetch %s: module exceeds %d bytes", h.URL, maxFetchBytes)
	}

	h.data = data
	return data, nil
}

// Name returns the URL as the module name.
func (h *HTTPModuleSource) Name() string {
	return h.URL
}

// Size returns the fetched size, or 0 before the first fetch.
func (h *HTTPModuleSource) Size() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return int64(len(h.data))
}

// LoadModule loads a Wasm module from a source.
// Compiles it if not already cached.
func (l *ModuleLoader) LoadModule(ctx context.Context, source ModuleSource) (*CompiledModule, error) {
	// Check cache first
	if cached, ok := l.runtime.GetCompiledModule(source.Name()); ok {
		l.logger.Debug("Module cache hit",
			zap.String("module", source.Name()),
		)
		return cached, nil
	}

	// Load Wasm bytes
	wasmBytes, err := source.Bytes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read module %s: %w", source.Name(), err)
	}

	// Compile the module
	l.logger.Info("Compiling Wasm module",
		zap.String("module", source.Name()),
		zap.Int("size_bytes", len(wasmBytes)),
	)

	startTime := time.Now()

	// Function listeners are bound at compile time.
	if l.runtime.config.DebugEnabled {
		ctx = experimental.WithFunctionListenerFactory(ctx,
			logging.NewLoggingListenerFactory(newZapWriter(l.logger, "wasm-trace")))
	}

	// wazero.CompileModule decodes and validates the Wasm binary
	// This is CPU-intensive but only done once per module
	compiled, err := l.runtime.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, &CompilationError{
			ModuleName: source.Name(),
			Err:        err,
		}
	}

	duration := time.Since(startTime)

	// Wrap with metadata
	compiledModule := &CompiledModule{
		Module:     compiled,
		Name:       source.Name(),
		Source:     source.Name(),
		SizeBytes:  int64(len(wasmBytes)),
		CompiledAt: time.Now().Unix(),
	}

	// Cache the compiled module
	l.runtime.StoreCompiledModule(compiledModule)

	l.logger.Info("Module compiled successfully",
		zap.String("module", source.Name()),
		zap.Duration("duration", duration),
	)

	return compiledModule, nil
}

// zapWriter adapts zap to wazero's logging.Writer. The listener writes a
// line in several pieces, so output is buffered until a newline.
type zapWriter struct {
	logger *zap.Logger

	mu  sync.Mutex
	buf bytes.Buffer
}

func newZapWriter(logger *zap.Logger, component string) *zapWriter {
	return &zapWriter{logger: logger.With(zap.String("component", component))}
}

func (w *zapWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Incomplete line, keep it for the next write.
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		w.logger.Debug(strings.TrimRight(line, "\n"))
	}
	return len(p), nil
}

func (w *zapWriter) WriteString(s string) (int, error) {
	return w.Write([]byte(s))
}
