package wasm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	abi "github.com/woxQAQ/emubridge/api/wasm"
)

// ExportNames maps guest entry points to export names.
type ExportNames struct {
	Memory     string `mapstructure:"memory" yaml:"memory"`
	Allocate   string `mapstructure:"allocate" yaml:"allocate"`
	Simulate   string `mapstructure:"simulate" yaml:"simulate"`
	Reset      string `mapstructure:"reset" yaml:"reset"`
	TextOutput string `mapstructure:"text_output" yaml:"text_output"`
	JSONOutput string `mapstructure:"json_output" yaml:"json_output"`
	TextState  string `mapstructure:"text_state" yaml:"text_state"`
	JSONState  string `mapstructure:"json_state" yaml:"json_state"`
}

// DefaultExportNames returns the export names emulators ship with.
func DefaultExportNames() ExportNames {
	return ExportNames{
		Memory:     abi.ExportMemory,
		Allocate:   abi.ExportAllocate,
		Simulate:   abi.ExportSimulate,
		Reset:      abi.ExportReset,
		TextOutput: abi.ExportTextOutput,
		JSONOutput: abi.ExportJSONOutput,
		TextState:  abi.ExportTextState,
		JSONState:  abi.ExportJSONState,
	}
}

// WithOverrides returns a copy of n with the non-empty entries of
// overrides applied. Keys use the snake_case entry point names.
func (n ExportNames) WithOverrides(overrides map[string]string) (ExportNames, error) {
	for key, name := range overrides {
		if name == "" {
			continue
		}
		switch key {
		case "memory":
			n.Memory = name
		case "allocate":
			n.Allocate = name
		case "simulate":
			n.Simulate = name
		case "reset":
			n.Reset = name
		case "text_output":
			n.TextOutput = name
		case "json_output":
			n.JSONOutput = name
		case "text_state":
			n.TextState = name
		case "json_state":
			n.JSONState = name
		default:
			return n, fmt.Errorf("unknown guest export %q", key)
		}
	}
	return n, nil
}

// GuestConfig controls how a Guest talks to its module.
type GuestConfig struct {
	Exports ExportNames

	// Decode bounds for accessors using the legacy offset ABI.
	TextMaxBytes uint32
	JSONMaxBytes uint32

	// Largest input accepted by WriteInput. Zero disables the check.
	MaxInputBytes uint32
}

// DefaultGuestConfig returns the defaults used when no manifest or config
// says otherwise.
func DefaultGuestConfig() GuestConfig {
	return GuestConfig{
		Exports:       DefaultExportNames(),
		TextMaxBytes:  1024,
		JSONMaxBytes:  2048,
		MaxInputBytes: 64 << 10,
	}
}

// Accessor identifies one of the guest's result accessors.
type Accessor int

const (
	TextOutput Accessor = iota
	JSONOutput
	TextState
	JSONState

	numAccessors
)

func (a Accessor) String() string {
	switch a {
	case TextOutput:
		return "text_output"
	case JSONOutput:
		return "json_output"
	case TextState:
		return "text_state"
	case JSONState:
		return "json_state"
	default:
		return fmt.Sprintf("accessor(%d)", int(a))
	}
}

type accessor struct {
	name string
	fn   api.Function
	abi  abi.AccessorABI
	max  uint32
}

// Guest is an instantiated emulator module with its entry points resolved.
// A Guest is not safe for concurrent use; callers serialize access.
type Guest struct {
	ID        string
	Name      string
	CreatedAt int64

	module  api.Module
	memory  *Memory
	runtime *Runtime
	logger  *zap.Logger
	config  GuestConfig

	allocate  api.Function
	simulate  api.Function
	reset     api.Function
	accessors [numAccessors]accessor

	closeOnce sync.Once
}

// Memory returns the marshaller over the guest's linear memory.
func (g *Guest) Memory() *Memory {
	return g.memory
}

// AccessorABI reports the ABI detected for an accessor.
func (g *Guest) AccessorABI(a Accessor) abi.AccessorABI {
	return g.accessors[a].abi
}

// Closed reports whether the underlying module is no longer usable, for
// example after an execution deadline closed it.
func (g *Guest) Closed() bool {
	return g.module.IsClosed()
}

// Allocate asks the guest allocator for size bytes.
func (g *Guest) Allocate(ctx context.Context, size uint32) (uint32, error) {
	results, err := g.call(ctx, g.config.Exports.Allocate, g.allocate, api.EncodeU32(size))
	if err != nil {
		return 0, err
	}
	return api.DecodeU32(results[0]), nil
}

// WriteInput copies text into a fresh guest allocation.
func (g *Guest) WriteInput(ctx context.Context, text string) (GuestRef, error) {
	return g.memory.WriteInput(ctx, g.Allocate, text, g.config.MaxInputBytes)
}

// Simulate runs the guest over the input at ref.
func (g *Guest) Simulate(ctx context.Context, ref GuestRef) error {
	if err := g.memory.check(ref); err != nil {
		return err
	}
	_, err := g.call(ctx, g.config.Exports.Simulate, g.simulate,
		api.EncodeU32(ref.Offset), api.EncodeU32(ref.Length))
	return err
}

// Reset restores the guest to its initial state. Every ref obtained before
// the reset is stale afterwards.
func (g *Guest) Reset(ctx context.Context) error {
	_, err := g.call(ctx, g.config.Exports.Reset, g.reset)
	g.memory.Invalidate()
	return err
}

// Output calls an accessor and decodes the buffer it reports.
func (g *Guest) Output(ctx context.Context, a Accessor) (string, error) {
	acc := g.accessors[a]
	results, err := g.call(ctx, acc.name, acc.fn)
	if err != nil {
		return "", err
	}

	switch acc.abi {
	case abi.ABIOffsetLength:
		return g.memory.Read(g.memory.Ref(api.DecodeU32(results[0]), api.DecodeU32(results[1])))
	case abi.ABIPacked:
		offset, length := abi.Unpack(results[0])
		return g.memory.Read(g.memory.Ref(offset, length))
	default:
		offset := api.DecodeU32(results[0])
		// Near the end of memory the bound is cut to what exists.
		bound := acc.max
		if size := g.memory.Size(); offset < size && size-offset < bound {
			bound = size - offset
		}
		text, terminated, err := g.memory.ReadBounded(g.memory.Ref(offset, bound))
		if err == nil && !terminated && bound == acc.max {
			g.logger.Warn("Guest output truncated at decode bound",
				zap.String("accessor", acc.name),
				zap.Uint32("max_bytes", acc.max),
			)
		}
		return text, err
	}
}

// Close closes the module and stops tracking it.
func (g *Guest) Close(ctx context.Context) error {
	var err error
	g.closeOnce.Do(func() {
		g.runtime.DeleteInstance(g.ID)
		err = g.module.Close(ctx)
	})
	return err
}

// call invokes fn and starts a new memory generation if the guest grew its
// memory during the call.
func (g *Guest) call(ctx context.Context, name string, fn api.Function, params ...uint64) ([]uint64, error) {
	start := time.Now()
	results, err := fn.Call(ctx, params...)
	if g.memory.Sync() {
		g.logger.Debug("Guest memory grew",
			zap.String("function", name),
			zap.Uint32("size", g.memory.Size()),
			zap.Uint64("generation", g.memory.Generation()),
		)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &TimeoutError{FunctionName: name, Duration: time.Since(start), Err: err}
		}
		return nil, &GuestCallError{FunctionName: name, Err: err}
	}
	return results, nil
}
