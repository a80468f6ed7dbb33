package wasm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	abi "github.com/woxQAQ/emubridge/api/wasm"
)

// InstanceManager creates and manages module instances.
type InstanceManager struct {
	runtime   *Runtime
	logger    *zap.Logger
	hostFuncs *HostFunctionsImpl
}

// NewInstanceManager creates a new instance manager.
func NewInstanceManager(runtime *Runtime, hostFuncs *HostFunctionsImpl, logger *zap.Logger) *InstanceManager {
	return &InstanceManager{
		runtime:   runtime,
		hostFuncs: hostFuncs,
		logger:    logger.With(zap.String("component", "wasm-instance")),
	}
}

// InstanceConfig holds configuration for creating instances.
type InstanceConfig struct {
	// Module name to instantiate.
	ModuleName string

	// Instance ID (if empty, generates UUID).
	InstanceID string

	// Entry point names and decode bounds.
	Guest GuestConfig
}

// Instantiate creates a new instance from a compiled module and resolves
// its entry points.
// Host functions are exported to the Wasm module.
func (m *InstanceManager) Instantiate(ctx context.Context, config *InstanceConfig) (*Guest, error) {
	// Get compiled module from cache.
	compiled, ok := m.runtime.GetCompiledModule(config.ModuleName)
	if !ok {
		return nil, &ModuleNotFoundError{ModuleName: config.ModuleName}
	}

	if limit := m.runtime.config.MaxInstances; limit > 0 && m.runtime.InstanceCount() >= limit {
		return nil, &InstanceLimitError{Limit: limit}
	}

	// Generate instance ID if not provided.
	instanceID := config.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	m.logger.Info("Instantiating Wasm module",
		zap.String("module", config.ModuleName),
		zap.String("instance_id", instanceID),
	)

	// Host module is built once per runtime.
	if err := m.runtime.InstantiateHostModule(ctx, abi.HostModule, m.hostFuncs.Export); err != nil {
		return nil, fmt.Errorf("failed to export host functions: %w", err)
	}

	// Reactor modules initialize through _initialize; it is skipped when
	// absent. Guest stdio ends up in the log.
	moduleConfig := wazero.NewModuleConfig().
		WithName(instanceID).
		WithStartFunctions("_initialize").
		WithStdout(newZapWriter(m.logger.With(zap.String("instance_id", instanceID)), "wasm-stdout")).
		WithStderr(newZapWriter(m.logger.With(zap.String("instance_id", instanceID)), "wasm-stderr"))

	module, err := m.runtime.runtime.InstantiateModule(ctx, compiled.Module, moduleConfig)
	if err != nil {
		return nil, &InstantiationError{
			ModuleName: config.ModuleName,
			InstanceID: instanceID,
			Err:        err,
		}
	}

	guest, err := bindGuest(module, config.Guest)
	if err != nil {
		_ = module.Close(ctx)
		return nil, err
	}
	guest.ID = instanceID
	guest.Name = config.ModuleName
	guest.CreatedAt = time.Now().Unix()
	guest.runtime = m.runtime
	guest.logger = m.logger.With(zap.String("instance_id", instanceID))

	// Track active instance.
	m.runtime.StoreInstance(instanceID, guest)

	m.logger.Info("Module instantiated successfully",
		zap.String("instance_id", instanceID),
		zap.Uint32("memory_bytes", guest.memory.Size()),
		zap.Stringer("output_abi", guest.accessors[TextOutput].abi),
	)

	return guest, nil
}

var (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
)

// bindGuest resolves and signature-checks the entry points named by cfg.
func bindGuest(module api.Module, cfg GuestConfig) (*Guest, error) {
	names := cfg.Exports

	var mem api.Memory
	if names.Memory != "" {
		mem = module.ExportedMemory(names.Memory)
	}
	if mem == nil {
		mem = module.Memory()
	}
	if mem == nil {
		return nil, fmt.Errorf("module '%s' has no memory", module.Name())
	}

	g := &Guest{module: module, memory: newMemory(mem), config: cfg}

	var err error
	if g.allocate, err = lookup(module, names.Allocate, []api.ValueType{i32}, []api.ValueType{i32}); err != nil {
		return nil, err
	}
	if g.simulate, err = lookup(module, names.Simulate, []api.ValueType{i32, i32}, nil); err != nil {
		return nil, err
	}
	if g.reset, err = lookup(module, names.Reset, nil, nil); err != nil {
		return nil, err
	}

	for a, entry := range map[Accessor]struct {
		name string
		max  uint32
	}{
		TextOutput: {names.TextOutput, cfg.TextMaxBytes},
		JSONOutput: {names.JSONOutput, cfg.JSONMaxBytes},
		TextState:  {names.TextState, cfg.TextMaxBytes},
		JSONState:  {names.JSONState, cfg.JSONMaxBytes},
	} {
		acc, err := lookupAccessor(module, entry.name, entry.max)
		if err != nil {
			return nil, err
		}
		g.accessors[a] = acc
	}

	return g, nil
}

func lookup(module api.Module, name string, params, results []api.ValueType) (api.Function, error) {
	fn := module.ExportedFunction(name)
	if fn == nil {
		return nil, &FunctionNotFoundError{ModuleName: module.Name(), FunctionName: name}
	}
	def := fn.Definition()
	if !sameTypes(def.ParamTypes(), params) || !sameTypes(def.ResultTypes(), results) {
		return nil, &SignatureError{
			FunctionName: name,
			Want:         signature(params, results),
			Got:          signature(def.ParamTypes(), def.ResultTypes()),
		}
	}
	return fn, nil
}

// lookupAccessor detects the accessor ABI from the result types.
func lookupAccessor(module api.Module, name string, bound uint32) (accessor, error) {
	fn := module.ExportedFunction(name)
	if fn == nil {
		return accessor{}, &FunctionNotFoundError{ModuleName: module.Name(), FunctionName: name}
	}
	def := fn.Definition()
	acc := accessor{name: name, fn: fn, max: bound}

	results := def.ResultTypes()
	switch {
	case len(def.ParamTypes()) != 0:
	case sameTypes(results, []api.ValueType{i32}):
		acc.abi = abi.ABIOffset
	case sameTypes(results, []api.ValueType{i32, i32}):
		acc.abi = abi.ABIOffsetLength
	case sameTypes(results, []api.ValueType{i64}):
		acc.abi = abi.ABIPacked
	}
	if acc.abi == 0 {
		return accessor{}, &SignatureError{
			FunctionName: name,
			Want:         "() -> (i32) | (i32, i32) | (i64)",
			Got:          signature(def.ParamTypes(), results),
		}
	}
	return acc, nil
}

func sameTypes(a, b []api.ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func signature(params, results []api.ValueType) string {
	return "(" + typeList(params) + ") -> (" + typeList(results) + ")"
}

func typeList(types []api.ValueType) string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = api.ValueTypeName(t)
	}
	return strings.Join(names, ", ")
}
