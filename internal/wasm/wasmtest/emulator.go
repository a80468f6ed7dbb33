// Package wasmtest provides an emulator module for tests.
//
// The guest is a small WAT shim whose exports forward to host functions
// imported from HostModuleName. The host side holds the emulator state: a
// handful of 8086 registers and flags driven by MOV, ADD, PUSH and POP.
// Everything the bridge sees crosses real wazero linear memory.
package wasmtest

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/wippyai/wasm-runtime/wat"

	abi "github.com/woxQAQ/emubridge/api/wasm"
)

// HostModuleName is the import module of the guest shim.
const HostModuleName = "emu"

// heapBase is where the bump allocator starts handing out memory.
const heapBase = 1024

const pageSize = 65536

// Registers in dump order.
var Registers = []string{"AX", "BX", "CX", "DX", "SI", "DI", "BP", "SP", "IP", "CS", "DS", "SS", "ES"}

// Flags in dump order.
var Flags = []string{"CF", "PF", "AF", "ZF", "SF", "TF", "IF", "DF", "OF"}

// Options shape the generated guest.
type Options struct {
	// ABI of the result accessors. Defaults to abi.ABIOffsetLength.
	ABI abi.AccessorABI

	// AllocateExport renames the allocate export.
	AllocateExport string

	// Omit leaves these exports out of the module.
	Omit []string

	// GrowOnSimulate grows guest memory by one page on every simulate.
	GrowOnSimulate bool
}

// State is the structured form of the emulator state.
type State struct {
	Registers map[string]uint16 `json:"registers"`
	Flags     map[string]uint8  `json:"flags"`
}

// Output is the structured form of a simulate result.
type Output struct {
	Executed int `json:"executed"`
	State
}

// Emulator is the host half of the test guest.
type Emulator struct {
	opts Options

	mu     sync.Mutex
	module string
	next   uint32

	regs     map[string]uint16
	flags    map[string]uint8
	stack    []uint16
	trace    []string
	lastText string
	lastJSON string

	spin     bool
	gate     chan struct{}
	entered  chan struct{}
	simCalls int
}

// New creates an emulator in its initial state.
func New(opts Options) *Emulator {
	if opts.ABI == 0 {
		opts.ABI = abi.ABIOffsetLength
	}
	if opts.AllocateExport == "" {
		opts.AllocateExport = abi.ExportAllocate
	}
	e := &Emulator{opts: opts}
	e.resetLocked()
	return e
}

// Export registers the emulator's host functions on builder.
func (e *Emulator) Export(builder wazero.HostModuleBuilder) wazero.HostModuleBuilder {
	return builder.
		NewFunctionBuilder().WithFunc(e.allocate).WithParameterNames("size").Export("allocate").
		NewFunctionBuilder().WithFunc(e.simulate).WithParameterNames("ptr", "length").Export("simulate").
		NewFunctionBuilder().WithFunc(e.reset).Export("reset").
		NewFunctionBuilder().WithFunc(e.textOutput).Export("text_output").
		NewFunctionBuilder().WithFunc(e.jsonOutput).Export("json_output").
		NewFunctionBuilder().WithFunc(e.textState).Export("text_state").
		NewFunctionBuilder().WithFunc(e.jsonState).Export("json_state")
}

// Wasm compiles the guest shim.
func (e *Emulator) Wasm() ([]byte, error) {
	return wat.Compile(e.WAT())
}

// WAT returns the guest shim source.
func (e *Emulator) WAT() string {
	var b strings.Builder
	b.WriteString("(module\n")
	fmt.Fprintf(&b, "  (import %q \"allocate\" (func $allocate (param i32) (result i32)))\n", HostModuleName)
	fmt.Fprintf(&b, "  (import %q \"simulate\" (func $simulate (param i32 i32) (result i32)))\n", HostModuleName)
	fmt.Fprintf(&b, "  (import %q \"reset\" (func $reset))\n", HostModuleName)
	for _, name := range []string{"text_output", "json_output", "text_state", "json_state"} {
		fmt.Fprintf(&b, "  (import %q %q (func $%s (result i32 i32)))\n", HostModuleName, name, name)
	}
	b.WriteString("  (memory (export \"memory\") 1)\n")

	if !e.omitted(e.opts.AllocateExport) {
		fmt.Fprintf(&b, "  (func (export %q) (param $size i32) (result i32)\n    (call $allocate (local.get $size)))\n", e.opts.AllocateExport)
	}
	if !e.omitted(abi.ExportSimulate) {
		// A non-zero host result makes the guest spin until interrupted.
		fmt.Fprintf(&b, `  (func (export %q) (param $ptr i32) (param $len i32)
    (if (call $simulate (local.get $ptr) (local.get $len))
      (then (loop $spin (br $spin)))))
`, abi.ExportSimulate)
	}
	if !e.omitted(abi.ExportReset) {
		fmt.Fprintf(&b, "  (func (export %q)\n    (call $reset))\n", abi.ExportReset)
	}

	for _, pair := range [][2]string{
		{abi.ExportTextOutput, "text_output"},
		{abi.ExportJSONOutput, "json_output"},
		{abi.ExportTextState, "text_state"},
		{abi.ExportJSONState, "json_state"},
	} {
		export, imp := pair[0], pair[1]
		if e.omitted(export) {
			continue
		}
		switch e.opts.ABI {
		case abi.ABIOffset:
			fmt.Fprintf(&b, "  (func (export %q) (result i32)\n    (call $%s)\n    (drop))\n", export, imp)
		case abi.ABIPacked:
			fmt.Fprintf(&b, `  (func (export %q) (result i64) (local $off i32) (local $len i32)
    (call $%s)
    (local.set $len)
    (local.set $off)
    (i64.or
      (i64.shl (i64.extend_i32_u (local.get $off)) (i64.const 32))
      (i64.extend_i32_u (local.get $len))))
`, export, imp)
		default:
			fmt.Fprintf(&b, "  (func (export %q) (result i32 i32)\n    (call $%s))\n", export, imp)
		}
	}
	b.WriteString(")\n")
	return b.String()
}

func (e *Emulator) omitted(export string) bool {
	for _, name := range e.opts.Omit {
		if name == export {
			return true
		}
	}
	return false
}

// SpinNextSimulate makes the next simulate loop forever inside the guest.
func (e *Emulator) SpinNextSimulate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spin = true
}

// Block makes the next simulate wait inside the host function. The returned
// channel receives once the call has entered; release lets it proceed.
func (e *Emulator) Block() (entered <-chan struct{}, release func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gate = make(chan struct{})
	e.entered = make(chan struct{}, 1)
	gate := e.gate
	var once sync.Once
	return e.entered, func() { once.Do(func() { close(gate) }) }
}

// SimulateCalls reports how many times the guest simulate entry point ran.
func (e *Emulator) SimulateCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.simCalls
}

// InitialState returns the documented power-on register values.
func InitialState() State {
	s := State{Registers: map[string]uint16{}, Flags: map[string]uint8{}}
	for _, r := range Registers {
		s.Registers[r] = 0
	}
	for _, f := range Flags {
		s.Flags[f] = 0
	}
	s.Registers["SP"] = 0xFFFE
	return s
}

func (e *Emulator) resetLocked() {
	s := InitialState()
	e.regs = s.Registers
	e.flags = s.Flags
	e.stack = nil
	e.trace = nil
	e.lastText = ""
	e.lastJSON = ""
}

// bind starts from scratch when a new instance calls in.
func (e *Emulator) bind(mod api.Module) {
	if mod.Name() == e.module {
		return
	}
	e.module = mod.Name()
	e.next = heapBase
	e.resetLocked()
}

func (e *Emulator) allocate(_ context.Context, mod api.Module, size uint32) uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bind(mod)
	return e.alloc(mod, size)
}

func (e *Emulator) alloc(mod api.Module, size uint32) uint32 {
	mem := mod.Memory()
	offset := (e.next + 7) &^ 7
	end := uint64(offset) + uint64(size)
	if end > uint64(mem.Size()) {
		pages := (end - uint64(mem.Size()) + pageSize - 1) / pageSize
		if _, ok := mem.Grow(uint32(pages)); !ok {
			return 0
		}
	}
	e.next = uint32(end)
	return offset
}

func (e *Emulator) simulate(_ context.Context, mod api.Module, ptr, length uint32) uint32 {
	e.mu.Lock()
	e.bind(mod)
	e.simCalls++
	gate, entered := e.gate, e.entered
	e.gate, e.entered = nil, nil
	e.mu.Unlock()

	if gate != nil {
		entered <- struct{}{}
		<-gate
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.spin {
		e.spin = false
		return 1
	}
	if e.opts.GrowOnSimulate {
		mod.Memory().Grow(1)
	}

	var src string
	if length > 0 {
		buf, ok := mod.Memory().Read(ptr, length)
		if !ok {
			panic(fmt.Sprintf("simulate: input out of range (ptr=%d, len=%d)", ptr, length))
		}
		src = string(buf)
	}

	var lines []string
	for _, line := range strings.Split(src, "\n") {
		if i := strings.IndexByte(line, ';'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lines = append(lines, e.execute(line))
	}
	e.trace = append(e.trace, lines...)

	e.lastText = joinLines(lines)
	out, _ := json.Marshal(Output{Executed: len(lines), State: e.snapshot()})
	e.lastJSON = string(out)
	return 0
}

// execute runs one instruction and returns its trace line.
func (e *Emulator) execute(line string) string {
	mnemonic, rest, _ := strings.Cut(line, " ")
	mnemonic = strings.ToUpper(mnemonic)
	var ops []string
	for _, op := range strings.Split(rest, ",") {
		if op = strings.ToUpper(strings.TrimSpace(op)); op != "" {
			ops = append(ops, op)
		}
	}

	switch {
	case mnemonic == "MOV" && len(ops) == 2 && e.isRegister(ops[0]):
		if v, ok := e.operand(ops[1]); ok {
			e.regs[ops[0]] = v
		}
	case mnemonic == "ADD" && len(ops) == 2 && e.isRegister(ops[0]):
		if v, ok := e.operand(ops[1]); ok {
			sum := uint32(e.regs[ops[0]]) + uint32(v)
			e.regs[ops[0]] = uint16(sum)
			e.flags["CF"] = boolFlag(sum > 0xFFFF)
			e.flags["ZF"] = boolFlag(uint16(sum) == 0)
			e.flags["SF"] = boolFlag(uint16(sum)&0x8000 != 0)
		}
	case mnemonic == "PUSH" && len(ops) == 1 && e.isRegister(ops[0]):
		e.stack = append(e.stack, e.regs[ops[0]])
		e.regs["SP"] -= 2
	case mnemonic == "POP" && len(ops) == 1 && e.isRegister(ops[0]) && len(e.stack) > 0:
		e.regs[ops[0]] = e.stack[len(e.stack)-1]
		e.stack = e.stack[:len(e.stack)-1]
		e.regs["SP"] += 2
	}

	if len(ops) == 0 {
		return "Executing: " + mnemonic
	}
	return "Executing: " + mnemonic + " " + strings.Join(ops, ", ")
}

func (e *Emulator) isRegister(name string) bool {
	_, ok := e.regs[name]
	return ok
}

func (e *Emulator) operand(op string) (uint16, bool) {
	if v, ok := e.regs[op]; ok {
		return v, true
	}
	base := 0
	if strings.HasSuffix(op, "H") {
		op, base = strings.TrimSuffix(op, "H"), 16
	}
	v, err := strconv.ParseUint(strings.ToLower(op), base, 16)
	if err != nil {
		return 0, false
	}
	return uint16(v), true
}

func (e *Emulator) snapshot() State {
	s := State{Registers: make(map[string]uint16, len(e.regs)), Flags: make(map[string]uint8, len(e.flags))}
	for k, v := range e.regs {
		s.Registers[k] = v
	}
	for k, v := range e.flags {
		s.Flags[k] = v
	}
	return s
}

func (e *Emulator) reset(_ context.Context, mod api.Module) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bind(mod)
	e.resetLocked()
}

func (e *Emulator) textOutput(_ context.Context, mod api.Module) (uint32, uint32) {
	return e.publish(mod, func() string { return e.lastText })
}

func (e *Emulator) jsonOutput(_ context.Context, mod api.Module) (uint32, uint32) {
	return e.publish(mod, func() string { return e.lastJSON })
}

// textState is the trace since reset followed by a register dump, or empty
// when nothing ran since reset.
func (e *Emulator) textState(_ context.Context, mod api.Module) (uint32, uint32) {
	return e.publish(mod, func() string {
		if len(e.trace) == 0 {
			return ""
		}
		var b strings.Builder
		for _, line := range e.trace {
			b.WriteString(line)
			b.WriteByte('\n')
		}
		for i, r := range Registers {
			if i > 0 {
				b.WriteByte(' ')
			}
			fmt.Fprintf(&b, "%s=%04X", r, e.regs[r])
		}
		return b.String()
	})
}

func (e *Emulator) jsonState(_ context.Context, mod api.Module) (uint32, uint32) {
	return e.publish(mod, func() string {
		out, _ := json.Marshal(e.snapshot())
		return string(out)
	})
}

// publish copies a result into a fresh guest buffer. Offset-ABI buffers are
// NUL-terminated.
func (e *Emulator) publish(mod api.Module, text func() string) (uint32, uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bind(mod)

	data := []byte(text())
	size := uint32(len(data))
	if e.opts.ABI == abi.ABIOffset {
		data = append(data, 0)
	}
	offset := e.alloc(mod, uint32(len(data)))
	if offset == 0 {
		panic("publish: guest memory exhausted")
	}
	if !mod.Memory().Write(offset, data) {
		panic("publish: write out of range")
	}
	return offset, size
}

func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

func boolFlag(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
