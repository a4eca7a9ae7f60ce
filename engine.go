// Package blockjit is the execution engine of a dynamic binary translator for x86-64 hosts using the
// System V calling convention.
//
// An Engine owns an executable code region holding fixed stubs: a dispatcher which repeatedly asks a
// lookup function for the next translated block and jumps to it, the exit stubs translated blocks jump to
// when they stop, and trampolines forwarding guest memory accesses to host callbacks. Front ends emit
// translated blocks through Engine.Code and run them with Engine.Run.
package blockjit

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/blockjit/blockjit/internal/backend/x64"
	"github.com/blockjit/blockjit/internal/codespace"
	"github.com/blockjit/blockjit/internal/jitdebug"
	"github.com/blockjit/blockjit/internal/platform"
)

// ErrUnsupportedPlatform is returned by NewEngine when emitted code cannot run on runtime.GOOS and
// runtime.GOARCH.
var ErrUnsupportedPlatform = errors.New("blockjit: unsupported platform")

// JitState is the execution state shared between the engine and translated code.
// See JitStateOffsets for the layout.
type JitState = x64.JitState

// NewJitState returns a JitState with every floating-point exception masked in the guest MXCSR.
func NewJitState() *JitState {
	return x64.NewJitState()
}

// JitStateOffsets are the offsets of the JitState fields which translated code reaches through
// JitStateRegister.
var JitStateOffsets = x64.JitStateOffsets

// JitStateRegister is the register holding the *JitState during a run. It is R15, encoded as register
// number 15 with REX.B or REX.R set.
const JitStateRegister = x64.JitStateRegister

// ExitStubKind selects one of the four exit stubs.
type ExitStubKind = x64.ExitStubKind

const (
	// NoSwitchMXCSR skips restoring the host MXCSR on exit.
	NoSwitchMXCSR = x64.NoSwitchMXCSR
	// ForceReturn returns to the caller of Run regardless of the remaining cycles.
	ForceReturn = x64.ForceReturn
)

// Stub is a fixed code sequence emitted by the engine.
type Stub = x64.Stub

// Engine runs translated blocks. It is not safe for concurrent use: code emission and runs must be
// serialized by the caller. Distinct engines are independent.
type Engine struct {
	code         *x64.BlockOfCode
	registration *jitdebug.Registration
	perfMap      *jitdebug.PerfMap
	logger       *slog.Logger
	closed       bool
}

// NewEngine maps the code region and emits the stubs as configured by cfg, which defaults to
// NewEngineConfig when nil.
func NewEngine(cfg *EngineConfig) (*Engine, error) {
	if !platform.CompilerSupported() {
		return nil, ErrUnsupportedPlatform
	}
	if cfg == nil {
		cfg = NewEngineConfig()
	}
	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}

	var cpu platform.CpuFeatureFlags
	switch cfg.avxGuard {
	case AVXGuardAuto:
		cpu = platform.CpuFeatures
	case AVXGuardAlways:
		cpu = platform.StaticCpuFeatures(true)
	case AVXGuardNever:
		cpu = platform.StaticCpuFeatures(false)
	default:
		return nil, fmt.Errorf("blockjit: invalid AVX guard %d", int(cfg.avxGuard))
	}

	code, err := x64.New(x64.Options{
		CodeSize:         cfg.codeSize,
		FarCodeOffset:    cfg.farCodeOffset,
		ConstantPoolSize: cfg.constantPoolSize,
		LookupBlock:      cfg.lookupBlock,
		LookupBlockArg:   cfg.lookupBlockArg,
		Memory:           x64.MemoryCallbacks(cfg.memory),
		CpuFeatures:      cpu,
		Logger:           logger,
	})
	if err != nil {
		return nil, fmt.Errorf("blockjit: %w", err)
	}

	e := &Engine{code: code, logger: logger}
	if cfg.debugRegistry {
		userCodeBegin, cursor, totalSize := codespace.HeaderOffsets()
		e.registration = jitdebug.Register(jitdebug.RegionInfo{
			HeaderAddress:       code.Region().HeaderAddress(),
			UserCodeBeginOffset: userCodeBegin,
			CursorOffset:        cursor,
			TotalSizeOffset:     totalSize,
			Logger:              logger,
		})
	}
	if cfg.perfMap {
		e.perfMap = jitdebug.OpenPerfMap(jitdebug.PerfMapPath(), logger)
		for _, s := range code.Stubs() {
			e.perfMap.AddEntry(s.Begin, uint64(s.End-s.Begin), "blockjit_"+s.Name)
		}
		e.perfMap.Flush()
	}

	logger.Debug("engine created",
		"code_size", cfg.codeSize,
		"far_code_offset", cfg.farCodeOffset,
		"user_code_begin", fmt.Sprintf("%#x", code.Region().UserCodeBegin()))
	return e, nil
}

// Run runs translated code for about cycles cycles, and returns the number of cycles actually run.
//
// cycles must not exceed math.MaxInt64. The lookup and memory callbacks called during the run must not
// call Run: reentrant runs are not supported.
func (e *Engine) Run(state *JitState, cycles uint64) uint64 {
	if e.closed {
		panic("BUG: Run after Close")
	}
	return e.code.RunCode(state, cycles)
}

// ClearCache discards every translated block. The stubs and the constants are kept.
func (e *Engine) ClearCache() {
	if e.closed {
		panic("BUG: ClearCache after Close")
	}
	e.code.ClearCache()
	e.logger.Debug("code cache cleared")
}

// Close unregisters the code region from debugging tools and unmaps it. Translated code must not run
// afterwards. Closing twice is a no-op.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	if e.registration != nil {
		e.registration.Unregister()
	}
	e.perfMap.Close()
	return e.code.Close()
}

// Code returns the emitter translated blocks are written with. Code is emitted at the cursor of the
// active sub-region, see SwitchToFarCode and SwitchToNearCode.
//
// The instruction and register constants of the assembler are internal to this module. Front ends
// outside of it write machine code with Emit, reaching the JitState fields through JitStateRegister and
// JitStateOffsets and leaving through the exit stub addresses.
func (e *Engine) Code() *x64.BlockOfCode {
	return e.code
}

// MConst returns the address of a 16-byte aligned slot in the code region holding v.
func (e *Engine) MConst(v uint64) (uintptr, error) {
	return e.code.MConst(v)
}

// ReturnFromRunCodeAddress returns the exit stub which loops back to the dispatcher while cycles remain.
func (e *Engine) ReturnFromRunCodeAddress() uintptr {
	return e.code.ReturnFromRunCodeAddress()
}

// ForceReturnFromRunCodeAddress returns the exit stub which returns to the caller of Run.
func (e *Engine) ForceReturnFromRunCodeAddress() uintptr {
	return e.code.ForceReturnFromRunCodeAddress()
}

// ExitStubAddress returns the exit stub of the given kind.
func (e *Engine) ExitStubAddress(kind ExitStubKind) uintptr {
	return e.code.ExitStubAddress(kind)
}

// MemoryReadTrampoline returns the read trampoline for 8, 16, 32 or 64 bits, or zero for other widths.
func (e *Engine) MemoryReadTrampoline(bits int) uintptr {
	return e.code.MemoryReadTrampoline(bits)
}

// MemoryWriteTrampoline returns the write trampoline for 8, 16, 32 or 64 bits, or zero for other widths.
func (e *Engine) MemoryWriteTrampoline(bits int) uintptr {
	return e.code.MemoryWriteTrampoline(bits)
}

// Stubs returns the fixed stubs in emission order.
func (e *Engine) Stubs() []Stub {
	return e.code.Stubs()
}

// AddPerfMapEntry names translated code for the perf tool. It is a no-op unless WithPerfMap is enabled.
func (e *Engine) AddPerfMapEntry(addr uintptr, size uint64, name string) {
	e.perfMap.AddEntry(addr, size, name)
	e.perfMap.Flush()
}
