package blockjit

import (
	"fmt"
	"log/slog"

	"github.com/blockjit/blockjit/internal/backend/x64"
	"github.com/blockjit/blockjit/internal/constpool"
)

// AVXGuard decides whether VZEROUPPER is emitted before calling host functions.
type AVXGuard int

const (
	// AVXGuardAuto emits VZEROUPPER when the host CPU supports AVX.
	AVXGuardAuto AVXGuard = iota
	// AVXGuardAlways emits VZEROUPPER regardless of the host CPU. The code then faults on CPUs without AVX.
	AVXGuardAlways
	// AVXGuardNever never emits VZEROUPPER.
	AVXGuardNever
)

// String implements fmt.Stringer.
func (g AVXGuard) String() string {
	switch g {
	case AVXGuardAuto:
		return "auto"
	case AVXGuardAlways:
		return "always"
	case AVXGuardNever:
		return "never"
	}
	return fmt.Sprintf("AVXGuard(%d)", int(g))
}

// ParseAVXGuard parses the String form of an AVXGuard.
func ParseAVXGuard(s string) (AVXGuard, error) {
	switch s {
	case "auto", "":
		return AVXGuardAuto, nil
	case "always":
		return AVXGuardAlways, nil
	case "never":
		return AVXGuardNever, nil
	}
	return 0, fmt.Errorf("invalid AVX guard %q", s)
}

// MemoryCallbacks are native function pointers serving guest memory accesses. NewCallback and
// MemoryCallbacksFromGo create them from Go functions.
//
// Reads have the C signature `uint64_t read(uint64_t vaddr)` and writes `void write(uint64_t vaddr,
// uint64_t value)`. They run with the guest MXCSR loaded and must not call Engine.Run.
type MemoryCallbacks struct {
	Read8, Read16, Read32, Read64     uintptr
	Write8, Write16, Write32, Write64 uintptr
}

// EngineConfig controls engine behavior, with the default implementation as NewEngineConfig.
type EngineConfig struct {
	codeSize         int
	farCodeOffset    int
	constantPoolSize int
	lookupBlock      uintptr
	lookupBlockArg   uintptr
	memory           MemoryCallbacks
	avxGuard         AVXGuard
	debugRegistry    bool
	perfMap          bool
	logger           *slog.Logger
}

var defaultEngineConfig = &EngineConfig{
	codeSize:         x64.DefaultCodeSize,
	farCodeOffset:    x64.DefaultFarCodeOffset,
	constantPoolSize: constpool.DefaultSize,
	avxGuard:         AVXGuardAuto,
	debugRegistry:    true,
}

// clone ensures all fields are copied even if nil.
func (c *EngineConfig) clone() *EngineConfig {
	ret := *c
	return &ret
}

// NewEngineConfig returns the default configuration. The lookup block and memory callbacks have no
// default and must be set before NewEngine.
func NewEngineConfig() *EngineConfig {
	return defaultEngineConfig.clone()
}

// WithCodeSize sets the size in bytes of the executable region holding stubs and translated code.
// Defaults to 128 MiB.
func (c *EngineConfig) WithCodeSize(size int) *EngineConfig {
	ret := c.clone()
	ret.codeSize = size
	return ret
}

// WithFarCodeOffset sets where the far code begins, relative to the start of the region. Near code must
// never grow past it. Defaults to 100 MiB.
func (c *EngineConfig) WithFarCodeOffset(offset int) *EngineConfig {
	ret := c.clone()
	ret.farCodeOffset = offset
	return ret
}

// WithConstantPoolSize sets the number of bytes reserved for Engine.MConst, in 16-byte slots.
// Defaults to 256.
func (c *EngineConfig) WithConstantPoolSize(size int) *EngineConfig {
	ret := c.clone()
	ret.constantPoolSize = size
	return ret
}

// WithLookupBlock sets the native function `void *lookup(void *arg)` which the dispatcher calls with arg to
// obtain the address of the next translated block.
func (c *EngineConfig) WithLookupBlock(fn, arg uintptr) *EngineConfig {
	ret := c.clone()
	ret.lookupBlock = fn
	ret.lookupBlockArg = arg
	return ret
}

// WithMemoryCallbacks sets the functions called by the memory trampolines.
func (c *EngineConfig) WithMemoryCallbacks(m MemoryCallbacks) *EngineConfig {
	ret := c.clone()
	ret.memory = m
	return ret
}

// WithAVXGuard overrides the detection of AVX. Defaults to AVXGuardAuto.
func (c *EngineConfig) WithAVXGuard(g AVXGuard) *EngineConfig {
	ret := c.clone()
	ret.avxGuard = g
	return ret
}

// WithDebugRegistry registers the code region with the GDB JIT interface. Defaults to true.
func (c *EngineConfig) WithDebugRegistry(enabled bool) *EngineConfig {
	ret := c.clone()
	ret.debugRegistry = enabled
	return ret
}

// WithPerfMap writes the stub symbols to /tmp/perf-<pid>.map for the Linux perf tool. Defaults to false.
func (c *EngineConfig) WithPerfMap(enabled bool) *EngineConfig {
	ret := c.clone()
	ret.perfMap = enabled
	return ret
}

// WithLogger sets the logger. Defaults to slog.Default if nil.
func (c *EngineConfig) WithLogger(logger *slog.Logger) *EngineConfig {
	ret := c.clone()
	ret.logger = logger
	return ret
}
