// Package x64 emits the fixed stubs which run translated blocks on System V AMD64 hosts, and enters them.
package x64

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/blockjit/blockjit/internal/asm/amd64"
	"github.com/blockjit/blockjit/internal/codespace"
	"github.com/blockjit/blockjit/internal/constpool"
	"github.com/blockjit/blockjit/internal/platform"
)

// Default sizes of the code region.
const (
	DefaultCodeSize      = 128 * 1024 * 1024
	DefaultFarCodeOffset = 100 * 1024 * 1024
)

// MemoryCallbacks are native function pointers serving guest memory accesses.
//
// Reads take the guest virtual address and return the zero-extended value. Writes take the address and
// the value. Both follow the System V calling convention, run with the guest MXCSR loaded, and must not
// call BlockOfCode.RunCode.
type MemoryCallbacks struct {
	Read8, Read16, Read32, Read64     uintptr
	Write8, Write16, Write32, Write64 uintptr
}

// Options configure New.
type Options struct {
	// CodeSize is the capacity of the code region. Defaults to DefaultCodeSize.
	CodeSize int
	// FarCodeOffset is where far code begins relative to the region base. Defaults to DefaultFarCodeOffset.
	FarCodeOffset int
	// ConstantPoolSize is the number of bytes reserved for MConst. Defaults to constpool.DefaultSize.
	ConstantPoolSize int
	// LookupBlock is a native function `uintptr lookup(uintptr arg)` called with LookupBlockArg once per
	// dispatch. It returns the address of the translated block to run next.
	LookupBlock    uintptr
	LookupBlockArg uintptr
	Memory         MemoryCallbacks
	// CpuFeatures decides whether VZEROUPPER is emitted. Defaults to platform.CpuFeatures.
	CpuFeatures platform.CpuFeatureFlags
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Stub names an emitted fixed code sequence.
type Stub struct {
	Name       string
	Begin, End uintptr
}

// BlockOfCode owns the code region and the fixed stubs. The embedded Assembler emits translated code
// at the cursor of the active sub-region.
//
// Emission must be serialized by the caller.
type BlockOfCode struct {
	*amd64.Assembler

	region *codespace.Region
	pool   *constpool.Pool
	cpu    platform.CpuFeatureFlags
	logger *slog.Logger

	lookupBlock, lookupBlockArg uintptr
	memory                      MemoryCallbacks

	runCode           uintptr
	dispatchLoop      uintptr
	returnFromRunCode [exitStubCount]uintptr
	readMemory        [len(memoryAccessWidths)]uintptr
	writeMemory       [len(memoryAccessWidths)]uintptr
	stubs             []Stub
}

// New maps the code region, places the constant pool, and emits the run code, the exit stubs and the
// memory trampolines. Code emitted afterwards starts at Region().UserCodeBegin().
func New(opts Options) (*BlockOfCode, error) {
	if opts.CodeSize == 0 {
		opts.CodeSize = DefaultCodeSize
	}
	if opts.FarCodeOffset == 0 {
		opts.FarCodeOffset = DefaultFarCodeOffset
	}
	if opts.ConstantPoolSize == 0 {
		opts.ConstantPoolSize = constpool.DefaultSize
	}
	if opts.CpuFeatures == nil {
		opts.CpuFeatures = platform.CpuFeatures
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.LookupBlock == 0 {
		return nil, errors.New("lookup block callback is not set")
	}
	if err := opts.Memory.validate(); err != nil {
		return nil, err
	}

	region, err := codespace.New(codespace.Options{
		Capacity:  opts.CodeSize,
		FarOffset: opts.FarCodeOffset,
		Filler:    amd64.FillNOP,
	})
	if err != nil {
		return nil, err
	}

	b := &BlockOfCode{
		Assembler:      amd64.NewAssembler(region),
		region:         region,
		cpu:            opts.CpuFeatures,
		logger:         opts.Logger,
		lookupBlock:    opts.LookupBlock,
		lookupBlockArg: opts.LookupBlockArg,
		memory:         opts.Memory,
	}
	if err = b.init(opts.ConstantPoolSize); err != nil {
		_ = region.Close()
		return nil, err
	}
	return b, nil
}

func (b *BlockOfCode) init(constantPoolSize int) (err error) {
	if b.pool, err = constpool.New(b.region, constantPoolSize); err != nil {
		return err
	}
	b.genRunCode()
	b.genMemoryAccessors()
	if err = b.Err(); err != nil {
		return fmt.Errorf("failed to emit stubs: %w", err)
	}
	b.region.MarkUserCodeBegin()

	for _, s := range b.stubs {
		b.logger.Debug("emitted stub", "name", s.Name, "addr", fmt.Sprintf("%#x", s.Begin), "size", s.End-s.Begin)
	}
	return nil
}

// beginStub aligns the cursor and starts recording a stub.
func (b *BlockOfCode) beginStub(name string) uintptr {
	b.Align(16)
	addr := b.Cursor()
	b.stubs = append(b.stubs, Stub{Name: name, Begin: addr})
	return addr
}

// endStub finishes the stub started by the last beginStub.
func (b *BlockOfCode) endStub() {
	b.stubs[len(b.stubs)-1].End = b.Cursor()
}

// Close releases the code region. No code may run afterwards.
func (b *BlockOfCode) Close() error {
	return b.region.Close()
}

// ClearCache discards every translated block by rewinding the region to the end of the stubs. Stubs and
// constants stay in place.
func (b *BlockOfCode) ClearCache() {
	b.region.Clear()
	b.ResetErr()
}

// Region returns the code region.
func (b *BlockOfCode) Region() *codespace.Region {
	return b.region
}

// Stubs returns the fixed stubs in emission order.
func (b *BlockOfCode) Stubs() []Stub {
	return b.stubs
}

// MConst returns the address of a 16-byte aligned slot holding v.
func (b *BlockOfCode) MConst(v uint64) (uintptr, error) {
	return b.pool.GetOrInsert(v)
}

// SwitchToFarCode moves emission to the far sub-region, where rarely executed code lives.
func (b *BlockOfCode) SwitchToFarCode() {
	b.region.SwitchToFar()
}

// SwitchToNearCode moves emission back to the near sub-region.
func (b *BlockOfCode) SwitchToNearCode() {
	b.region.SwitchToNear()
}

// AllocateFromCodeSpace reserves zero-filled memory at the cursor, with the lifetime of the code around it.
func (b *BlockOfCode) AllocateFromCodeSpace(size int) (uintptr, error) {
	return b.region.Allocate(size)
}

// SetCodePtr moves the cursor, typically to patch previously emitted code.
func (b *BlockOfCode) SetCodePtr(addr uintptr) {
	b.region.SetCursor(addr)
}

// EnsurePatchLocationSize pads the code emitted since begin with NOPs to exactly size bytes.
func (b *BlockOfCode) EnsurePatchLocationSize(begin uintptr, size int) {
	b.region.EnsurePatchSize(begin, size)
}

func (m *MemoryCallbacks) validate() error {
	for i, bits := range memoryAccessWidths {
		if m.read(i) == 0 {
			return fmt.Errorf("memory read callback for %d bits is not set", bits)
		}
		if m.write(i) == 0 {
			return fmt.Errorf("memory write callback for %d bits is not set", bits)
		}
	}
	return nil
}

func (m *MemoryCallbacks) read(i int) uintptr {
	return [...]uintptr{m.Read8, m.Read16, m.Read32, m.Read64}[i]
}

func (m *MemoryCallbacks) write(i int) uintptr {
	return [...]uintptr{m.Write8, m.Write16, m.Write32, m.Write64}[i]
}
