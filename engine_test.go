//go:build amd64 && (linux || darwin || freebsd)

package blockjit

import (
	"encoding/binary"
	"io"
	"log/slog"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/blockjit/blockjit/internal/asm/amd64"
)

// Callbacks are created once per process, see NewCallback.
var (
	callbacksOnce sync.Once
	lookup        uintptr
	lookupHook    func() uintptr
	testMemory    = &recordingMemory{}
	memory        MemoryCallbacks
)

type recordingMemory struct {
	writes [][2]uint64
}

func (m *recordingMemory) Read8(vaddr uint64) uint64  { return vaddr | 0xff00 }
func (m *recordingMemory) Read16(vaddr uint64) uint64 { return vaddr | 0xff_0000 }
func (m *recordingMemory) Read32(vaddr uint64) uint64 { return vaddr | 0xff_0000_0000 }
func (m *recordingMemory) Read64(vaddr uint64) uint64 { return vaddr | 0xff00_0000_0000_0000 }
func (m *recordingMemory) Write8(vaddr, value uint64) { m.writes = append(m.writes, [2]uint64{vaddr, value}) }
func (m *recordingMemory) Write16(vaddr, value uint64) {
	m.writes = append(m.writes, [2]uint64{vaddr, value})
}

func (m *recordingMemory) Write32(vaddr, value uint64) {
	m.writes = append(m.writes, [2]uint64{vaddr, value})
}

func (m *recordingMemory) Write64(vaddr, value uint64) {
	m.writes = append(m.writes, [2]uint64{vaddr, value})
}

func newTestEngine(t *testing.T, cfg *EngineConfig) *Engine {
	callbacksOnce.Do(func() {
		lookup = NewCallback(func(uintptr) uintptr { return lookupHook() })
		memory = MemoryCallbacksFromGo(testMemory)
	})
	lookupHook = nil
	testMemory.writes = nil

	if cfg == nil {
		cfg = NewEngineConfig()
	}
	e, err := NewEngine(cfg.
		WithCodeSize(1 << 20).
		WithFarCodeOffset(1 << 19).
		WithLookupBlock(lookup, 0).
		WithMemoryCallbacks(memory).
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, e.Close()) })
	return e
}

func emitCountdown(t *testing.T, e *Engine) uintptr {
	c := e.Code()
	addr := c.Cursor()
	c.CompileConstToMemory(amd64.SUBQ, 1, JitStateRegister, JitStateOffsets.CyclesRemaining)
	c.ReturnFromRunCode(true)
	require.NoError(t, c.Err())
	return addr
}

func TestEngine_Run(t *testing.T) {
	e := newTestEngine(t, nil)
	block := emitCountdown(t, e)
	var calls int
	lookupHook = func() uintptr {
		calls++
		return block
	}

	s := NewJitState()
	require.Equal(t, uint64(10), e.Run(s, 10))
	require.Equal(t, 10, calls)
	require.Zero(t, s.CyclesRemaining)
	require.Equal(t, uint32(0x1f80), s.GuestMXCSR)
}

func TestEngine_Run_rawMachineCode(t *testing.T) {
	e := newTestEngine(t, nil)
	require.Equal(t, "R15", amd64.RegisterName(JitStateRegister))

	c := e.Code()
	block := c.Cursor()
	// sub qword ptr [r15+disp8], 1
	c.Emit(0x49, 0x83, 0x6f, byte(JitStateOffsets.CyclesRemaining), 0x01)
	// jmp rel32
	rel := int32(int64(e.ReturnFromRunCodeAddress()) - int64(c.Cursor()+5))
	c.Emit(binary.LittleEndian.AppendUint32([]byte{0xe9}, uint32(rel))...)
	require.NoError(t, c.Err())
	require.Equal(t, block+10, c.Cursor())
	lookupHook = func() uintptr { return block }

	s := NewJitState()
	require.Equal(t, uint64(4), e.Run(s, 4))
	require.Zero(t, s.CyclesRemaining)
}

func TestEngine_ClearCache(t *testing.T) {
	e := newTestEngine(t, nil)
	stubs := e.Stubs()
	first := emitCountdown(t, e)
	require.Equal(t, e.Code().Region().UserCodeBegin(), first)

	e.ClearCache()
	require.Equal(t, first, e.Code().Cursor())
	require.Equal(t, stubs, e.Stubs())

	second := emitCountdown(t, e)
	require.Equal(t, first, second)
	lookupHook = func() uintptr { return second }
	require.Equal(t, uint64(3), e.Run(NewJitState(), 3))
}

func TestEngine_memory(t *testing.T) {
	e := newTestEngine(t, nil)
	type state struct {
		JitState
		Result uint64
	}
	resultOffset := int64(unsafe.Offsetof(state{}.Result))

	c := e.Code()
	block := c.Cursor()
	c.CompileConstToRegister(amd64.MOVQ, 0x10, amd64.RegDI)
	c.CompileJump(amd64.CALL, e.MemoryReadTrampoline(16))
	c.CompileRegisterToMemory(amd64.MOVQ, amd64.RegAX, JitStateRegister, resultOffset)
	c.CompileConstToRegister(amd64.MOVQ, 0x20, amd64.RegDI)
	c.CompileConstToRegister(amd64.MOVQ, 0x1234, amd64.RegSI)
	c.CompileJump(amd64.CALL, e.MemoryWriteTrampoline(8))
	c.CompileJump(amd64.JMP, e.ForceReturnFromRunCodeAddress())
	require.NoError(t, c.Err())
	lookupHook = func() uintptr { return block }

	s := &state{JitState: *NewJitState()}
	require.Zero(t, e.Run(&s.JitState, 1))
	// Truncated to 16 bits.
	require.Equal(t, uint64(0x10), s.Result)
	require.Equal(t, [][2]uint64{{0x20, 0x34}}, testMemory.writes)
}

func TestEngine_MConst(t *testing.T) {
	e := newTestEngine(t, nil)
	a, err := e.MConst(42)
	require.NoError(t, err)
	b, err := e.MConst(42)
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Zero(t, a%16)
	require.Equal(t, uint64(42), *(*uint64)(unsafe.Pointer(a)))
}

func TestEngine_stubAccessors(t *testing.T) {
	e := newTestEngine(t, nil)
	require.Equal(t, e.ExitStubAddress(0), e.ReturnFromRunCodeAddress())
	require.Equal(t, e.ExitStubAddress(ForceReturn), e.ForceReturnFromRunCodeAddress())
	require.NotEqual(t, e.ExitStubAddress(NoSwitchMXCSR), e.ReturnFromRunCodeAddress())
	require.Zero(t, e.MemoryReadTrampoline(128))
	require.Zero(t, e.MemoryWriteTrampoline(1))
	require.Len(t, e.Stubs(), 13)
}

func TestEngine_debugRegistry(t *testing.T) {
	e := newTestEngine(t, nil)
	require.NotNil(t, e.registration)
	sym := e.registration.SymFile()
	require.Equal(t, uint64(e.Code().Region().HeaderAddress()), sym.RegionAddress)

	e = newTestEngine(t, NewEngineConfig().WithDebugRegistry(false))
	require.Nil(t, e.registration)
}

func TestEngine_Close(t *testing.T) {
	e, err := NewEngine(NewEngineConfig().
		WithCodeSize(1<<16).
		WithFarCodeOffset(1<<15).
		WithLookupBlock(0x1000, 0).
		WithMemoryCallbacks(MemoryCallbacks{
			Read8: 1, Read16: 1, Read32: 1, Read64: 1,
			Write8: 1, Write16: 1, Write32: 1, Write64: 1,
		}).
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	require.PanicsWithValue(t, "BUG: Run after Close", func() { e.Run(NewJitState(), 1) })
	require.PanicsWithValue(t, "BUG: ClearCache after Close", e.ClearCache)
}

func TestNewEngine_errors(t *testing.T) {
	_, err := NewEngine(nil)
	require.EqualError(t, err, "blockjit: lookup block callback is not set")

	_, err = NewEngine(NewEngineConfig().WithLookupBlock(0x1000, 0).WithAVXGuard(AVXGuard(9)))
	require.EqualError(t, err, "blockjit: invalid AVX guard 9")
}
