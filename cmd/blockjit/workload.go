package main

import (
	"sync"

	"github.com/blockjit/blockjit"
	"github.com/blockjit/blockjit/internal/asm/amd64"
)

// sparseMemory is the guest memory of the synthetic workload.
type sparseMemory struct {
	words    map[uint64]uint64
	accesses uint64
}

func newSparseMemory() *sparseMemory {
	return &sparseMemory{words: map[uint64]uint64{}}
}

func (m *sparseMemory) Read8(vaddr uint64) uint64  { return m.Read64(vaddr) }
func (m *sparseMemory) Read16(vaddr uint64) uint64 { return m.Read64(vaddr) }
func (m *sparseMemory) Read32(vaddr uint64) uint64 { return m.Read64(vaddr) }
func (m *sparseMemory) Read64(vaddr uint64) uint64 {
	m.accesses++
	return m.words[vaddr]
}

func (m *sparseMemory) Write8(vaddr, value uint64)  { m.Write64(vaddr, value) }
func (m *sparseMemory) Write16(vaddr, value uint64) { m.Write64(vaddr, value) }
func (m *sparseMemory) Write32(vaddr, value uint64) { m.Write64(vaddr, value) }
func (m *sparseMemory) Write64(vaddr, value uint64) {
	m.accesses++
	m.words[vaddr] = value
}

// total returns the sum of every word.
func (m *sparseMemory) total() (sum uint64) {
	for _, v := range m.words {
		sum += v
	}
	return
}

// workload cycles through countdown blocks. Every block increments its own guest counter through the
// memory trampolines, consumes one cycle, and exits through the budget check.
type workload struct {
	mem        *sparseMemory
	blocks     []uintptr
	stop       uintptr
	stopAfter  uint64
	dispatches uint64
}

func (w *workload) lookup() uintptr {
	w.dispatches++
	if w.stopAfter != 0 && w.dispatches > w.stopAfter {
		return w.stop
	}
	return w.blocks[(w.dispatches-1)%uint64(len(w.blocks))]
}

// Native callbacks are never released, so they are created once and serve the active workload.
var (
	callbacksOnce sync.Once
	lookupFn      uintptr
	memoryFns     blockjit.MemoryCallbacks
	active        *workload
)

// activeMemory forwards to the memory of the active workload.
type activeMemory struct{}

func (activeMemory) Read8(vaddr uint64) uint64   { return active.mem.Read8(vaddr) }
func (activeMemory) Read16(vaddr uint64) uint64  { return active.mem.Read16(vaddr) }
func (activeMemory) Read32(vaddr uint64) uint64  { return active.mem.Read32(vaddr) }
func (activeMemory) Read64(vaddr uint64) uint64  { return active.mem.Read64(vaddr) }
func (activeMemory) Write8(vaddr, value uint64)  { active.mem.Write8(vaddr, value) }
func (activeMemory) Write16(vaddr, value uint64) { active.mem.Write16(vaddr, value) }
func (activeMemory) Write32(vaddr, value uint64) { active.mem.Write32(vaddr, value) }
func (activeMemory) Write64(vaddr, value uint64) { active.mem.Write64(vaddr, value) }

func initCallbacks() {
	callbacksOnce.Do(func() {
		lookupFn = blockjit.NewCallback(func(uintptr) uintptr { return active.lookup() })
		memoryFns = blockjit.MemoryCallbacksFromGo(activeMemory{})
	})
}

// counterAddress is the guest address of the counter of block i.
func counterAddress(i int) int64 {
	return 0x1000 + int64(i)*8
}

// emitWorkload emits n countdown blocks and the block which stops the run.
func emitWorkload(e *blockjit.Engine, w *workload, n int) error {
	c := e.Code()
	for i := 0; i < n; i++ {
		w.blocks = append(w.blocks, c.Cursor())
		c.CompileConstToRegister(amd64.MOVQ, counterAddress(i), amd64.RegDI)
		c.CompileJump(amd64.CALL, e.MemoryReadTrampoline(64))
		c.CompileRegisterToRegister(amd64.MOVQ, amd64.RegAX, amd64.RegSI)
		c.CompileConstToRegister(amd64.ADDQ, 1, amd64.RegSI)
		c.CompileConstToRegister(amd64.MOVQ, counterAddress(i), amd64.RegDI)
		c.CompileJump(amd64.CALL, e.MemoryWriteTrampoline(64))
		c.CompileConstToMemory(amd64.SUBQ, 1, blockjit.JitStateRegister, blockjit.JitStateOffsets.CyclesRemaining)
		c.ReturnFromRunCode(true)
		c.Align(16)
	}
	w.stop = c.Cursor()
	c.ForceReturnFromRunCode(true)
	return c.Err()
}
