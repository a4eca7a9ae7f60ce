package x64

import (
	"fmt"
	"math"

	"github.com/blockjit/blockjit/internal/asm/amd64"
)

// ExitStubKind selects one of the exit stubs translated code jumps to when it stops.
type ExitStubKind byte

const (
	// NoSwitchMXCSR skips restoring the host MXCSR. Use it when the block did not enter guest MXCSR
	// state, or when the next dispatch will switch to it again anyway.
	NoSwitchMXCSR ExitStubKind = 1 << 0
	// ForceReturn returns to the caller of RunCode regardless of the remaining cycles.
	ForceReturn ExitStubKind = 1 << 1

	exitStubCount = 4
)

// String implements fmt.Stringer.
func (k ExitStubKind) String() string {
	name := "return_from_run_code"
	if k&ForceReturn != 0 {
		name = "force_return_from_run_code"
	}
	if k&NoSwitchMXCSR != 0 {
		name += "_no_mxcsr_switch"
	}
	return name
}

func exitStubKind(mxcsrSwitch, force bool) ExitStubKind {
	var k ExitStubKind
	if !mxcsrSwitch {
		k |= NoSwitchMXCSR
	}
	if force {
		k |= ForceReturn
	}
	return k
}

// genRunCode emits the entry point called by RunCode, its dispatch loop, and the exit stubs.
//
//	run_code:
//	    [vzeroupper]
//	    push callee-saved registers, align the stack
//	    mov r15, rdi
//	loop:
//	    mov rdi, lookupBlockArg
//	    call lookupBlock
//	    stmxcsr [r15+SaveHostMXCSR]; ldmxcsr [r15+GuestMXCSR]
//	    jmp rax
//
//	exit stub:
//	    [stmxcsr [r15+GuestMXCSR]; ldmxcsr [r15+SaveHostMXCSR]]
//	    [cmp qword [r15+CyclesRemaining], 0; jg loop]
//	    pop callee-saved registers
//	    ret
func (b *BlockOfCode) genRunCode() {
	b.runCode = b.beginStub("run_code")
	// Host code may have left the upper halves of the YMM registers dirty.
	b.MaybeVZEROUPPER()
	b.PushCalleeSaveRegistersAndAdjustStack()
	b.CompileRegisterToRegister(amd64.MOVQ, abiParam1, JitStateRegister)

	b.dispatchLoop = b.Cursor()
	b.CompileConstToRegister(amd64.MOVQ, int64(b.lookupBlockArg), abiParam1)
	b.CallFunction(b.lookupBlock)
	b.SwitchMxcsrOnEntry()
	b.CompileJumpToRegister(amd64.JMP, abiReturn)
	b.endStub()

	for kind := ExitStubKind(0); kind < exitStubCount; kind++ {
		b.returnFromRunCode[kind] = b.beginStub(kind.String())
		if kind&NoSwitchMXCSR == 0 {
			b.SwitchMxcsrOnExit()
		}
		if kind&ForceReturn == 0 {
			b.CompileMemoryToConst(amd64.CMPQ, JitStateRegister, jitStateCyclesRemainingOffset, 0)
			b.CompileJump(amd64.JGT, b.dispatchLoop)
		}
		b.PopCalleeSaveRegistersAndAdjustStack()
		b.CompileStandAlone(amd64.RET)
		b.endStub()
	}
}

// ReturnFromRunCode emits a jump to the exit stub which returns to the dispatcher, restoring the host
// MXCSR when mxcsrSwitch is true.
func (b *BlockOfCode) ReturnFromRunCode(mxcsrSwitch bool) {
	b.CompileJump(amd64.JMP, b.returnFromRunCode[exitStubKind(mxcsrSwitch, false)])
}

// ForceReturnFromRunCode emits a jump to the exit stub which returns to the caller of RunCode, restoring
// the host MXCSR when mxcsrSwitch is true.
func (b *BlockOfCode) ForceReturnFromRunCode(mxcsrSwitch bool) {
	b.CompileJump(amd64.JMP, b.returnFromRunCode[exitStubKind(mxcsrSwitch, true)])
}

// RunCodeAddress returns the address of the native entry point `void run_code(JitState*)`.
func (b *BlockOfCode) RunCodeAddress() uintptr {
	return b.runCode
}

// ReturnFromRunCodeAddress returns the address of the exit stub which restores the host MXCSR and loops
// back to the dispatcher while cycles remain.
func (b *BlockOfCode) ReturnFromRunCodeAddress() uintptr {
	return b.returnFromRunCode[0]
}

// ForceReturnFromRunCodeAddress returns the address of the exit stub which restores the host MXCSR and
// returns to the caller of RunCode.
func (b *BlockOfCode) ForceReturnFromRunCodeAddress() uintptr {
	return b.returnFromRunCode[ForceReturn]
}

// ExitStubAddress returns the address of the exit stub of the given kind.
func (b *BlockOfCode) ExitStubAddress(kind ExitStubKind) uintptr {
	if kind >= exitStubCount {
		panic(fmt.Sprintf("BUG: invalid exit stub kind %d", kind))
	}
	return b.returnFromRunCode[kind]
}

// RunCode runs translated code for about cycles cycles and returns the number of cycles actually run.
//
// The JitState is handed to the run code in JitStateRegister. The lookup and memory callbacks invoked
// during the run must not call RunCode on the same state: reentrant runs are not supported.
func (b *BlockOfCode) RunCode(state *JitState, cycles uint64) uint64 {
	if cycles > math.MaxInt64 {
		panic(fmt.Sprintf("BUG: cycles to run %d exceeds %d", cycles, int64(math.MaxInt64)))
	}
	state.CyclesRemaining = int64(cycles)
	callRunCode(b.runCode, state)
	if state.CyclesRemaining < 0 {
		panic(fmt.Sprintf("BUG: cycles remaining %d after run", state.CyclesRemaining))
	}
	return cycles - uint64(state.CyclesRemaining)
}
