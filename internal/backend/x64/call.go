package x64

import "github.com/blockjit/blockjit/internal/asm/amd64"

// MaybeVZEROUPPER emits VZEROUPPER when the CPU supports AVX. Emitted code and host functions do not
// agree on the upper halves of the YMM registers, and leaving them dirty makes SSE code pay for
// AVX-SSE transitions.
func (b *BlockOfCode) MaybeVZEROUPPER() {
	if b.cpu.HasAVX() {
		b.CompileStandAlone(amd64.VZEROUPPER)
	}
}

// CallFunction emits a call to the host function at target following the System V calling convention.
//
// A direct CALL rel32 is emitted when target is reachable from the cursor, otherwise the address is
// loaded into RAX, which is clobbered, and called indirectly.
func (b *BlockOfCode) CallFunction(target uintptr) {
	b.MaybeVZEROUPPER()
	if _, ok := amd64.RelativeDisplacement(b.Cursor(), amd64.CallInstructionSize, target); ok {
		b.CompileJump(amd64.CALL, target)
		return
	}
	b.CompileConstToRegister(amd64.MOVQ, int64(target), scratchRegister)
	b.CompileJumpToRegister(amd64.CALL, scratchRegister)
}
