package x64

import (
	"github.com/blockjit/blockjit/internal/asm"
	"github.com/blockjit/blockjit/internal/asm/amd64"
)

// System V AMD64 calling convention.
// https://gitlab.com/x86-psABIs/x86-64-ABI
const (
	abiReturn = amd64.RegAX
	abiParam1 = amd64.RegDI
	abiParam2 = amd64.RegSI

	// JitStateRegister holds the *JitState for the whole run. Translated code must not use it for anything
	// else, and every host function called during a run preserves it as it is callee-saved.
	JitStateRegister = amd64.RegR15

	// scratchRegister is clobbered by far calls.
	scratchRegister = amd64.RegAX
)

var (
	calleeSaveRegisters = []asm.Register{
		amd64.RegBX, amd64.RegBP, amd64.RegR12, amd64.RegR13, amd64.RegR14, amd64.RegR15,
	}
	callerSaveIntRegisters = []asm.Register{
		amd64.RegAX, amd64.RegCX, amd64.RegDX, amd64.RegSI, amd64.RegDI,
		amd64.RegR8, amd64.RegR9, amd64.RegR10, amd64.RegR11,
	}
	callerSaveVectorRegisters = []asm.Register{
		amd64.RegX0, amd64.RegX1, amd64.RegX2, amd64.RegX3, amd64.RegX4, amd64.RegX5, amd64.RegX6, amd64.RegX7,
		amd64.RegX8, amd64.RegX9, amd64.RegX10, amd64.RegX11, amd64.RegX12, amd64.RegX13, amd64.RegX14, amd64.RegX15,
	}
)

const vectorSlotSize = 16

// stackFrame describes the registers pushed on entry to a stub and the stack adjustment that follows.
//
// The frame assumes the stub was entered by a CALL from a 16-byte aligned stack, so the return address
// leaves the stack 8 bytes off. After the pushes and the adjustment the stack is 16-byte aligned again,
// which is required for both calling host functions and MOVAPS.
type stackFrame struct {
	ints    []asm.Register
	vectors []asm.Register
	// adjust is the number of bytes subtracted from RSP after the pushes. The vector registers live at
	// [rsp], [rsp+16], ...
	adjust int64
}

func newStackFrame(ints, vectors []asm.Register, except asm.Register) stackFrame {
	f := stackFrame{}
	for _, r := range ints {
		if r != except {
			f.ints = append(f.ints, r)
		}
	}
	for _, r := range vectors {
		if r != except {
			f.vectors = append(f.vectors, r)
		}
	}
	const returnAddressSize = 8
	misalignment := (returnAddressSize + 8*int64(len(f.ints))) % 16
	f.adjust = int64(len(f.vectors))*vectorSlotSize + (16-misalignment)%16
	return f
}

var calleeSaveFrame = newStackFrame(calleeSaveRegisters, nil, asm.NilRegister)

func (b *BlockOfCode) pushRegistersAndAdjustStack(f stackFrame) {
	for _, r := range f.ints {
		b.CompileRegisterToNone(amd64.PUSHQ, r)
	}
	if f.adjust != 0 {
		b.CompileConstToRegister(amd64.SUBQ, f.adjust, amd64.RegSP)
	}
	for i, r := range f.vectors {
		b.CompileRegisterToMemory(amd64.MOVAPS, r, amd64.RegSP, int64(i)*vectorSlotSize)
	}
}

func (b *BlockOfCode) popRegistersAndAdjustStack(f stackFrame) {
	for i, r := range f.vectors {
		b.CompileMemoryToRegister(amd64.MOVAPS, amd64.RegSP, int64(i)*vectorSlotSize, r)
	}
	if f.adjust != 0 {
		b.CompileConstToRegister(amd64.ADDQ, f.adjust, amd64.RegSP)
	}
	for i := len(f.ints) - 1; i >= 0; i-- {
		b.CompileNoneToRegister(amd64.POPQ, f.ints[i])
	}
}

// PushCalleeSaveRegistersAndAdjustStack saves the registers a callee must preserve and aligns the stack
// so that the code which follows can call host functions.
func (b *BlockOfCode) PushCalleeSaveRegistersAndAdjustStack() {
	b.pushRegistersAndAdjustStack(calleeSaveFrame)
}

// PopCalleeSaveRegistersAndAdjustStack reverts PushCalleeSaveRegistersAndAdjustStack.
func (b *BlockOfCode) PopCalleeSaveRegistersAndAdjustStack() {
	b.popRegistersAndAdjustStack(calleeSaveFrame)
}

// PushCallerSaveRegistersAndAdjustStack saves every register a host function may clobber, except the
// given one which may be asm.NilRegister. Translated code relies on all of them surviving a call into
// a stub.
func (b *BlockOfCode) PushCallerSaveRegistersAndAdjustStack(except asm.Register) {
	b.pushRegistersAndAdjustStack(newStackFrame(callerSaveIntRegisters, callerSaveVectorRegisters, except))
}

// PopCallerSaveRegistersAndAdjustStack reverts PushCallerSaveRegistersAndAdjustStack called with the
// same register.
func (b *BlockOfCode) PopCallerSaveRegistersAndAdjustStack(except asm.Register) {
	b.popRegistersAndAdjustStack(newStackFrame(callerSaveIntRegisters, callerSaveVectorRegisters, except))
}
