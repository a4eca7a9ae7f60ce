package x64

import "github.com/blockjit/blockjit/internal/asm/amd64"

// SwitchMxcsrOnEntry makes the guest MXCSR the current MXCSR, saving the host one.
func (b *BlockOfCode) SwitchMxcsrOnEntry() {
	b.CompileNoneToMemory(amd64.STMXCSR, JitStateRegister, jitStateSaveHostMXCSROffset)
	b.CompileMemoryToNone(amd64.LDMXCSR, JitStateRegister, jitStateGuestMXCSROffset)
}

// SwitchMxcsrOnExit makes the saved host MXCSR the current MXCSR, saving the guest one.
func (b *BlockOfCode) SwitchMxcsrOnExit() {
	b.CompileNoneToMemory(amd64.STMXCSR, JitStateRegister, jitStateGuestMXCSROffset)
	b.CompileMemoryToNone(amd64.LDMXCSR, JitStateRegister, jitStateSaveHostMXCSROffset)
}
