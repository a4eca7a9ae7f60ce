package x64

import (
	"fmt"

	"github.com/blockjit/blockjit/internal/asm"
	"github.com/blockjit/blockjit/internal/asm/amd64"
)

// memoryAccessWidths are the access sizes in bits served by the memory trampolines.
var memoryAccessWidths = [...]int{8, 16, 32, 64}

func memoryAccessWidthIndex(bits int) (int, bool) {
	for i, w := range memoryAccessWidths {
		if w == bits {
			return i, true
		}
	}
	return 0, false
}

// genMemoryAccessors emits one trampoline per access width and direction. Translated code calls them with
// the address in RDI and, for writes, the value in RSI. Every register except RAX after a read survives.
func (b *BlockOfCode) genMemoryAccessors() {
	for i, bits := range memoryAccessWidths {
		b.readMemory[i] = b.genMemoryTrampoline(fmt.Sprintf("read_memory_%d", bits), b.memory.read(i), abiReturn)
	}
	for i, bits := range memoryAccessWidths {
		b.writeMemory[i] = b.genMemoryTrampoline(fmt.Sprintf("write_memory_%d", bits), b.memory.write(i), asm.NilRegister)
	}
}

// genMemoryTrampoline emits a stub calling callback with the arguments left untouched. result is the
// register carrying the return value back, which is therefore not restored.
func (b *BlockOfCode) genMemoryTrampoline(name string, callback uintptr, result asm.Register) uintptr {
	addr := b.beginStub(name)
	b.PushCallerSaveRegistersAndAdjustStack(result)
	b.CallFunction(callback)
	b.PopCallerSaveRegistersAndAdjustStack(result)
	b.CompileStandAlone(amd64.RET)
	b.endStub()
	return addr
}

// MemoryReadTrampoline returns the address of the read trampoline for the access width in bits, or zero
// for an unsupported width.
func (b *BlockOfCode) MemoryReadTrampoline(bits int) uintptr {
	if i, ok := memoryAccessWidthIndex(bits); ok {
		return b.readMemory[i]
	}
	return 0
}

// MemoryWriteTrampoline returns the address of the write trampoline for the access width in bits, or zero
// for an unsupported width.
func (b *BlockOfCode) MemoryWriteTrampoline(bits int) uintptr {
	if i, ok := memoryAccessWidthIndex(bits); ok {
		return b.writeMemory[i]
	}
	return 0
}
