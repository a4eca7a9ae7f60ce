package amd64

import (
	"fmt"
	"math"

	"github.com/blockjit/blockjit/internal/asm"
)

// Assembler encodes AMD64 instructions straight into an asm.Buffer.
//
// Unlike an assembler which collects nodes and resolves branches at the end, each Compile* call
// writes its bytes at the buffer cursor immediately, so branch targets are absolute addresses which
// must already be known (backward branches) or patched later by repositioning the cursor.
//
// Operands follow the Go assembler order: source first, destination second.
//
// Errors are sticky: the first failure (an invalid operand, a full buffer) is recorded, every
// later call becomes a no-op, and the failure is reported by Err.
type Assembler struct {
	buf asm.Buffer
	err error
}

// NewAssembler returns an Assembler writing into buf.
func NewAssembler(buf asm.Buffer) *Assembler {
	return &Assembler{buf: buf}
}

// Err returns the first error encountered since the creation or the last ResetErr.
func (a *Assembler) Err() error {
	return a.err
}

// ResetErr clears the sticky error so that the assembler can be reused, for example after the
// code buffer was cleared.
func (a *Assembler) ResetErr() {
	a.err = nil
}

// Cursor returns the address at which the next instruction is encoded.
func (a *Assembler) Cursor() uintptr {
	return a.buf.Cursor()
}

func (a *Assembler) fail(err error) {
	if a.err == nil {
		a.err = err
	}
}

func (a *Assembler) write(e *encoded) {
	if a.err != nil {
		return
	}
	if _, err := a.buf.Write(e.bytes()); err != nil {
		a.fail(err)
	}
}

func errorEncodingUnsupported(instruction asm.Instruction, form string) error {
	return fmt.Errorf("%s is unsupported for %s", InstructionName(instruction), form)
}

// Emit writes raw bytes, typically inline data placed next to code.
func (a *Assembler) Emit(b ...byte) {
	if a.err != nil {
		return
	}
	if _, err := a.buf.Write(b); err != nil {
		a.fail(err)
	}
}

// CompileStandAlone adds an instruction to take no arguments.
func (a *Assembler) CompileStandAlone(instruction asm.Instruction) {
	e := &encoded{}
	switch instruction {
	case RET:
		e.put(0xc3)
	case INT3:
		e.put(0xcc)
	case UD2:
		e.put(0x0f, 0x0b)
	case NOP:
		e.put(0x90)
	case VZEROUPPER:
		// https://www.felixcloutier.com/x86/vzeroupper
		e.put(0xc5, 0xf8, 0x77)
	default:
		a.fail(errorEncodingUnsupported(instruction, "stand-alone"))
		return
	}
	a.write(e)
}

// CompileNOP pads the code with n bytes of NOP instructions.
func (a *Assembler) CompileNOP(n int) {
	if n <= 0 {
		return
	}
	e := &encoded{}
	for n > 0 {
		chunk := n
		if chunk > len(e.buf) {
			chunk = len(e.buf)
		}
		e.n = chunk
		FillNOP(e.buf[:chunk])
		a.write(e)
		n -= chunk
	}
}

// Align pads the code with NOP instructions until the cursor is a multiple of alignment, which
// must be a power of two.
func (a *Assembler) Align(alignment int) {
	if alignment <= 0 || alignment&(alignment-1) != 0 {
		panic(fmt.Sprintf("BUG: alignment %d is not a power of two", alignment))
	}
	mask := uintptr(alignment - 1)
	a.CompileNOP(int((uintptr(alignment) - a.Cursor()&mask) & mask))
}

// CompileRegisterToNone adds an instruction where the source operand is the register and there's no destination.
func (a *Assembler) CompileRegisterToNone(instruction asm.Instruction, register asm.Register) {
	e := &encoded{}
	switch instruction {
	case PUSHQ:
		bits, rex, err := register3bits(register, registerSpecifierPositionModRMFieldRM)
		if err != nil || !IsIntRegister(register) {
			a.fail(fmt.Errorf("PUSHQ needs a general purpose register but got %s", RegisterName(register)))
			return
		}
		// https://www.felixcloutier.com/x86/push
		e.putRex(rex)
		e.put(0x50 | bits)
	default:
		a.fail(errorEncodingUnsupported(instruction, "register-to-none"))
		return
	}
	a.write(e)
}

// CompileNoneToRegister adds an instruction where the destination operand is the register and there's no source.
func (a *Assembler) CompileNoneToRegister(instruction asm.Instruction, register asm.Register) {
	e := &encoded{}
	switch instruction {
	case POPQ:
		bits, rex, err := register3bits(register, registerSpecifierPositionModRMFieldRM)
		if err != nil || !IsIntRegister(register) {
			a.fail(fmt.Errorf("POPQ needs a general purpose register but got %s", RegisterName(register)))
			return
		}
		// https://www.felixcloutier.com/x86/pop
		e.putRex(rex)
		e.put(0x58 | bits)
	default:
		a.fail(errorEncodingUnsupported(instruction, "none-to-register"))
		return
	}
	a.write(e)
}

// CompileRegisterToRegister adds an instruction where source and destination are `from` and `to` registers.
func (a *Assembler) CompileRegisterToRegister(instruction asm.Instruction, from, to asm.Register) {
	e := &encoded{}
	switch instruction {
	case MOVQ:
		if !IsIntRegister(from) || !IsIntRegister(to) {
			a.fail(fmt.Errorf("MOVQ between %s and %s is unsupported", RegisterName(from), RegisterName(to)))
			return
		}
		// MOV r/m64, r64: https://www.felixcloutier.com/x86/mov
		srcBits, srcRex, err := register3bits(from, registerSpecifierPositionModRMFieldReg)
		if err != nil {
			a.fail(err)
			return
		}
		if err = e.putRegisterOperands(rexPrefixW|srcRex, []byte{0x89}, srcBits, to); err != nil {
			a.fail(err)
			return
		}
	default:
		a.fail(errorEncodingUnsupported(instruction, "register-to-register"))
		return
	}
	a.write(e)
}

// arithmeticExtension returns the ModRM:reg opcode extension of the 0x81/0x83 group for the instruction.
func arithmeticExtension(instruction asm.Instruction) (byte, bool) {
	switch instruction {
	case ADDQ:
		return 0, true
	case SUBQ:
		return 5, true
	case CMPQ:
		return 7, true
	}
	return 0, false
}

func (e *encoded) putArithmeticImmediate(value int64) {
	if fitInSigned8bit(value) {
		e.put(byte(int8(value)))
	} else {
		e.putUint32(uint32(int32(value)))
	}
}

func arithmeticOpcode(value int64) []byte {
	if fitInSigned8bit(value) {
		return []byte{0x83}
	}
	return []byte{0x81}
}

// CompileConstToRegister adds an instruction where the source operand is the constant `value` and the
// destination is the register.
func (a *Assembler) CompileConstToRegister(instruction asm.Instruction, value int64, to asm.Register) {
	if !IsIntRegister(to) {
		a.fail(fmt.Errorf("%s needs a general purpose register but got %s", InstructionName(instruction), RegisterName(to)))
		return
	}
	e := &encoded{}
	bits, rex, _ := register3bits(to, registerSpecifierPositionModRMFieldRM)
	switch instruction {
	case MOVQ:
		// https://www.felixcloutier.com/x86/mov
		switch {
		case 0 <= value && value <= math.MaxUint32:
			// MOV r32, imm32 zero-extends into the upper half.
			e.putRex(rex)
			e.put(0xb8 | bits)
			e.putUint32(uint32(value))
		case fitInSigned32bit(value):
			// MOV r/m64, imm32 sign-extends.
			e.putRex(rexPrefixW | rex)
			e.put(0xc7, 0b11_000_000|bits)
			e.putUint32(uint32(int32(value)))
		default:
			// MOV r64, imm64
			e.putRex(rexPrefixW | rex)
			e.put(0xb8 | bits)
			e.putUint64(uint64(value))
		}
	case MOVL:
		if value < math.MinInt32 || value > math.MaxUint32 {
			a.fail(fmt.Errorf("MOVL constant %d does not fit in 32-bit", value))
			return
		}
		e.putRex(rex)
		e.put(0xb8 | bits)
		e.putUint32(uint32(value))
	case ADDQ, SUBQ:
		if !fitInSigned32bit(value) {
			a.fail(fmt.Errorf("%s constant %d does not fit in signed 32-bit", InstructionName(instruction), value))
			return
		}
		ext, _ := arithmeticExtension(instruction)
		if err := e.putRegisterOperands(rexPrefixW, arithmeticOpcode(value), ext, to); err != nil {
			a.fail(err)
			return
		}
		e.putArithmeticImmediate(value)
	default:
		a.fail(errorEncodingUnsupported(instruction, "const-to-register"))
		return
	}
	a.write(e)
}

// CompileRegisterToConst adds an instruction where the source operand is the register and the
// destination is the constant `value`. This is only used by comparisons.
func (a *Assembler) CompileRegisterToConst(instruction asm.Instruction, from asm.Register, value int64) {
	if instruction != CMPQ {
		a.fail(errorEncodingUnsupported(instruction, "register-to-const"))
		return
	}
	if !IsIntRegister(from) || !fitInSigned32bit(value) {
		a.fail(fmt.Errorf("invalid CMPQ operands %s, %d", RegisterName(from), value))
		return
	}
	e := &encoded{}
	ext, _ := arithmeticExtension(instruction)
	if err := e.putRegisterOperands(rexPrefixW, arithmeticOpcode(value), ext, from); err != nil {
		a.fail(err)
		return
	}
	e.putArithmeticImmediate(value)
	a.write(e)
}

// CompileMemoryToRegister adds an instruction where the source operand is the memory address specified
// as `baseReg+offset` and the destination is the register.
func (a *Assembler) CompileMemoryToRegister(instruction asm.Instruction, baseReg asm.Register, offset int64, to asm.Register) {
	e := &encoded{}
	regBits, regRex, err := register3bits(to, registerSpecifierPositionModRMFieldReg)
	if err != nil {
		a.fail(err)
		return
	}
	switch instruction {
	case MOVQ:
		if !IsIntRegister(to) {
			a.fail(fmt.Errorf("MOVQ to %s is unsupported", RegisterName(to)))
			return
		}
		err = e.putMemoryOperands(rexPrefixW|regRex, []byte{0x8b}, regBits, baseReg, offset)
	case MOVL:
		if !IsIntRegister(to) {
			a.fail(fmt.Errorf("MOVL to %s is unsupported", RegisterName(to)))
			return
		}
		err = e.putMemoryOperands(regRex, []byte{0x8b}, regBits, baseReg, offset)
	case MOVAPS:
		if !IsVectorRegister(to) {
			a.fail(fmt.Errorf("MOVAPS to %s is unsupported", RegisterName(to)))
			return
		}
		// https://www.felixcloutier.com/x86/movaps
		err = e.putMemoryOperands(regRex, []byte{0x0f, 0x28}, regBits, baseReg, offset)
	default:
		err = errorEncodingUnsupported(instruction, "memory-to-register")
	}
	if err != nil {
		a.fail(err)
		return
	}
	a.write(e)
}

// CompileRegisterToMemory adds an instruction where the source operand is the register and the destination
// is the memory address specified as `baseReg+offset`.
func (a *Assembler) CompileRegisterToMemory(instruction asm.Instruction, from asm.Register, baseReg asm.Register, offset int64) {
	e := &encoded{}
	regBits, regRex, err := register3bits(from, registerSpecifierPositionModRMFieldReg)
	if err != nil {
		a.fail(err)
		return
	}
	switch instruction {
	case MOVQ:
		if !IsIntRegister(from) {
			a.fail(fmt.Errorf("MOVQ from %s is unsupported", RegisterName(from)))
			return
		}
		err = e.putMemoryOperands(rexPrefixW|regRex, []byte{0x89}, regBits, baseReg, offset)
	case MOVL:
		if !IsIntRegister(from) {
			a.fail(fmt.Errorf("MOVL from %s is unsupported", RegisterName(from)))
			return
		}
		err = e.putMemoryOperands(regRex, []byte{0x89}, regBits, baseReg, offset)
	case MOVAPS:
		if !IsVectorRegister(from) {
			a.fail(fmt.Errorf("MOVAPS from %s is unsupported", RegisterName(from)))
			return
		}
		err = e.putMemoryOperands(regRex, []byte{0x0f, 0x29}, regBits, baseReg, offset)
	default:
		err = errorEncodingUnsupported(instruction, "register-to-memory")
	}
	if err != nil {
		a.fail(err)
		return
	}
	a.write(e)
}

// CompileConstToMemory adds an instruction where the source operand is the constant `value` and
// the destination is the memory address specified as `baseReg+offset`.
func (a *Assembler) CompileConstToMemory(instruction asm.Instruction, value int64, baseReg asm.Register, offset int64) {
	e := &encoded{}
	var err error
	switch instruction {
	case MOVQ, MOVL:
		if !fitInSigned32bit(value) && !(instruction == MOVL && value >= 0 && value <= math.MaxUint32) {
			a.fail(fmt.Errorf("%s constant %d does not fit in 32-bit", InstructionName(instruction), value))
			return
		}
		rex := rexPrefixNone
		if instruction == MOVQ {
			rex = rexPrefixW
		}
		// MOV r/m, imm32
		if err = e.putMemoryOperands(rex, []byte{0xc7}, 0, baseReg, offset); err == nil {
			e.putUint32(uint32(value))
		}
	case ADDQ, SUBQ:
		if !fitInSigned32bit(value) {
			a.fail(fmt.Errorf("%s constant %d does not fit in signed 32-bit", InstructionName(instruction), value))
			return
		}
		ext, _ := arithmeticExtension(instruction)
		if err = e.putMemoryOperands(rexPrefixW, arithmeticOpcode(value), ext, baseReg, offset); err == nil {
			e.putArithmeticImmediate(value)
		}
	default:
		err = errorEncodingUnsupported(instruction, "const-to-memory")
	}
	if err != nil {
		a.fail(err)
		return
	}
	a.write(e)
}

// CompileMemoryToConst adds an instruction where the source operand is the memory address specified as
// `baseReg+offset` and the destination is the constant `value`. This is only used by comparisons.
func (a *Assembler) CompileMemoryToConst(instruction asm.Instruction, baseReg asm.Register, offset int64, value int64) {
	if instruction != CMPQ {
		a.fail(errorEncodingUnsupported(instruction, "memory-to-const"))
		return
	}
	if !fitInSigned32bit(value) {
		a.fail(fmt.Errorf("CMPQ constant %d does not fit in signed 32-bit", value))
		return
	}
	e := &encoded{}
	ext, _ := arithmeticExtension(instruction)
	if err := e.putMemoryOperands(rexPrefixW, arithmeticOpcode(value), ext, baseReg, offset); err != nil {
		a.fail(err)
		return
	}
	e.putArithmeticImmediate(value)
	a.write(e)
}

// CompileNoneToMemory adds an instruction where the destination operand is the memory address specified as
// `baseReg+offset` and there's no source operand.
func (a *Assembler) CompileNoneToMemory(instruction asm.Instruction, baseReg asm.Register, offset int64) {
	e := &encoded{}
	var err error
	switch instruction {
	case STMXCSR:
		// https://www.felixcloutier.com/x86/stmxcsr
		err = e.putMemoryOperands(rexPrefixNone, []byte{0x0f, 0xae}, 3, baseReg, offset)
	default:
		err = errorEncodingUnsupported(instruction, "none-to-memory")
	}
	if err != nil {
		a.fail(err)
		return
	}
	a.write(e)
}

// CompileMemoryToNone adds an instruction where the source operand is the memory address specified as
// `baseReg+offset` and there's no destination operand.
func (a *Assembler) CompileMemoryToNone(instruction asm.Instruction, baseReg asm.Register, offset int64) {
	e := &encoded{}
	var err error
	switch instruction {
	case LDMXCSR:
		// https://www.felixcloutier.com/x86/ldmxcsr
		err = e.putMemoryOperands(rexPrefixNone, []byte{0x0f, 0xae}, 2, baseReg, offset)
	default:
		err = errorEncodingUnsupported(instruction, "memory-to-none")
	}
	if err != nil {
		a.fail(err)
		return
	}
	a.write(e)
}

// Sizes of the rel32 forms emitted by CompileJump.
const (
	JumpInstructionSize            = 5
	CallInstructionSize            = 5
	ConditionalJumpInstructionSize = 6
)

// RelativeDisplacement returns the rel32 operand of an instruction of size instructionSize encoded at from
// which transfers control to target. ok is false when target is not reachable.
func RelativeDisplacement(from uintptr, instructionSize int, target uintptr) (disp int32, ok bool) {
	d := int64(target) - int64(from+uintptr(instructionSize))
	if !fitInSigned32bit(d) {
		return 0, false
	}
	return int32(d), true
}

// CompileJump adds a JMP, CALL or conditional jump instruction transferring control to the absolute address
// target. The rel32 form is always used so that the instruction size does not depend on the distance,
// which keeps patch sites a fixed size.
func (a *Assembler) CompileJump(instruction asm.Instruction, target uintptr) {
	e := &encoded{}
	var size int
	switch instruction {
	case JMP:
		size = JumpInstructionSize
		e.put(0xe9)
	case CALL:
		size = CallInstructionSize
		e.put(0xe8)
	default:
		cond, ok := conditionOf[instruction]
		if !ok {
			a.fail(errorEncodingUnsupported(instruction, "relative jump"))
			return
		}
		size = ConditionalJumpInstructionSize
		e.put(0x0f, 0x80|byte(cond))
	}
	disp, ok := RelativeDisplacement(a.Cursor(), size, target)
	if !ok {
		a.fail(fmt.Errorf("%w: %s from %#x to %#x", asm.ErrBranchOutOfRange, InstructionName(instruction), a.Cursor(), target))
		return
	}
	e.putUint32(uint32(disp))
	a.write(e)
}

// CompileJumpToRegister adds a JMP or CALL instruction whose target address is held by the register.
func (a *Assembler) CompileJumpToRegister(instruction asm.Instruction, reg asm.Register) {
	if !IsIntRegister(reg) {
		a.fail(fmt.Errorf("%s needs a general purpose register but got %s", InstructionName(instruction), RegisterName(reg)))
		return
	}
	var ext byte
	switch instruction {
	case JMP:
		ext = 4
	case CALL:
		ext = 2
	default:
		a.fail(errorEncodingUnsupported(instruction, "jump-to-register"))
		return
	}
	e := &encoded{}
	// https://www.felixcloutier.com/x86/jmp
	// https://www.felixcloutier.com/x86/call
	if err := e.putRegisterOperands(rexPrefixNone, []byte{0xff}, ext, reg); err != nil {
		a.fail(err)
		return
	}
	a.write(e)
}
