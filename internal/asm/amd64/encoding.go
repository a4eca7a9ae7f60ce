package amd64

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/blockjit/blockjit/internal/asm"
)

// rexPrefix represents REX prefix https://wiki.osdev.org/X86-64_Instruction_Encoding#REX_prefix
type rexPrefix = byte

// REX prefixes are independent of each other and can be combined with OR.
const (
	rexPrefixNone    rexPrefix = 0x0000_0000 // Indicates that the instruction doesn't need rexPrefix.
	rexPrefixDefault rexPrefix = 0b0100_0000
	rexPrefixW       rexPrefix = 0b0000_1000 | rexPrefixDefault
	rexPrefixR       rexPrefix = 0b0000_0100 | rexPrefixDefault
	rexPrefixX       rexPrefix = 0b0000_0010 | rexPrefixDefault
	rexPrefixB       rexPrefix = 0b0000_0001 | rexPrefixDefault
)

// registerSpecifierPosition represents the position in the instruction bytes where an operand register is placed.
type registerSpecifierPosition byte

const (
	registerSpecifierPositionModRMFieldReg registerSpecifierPosition = iota
	registerSpecifierPositionModRMFieldRM
	registerSpecifierPositionSIBIndex
)

func register3bits(reg asm.Register, registerSpecifierPosition registerSpecifierPosition) (bits byte, prefix rexPrefix, err error) {
	prefix = rexPrefixNone
	if RegR8 <= reg && reg <= RegR15 || RegX8 <= reg && reg <= RegX15 {
		// https://wiki.osdev.org/X86-64_Instruction_Encoding#REX_prefix
		switch registerSpecifierPosition {
		case registerSpecifierPositionModRMFieldReg:
			prefix = rexPrefixR
		case registerSpecifierPositionModRMFieldRM:
			prefix = rexPrefixB
		case registerSpecifierPositionSIBIndex:
			prefix = rexPrefixX
		}
	}

	// https://wiki.osdev.org/X86-64_Instruction_Encoding#Registers
	switch reg {
	case RegAX, RegR8, RegX0, RegX8:
		bits = 0b000
	case RegCX, RegR9, RegX1, RegX9:
		bits = 0b001
	case RegDX, RegR10, RegX2, RegX10:
		bits = 0b010
	case RegBX, RegR11, RegX3, RegX11:
		bits = 0b011
	case RegSP, RegR12, RegX4, RegX12:
		bits = 0b100
	case RegBP, RegR13, RegX5, RegX13:
		bits = 0b101
	case RegSI, RegR14, RegX6, RegX14:
		bits = 0b110
	case RegDI, RegR15, RegX7, RegX15:
		bits = 0b111
	default:
		err = fmt.Errorf("invalid register [%s]", RegisterName(reg))
	}
	return
}

// encoded accumulates the bytes of a single instruction before it is written out.
type encoded struct {
	buf [24]byte
	n   int
}

func (e *encoded) bytes() []byte {
	return e.buf[:e.n]
}

func (e *encoded) put(b ...byte) {
	e.n += copy(e.buf[e.n:], b)
}

func (e *encoded) putRex(p rexPrefix) {
	if p != rexPrefixNone {
		e.put(p)
	}
}

func (e *encoded) putUint32(v uint32) {
	binary.LittleEndian.PutUint32(e.buf[e.n:], v)
	e.n += 4
}

func (e *encoded) putUint64(v uint64) {
	binary.LittleEndian.PutUint64(e.buf[e.n:], v)
	e.n += 8
}

// putRegisterOperands writes REX, the opcode and a register-direct ModRM byte. regField is either the /digit
// opcode extension or a register already converted with register3bits.
func (e *encoded) putRegisterOperands(rex rexPrefix, opcode []byte, regField byte, rm asm.Register) error {
	rmBits, rmRex, err := register3bits(rm, registerSpecifierPositionModRMFieldRM)
	if err != nil {
		return err
	}
	e.putRex(rex | rmRex)
	e.put(opcode...)
	// https://wiki.osdev.org/X86-64_Instruction_Encoding#ModR.2FM
	e.put(0b11_000_000 | (regField&0b111)<<3 | rmBits)
	return nil
}

// putMemoryOperands writes REX, the opcode, and the ModRM/SIB/displacement bytes for the [base+offset]
// memory operand.
func (e *encoded) putMemoryOperands(rex rexPrefix, opcode []byte, regField byte, base asm.Register, offset int64) error {
	if !fitInSigned32bit(offset) {
		return fmt.Errorf("offset %d does not fit in 32-bit integer", offset)
	}
	if !IsIntRegister(base) {
		return fmt.Errorf("invalid base register [%s]", RegisterName(base))
	}
	baseBits, baseRex, err := register3bits(base, registerSpecifierPositionModRMFieldRM)
	if err != nil {
		return err
	}
	e.putRex(rex | baseRex)
	e.put(opcode...)

	var modRM byte
	var displacementWidth int
	// If the base register is R13 or BP, we have to keep [R/M + displacement] even if the value
	// is zero since [R/M] operand is not defined for these two registers.
	// https://wiki.osdev.org/X86-64_Instruction_Encoding#32.2F64-bit_addressing
	if offset == 0 && base != RegR13 && base != RegBP {
		modRM = 0b00_000_000
	} else if fitInSigned8bit(offset) {
		modRM = 0b01_000_000
		displacementWidth = 8
	} else {
		modRM = 0b10_000_000
		displacementWidth = 32
	}
	e.put(modRM | (regField&0b111)<<3 | baseBits)

	// For SP and R12 register, the r/m field selects a SIB byte, so we emit the SIB byte which
	// ends up [register + displacement].
	// https://wiki.osdev.org/X86-64_Instruction_Encoding#32.2F64-bit_addressing_2
	if base == RegSP || base == RegR12 {
		e.put(0b00_100_100)
	}

	switch displacementWidth {
	case 8:
		e.put(byte(int8(offset)))
	case 32:
		e.putUint32(uint32(int32(offset)))
	}
	return nil
}

// nopOpcodes are the recommended multi-byte NOP sequences.
// https://www.felixcloutier.com/x86/nop
var nopOpcodes = [][9]byte{
	{0x90},
	{0x66, 0x90},
	{0x0f, 0x1f, 0x00},
	{0x0f, 0x1f, 0x40, 0x00},
	{0x0f, 0x1f, 0x44, 0x00, 0x00},
	{0x66, 0x0f, 0x1f, 0x44, 0x00, 0x00},
	{0x0f, 0x1f, 0x80, 0x00, 0x00, 0x00, 0x00},
	{0x0f, 0x1f, 0x84, 0x00, 0x00, 0x00, 0x00, 0x00},
	{0x66, 0x0f, 0x1f, 0x84, 0x00, 0x00, 0x00, 0x00, 0x00},
}

// FillNOP implements asm.Filler with the longest available multi-byte NOPs.
func FillNOP(dst []byte) {
	for len(dst) > 0 {
		n := len(dst)
		if n > len(nopOpcodes) {
			n = len(nopOpcodes)
		}
		copy(dst, nopOpcodes[n-1][:n])
		dst = dst[n:]
	}
}

var _ asm.Filler = FillNOP

func fitInSigned32bit(v int64) bool {
	return math.MinInt32 <= v && v <= math.MaxInt32
}

func fitInSigned8bit(v int64) bool {
	return math.MinInt8 <= v && v <= math.MaxInt8
}
