package amd64

import "github.com/blockjit/blockjit/internal/asm"

// Condition is the condition code of a conditional jump, as encoded in the low nibble of the Jcc opcode.
// https://www.felixcloutier.com/x86/jcc
type Condition byte

// AMD64-specific conditions.
// https://www.lri.fr/~filliatr/ens/compil/x86-64.pdf
const (
	ConditionO  Condition = 0x0 // OF overflow
	ConditionNO Condition = 0x1 // ˜OF not overflow
	ConditionB  Condition = 0x2 // CF below (unsigned <)
	ConditionAE Condition = 0x3 // ˜CF above or equal (unsigned >=)
	ConditionE  Condition = 0x4 // ZF equal to zero
	ConditionNE Condition = 0x5 // ˜ZF not equal to zero
	ConditionBE Condition = 0x6 // CF | ZF below or equal (unsigned <=)
	ConditionA  Condition = 0x7 // ˜CF & ˜ZF above (unsigned >)
	ConditionS  Condition = 0x8 // SF negative
	ConditionNS Condition = 0x9 // ˜SF non-negative
	ConditionL  Condition = 0xc // SF xor OF less (signed <)
	ConditionGE Condition = 0xd // ˜(SF xor OF) greater or equal (signed >=)
	ConditionLE Condition = 0xe // (SF xor OF) | ZF less or equal (signed <=)
	ConditionG  Condition = 0xf // ˜(SF xor OF) & ˜ZF greater (signed >)
)

// String implements fmt.Stringer.
func (c Condition) String() string {
	switch c {
	case ConditionO:
		return "O"
	case ConditionNO:
		return "NO"
	case ConditionB:
		return "B"
	case ConditionAE:
		return "AE"
	case ConditionE:
		return "E"
	case ConditionNE:
		return "NE"
	case ConditionBE:
		return "BE"
	case ConditionA:
		return "A"
	case ConditionS:
		return "S"
	case ConditionNS:
		return "NS"
	case ConditionL:
		return "L"
	case ConditionGE:
		return "GE"
	case ConditionLE:
		return "LE"
	case ConditionG:
		return "G"
	}
	return "?"
}

// AMD64-specific registers.
//
// Note: naming convention is exactly the same as Go assembler: https://go.dev/doc/asm
const (
	RegAX asm.Register = asm.NilRegister + 1 + iota
	RegCX
	RegDX
	RegBX
	RegSP
	RegBP
	RegSI
	RegDI
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegR15
	RegX0
	RegX1
	RegX2
	RegX3
	RegX4
	RegX5
	RegX6
	RegX7
	RegX8
	RegX9
	RegX10
	RegX11
	RegX12
	RegX13
	RegX14
	RegX15
)

// RegisterName returns the name of the given register.
func RegisterName(reg asm.Register) string {
	switch reg {
	case RegAX:
		return "AX"
	case RegCX:
		return "CX"
	case RegDX:
		return "DX"
	case RegBX:
		return "BX"
	case RegSP:
		return "SP"
	case RegBP:
		return "BP"
	case RegSI:
		return "SI"
	case RegDI:
		return "DI"
	case RegR8:
		return "R8"
	case RegR9:
		return "R9"
	case RegR10:
		return "R10"
	case RegR11:
		return "R11"
	case RegR12:
		return "R12"
	case RegR13:
		return "R13"
	case RegR14:
		return "R14"
	case RegR15:
		return "R15"
	case RegX0:
		return "X0"
	case RegX1:
		return "X1"
	case RegX2:
		return "X2"
	case RegX3:
		return "X3"
	case RegX4:
		return "X4"
	case RegX5:
		return "X5"
	case RegX6:
		return "X6"
	case RegX7:
		return "X7"
	case RegX8:
		return "X8"
	case RegX9:
		return "X9"
	case RegX10:
		return "X10"
	case RegX11:
		return "X11"
	case RegX12:
		return "X12"
	case RegX13:
		return "X13"
	case RegX14:
		return "X14"
	case RegX15:
		return "X15"
	default:
		return "nil"
	}
}

// IsIntRegister returns true if the given register is a general purpose register.
func IsIntRegister(r asm.Register) bool {
	return RegAX <= r && r <= RegR15
}

// IsVectorRegister returns true if the given register is one of the XMM registers.
func IsVectorRegister(r asm.Register) bool {
	return RegX0 <= r && r <= RegX15
}

// AMD64-specific instructions.
// https://www.felixcloutier.com/x86/index.html
//
// Note: here we do not define all of amd64 instructions, and we only define the ones used by the stubs
// and by the tests which stand in for translated blocks.
// Note: naming convention is exactly the same as Go assembler: https://go.dev/doc/asm
const (
	NONE asm.Instruction = iota
	ADDQ
	CALL
	CMPQ
	INT3
	JCC
	JCS
	JEQ
	JGE
	JGT
	JHI
	JLE
	JLS
	JLT
	JMI
	JMP
	JNE
	JPL
	LDMXCSR
	MOVAPS
	MOVL
	MOVQ
	NOP
	POPQ
	PUSHQ
	RET
	STMXCSR
	SUBQ
	UD2
	VZEROUPPER
)

// InstructionName returns the name for an instruction
func InstructionName(instruction asm.Instruction) string {
	switch instruction {
	case ADDQ:
		return "ADDQ"
	case CALL:
		return "CALL"
	case CMPQ:
		return "CMPQ"
	case INT3:
		return "INT3"
	case JCC:
		return "JCC"
	case JCS:
		return "JCS"
	case JEQ:
		return "JEQ"
	case JGE:
		return "JGE"
	case JGT:
		return "JGT"
	case JHI:
		return "JHI"
	case JLE:
		return "JLE"
	case JLS:
		return "JLS"
	case JLT:
		return "JLT"
	case JMI:
		return "JMI"
	case JMP:
		return "JMP"
	case JNE:
		return "JNE"
	case JPL:
		return "JPL"
	case LDMXCSR:
		return "LDMXCSR"
	case MOVAPS:
		return "MOVAPS"
	case MOVL:
		return "MOVL"
	case MOVQ:
		return "MOVQ"
	case NOP:
		return "NOP"
	case POPQ:
		return "POPQ"
	case PUSHQ:
		return "PUSHQ"
	case RET:
		return "RET"
	case STMXCSR:
		return "STMXCSR"
	case SUBQ:
		return "SUBQ"
	case UD2:
		return "UD2"
	case VZEROUPPER:
		return "VZEROUPPER"
	}
	return "UNKNOWN"
}

// conditionOf maps the conditional jump instructions to their condition codes.
var conditionOf = map[asm.Instruction]Condition{
	JCC: ConditionAE,
	JCS: ConditionB,
	JEQ: ConditionE,
	JGE: ConditionGE,
	JGT: ConditionG,
	JHI: ConditionA,
	JLE: ConditionLE,
	JLS: ConditionBE,
	JLT: ConditionL,
	JMI: ConditionS,
	JNE: ConditionNE,
	JPL: ConditionNS,
}
