package amd64

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	goasm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"
	"golang.org/x/arch/x86/x86asm"

	"github.com/blockjit/blockjit/internal/asm"
)

const testBase uintptr = 0x10_0000

// testBuffer is an asm.Buffer whose bytes pretend to live at base.
type testBuffer struct {
	bytes.Buffer
	base  uintptr
	limit int
}

func newTestBuffer() *testBuffer {
	return &testBuffer{base: testBase, limit: math.MaxInt}
}

func (b *testBuffer) Cursor() uintptr {
	return b.base + uintptr(b.Len())
}

var errTestBufferFull = errors.New("full")

func (b *testBuffer) Write(p []byte) (int, error) {
	if b.Len()+len(p) > b.limit {
		return 0, errTestBufferFull
	}
	return b.Buffer.Write(p)
}

func assemble(t *testing.T, fn func(a *Assembler)) []byte {
	buf := newTestBuffer()
	a := NewAssembler(buf)
	fn(a)
	require.NoError(t, a.Err())
	return buf.Bytes()
}

func TestAssembler_encodings(t *testing.T) {
	tests := []struct {
		name string
		fn   func(a *Assembler)
		exp  []byte
	}{
		{name: "ret", fn: func(a *Assembler) { a.CompileStandAlone(RET) }, exp: []byte{0xc3}},
		{name: "int3", fn: func(a *Assembler) { a.CompileStandAlone(INT3) }, exp: []byte{0xcc}},
		{name: "ud2", fn: func(a *Assembler) { a.CompileStandAlone(UD2) }, exp: []byte{0x0f, 0x0b}},
		{name: "vzeroupper", fn: func(a *Assembler) { a.CompileStandAlone(VZEROUPPER) }, exp: []byte{0xc5, 0xf8, 0x77}},
		{name: "push rbx", fn: func(a *Assembler) { a.CompileRegisterToNone(PUSHQ, RegBX) }, exp: []byte{0x53}},
		{name: "push r12", fn: func(a *Assembler) { a.CompileRegisterToNone(PUSHQ, RegR12) }, exp: []byte{0x41, 0x54}},
		{name: "pop rbp", fn: func(a *Assembler) { a.CompileNoneToRegister(POPQ, RegBP) }, exp: []byte{0x5d}},
		{name: "pop r15", fn: func(a *Assembler) { a.CompileNoneToRegister(POPQ, RegR15) }, exp: []byte{0x41, 0x5f}},
		{
			name: "mov r15, rdi",
			fn:   func(a *Assembler) { a.CompileRegisterToRegister(MOVQ, RegDI, RegR15) },
			exp:  []byte{0x49, 0x89, 0xff},
		},
		{
			name: "mov edi, imm32",
			fn:   func(a *Assembler) { a.CompileConstToRegister(MOVQ, 0x1234, RegDI) },
			exp:  []byte{0xbf, 0x34, 0x12, 0x00, 0x00},
		},
		{
			name: "mov rax, -1",
			fn:   func(a *Assembler) { a.CompileConstToRegister(MOVQ, -1, RegAX) },
			exp:  []byte{0x48, 0xc7, 0xc0, 0xff, 0xff, 0xff, 0xff},
		},
		{
			name: "movabs rax",
			fn:   func(a *Assembler) { a.CompileConstToRegister(MOVQ, 0x1122334455667788, RegAX) },
			exp:  []byte{0x48, 0xb8, 0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11},
		},
		{
			name: "movabs r11",
			fn:   func(a *Assembler) { a.CompileConstToRegister(MOVQ, 0x1122334455667788, RegR11) },
			exp:  []byte{0x49, 0xbb, 0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11},
		},
		{
			name: "sub rsp, 8",
			fn:   func(a *Assembler) { a.CompileConstToRegister(SUBQ, 8, RegSP) },
			exp:  []byte{0x48, 0x83, 0xec, 0x08},
		},
		{
			name: "add rsp, 0x108",
			fn:   func(a *Assembler) { a.CompileConstToRegister(ADDQ, 0x108, RegSP) },
			exp:  []byte{0x48, 0x81, 0xc4, 0x08, 0x01, 0x00, 0x00},
		},
		{
			name: "cmp rax, 0",
			fn:   func(a *Assembler) { a.CompileRegisterToConst(CMPQ, RegAX, 0) },
			exp:  []byte{0x48, 0x83, 0xf8, 0x00},
		},
		{
			name: "cmp qword [r15], 0",
			fn:   func(a *Assembler) { a.CompileMemoryToConst(CMPQ, RegR15, 0, 0) },
			exp:  []byte{0x49, 0x83, 0x3f, 0x00},
		},
		{
			name: "stmxcsr [r15+8]",
			fn:   func(a *Assembler) { a.CompileNoneToMemory(STMXCSR, RegR15, 8) },
			exp:  []byte{0x41, 0x0f, 0xae, 0x5f, 0x08},
		},
		{
			name: "ldmxcsr [r15+12]",
			fn:   func(a *Assembler) { a.CompileMemoryToNone(LDMXCSR, RegR15, 12) },
			exp:  []byte{0x41, 0x0f, 0xae, 0x57, 0x0c},
		},
		{
			name: "movaps [rsp+16], xmm8",
			fn:   func(a *Assembler) { a.CompileRegisterToMemory(MOVAPS, RegX8, RegSP, 16) },
			exp:  []byte{0x44, 0x0f, 0x29, 0x44, 0x24, 0x10},
		},
		{
			name: "movaps xmm0, [rsp]",
			fn:   func(a *Assembler) { a.CompileMemoryToRegister(MOVAPS, RegSP, 0, RegX0) },
			exp:  []byte{0x0f, 0x28, 0x04, 0x24},
		},
		{
			name: "mov rax, [rbp]",
			fn:   func(a *Assembler) { a.CompileMemoryToRegister(MOVQ, RegBP, 0, RegAX) },
			exp:  []byte{0x48, 0x8b, 0x45, 0x00},
		},
		{
			name: "mov rax, [r13]",
			fn:   func(a *Assembler) { a.CompileMemoryToRegister(MOVQ, RegR13, 0, RegAX) },
			exp:  []byte{0x49, 0x8b, 0x45, 0x00},
		},
		{
			name: "mov rax, [r12+0x100]",
			fn:   func(a *Assembler) { a.CompileMemoryToRegister(MOVQ, RegR12, 0x100, RegAX) },
			exp:  []byte{0x49, 0x8b, 0x84, 0x24, 0x00, 0x01, 0x00, 0x00},
		},
		{
			name: "mov qword [r15], 100",
			fn:   func(a *Assembler) { a.CompileConstToMemory(MOVQ, 100, RegR15, 0) },
			exp:  []byte{0x49, 0xc7, 0x07, 0x64, 0x00, 0x00, 0x00},
		},
		{
			name: "sub qword [r15], 1",
			fn:   func(a *Assembler) { a.CompileConstToMemory(SUBQ, 1, RegR15, 0) },
			exp:  []byte{0x49, 0x83, 0x2f, 0x01},
		},
		{name: "jmp rax", fn: func(a *Assembler) { a.CompileJumpToRegister(JMP, RegAX) }, exp: []byte{0xff, 0xe0}},
		{name: "call rax", fn: func(a *Assembler) { a.CompileJumpToRegister(CALL, RegAX) }, exp: []byte{0xff, 0xd0}},
		{name: "jmp r11", fn: func(a *Assembler) { a.CompileJumpToRegister(JMP, RegR11) }, exp: []byte{0x41, 0xff, 0xe3}},
		{
			name: "jmp self",
			fn:   func(a *Assembler) { a.CompileJump(JMP, testBase) },
			exp:  []byte{0xe9, 0xfb, 0xff, 0xff, 0xff},
		},
		{
			name: "jg forward",
			fn:   func(a *Assembler) { a.CompileJump(JGT, testBase+0x100) },
			exp:  []byte{0x0f, 0x8f, 0xfa, 0x00, 0x00, 0x00},
		},
		{
			name: "call forward",
			fn:   func(a *Assembler) { a.CompileJump(CALL, testBase+0x10) },
			exp:  []byte{0xe8, 0x0b, 0x00, 0x00, 0x00},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.exp, assemble(t, tc.fn))
		})
	}
}

func TestAssembler_decodable(t *testing.T) {
	code := assemble(t, func(a *Assembler) {
		a.CompileRegisterToNone(PUSHQ, RegR15)
		a.CompileRegisterToRegister(MOVQ, RegDI, RegR15)
		a.CompileConstToRegister(MOVQ, 0x1122334455667788, RegAX)
		a.CompileMemoryToConst(CMPQ, RegR15, 0, 0)
		a.CompileNoneToMemory(STMXCSR, RegR15, 8)
		a.CompileMemoryToNone(LDMXCSR, RegR15, 12)
		a.CompileRegisterToMemory(MOVAPS, RegX15, RegSP, 0xf0)
		a.CompileJumpToRegister(JMP, RegAX)
		a.CompileStandAlone(RET)
	})

	exp := []x86asm.Op{x86asm.PUSH, x86asm.MOV, x86asm.MOV, x86asm.CMP, x86asm.STMXCSR, x86asm.LDMXCSR, x86asm.MOVAPS, x86asm.JMP, x86asm.RET}
	var ops []x86asm.Op
	for len(code) > 0 {
		inst, err := x86asm.Decode(code, 64)
		require.NoError(t, err)
		ops = append(ops, inst.Op)
		code = code[inst.Len:]
	}
	require.Equal(t, exp, ops)
}

func TestAssembler_NOP(t *testing.T) {
	for n := 1; n <= 40; n++ {
		code := assemble(t, func(a *Assembler) { a.CompileNOP(n) })
		require.Len(t, code, n)
		for len(code) > 0 {
			inst, err := x86asm.Decode(code, 64)
			require.NoError(t, err)
			code = code[inst.Len:]
		}
	}
}

func TestAssembler_Align(t *testing.T) {
	buf := newTestBuffer()
	a := NewAssembler(buf)
	a.CompileStandAlone(RET)
	a.Align(16)
	require.NoError(t, a.Err())
	require.Equal(t, 16, buf.Len())

	// Already aligned.
	a.Align(16)
	require.Equal(t, 16, buf.Len())

	require.Panics(t, func() { a.Align(12) })
}

func TestAssembler_errors(t *testing.T) {
	t.Run("invalid register", func(t *testing.T) {
		buf := newTestBuffer()
		a := NewAssembler(buf)
		a.CompileRegisterToNone(PUSHQ, RegX0)
		require.EqualError(t, a.Err(), "PUSHQ needs a general purpose register but got X0")
		// Sticky: nothing is written after the failure.
		a.CompileStandAlone(RET)
		require.Zero(t, buf.Len())
	})
	t.Run("unsupported", func(t *testing.T) {
		a := NewAssembler(newTestBuffer())
		a.CompileStandAlone(MOVQ)
		require.EqualError(t, a.Err(), "MOVQ is unsupported for stand-alone")
	})
	t.Run("branch out of range", func(t *testing.T) {
		a := NewAssembler(newTestBuffer())
		a.CompileJump(CALL, testBase+1<<33)
		require.ErrorIs(t, a.Err(), asm.ErrBranchOutOfRange)
	})
	t.Run("buffer full", func(t *testing.T) {
		buf := newTestBuffer()
		buf.limit = 2
		a := NewAssembler(buf)
		a.CompileStandAlone(RET)
		a.CompileConstToRegister(MOVQ, 1, RegAX)
		require.ErrorIs(t, a.Err(), errTestBufferFull)
		require.Equal(t, 1, buf.Len())

		a.ResetErr()
		require.NoError(t, a.Err())
	})
}

// golangAsmCode assembles a single instruction with golang-asm for comparison.
func golangAsmCode(t *testing.T, fn func(p *obj.Prog)) []byte {
	b, err := goasm.NewBuilder("amd64", 64)
	require.NoError(t, err)
	p := b.NewProg()
	fn(p)
	b.AddInstruction(p)
	return b.Assemble()
}

func TestAssembler_golangAsmCompatibility(t *testing.T) {
	regs := map[asm.Register]int16{
		RegAX: x86.REG_AX, RegCX: x86.REG_CX, RegBX: x86.REG_BX, RegBP: x86.REG_BP,
		RegDI: x86.REG_DI, RegR8: x86.REG_R8, RegR12: x86.REG_R12, RegR13: x86.REG_R13, RegR15: x86.REG_R15,
	}
	for reg, goReg := range regs {
		reg, goReg := reg, goReg
		t.Run(RegisterName(reg), func(t *testing.T) {
			exp := golangAsmCode(t, func(p *obj.Prog) {
				p.As = x86.APUSHQ
				p.From.Type = obj.TYPE_REG
				p.From.Reg = goReg
			})
			require.Equal(t, exp, assemble(t, func(a *Assembler) { a.CompileRegisterToNone(PUSHQ, reg) }))

			exp = golangAsmCode(t, func(p *obj.Prog) {
				p.As = x86.APOPQ
				p.To.Type = obj.TYPE_REG
				p.To.Reg = goReg
			})
			require.Equal(t, exp, assemble(t, func(a *Assembler) { a.CompileNoneToRegister(POPQ, reg) }))

			exp = golangAsmCode(t, func(p *obj.Prog) {
				p.As = x86.AMOVQ
				p.From.Type = obj.TYPE_REG
				p.From.Reg = goReg
				p.To.Type = obj.TYPE_REG
				p.To.Reg = x86.REG_R15
			})
			require.Equal(t, exp, assemble(t, func(a *Assembler) { a.CompileRegisterToRegister(MOVQ, reg, RegR15) }))

			for _, offset := range []int64{0, 8, 0x100} {
				exp = golangAsmCode(t, func(p *obj.Prog) {
					p.As = x86.AMOVQ
					p.From.Type = obj.TYPE_MEM
					p.From.Reg = goReg
					p.From.Offset = offset
					p.To.Type = obj.TYPE_REG
					p.To.Reg = x86.REG_DX
				})
				require.Equal(t, exp, assemble(t, func(a *Assembler) { a.CompileMemoryToRegister(MOVQ, reg, offset, RegDX) }))
			}

			exp = golangAsmCode(t, func(p *obj.Prog) {
				p.As = obj.AJMP
				p.To.Type = obj.TYPE_REG
				p.To.Reg = goReg
			})
			require.Equal(t, exp, assemble(t, func(a *Assembler) { a.CompileJumpToRegister(JMP, reg) }))
		})
	}

	exp := golangAsmCode(t, func(p *obj.Prog) { p.As = obj.ARET })
	require.Equal(t, exp, assemble(t, func(a *Assembler) { a.CompileStandAlone(RET) }))
}
