// Package disasm lists emitted x86-64 code for tooling and tests.
package disasm

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/arch/x86/x86asm"
)

// Syntax selects the assembly dialect of the listing.
type Syntax int

const (
	SyntaxIntel Syntax = iota
	SyntaxGNU
	SyntaxGo
)

// ParseSyntax parses the name of a Syntax.
func ParseSyntax(s string) (Syntax, error) {
	switch s {
	case "intel", "":
		return SyntaxIntel, nil
	case "gnu", "att":
		return SyntaxGNU, nil
	case "go", "plan9":
		return SyntaxGo, nil
	}
	return 0, fmt.Errorf("unknown syntax %q", s)
}

// Line is one decoded instruction.
type Line struct {
	Addr  uintptr
	Bytes []byte
	Text  string
}

// x86asm only decodes legacy encodings, while the emitter also produces this VEX one.
var vzeroupper = []byte{0xc5, 0xf8, 0x77}

// Disassemble decodes code which is located at addr. Symbols resolves absolute branch targets and may
// be nil.
func Disassemble(code []byte, addr uintptr, syntax Syntax, symbols func(addr uint64) (name string, base uint64)) ([]Line, error) {
	var lines []Line
	for len(code) > 0 {
		if bytes.HasPrefix(code, vzeroupper) {
			lines = append(lines, Line{Addr: addr, Bytes: code[:3], Text: vzeroupperText(syntax)})
			code, addr = code[3:], addr+3
			continue
		}
		inst, err := x86asm.Decode(code, 64)
		if err == nil && inst.Op == 0 {
			// Truncated input decodes as a lone prefix.
			err = x86asm.ErrUnrecognized
		}
		if err != nil {
			return lines, fmt.Errorf("decoding at %#x: %w", addr, err)
		}
		var text string
		pc := uint64(addr)
		switch syntax {
		case SyntaxGNU:
			text = x86asm.GNUSyntax(inst, pc, symbols)
		case SyntaxGo:
			text = x86asm.GoSyntax(inst, pc, symbols)
		default:
			text = x86asm.IntelSyntax(inst, pc, symbols)
		}
		lines = append(lines, Line{Addr: addr, Bytes: code[:inst.Len], Text: text})
		code, addr = code[inst.Len:], addr+uintptr(inst.Len)
	}
	return lines, nil
}

func vzeroupperText(syntax Syntax) string {
	if syntax == SyntaxGo {
		return "VZEROUPPER"
	}
	return "vzeroupper"
}

// Fprint writes lines in the objdump layout.
func Fprint(w io.Writer, lines []Line) error {
	for _, l := range lines {
		if _, err := fmt.Fprintf(w, "  %x:\t%-30s\t%s\n", l.Addr, hex.EncodeToString(l.Bytes), l.Text); err != nil {
			return err
		}
	}
	return nil
}
