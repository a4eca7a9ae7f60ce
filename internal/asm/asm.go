// Package asm holds the architecture independent pieces shared by the code emitters.
package asm

import (
	"errors"
	"io"
)

// Instruction represents architecture-specific instructions.
type Instruction byte

// Register represents architecture-specific registers.
type Register byte

// NilRegister is the only architecture-independent register, and
// can be used to indicate that no register is specified.
const NilRegister Register = 0

// Buffer is the destination of encoded instructions.
//
// Instructions are written in place: the address returned by Cursor is the address at which the
// next byte lands, and it is also the address the CPU fetches that byte from once the code runs.
type Buffer interface {
	io.Writer
	// Cursor returns the absolute address at which the next byte will be written.
	Cursor() uintptr
}

// Filler writes architecture-specific padding into dst so that execution falls through it.
type Filler func(dst []byte)

// ErrBranchOutOfRange is returned when a relative branch cannot reach its absolute target.
var ErrBranchOutOfRange = errors.New("branch target out of range")
