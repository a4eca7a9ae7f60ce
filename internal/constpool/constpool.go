// Package constpool places 64-bit literals inside the code region so that emitted code can address them.
package constpool

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// SlotSize is the size and alignment of every constant slot, which allows 128-bit loads of a slot.
const SlotSize = 16

// DefaultSize is the number of bytes reserved when the pool size is not configured.
const DefaultSize = 256

// ErrPoolExhausted is returned by GetOrInsert when every slot holds a different constant.
var ErrPoolExhausted = errors.New("constant pool exhausted")

// Allocator hands out memory next to the code. codespace.Region implements it.
type Allocator interface {
	// Allocate reserves size zero-filled bytes and returns their address.
	Allocate(size int) (uintptr, error)
	// Bytes returns the reserved memory in [from, to).
	Bytes(from, to uintptr) []byte
}

// Pool deduplicates 64-bit constants by value.
type Pool struct {
	alloc Allocator
	begin uintptr
	// next is the address of the first free slot.
	next  uintptr
	end   uintptr
	slots map[uint64]uintptr
}

// New reserves size bytes from alloc and returns an empty Pool over them.
func New(alloc Allocator, size int) (*Pool, error) {
	if size < SlotSize {
		return nil, fmt.Errorf("constant pool size %d is smaller than a slot", size)
	}
	size &^= SlotSize - 1
	addr, err := alloc.Allocate(size + SlotSize - 1)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate constant pool: %w", err)
	}
	begin := (addr + SlotSize - 1) &^ (SlotSize - 1)
	return &Pool{
		alloc: alloc,
		begin: begin,
		next:  begin,
		end:   begin + uintptr(size),
		slots: make(map[uint64]uintptr),
	}, nil
}

// GetOrInsert returns the address of the slot holding v, writing v into a new slot on first use.
func (p *Pool) GetOrInsert(v uint64) (uintptr, error) {
	if addr, ok := p.slots[v]; ok {
		return addr, nil
	}
	if p.next >= p.end {
		return 0, fmt.Errorf("%w: %d slots in use", ErrPoolExhausted, len(p.slots))
	}
	addr := p.next
	binary.LittleEndian.PutUint64(p.alloc.Bytes(addr, addr+8), v)
	p.slots[v] = addr
	p.next += SlotSize
	return addr, nil
}

// Len returns the number of constants in the pool.
func (p *Pool) Len() int {
	return len(p.slots)
}

// Range returns the address range of the slots.
func (p *Pool) Range() (begin, end uintptr) {
	return p.begin, p.end
}
