// Package codespace manages the executable memory which stubs and translated blocks are written into.
package codespace

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/blockjit/blockjit/internal/asm"
	"github.com/blockjit/blockjit/internal/platform"
)

var (
	// ErrCodeSpaceExhausted is returned when an allocation does not fit in the remaining capacity of the region.
	ErrCodeSpaceExhausted = errors.New("code space exhausted")
	// ErrPatchSlotOverflow is the cause of the panic raised by EnsurePatchSize when a patch slot was overfilled.
	ErrPatchSlotOverflow = errors.New("patch slot overflow")
	// ErrNearCodeOverflow is returned when a near allocation would overwrite far code, and is the cause of
	// the panic raised when a switch finds near code grown into the far sub-region.
	ErrNearCodeOverflow = errors.New("near code overflows into far code")
)

// Options configure New.
type Options struct {
	// Capacity is the total size in bytes of the executable mapping.
	Capacity int
	// FarOffset is the offset from the base where the far sub-region begins. It must be in (0, Capacity).
	FarOffset int
	// Filler writes the no-op padding used by EnsurePatchSize.
	Filler asm.Filler
}

// Region is one contiguous executable mapping split into a near and a far sub-region.
//
// Exactly one sub-region is active at a time: Allocate and Write append at its cursor. The cursor of the
// inactive sub-region is saved and restored by SwitchToFar and SwitchToNear.
//
// A Region holds memory which is NOT managed by the garbage collector and must be released by Close.
// Emission into one Region must be serialized by the caller.
type Region struct {
	// The first three fields are a header read by external debugging tools through the offsets returned by
	// HeaderOffsets, so their order and types must not change.

	// userCodeBegin is the near address where code emitted after the fixed stubs starts.
	userCodeBegin uintptr
	// cursor is the write position of the active sub-region.
	cursor uintptr
	// capacity is the total size of the mapping.
	capacity uint64

	mem      []byte
	base     uintptr
	farBegin uintptr
	// inactiveCursor is the saved cursor of the sub-region which is not active.
	inactiveCursor uintptr
	inFar          bool
	filler         asm.Filler
}

// New maps a Region as configured by opts. The near sub-region is active.
func New(opts Options) (*Region, error) {
	if opts.Capacity <= 0 {
		return nil, fmt.Errorf("invalid code capacity %d", opts.Capacity)
	}
	if opts.FarOffset <= 0 || opts.FarOffset >= opts.Capacity {
		return nil, fmt.Errorf("far code offset %d must be within (0, %d)", opts.FarOffset, opts.Capacity)
	}
	if opts.Filler == nil {
		return nil, errors.New("nil filler")
	}
	mem, err := platform.MmapCodeSegment(opts.Capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to map %d bytes of executable memory: %w", opts.Capacity, err)
	}
	base := uintptr(unsafe.Pointer(&mem[0]))
	return &Region{
		userCodeBegin:  base,
		cursor:         base,
		capacity:       uint64(opts.Capacity),
		mem:            mem,
		base:           base,
		farBegin:       base + uintptr(opts.FarOffset),
		inactiveCursor: base + uintptr(opts.FarOffset),
		filler:         opts.Filler,
	}, nil
}

// Close unmaps the memory. Code emitted into the region must not run afterwards.
func (r *Region) Close() error {
	if r.mem == nil {
		return nil
	}
	err := platform.MunmapCodeSegment(r.mem)
	r.mem = nil
	return err
}

// Base returns the address of the first byte of the mapping.
func (r *Region) Base() uintptr { return r.base }

// Capacity returns the total size of the mapping.
func (r *Region) Capacity() uint64 { return r.capacity }

// Cursor returns the write position of the active sub-region.
func (r *Region) Cursor() uintptr { return r.cursor }

// InFarCode returns true when the far sub-region is active.
func (r *Region) InFarCode() bool { return r.inFar }

// NearBegin returns the first address of the near sub-region.
func (r *Region) NearBegin() uintptr { return r.base }

// FarBegin returns the first address of the far sub-region.
func (r *Region) FarBegin() uintptr { return r.farBegin }

// UserCodeBegin returns the address recorded by MarkUserCodeBegin.
func (r *Region) UserCodeBegin() uintptr { return r.userCodeBegin }

// MarkUserCodeBegin records the near cursor as the point Clear rewinds to, so everything emitted
// before it survives cache clears.
func (r *Region) MarkUserCodeBegin() {
	if r.inFar {
		panic("BUG: MarkUserCodeBegin in far code")
	}
	r.userCodeBegin = r.cursor
}

// Clear rewinds the near cursor to the user code begin and the far cursor to the far begin, making the
// near sub-region active. No memory is released.
func (r *Region) Clear() {
	r.inFar = false
	r.cursor = r.userCodeBegin
	r.inactiveCursor = r.farBegin
}

// Allocate reserves size zero-filled bytes at the cursor of the active sub-region and returns their address.
func (r *Region) Allocate(size int) (uintptr, error) {
	b, err := r.reserve(size)
	if err != nil {
		return 0, err
	}
	clear(b)
	return uintptr(unsafe.Pointer(unsafe.SliceData(b))), nil
}

// Write implements io.Writer. Either all of p is written at the cursor or nothing is.
func (r *Region) Write(p []byte) (int, error) {
	b, err := r.reserve(len(p))
	if err != nil {
		return 0, err
	}
	return copy(b, p), nil
}

var _ asm.Buffer = (*Region)(nil)

func (r *Region) reserve(size int) ([]byte, error) {
	if size < 0 {
		panic(fmt.Sprintf("BUG: negative allocation size %d", size))
	}
	if r.mem == nil {
		return nil, errors.New("code region is closed")
	}
	offset := uint64(r.cursor - r.base)
	if offset+uint64(size) > r.capacity {
		return nil, fmt.Errorf("%w: %d bytes requested at offset %d of %d", ErrCodeSpaceExhausted, size, offset, r.capacity)
	}
	// Once far code exists, near code must stay below it.
	if farOffset := uint64(r.farBegin - r.base); !r.inFar && r.inactiveCursor > r.farBegin && offset+uint64(size) > farOffset {
		return nil, fmt.Errorf("%w: %d bytes requested at offset %d, far code begins at %d", ErrNearCodeOverflow, size, offset, farOffset)
	}
	r.cursor += uintptr(size)
	return r.mem[offset : offset+uint64(size) : offset+uint64(size)], nil
}

// SwitchToFar makes the far sub-region active, saving the near cursor.
func (r *Region) SwitchToFar() {
	if r.inFar {
		panic("BUG: already in far code")
	}
	r.checkNearCursor(r.cursor)
	r.inFar = true
	r.cursor, r.inactiveCursor = r.inactiveCursor, r.cursor
}

// SwitchToNear makes the near sub-region active, saving the far cursor.
func (r *Region) SwitchToNear() {
	if !r.inFar {
		panic("BUG: already in near code")
	}
	r.checkNearCursor(r.inactiveCursor)
	r.inFar = false
	r.cursor, r.inactiveCursor = r.inactiveCursor, r.cursor
}

func (r *Region) checkNearCursor(near uintptr) {
	if near >= r.farBegin {
		panic(fmt.Errorf("BUG: %w: near cursor %#x, far begin %#x", ErrNearCodeOverflow, near, r.farBegin))
	}
}

// SetCursor moves the write position of the active sub-region to addr, typically to patch code emitted
// earlier. addr must lie within the mapping.
func (r *Region) SetCursor(addr uintptr) {
	if addr < r.base || uint64(addr-r.base) > r.capacity {
		panic(fmt.Sprintf("BUG: cursor %#x outside of code region [%#x, %#x]", addr, r.base, r.base+uintptr(r.capacity)))
	}
	r.cursor = addr
}

// EnsurePatchSize pads the code written since begin with no-op instructions so that exactly size bytes
// are occupied, leaving the cursor at begin+size. It panics when more than size bytes were written.
func (r *Region) EnsurePatchSize(begin uintptr, size int) {
	if r.cursor < begin {
		panic(fmt.Sprintf("BUG: patch begin %#x is after the cursor %#x", begin, r.cursor))
	}
	written := int(r.cursor - begin)
	if written > size {
		panic(fmt.Errorf("BUG: %w: %d bytes written into a %d byte slot", ErrPatchSlotOverflow, written, size))
	}
	b, err := r.reserve(size - written)
	if err != nil {
		panic(fmt.Errorf("BUG: padding patch slot: %w", err))
	}
	r.filler(b)
}

// Bytes returns the mapped bytes in [from, to), typically to read back emitted code.
func (r *Region) Bytes(from, to uintptr) []byte {
	if from > to || from < r.base || uint64(to-r.base) > r.capacity {
		panic(fmt.Sprintf("BUG: range [%#x, %#x) outside of code region", from, to))
	}
	return r.mem[from-r.base : to-r.base : to-r.base]
}

// HeaderAddress returns the address of the header read by external debugging tools.
func (r *Region) HeaderAddress() uintptr {
	return uintptr(unsafe.Pointer(r))
}

// HeaderOffsets returns the byte offsets of the user code begin, the cursor, and the total size within the
// header at HeaderAddress.
func HeaderOffsets() (userCodeBegin, cursor, totalSize uintptr) {
	var r Region
	return unsafe.Offsetof(r.userCodeBegin), unsafe.Offsetof(r.cursor), unsafe.Offsetof(r.capacity)
}
