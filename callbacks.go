package blockjit

// Memory serves guest memory accesses from Go. Values are zero-extended to uint64 and truncated to the
// access width on writes.
type Memory interface {
	Read8(vaddr uint64) uint64
	Read16(vaddr uint64) uint64
	Read32(vaddr uint64) uint64
	Read64(vaddr uint64) uint64
	Write8(vaddr, value uint64)
	Write16(vaddr, value uint64)
	Write32(vaddr, value uint64)
	Write64(vaddr, value uint64)
}

// MemoryCallbacksFromGo returns native function pointers calling m.
//
// Each call creates eight callbacks with NewCallback, which are never released. Create them once per
// process and share them between engines.
func MemoryCallbacksFromGo(m Memory) MemoryCallbacks {
	return MemoryCallbacks{
		Read8:   NewCallback(func(vaddr uint64) uint64 { return m.Read8(vaddr) & 0xff }),
		Read16:  NewCallback(func(vaddr uint64) uint64 { return m.Read16(vaddr) & 0xffff }),
		Read32:  NewCallback(func(vaddr uint64) uint64 { return m.Read32(vaddr) & 0xffff_ffff }),
		Read64:  NewCallback(func(vaddr uint64) uint64 { return m.Read64(vaddr) }),
		Write8:  NewCallback(func(vaddr, value uint64) { m.Write8(vaddr, value&0xff) }),
		Write16: NewCallback(func(vaddr, value uint64) { m.Write16(vaddr, value&0xffff) }),
		Write32: NewCallback(func(vaddr, value uint64) { m.Write32(vaddr, value&0xffff_ffff) }),
		Write64: NewCallback(func(vaddr, value uint64) { m.Write64(vaddr, value) }),
	}
}
