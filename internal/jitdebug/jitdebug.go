// Package jitdebug publishes code regions through the GDB JIT interface, so that debuggers and profilers
// can find emitted code without cooperation from the engine.
//
// See https://sourceware.org/gdb/current/onlinedocs/gdb.html/JIT-Interface.html
package jitdebug

import (
	"log/slog"
	"strconv"
	"sync"
	"unsafe"
)

// Actions of jitDescriptor.actionFlag.
const (
	jitNoAction uint32 = iota
	jitRegister
	jitUnregister
)

// codeEntry has the layout of struct jit_code_entry.
type codeEntry struct {
	next, prev  *codeEntry
	symfileAddr unsafe.Pointer
	symfileSize uint64
}

// jitDescriptor has the layout of struct jit_descriptor.
type jitDescriptor struct {
	version       uint32
	actionFlag    uint32
	relevantEntry *codeEntry
	firstEntry    *codeEntry
}

// SymFileVersion is bumped on incompatible changes of SymFile.
const SymFileVersion = 1

// SymFile is the blob every entry points at. A custom JIT reader locates the header of a region at
// RegionAddress and reads its user code begin, cursor, and total size at the given offsets.
type SymFile struct {
	Size                uint64
	Version             uint64
	RegionAddress       uint64
	UserCodeBeginOffset uint64
	CursorOffset        uint64
	TotalSizeOffset     uint64
}

// RegionInfo describes the code region to register.
type RegionInfo struct {
	// HeaderAddress is the address of the header holding the three fields below.
	HeaderAddress       uintptr
	UserCodeBeginOffset uintptr
	CursorOffset        uintptr
	TotalSizeOffset     uintptr
	// Logger reports registry failures. Defaults to slog.Default.
	Logger *slog.Logger
}

// jitDebugDescriptor is read by the debugger under its well-known symbol name.
//
//go:linkname jitDebugDescriptor __jit_debug_descriptor
var jitDebugDescriptor = jitDescriptor{version: 1}

// jitDebugRegisterCode is the function the debugger sets a breakpoint on to learn about list changes.
//
//go:linkname jitDebugRegisterCode __jit_debug_register_code
//go:noinline
func jitDebugRegisterCode() {}

// mu serializes every access to jitDebugDescriptor and the list it heads.
var mu sync.Mutex

// Registration is the entry of one region.
type Registration struct {
	entry   *codeEntry
	symFile *SymFile
	logger  *slog.Logger
}

// Register links a new entry for the region at the head of the list and notifies the debugger.
func Register(info RegionInfo) *Registration {
	logger := info.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sym := &SymFile{
		Size:                uint64(unsafe.Sizeof(SymFile{})),
		Version:             SymFileVersion,
		RegionAddress:       uint64(info.HeaderAddress),
		UserCodeBeginOffset: uint64(info.UserCodeBeginOffset),
		CursorOffset:        uint64(info.CursorOffset),
		TotalSizeOffset:     uint64(info.TotalSizeOffset),
	}
	e := &codeEntry{symfileAddr: unsafe.Pointer(sym), symfileSize: sym.Size}

	mu.Lock()
	defer mu.Unlock()
	e.next = jitDebugDescriptor.firstEntry
	if e.next != nil {
		e.next.prev = e
	}
	jitDebugDescriptor.firstEntry = e
	notify(jitRegister, e)

	logger.Debug("registered code region with the JIT debug interface", "region", uintptrHex(info.HeaderAddress))
	return &Registration{entry: e, symFile: sym, logger: logger}
}

// Unregister unlinks the entry and notifies the debugger. Failures are logged and otherwise ignored.
func (r *Registration) Unregister() {
	if r == nil {
		slog.Default().Warn("unregistering a nil code region registration")
		return
	}
	if r.entry == nil {
		if r.symFile == nil {
			slog.Default().Warn("unregistering a zero code region registration")
			return
		}
		r.logger.Warn("code region is already unregistered", "region", uintptrHex(uintptr(r.symFile.RegionAddress)))
		return
	}

	mu.Lock()
	defer mu.Unlock()
	e := r.entry
	if !linked(e) {
		r.logger.Warn("code region is not in the JIT debug list", "region", uintptrHex(uintptr(r.symFile.RegionAddress)))
		return
	}
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		jitDebugDescriptor.firstEntry = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	}
	notify(jitUnregister, e)
	e.next, e.prev = nil, nil
	r.entry = nil
}

// SymFile returns the blob published for the region.
func (r *Registration) SymFile() SymFile {
	return *r.symFile
}

// notify must be called with mu held.
func notify(action uint32, e *codeEntry) {
	jitDebugDescriptor.actionFlag = action
	jitDebugDescriptor.relevantEntry = e
	jitDebugRegisterCode()
	jitDebugDescriptor.actionFlag = jitNoAction
	jitDebugDescriptor.relevantEntry = nil
}

// linked must be called with mu held.
func linked(e *codeEntry) bool {
	for c := jitDebugDescriptor.firstEntry; c != nil; c = c.next {
		if c == e {
			return true
		}
	}
	return false
}

type uintptrHex uintptr

func (h uintptrHex) LogValue() slog.Value {
	return slog.StringValue("0x" + strconv.FormatUint(uint64(h), 16))
}
