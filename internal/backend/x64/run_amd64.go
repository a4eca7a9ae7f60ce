//go:build amd64 && (linux || darwin || freebsd)

package x64

import (
	"runtime"
	"unsafe"

	"github.com/ebitengine/purego"
)

// callRunCode calls run_code(state) on the system stack. Go heap objects do not move, so the pointer
// stays valid for the whole run.
func callRunCode(runCode uintptr, state *JitState) {
	purego.SyscallN(runCode, uintptr(unsafe.Pointer(state)))
	runtime.KeepAlive(state)
}
