//go:build !(amd64 && (linux || darwin || freebsd))

package x64

func callRunCode(uintptr, *JitState) {
	panic("BUG: emitted code cannot run on this platform")
}
