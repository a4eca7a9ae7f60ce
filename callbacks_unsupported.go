//go:build !(amd64 && (linux || darwin || freebsd))

package blockjit

// NewCallback returns zero: emitted code cannot run on this platform, and NewEngine fails with
// ErrUnsupportedPlatform before looking at callbacks.
func NewCallback(any) uintptr {
	return 0
}
