//go:build amd64 && (linux || darwin || freebsd)

package blockjit

import "github.com/ebitengine/purego"

// NewCallback returns a native function pointer calling fn with the System V calling convention.
// fn must be a func whose arguments and result are integers or pointers.
//
// Only a limited number of callbacks can be created per process, and they are never released.
func NewCallback(fn any) uintptr {
	return purego.NewCallback(fn)
}
