// Package platform includes runtime-specific code needed to map executable memory and to query the host CPU.
package platform

import (
	"errors"
	"runtime"
)

// CompilerSupported returns whether code emitted for the System V AMD64 calling convention can be executed
// on the current runtime.GOOS and runtime.GOARCH.
func CompilerSupported() bool {
	if runtime.GOARCH != "amd64" {
		return false
	}
	switch runtime.GOOS {
	case "linux", "darwin", "freebsd":
		return true
	default:
		return false
	}
}

// MmapCodeSegment maps a zero-filled region of the given size which is readable, writable and executable.
//
// The region stays RWX for its whole lifetime: the code region keeps appending to it while previously
// emitted code runs.
//
// See https://man7.org/linux/man-pages/man2/mmap.2.html for mmap API and flags.
func MmapCodeSegment(size int) ([]byte, error) {
	if size == 0 {
		panic(errors.New("BUG: MmapCodeSegment with zero length"))
	}
	return mmapCodeSegment(size)
}

// MunmapCodeSegment unmaps the given memory region.
func MunmapCodeSegment(code []byte) error {
	if len(code) == 0 {
		panic(errors.New("BUG: MunmapCodeSegment with zero length"))
	}
	return munmapCodeSegment(code)
}
