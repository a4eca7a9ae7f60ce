//go:build unix

package platform

import "golang.org/x/sys/unix"

func mmapCodeSegment(size int) ([]byte, error) {
	return unix.Mmap(
		-1,
		0,
		size,
		// The region must be RWX: RW for writing native codes, X for executing the region.
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		// Anonymous as this is not an actual file, but a memory,
		// Private as this is in-process memory region.
		unix.MAP_ANON|unix.MAP_PRIVATE,
	)
}

func munmapCodeSegment(code []byte) error {
	return unix.Munmap(code)
}
