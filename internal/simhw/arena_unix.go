//go:build unix

package simhw

import "golang.org/x/sys/unix"

// mmapAnon backs an Arena with a real anonymous mapping instead of a
// make([]byte) slice, so page-aligned AllocAligned carve-outs land on
// actual page boundaries.
func mmapAnon(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func munmapAnon(buf []byte) error {
	if buf == nil {
		return nil
	}
	return unix.Munmap(buf)
}
