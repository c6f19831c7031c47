//go:build unix

package cog

import "syscall"

// mmapFile memory-maps a source raster read-only so concurrent warp
// workers can sample tiles without a read lock. The fd can be closed once
// the mapping is established.
func mmapFile(fd uintptr, size int) ([]byte, error) {
	return syscall.Mmap(int(fd), 0, size, syscall.PROT_READ, syscall.MAP_PRIVATE)
}

// munmapFile releases a mapping created by mmapFile.
func munmapFile(data []byte) error {
	return syscall.Munmap(data)
}
