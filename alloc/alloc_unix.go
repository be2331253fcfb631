//go:build unix

// Package alloc allocates piece buffers.  On Unix systems, large buffers
// are mapped directly from the kernel so that they are returned to the
// system as soon as they are freed.
package alloc

import (
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Cutoff is the size above which buffers are mapped.
const Cutoff = 128 * 1024

var allocated atomic.Int64

// Alloc returns a buffer of size bytes.  It must be released with Free.
func Alloc(size int) ([]byte, error) {
	if size < Cutoff {
		allocated.Add(int64(size))
		return make([]byte, size), nil
	}
	p, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap %v bytes", size)
	}
	allocated.Add(int64(cap(p)))
	return p[:size], nil
}

// Free releases a buffer returned by Alloc.  The buffer must not be used
// afterwards.
func Free(p []byte) error {
	if len(p) < Cutoff {
		allocated.Add(-int64(cap(p)))
		return nil
	}
	allocated.Add(-int64(cap(p)))
	return unix.Munmap(p[:cap(p)])
}

// Bytes returns the number of bytes currently allocated.
func Bytes() int64 {
	return allocated.Load()
}
