//go:build !unix

// Package alloc allocates piece buffers.  On Unix systems, large buffers
// are mapped directly from the kernel so that they are returned to the
// system as soon as they are freed.
package alloc

import (
	"sync/atomic"
)

var allocated atomic.Int64

// Alloc returns a buffer of size bytes.  It must be released with Free.
func Alloc(size int) ([]byte, error) {
	allocated.Add(int64(size))
	return make([]byte, size), nil
}

func Free(p []byte) error {
	allocated.Add(-int64(len(p)))
	return nil
}

// Bytes returns the number of bytes currently allocated.
func Bytes() int64 {
	return allocated.Load()
}
