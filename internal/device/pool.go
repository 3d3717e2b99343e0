package device

import "sync"

// Oversized request/response payloads (tensor staging buffers that spill
// past the fixed wire records) are pooled in size buckets to avoid
// hot-path allocation, the same tradeoff the teacher's queue runner makes
// for block-I/O buffers.
const (
	size64k  = 64 * 1024
	size256k = 256 * 1024
	size1m   = 1024 * 1024
	size4m   = 4 * 1024 * 1024
)

var bufferPool = struct {
	pool64k  sync.Pool
	pool256k sync.Pool
	pool1m   sync.Pool
	pool4m   sync.Pool
}{
	pool64k:  sync.Pool{New: func() any { b := make([]byte, size64k); return &b }},
	pool256k: sync.Pool{New: func() any { b := make([]byte, size256k); return &b }},
	pool1m:   sync.Pool{New: func() any { b := make([]byte, size1m); return &b }},
	pool4m:   sync.Pool{New: func() any { b := make([]byte, size4m); return &b }},
}

// GetBuffer returns a pooled buffer of at least the requested size.
// Callers must return it with PutBuffer.
func GetBuffer(size uint64) []byte {
	switch {
	case size <= size64k:
		return (*bufferPool.pool64k.Get().(*[]byte))[:size]
	case size <= size256k:
		return (*bufferPool.pool256k.Get().(*[]byte))[:size]
	case size <= size1m:
		return (*bufferPool.pool1m.Get().(*[]byte))[:size]
	case size > size4m:
		return make([]byte, size)
	default:
		return (*bufferPool.pool4m.Get().(*[]byte))[:size]
	}
}

// PutBuffer returns a buffer to its size bucket. Buffers with a
// non-standard capacity (an allocation larger than the 4 MiB ceiling)
// are simply dropped.
func PutBuffer(buf []byte) {
	c := cap(buf)
	buf = buf[:c]
	switch c {
	case size64k:
		bufferPool.pool64k.Put(&buf)
	case size256k:
		bufferPool.pool256k.Put(&buf)
	case size1m:
		bufferPool.pool1m.Put(&buf)
	case size4m:
		bufferPool.pool4m.Put(&buf)
	}
}
