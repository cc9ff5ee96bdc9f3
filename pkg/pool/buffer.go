// Package pool reuses fixed-size I/O buffers across archive chunks.
//
// sync.Pool caches allocated but unused buffers for later reuse. Items may be
// dropped at any GC, which is fine for short-lived copy buffers.
package pool

import "sync"

// BufferPool hands out byte slices of one fixed size.
type BufferPool struct {
	size int
	pool sync.Pool
}

// NewBufferPool returns a pool of size-byte buffers. A size below 1 is raised to 1.
func NewBufferPool(size int) *BufferPool {
	if size < 1 {
		size = 1
	}
	bp := &BufferPool{size: size}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return bp
}

// Size is the length of every buffer handed out by Get.
func (bp *BufferPool) Size() int { return bp.size }

// Get returns a buffer of exactly Size bytes.
func (bp *BufferPool) Get() *[]byte {
	return bp.pool.Get().(*[]byte)
}

// Put returns b to the pool. Buffers of a foreign capacity are dropped.
func (bp *BufferPool) Put(b *[]byte) {
	if b == nil || cap(*b) != bp.size {
		return
	}
	*b = (*b)[:bp.size]
	bp.pool.Put(b)
}
