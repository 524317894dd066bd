package bdb

import "sync/atomic"

// Buffer is a byte span returned from an engine read. A buffer is either
// borrowed, pointing into caller-supplied memory with no release action, or
// engine-owned, in which case Release returns the memory to the engine
// exactly once. Reading after Release yields nil, never freed memory.
//
// Buffers are single-owner: they must not be shared across goroutines.
type Buffer struct {
	data     []byte
	free     func()
	released atomic.Bool
}

// Borrowed wraps caller-supplied memory in a Buffer. Release is a no-op
// beyond invalidating the view; the caller keeps ownership of the bytes.
func Borrowed(data []byte) *Buffer {
	return &Buffer{data: data}
}

// Owned wraps engine-allocated memory in a Buffer. Release calls free
// exactly once; engines typically return the memory to an internal pool.
func Owned(data []byte, free func()) *Buffer {
	return &Buffer{data: data, free: free}
}

// Bytes returns the underlying bytes, or nil after Release. The slice is
// only valid until Release; callers that need to keep the data must copy it.
func (b *Buffer) Bytes() []byte {
	if b == nil || b.released.Load() {
		return nil
	}
	return b.data
}

// Len returns the length of the underlying bytes, zero after Release.
func (b *Buffer) Len() int {
	return len(b.Bytes())
}

// Copy returns a heap copy of the underlying bytes that survives Release.
func (b *Buffer) Copy() []byte {
	src := b.Bytes()
	if src == nil {
		return nil
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}

func (b *Buffer) String() string {
	return string(b.Bytes())
}

// Release invalidates the buffer and, for engine-owned buffers, returns the
// memory to the engine. Only the first call has any effect.
func (b *Buffer) Release() {
	if b == nil || !b.released.CompareAndSwap(false, true) {
		return
	}
	b.data = nil
	if b.free != nil {
		b.free()
		b.free = nil
	}
}

// Released reports whether Release has been called.
func (b *Buffer) Released() bool {
	return b == nil || b.released.Load()
}
