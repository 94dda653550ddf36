package cnode

import "sync"

const (
	bufferInitialSize = 4096
	// Buffers that grew past this are dropped instead of pooled.
	bufferMaxPooledSize = 1 << 20
)

// Buffer is a growable byte region owned by a single send or receive call.
type Buffer struct {
	B []byte
}

var buffers = sync.Pool{
	New: func() any {
		return &Buffer{B: make([]byte, 0, bufferInitialSize)}
	},
}

func takeBuffer() *Buffer {
	return buffers.Get().(*Buffer)
}

// Release gives the Buffer back to the pool. It must not be used afterward.
func (b *Buffer) Release() {
	if cap(b.B) > bufferMaxPooledSize {
		return
	}
	b.B = b.B[:0]
	buffers.Put(b)
}

// Allocate grows the Buffer by n bytes and returns them.
func (b *Buffer) Allocate(n int) []byte {
	l := len(b.B)
	if cap(b.B)-l < n {
		grown := make([]byte, l, 2*cap(b.B)+n)
		copy(grown, b.B)
		b.B = grown
	}
	b.B = b.B[:l+n]
	return b.B[l:]
}

func (b *Buffer) Len() int {
	return len(b.B)
}
