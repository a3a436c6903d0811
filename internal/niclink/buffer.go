// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package niclink

import npfwerrors "grimm.is/npfw/internal/errors"

// HeapBuffer is a reference Buffer backed by a single contiguous []byte,
// used by cmd/npfw-sim and by tests that do not need a real driver. It
// never chains (Next always returns nil): linearization is trivially a
// no-op, and Prepend grows into reserved headroom when possible, or
// reallocates otherwise.
type HeapBuffer struct {
	raw    []byte // underlying array; data starts at raw[off:]
	off    int
	length int
}

// NewHeapBuffer wraps data as a buffer with no reserved headroom.
func NewHeapBuffer(data []byte) *HeapBuffer {
	return &HeapBuffer{raw: data, off: 0, length: len(data)}
}

// NewHeapBufferWithHeadroom allocates a buffer of size bytes with
// headroom bytes reserved at the front for later Prepend calls (mirrors
// a real mbuf's headroom convention for L2/NAT header growth).
func NewHeapBufferWithHeadroom(size, headroom int) *HeapBuffer {
	raw := make([]byte, size+headroom)
	return &HeapBuffer{raw: raw, off: headroom, length: size}
}

func (b *HeapBuffer) Data() []byte { return b.raw[b.off : b.off+b.length] }
func (b *HeapBuffer) Length() int  { return b.length }
func (b *HeapBuffer) Next() Buffer { return nil }

func (b *HeapBuffer) Prepend(n int) []byte {
	if n <= b.off {
		b.off -= n
		b.length += n
		return b.Data()
	}
	grown := make([]byte, n+b.length)
	copy(grown[n:], b.Data())
	b.raw = grown
	b.off = 0
	b.length = len(grown)
	return b.Data()
}

func (b *HeapBuffer) TrimFront(n int) ([]byte, error) {
	if n > b.length {
		return nil, npfwerrors.Errorf(npfwerrors.KindValidation, "niclink: trim %d bytes from %d-byte buffer", n, b.length)
	}
	b.off += n
	b.length -= n
	return b.Data(), nil
}

func (b *HeapBuffer) Linearize(n int) ([]byte, error) {
	if n > b.length {
		return nil, npfwerrors.Errorf(npfwerrors.KindValidation, "niclink: linearize %d bytes from %d-byte buffer", n, b.length)
	}
	return b.Data(), nil
}

func (b *HeapBuffer) Free() {}

// SetLength truncates or extends the visible data to n bytes (n must
// not exceed the capacity already backing the buffer from off). A real
// driver's RxBurst uses this to shrink a buffer pre-sized to the MTU
// down to the number of bytes actually received.
func (b *HeapBuffer) SetLength(n int) error {
	if n < 0 || b.off+n > len(b.raw) {
		return npfwerrors.Errorf(npfwerrors.KindValidation, "niclink: length %d exceeds buffer capacity", n)
	}
	b.length = n
	return nil
}

// HeapPool allocates HeapBuffers with a fixed headroom, satisfying
// BufferPool for tests and the simulator.
type HeapPool struct {
	Headroom int
}

func (p HeapPool) Alloc(size int) Buffer {
	return NewHeapBufferWithHeadroom(size, p.Headroom)
}
