package gamesocket

import "io"

const minReadSize = 4096

// Buffer accumulates inbound bytes and tracks how far they have been
// consumed. Decoding only advances the read index after a whole frame is
// parsed, so a partial frame stays in place until more bytes arrive.
type Buffer struct {
	buf []byte
	r   int
}

// NewBuffer returns a buffer holding a copy of p.
func NewBuffer(p []byte) *Buffer {
	b := &Buffer{}
	_, _ = b.Write(p)
	return b
}

// Write appends p to the unread bytes.
func (b *Buffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// ReadFrom performs a single Read from r into the buffer's free space.
// Unlike io.ReaderFrom it does not loop until EOF.
func (b *Buffer) ReadFrom(r io.Reader) (int64, error) {
	if cap(b.buf)-len(b.buf) < minReadSize {
		b.Compact()
		if cap(b.buf)-len(b.buf) < minReadSize {
			grown := make([]byte, len(b.buf), 2*cap(b.buf)+minReadSize)
			copy(grown, b.buf)
			b.buf = grown
		}
	}
	n, err := r.Read(b.buf[len(b.buf):cap(b.buf)])
	b.buf = b.buf[:len(b.buf)+n]
	return int64(n), err
}

// Bytes returns the unread bytes. The slice is valid until the next
// modification of the buffer.
func (b *Buffer) Bytes() []byte {
	return b.buf[b.r:]
}

// Len returns the number of unread bytes.
func (b *Buffer) Len() int {
	return len(b.buf) - b.r
}

// ReadIndex returns the read position relative to the start of the
// retained bytes.
func (b *Buffer) ReadIndex() int {
	return b.r
}

// Skip marks n unread bytes as consumed.
func (b *Buffer) Skip(n int) {
	if n > b.Len() {
		n = b.Len()
	}
	b.r += n
}

// Compact drops consumed bytes, moving the unread ones to the front.
func (b *Buffer) Compact() {
	if b.r == 0 {
		return
	}
	n := copy(b.buf, b.buf[b.r:])
	b.buf = b.buf[:n]
	b.r = 0
}

// Reset discards everything.
func (b *Buffer) Reset() {
	b.buf = b.buf[:0]
	b.r = 0
}
