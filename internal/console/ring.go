package console

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// Ring holds NUL-terminated lines back to back in a fixed byte area.
//
// There is exactly one producer (the receive interrupt, which owns tail) and
// one consumer (the blocking reader, which owns head). One byte is always left
// unused so that head == tail means empty.
type Ring struct {
	buf []byte

	_    cpu.CacheLinePad
	head atomic.Uint32
	_    cpu.CacheLinePad
	tail atomic.Uint32
	_    cpu.CacheLinePad
}

// NewRing returns a ring with the given capacity in bytes.
func NewRing(capacity int) *Ring {
	if capacity < 2 {
		panic("console: ring capacity must be at least 2")
	}
	return &Ring{buf: make([]byte, capacity)}
}

// Cap returns the capacity in bytes.
func (r *Ring) Cap() int { return len(r.buf) }

func (r *Ring) used(head, tail uint32) int {
	n := uint32(len(r.buf))
	return int((tail + n - head) % n)
}

// Free returns the number of bytes a producer may still write, keeping the
// disambiguating byte in reserve.
func (r *Ring) Free() int {
	return len(r.buf) - r.used(r.head.Load(), r.tail.Load()) - 1
}

// Empty reports whether there is no complete line to read.
func (r *Ring) Empty() bool {
	return r.head.Load() == r.tail.Load()
}

// Fits reports whether a line of n bytes plus its terminator can be pushed.
func (r *Ring) Fits(n int) bool {
	return n+1 <= r.Free()
}

// Push copies line and a NUL terminator at the tail. It returns false, leaving
// the ring untouched, if there is not enough room. Producer side only.
func (r *Ring) Push(line []byte) bool {
	if !r.Fits(len(line)) {
		return false
	}
	n := uint32(len(r.buf))
	tail := r.tail.Load()
	for _, c := range line {
		r.buf[tail] = c
		tail = (tail + 1) % n
	}
	r.buf[tail] = 0
	tail = (tail + 1) % n

	// The atomic store orders the byte copies above before the new tail is
	// visible to the consumer.
	r.tail.Store(tail)
	return true
}

// Pop copies the oldest line into dst, truncating it to len(dst), and frees
// it. It returns the number of bytes copied and false if the ring was empty.
// Consumer side only.
func (r *Ring) Pop(dst []byte) (int, bool) {
	head := r.head.Load()
	if head == r.tail.Load() {
		return 0, false
	}
	n := uint32(len(r.buf))
	copied := 0
	for r.buf[head] != 0 {
		if copied < len(dst) {
			dst[copied] = r.buf[head]
			copied++
		}
		head = (head + 1) % n
	}
	head = (head + 1) % n

	r.head.Store(head)
	return copied, true
}
