// Package heap implements the firmware's block allocator.
//
// The arena is a single byte slice carved into contiguous blocks, each a
// two-byte header followed by its payload. Pointers handed out are offsets of
// the payload into the arena and are validated before every use.
//
// The allocator is not reentrant. If an interrupt handler allocates while the
// main context is inside Allocate or Release, the block chain can be corrupted.
// Installing a Masker closes the hazard by holding interrupts off across the
// scan-and-mutate sequence.
package heap

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/hifive/internal/trap"
)

// CanarySize is the length of the guard region past the heap tail.
const CanarySize = 16

var canary = [CanarySize]byte{
	0xde, 0xad, 0xbe, 0xef, 0xca, 0xfe, 0xba, 0xbe,
	0xde, 0xad, 0xbe, 0xef, 0xca, 0xfe, 0xba, 0xbe,
}

// Ptr is the arena offset of an allocation's payload.
type Ptr uint32

// Nil is the null allocation. No payload starts at offset 0.
const Nil Ptr = 0

// Masker disables interrupt delivery. MaskInterrupts returns the previous
// state, which RestoreInterrupts puts back.
type Masker interface {
	MaskInterrupts() bool
	RestoreInterrupts(prev bool)
}

// Heap is a first-fit allocator over a fixed arena.
type Heap struct {
	mem  []byte
	tail int

	halt   trap.Halter
	masker Masker

	// preempt runs between the block scan and the header writes. Tests use it
	// to land an interrupt inside the allocator.
	preempt func()
}

// New carves an arena of size bytes.
func New(size int) (*Heap, error) {
	if size < HeaderSize {
		return nil, fmt.Errorf("heap: arena of %d bytes cannot hold a block header", size)
	}
	h := &Heap{
		mem:  make([]byte, size+CanarySize),
		tail: size,
	}
	h.reset()
	return h, nil
}

func (h *Heap) reset() {
	off := 0
	for rem := h.tail; rem > 0; {
		n := rem - HeaderSize
		if n > MaxLength {
			n = MaxLength
			// Never leave a remainder too small for a header.
			if left := rem - HeaderSize - n; left > 0 && left < HeaderSize {
				n -= HeaderSize
			}
		}
		h.writeHeader(off, Header{Length: n})
		off += HeaderSize + n
		rem -= HeaderSize + n
	}
	copy(h.mem[h.tail:], canary[:])
}

// SetHalter sets the halter used by Check.
func (h *Heap) SetHalter(halt trap.Halter) { h.halt = halt }

// SetMasker installs the interrupt guard. A nil masker leaves the allocator
// unguarded.
func (h *Heap) SetMasker(m Masker) { h.masker = m }

// Size returns the arena size, excluding the canary.
func (h *Heap) Size() int { return h.tail }

func (h *Heap) readHeader(off int) Header {
	return DecodeHeader(binary.LittleEndian.Uint16(h.mem[off:]))
}

func (h *Heap) writeHeader(off int, hdr Header) {
	binary.LittleEndian.PutUint16(h.mem[off:], hdr.Encode())
}

func (h *Heap) enter() (restore func()) {
	if h.masker == nil {
		return func() {}
	}
	prev := h.masker.MaskInterrupts()
	return func() { h.masker.RestoreInterrupts(prev) }
}

// Allocate returns a block of at least size bytes, or Nil.
func (h *Heap) Allocate(size int) Ptr {
	if size <= 0 || size > MaxLength {
		return Nil
	}

	restore := h.enter()
	defer restore()

	off := 0
	var hdr Header
	for {
		if off+HeaderSize > h.tail {
			return Nil
		}
		hdr = h.readHeader(off)
		if !hdr.Allocated && hdr.Length >= size {
			break
		}
		off += HeaderSize + hdr.Length
	}

	if h.preempt != nil {
		h.preempt()
	}

	if hdr.Length >= size+HeaderSize+1 {
		h.writeHeader(off+HeaderSize+size, Header{Length: hdr.Length - size - HeaderSize})
		hdr.Length = size
	}
	hdr.Allocated = true
	h.writeHeader(off, hdr)
	return Ptr(off + HeaderSize)
}

// Release returns a block to the heap. Nil and pointers that do not name a
// payload in the arena are ignored.
func (h *Heap) Release(p Ptr) {
	if int(p) < HeaderSize || int(p) >= h.tail {
		return
	}

	restore := h.enter()
	defer restore()

	off, prev, ok := h.locate(p)
	if !ok {
		return
	}

	hdr := h.readHeader(off)
	hdr.Allocated = false

	if next := off + HeaderSize + hdr.Length; next+HeaderSize <= h.tail {
		nh := h.readHeader(next)
		if !nh.Allocated && hdr.Length+HeaderSize+nh.Length <= MaxLength {
			hdr.Length += HeaderSize + nh.Length
		}
	}

	if h.preempt != nil {
		h.preempt()
	}

	h.writeHeader(off, hdr)

	if prev >= 0 {
		ph := h.readHeader(prev)
		if !ph.Allocated && ph.Length+HeaderSize+hdr.Length <= MaxLength {
			ph.Length += HeaderSize + hdr.Length
			h.writeHeader(prev, ph)
		}
	}
}

// locate walks the block chain to the block whose payload starts at p. It
// returns the block's offset and its predecessor's, or -1 for the first block.
func (h *Heap) locate(p Ptr) (off, prev int, ok bool) {
	target := int(p) - HeaderSize
	prev = -1
	for off < target {
		prev = off
		off += HeaderSize + h.readHeader(off).Length
	}
	return off, prev, off == target
}

// Bytes returns the payload of a live allocation, or nil. p must name the
// start of a payload; offsets inside one are rejected.
func (h *Heap) Bytes(p Ptr) []byte {
	if int(p) < HeaderSize || int(p) >= h.tail {
		return nil
	}

	restore := h.enter()
	defer restore()

	off, _, ok := h.locate(p)
	if !ok {
		return nil
	}
	hdr := h.readHeader(off)
	if !hdr.Allocated || int(p)+hdr.Length > h.tail {
		return nil
	}
	return h.mem[int(p) : int(p)+hdr.Length : int(p)+hdr.Length]
}

// Intact reports whether the canary past the heap tail is unmodified.
func (h *Heap) Intact() bool {
	return bytes.Equal(h.mem[h.tail:h.tail+CanarySize], canary[:])
}

// Check halts the system if the canary has been overwritten.
func (h *Heap) Check() {
	if h.Intact() {
		return
	}
	if h.halt == nil {
		panic("heap smashed")
	}
	h.halt.Halt("heap smashed")
}

// Block is one entry of the block chain as seen by Walk.
type Block struct {
	Offset int
	Header
}

// Walk calls fn for each block from base to tail. It stops early and returns
// an error if a header points past the tail.
func (h *Heap) Walk(fn func(b Block)) error {
	off := 0
	for off < h.tail {
		if off+HeaderSize > h.tail {
			return fmt.Errorf("heap: block at %d truncated by tail %d", off, h.tail)
		}
		hdr := h.readHeader(off)
		if off+HeaderSize+hdr.Length > h.tail {
			return fmt.Errorf("heap: block at %d length %d overruns tail %d", off, hdr.Length, h.tail)
		}
		if fn != nil {
			fn(Block{Offset: off, Header: hdr})
		}
		off += HeaderSize + hdr.Length
	}
	return nil
}

// Stats summarises the block chain.
type Stats struct {
	FreeBytes   int
	FreeBlocks  int
	UsedBytes   int
	UsedBlocks  int
	LargestFree int
}

// Stats walks the arena. The walk is not guarded.
func (h *Heap) Stats() (Stats, error) {
	var s Stats
	err := h.Walk(func(b Block) {
		if b.Allocated {
			s.UsedBlocks++
			s.UsedBytes += b.Length
			return
		}
		s.FreeBlocks++
		s.FreeBytes += b.Length
		if b.Length > s.LargestFree {
			s.LargestFree = b.Length
		}
	})
	return s, err
}

// String is a one-line summary for shells and logs.
func (s Stats) String() string {
	return fmt.Sprintf("free=%d/%d blocks used=%d/%d blocks largest=%d",
		s.FreeBytes, s.FreeBlocks, s.UsedBytes, s.UsedBlocks, s.LargestFree)
}
