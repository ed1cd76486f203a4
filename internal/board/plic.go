package board

import (
	"sync"

	"github.com/tinyrange/hifive/internal/regs"
)

// PLIC register offsets for the single machine-mode context.
const (
	plicPendingBase = 0x00_1000
	plicEnableBase  = 0x00_2000
	plicThreshold   = 0x20_0000
	plicClaim       = 0x20_0004

	// PLICSources is the number of wired sources.
	PLICSources = 52
)

const plicWords = (PLICSources + 32) / 32

// Line is a level-sensitive interrupt input.
type Line interface {
	SetLevel(high bool)
}

// PLIC implements the platform-level interrupt controller with one context.
//
// Each source passes through a level gateway: a high line sets the pending
// bit unless the source is already claimed, and completing a source whose line
// is still high makes it pending again.
type PLIC struct {
	hart *Hart

	mu        sync.Mutex
	priority  [PLICSources + 1]uint32
	pending   [plicWords]uint32
	enable    [plicWords]uint32
	threshold uint32
	level     [PLICSources + 1]bool
	inFlight  [PLICSources + 1]bool
}

func NewPLIC(hart *Hart) *PLIC {
	return &PLIC{hart: hart}
}

func (p *PLIC) Size() uint64 { return regs.PLICSize }

func (p *PLIC) Read(offset uint64, size int) (uint64, error) {
	if size != 4 {
		return 0, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case offset < plicPendingBase:
		if src := offset / 4; src <= PLICSources {
			return uint64(p.priority[src]), nil
		}
	case offset < plicEnableBase:
		if w := (offset - plicPendingBase) / 4; w < plicWords {
			return uint64(p.pending[w]), nil
		}
	case offset < plicThreshold:
		if w := (offset - plicEnableBase) / 4; w < plicWords {
			return uint64(p.enable[w]), nil
		}
	case offset == plicThreshold:
		return uint64(p.threshold), nil
	case offset == plicClaim:
		return uint64(p.claim()), nil
	}
	return 0, nil
}

func (p *PLIC) Write(offset uint64, size int, value uint64) error {
	if size != 4 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case offset < plicPendingBase:
		// Source 0 does not exist.
		if src := offset / 4; src > 0 && src <= PLICSources {
			p.priority[src] = uint32(value) & 7
		}
	case offset < plicEnableBase:
		// Pending bits are read-only.
	case offset < plicThreshold:
		if w := (offset - plicEnableBase) / 4; w < plicWords {
			p.enable[w] = uint32(value)
			// Bit 0 is source 0.
			p.enable[0] &^= 1
		}
	case offset == plicThreshold:
		p.threshold = uint32(value) & 7
	case offset == plicClaim:
		p.complete(uint32(value))
	}
	p.update()
	return nil
}

func (p *PLIC) isSet(words []uint32, src uint32) bool {
	return words[src/32]&(1<<(src%32)) != 0
}

func (p *PLIC) setBit(words []uint32, src uint32, on bool) {
	if on {
		words[src/32] |= 1 << (src % 32)
	} else {
		words[src/32] &^= 1 << (src % 32)
	}
}

// claim returns the highest priority pending enabled source above threshold.
// Ties go to the lowest id.
func (p *PLIC) claim() uint32 {
	var best, bestPrio uint32
	for src := uint32(1); src <= PLICSources; src++ {
		if !p.isSet(p.pending[:], src) || !p.isSet(p.enable[:], src) {
			continue
		}
		if prio := p.priority[src]; prio > p.threshold && prio > bestPrio {
			best, bestPrio = src, prio
		}
	}
	if best != 0 {
		p.setBit(p.pending[:], best, false)
		p.inFlight[best] = true
	}
	p.update()
	return best
}

func (p *PLIC) complete(src uint32) {
	if src == 0 || src > PLICSources || !p.inFlight[src] {
		return
	}
	p.inFlight[src] = false
	if p.level[src] {
		p.setBit(p.pending[:], src, true)
	}
}

func (p *PLIC) update() {
	p.hart.SetPending(MipMEIP, p.hasPending())
}

func (p *PLIC) hasPending() bool {
	for src := uint32(1); src <= PLICSources; src++ {
		if p.isSet(p.pending[:], src) && p.isSet(p.enable[:], src) && p.priority[src] > p.threshold {
			return true
		}
	}
	return false
}

// SetLevel drives the gateway of src.
func (p *PLIC) SetLevel(src uint32, high bool) {
	if src == 0 || src > PLICSources {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.level[src] = high
	if high && !p.inFlight[src] {
		p.setBit(p.pending[:], src, true)
	}
	p.update()
}

// Line returns the interrupt input for src.
func (p *PLIC) Line(src uint32) Line {
	return plicLine{plic: p, src: src}
}

type plicLine struct {
	plic *PLIC
	src  uint32
}

func (l plicLine) SetLevel(high bool) { l.plic.SetLevel(l.src, high) }

var _ Device = (*PLIC)(nil)
