package board

import (
	"errors"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/tinyrange/hifive/internal/trap"
)

// ErrHalted is returned by Run after the firmware hangs the hart.
var ErrHalted = errors.New("hart halted")

// mip / mie bits.
const (
	MipMSIP uint32 = 1 << 3
	MipMTIP uint32 = 1 << 7
	MipMEIP uint32 = 1 << 11
)

// mstatus bits.
const (
	MstatusMIE  uint32 = 1 << 3
	MstatusMPIE uint32 = 1 << 7
)

type haltSignal struct{ msg string }

type cancelSignal struct{}

// Hart models the CSR state of a single RV32 hart and decides when traps are
// taken.
//
// The firmware runs on one goroutine. Traps are delivered synchronously on
// that goroutine at two kinds of instruction boundary: Relax (the
// wait-for-interrupt inside every busy loop) and the moment interrupts are
// re-enabled. Devices running on other goroutines only flip bits in mip and
// wake the hart.
type Hart struct {
	mip atomic.Uint32

	// Owned by the firmware goroutine.
	mstatus uint32
	mie     uint32
	mcause  uint32
	vector  func(mcause uint32)
	pollers []func()
	idle    time.Duration

	wake      chan struct{}
	cancelled atomic.Bool

	traps   atomic.Uint64
	relaxes atomic.Uint64
}

// NewHart returns a hart with interrupts disabled. idle bounds how long Relax
// sleeps waiting for a device; zero only yields the processor.
func NewHart(idle time.Duration) *Hart {
	return &Hart{
		idle: idle,
		wake: make(chan struct{}, 1),
	}
}

// SetTrapVector installs the machine trap entry point.
func (h *Hart) SetTrapVector(fn func(mcause uint32)) { h.vector = fn }

func (h *Hart) addPoller(fn func()) { h.pollers = append(h.pollers, fn) }

// SetPending sets or clears bits in mip. Safe from any goroutine.
func (h *Hart) SetPending(bits uint32, on bool) {
	for {
		old := h.mip.Load()
		next := old &^ bits
		if on {
			next |= bits
		}
		if h.mip.CompareAndSwap(old, next) {
			break
		}
	}
	if on {
		h.Wake()
	}
}

// Wake interrupts a sleeping Relax.
func (h *Hart) Wake() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// Pending returns mip.
func (h *Hart) Pending() uint32 { return h.mip.Load() }

// EnableInterrupt sets the mie bit for a machine interrupt code.
func (h *Hart) EnableInterrupt(code uint32) {
	h.mie |= 1 << code
}

// DisableInterrupt clears the mie bit for a machine interrupt code.
func (h *Hart) DisableInterrupt(code uint32) {
	h.mie &^= 1 << code
}

// InterruptsEnabled reports mstatus.MIE.
func (h *Hart) InterruptsEnabled() bool { return h.mstatus&MstatusMIE != 0 }

// EnableInterrupts sets mstatus.MIE and takes anything already pending.
func (h *Hart) EnableInterrupts() {
	h.mstatus |= MstatusMIE
	h.deliver()
}

// DisableInterrupts clears mstatus.MIE.
func (h *Hart) DisableInterrupts() {
	h.mstatus &^= MstatusMIE
}

// MaskInterrupts clears mstatus.MIE and returns whether it was set.
func (h *Hart) MaskInterrupts() bool {
	prev := h.InterruptsEnabled()
	h.mstatus &^= MstatusMIE
	return prev
}

// RestoreInterrupts puts back the state returned by MaskInterrupts. Anything
// that became pending while masked is taken immediately.
func (h *Hart) RestoreInterrupts(prev bool) {
	if prev {
		h.EnableInterrupts()
	}
}

func (h *Hart) poll() {
	for _, fn := range h.pollers {
		fn()
	}
}

// next returns the highest priority interrupt the hart would take now.
// External beats software beats timer.
func (h *Hart) next() (uint32, bool) {
	if h.mstatus&MstatusMIE == 0 {
		return 0, false
	}
	pending := h.mip.Load() & h.mie
	switch {
	case pending&MipMEIP != 0:
		return trap.MachineExternal, true
	case pending&MipMSIP != 0:
		return trap.MachineSoftware, true
	case pending&MipMTIP != 0:
		return trap.MachineTimer, true
	}
	return 0, false
}

func (h *Hart) deliver() {
	for {
		code, ok := h.next()
		if !ok {
			return
		}
		h.take(trap.Cause(true, code))
	}
}

// take enters the trap vector the way the hardware does: MIE is saved to MPIE
// and cleared, and mret restores it.
func (h *Hart) take(mcause uint32) {
	h.traps.Add(1)
	h.mcause = mcause
	if h.mstatus&MstatusMIE != 0 {
		h.mstatus |= MstatusMPIE
	} else {
		h.mstatus &^= MstatusMPIE
	}
	h.mstatus &^= MstatusMIE

	if h.vector != nil {
		h.vector(mcause)
	}

	// mret
	if h.mstatus&MstatusMPIE != 0 {
		h.mstatus |= MstatusMIE
	} else {
		h.mstatus &^= MstatusMIE
	}
	h.mstatus |= MstatusMPIE
}

// Mcause returns the cause of the most recent trap.
func (h *Hart) Mcause() uint32 { return h.mcause }

// Relax is the wait-for-interrupt point. It services devices, takes any
// enabled pending interrupt, and otherwise sleeps until a device wakes the
// hart or the idle period passes.
func (h *Hart) Relax() {
	h.relaxes.Add(1)
	if h.cancelled.Load() {
		panic(cancelSignal{})
	}
	h.poll()
	if _, ok := h.next(); ok {
		h.deliver()
		return
	}

	if h.idle <= 0 {
		runtime.Gosched()
	} else {
		t := time.NewTimer(h.idle)
		select {
		case <-h.wake:
		case <-t.C:
		}
		t.Stop()
	}

	h.poll()
	h.deliver()
}

// AccessFault raises a load or store access fault exception. Exceptions are
// taken regardless of mstatus.MIE.
func (h *Hart) AccessFault(addr uint64, store bool) {
	code := trap.LoadAccessFault
	if store {
		code = trap.StoreAccessFault
	}
	h.take(trap.Cause(false, code))
}

// Hang stops the hart for good. It unwinds the firmware to Board.Run, which
// reports ErrHalted.
func (h *Hart) Hang(msg string) {
	h.mstatus &^= MstatusMIE
	panic(haltSignal{msg: msg})
}

// Cancel makes the next Relax unwind the firmware.
func (h *Hart) Cancel() {
	h.cancelled.Store(true)
	h.Wake()
}

// HartStats counts trap activity.
type HartStats struct {
	Traps   uint64
	Relaxes uint64
}

func (h *Hart) Stats() HartStats {
	return HartStats{Traps: h.traps.Load(), Relaxes: h.relaxes.Load()}
}
