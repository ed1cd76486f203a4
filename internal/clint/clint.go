// Package clint drives the core-local interruptor: the periodic machine
// timer, the machine software interrupt, and mtime-based delays.
package clint

import (
	"sync/atomic"
	"time"

	"github.com/tinyrange/hifive/internal/regs"
)

// DefaultPeriod is the timer period in mtime ticks: two interrupts a second.
const DefaultPeriod = regs.TicksPerSecond / 2

// Now reads mtime.
func Now(r *regs.File) uint64 {
	return r.Read64(regs.CLINTMtime)
}

// Sleep waits until mtime has advanced by d, rounded down to whole ticks.
// relax is called on every poll.
func Sleep(r *regs.File, d time.Duration, relax func()) {
	SleepTicks(r, DurationTicks(d), relax)
}

// DurationTicks converts d to mtime ticks, rounding down. Negative durations
// are zero.
func DurationTicks(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	secs, frac := uint64(d/time.Second), uint64(d%time.Second)
	return secs*regs.TicksPerSecond + frac*regs.TicksPerSecond/uint64(time.Second)
}

// SleepTicks waits until mtime has advanced by ticks. The deadline comparison
// is a signed difference and tolerates mtime wrapping.
func SleepTicks(r *regs.File, ticks uint64, relax func()) {
	deadline := Now(r) + ticks
	for int64(Now(r)-deadline) < 0 {
		if relax != nil {
			relax()
		}
	}
}

// Timer is the periodic machine timer interrupt.
type Timer struct {
	regs   *regs.File
	period uint64
	ticks  atomic.Uint64
}

// NewTimer returns a timer firing every period mtime ticks. A zero period
// takes DefaultPeriod.
func NewTimer(r *regs.File, period uint64) *Timer {
	if period == 0 {
		period = DefaultPeriod
	}
	return &Timer{regs: r, period: period}
}

// Period returns the timer period in mtime ticks.
func (t *Timer) Period() uint64 { return t.period }

// Start arms the first compare one period from now.
func (t *Timer) Start() {
	t.regs.Write64(regs.CLINTMtimecmp, Now(t.regs)+t.period)
}

// HandleTrap advances the compare by one period. The advance is relative to
// the previous deadline, so time spent servicing the trap does not drift it.
func (t *Timer) HandleTrap() {
	t.regs.Write64(regs.CLINTMtimecmp, t.regs.Read64(regs.CLINTMtimecmp)+t.period)
	t.ticks.Add(1)
}

// Ticks returns the number of timer interrupts taken.
func (t *Timer) Ticks() uint64 { return t.ticks.Load() }

// Printer is where the software interrupt reports.
type Printer interface {
	PutLine(s string)
}

// Software is the machine software interrupt, raised by writing MSIP.
type Software struct {
	regs  *regs.File
	out   Printer
	count atomic.Uint64
}

// NewSoftware returns the software interrupt source.
func NewSoftware(r *regs.File, out Printer) *Software {
	return &Software{regs: r, out: out}
}

// Trigger raises the software interrupt.
func (s *Software) Trigger() {
	s.regs.Write(regs.CLINTMsip, 1)
}

// HandleTrap acknowledges the interrupt.
func (s *Software) HandleTrap() {
	s.regs.Write(regs.CLINTMsip, 0)
	s.count.Add(1)
	if s.out != nil {
		s.out.PutLine("Received software interrupt.")
	}
}

// Count returns the number of software interrupts taken.
func (s *Software) Count() uint64 { return s.count.Load() }
