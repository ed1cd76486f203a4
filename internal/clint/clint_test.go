package clint

import (
	"fmt"
	"testing"
	"time"

	"github.com/tinyrange/hifive/internal/regs"
)

// clintBus models mtime advancing by step on every read.
type clintBus struct {
	mtime    uint64
	step     uint64
	mtimecmp uint64
	msip     uint32
}

func (b *clintBus) Read32(addr uint64) (uint32, error) {
	if regs.Reg(addr) == regs.CLINTMsip {
		return b.msip, nil
	}
	return 0, fmt.Errorf("unmapped 0x%x", addr)
}

func (b *clintBus) Write32(addr uint64, v uint32) error {
	if regs.Reg(addr) == regs.CLINTMsip {
		b.msip = v & 1
		return nil
	}
	return fmt.Errorf("unmapped 0x%x", addr)
}

func (b *clintBus) Read64(addr uint64) (uint64, error) {
	switch regs.Reg(addr) {
	case regs.CLINTMtime:
		v := b.mtime
		b.mtime += b.step
		return v, nil
	case regs.CLINTMtimecmp:
		return b.mtimecmp, nil
	}
	return 0, fmt.Errorf("unmapped 0x%x", addr)
}

func (b *clintBus) Write64(addr uint64, v uint64) error {
	if regs.Reg(addr) == regs.CLINTMtimecmp {
		b.mtimecmp = v
		return nil
	}
	return fmt.Errorf("unmapped 0x%x", addr)
}

type lines []string

func (l *lines) PutLine(s string) { *l = append(*l, s) }

func TestTimerAdvancesRelative(t *testing.T) {
	bus := &clintBus{mtime: 1000}
	tm := NewTimer(regs.New(bus, nil), 0)
	if tm.Period() != 16384 {
		t.Fatalf("default period = %d", tm.Period())
	}

	tm.Start()
	if bus.mtimecmp != 1000+16384 {
		t.Fatalf("mtimecmp = %d", bus.mtimecmp)
	}

	// Late service: mtime has run well past the deadline.
	bus.mtime = 1000 + 16384 + 5000
	tm.HandleTrap()
	tm.HandleTrap()
	if bus.mtimecmp != 1000+3*16384 {
		t.Fatalf("mtimecmp = %d, want advance from previous deadline", bus.mtimecmp)
	}
	if tm.Ticks() != 2 {
		t.Fatalf("ticks = %d", tm.Ticks())
	}
}

func TestSoftwareInterrupt(t *testing.T) {
	bus := &clintBus{}
	var out lines
	sw := NewSoftware(regs.New(bus, nil), &out)

	sw.Trigger()
	if bus.msip != 1 {
		t.Fatalf("msip = %d after Trigger", bus.msip)
	}
	sw.HandleTrap()
	if bus.msip != 0 {
		t.Fatalf("msip = %d after HandleTrap", bus.msip)
	}
	if len(out) != 1 || out[0] != "Received software interrupt." {
		t.Fatalf("output = %q", out)
	}
	if sw.Count() != 1 {
		t.Fatalf("count = %d", sw.Count())
	}
}

func TestSleepWaitsForDeadline(t *testing.T) {
	bus := &clintBus{mtime: 100, step: 1024}
	polls := 0
	Sleep(regs.New(bus, nil), time.Second, func() { polls++ })

	// The first read sets the deadline; the 32nd step after it reaches it.
	if bus.mtime < 100+regs.TicksPerSecond {
		t.Fatalf("returned early at mtime %d", bus.mtime)
	}
	if polls != regs.TicksPerSecond/1024-1 {
		t.Fatalf("polls = %d", polls)
	}
}

func TestSleepAcrossWrap(t *testing.T) {
	start := ^uint64(0) - 10
	bus := &clintBus{mtime: start, step: 4}
	SleepTicks(regs.New(bus, nil), 64, nil)
	if bus.mtime > 100 {
		t.Fatalf("mtime = %d, overslept across wrap", bus.mtime)
	}
	if bus.mtime-start < 64 {
		t.Fatalf("undershot: elapsed %d", bus.mtime-start)
	}
}

func TestDurationTicks(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want uint64
	}{
		{-time.Second, 0},
		{0, 0},
		{time.Millisecond, 32},
		{time.Second, regs.TicksPerSecond},
		{1500 * time.Millisecond, regs.TicksPerSecond * 3 / 2},
		// Past the point where d*TicksPerSecond overflows a Duration.
		{100 * time.Hour, 100 * 3600 * regs.TicksPerSecond},
	}
	for _, tt := range tests {
		if got := DurationTicks(tt.d); got != tt.want {
			t.Errorf("DurationTicks(%v) = %d, want %d", tt.d, got, tt.want)
		}
	}
}

func TestSleepNegativeReturns(t *testing.T) {
	bus := &clintBus{mtime: 100, step: 1}
	polls := 0
	Sleep(regs.New(bus, nil), -time.Hour, func() { polls++ })
	if polls != 0 {
		t.Fatalf("polls = %d", polls)
	}
}
