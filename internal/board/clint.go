package board

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyrange/hifive/internal/regs"
)

// CLINT register offsets.
const (
	clintMsip     = 0x0000
	clintMtimecmp = 0x4000
	clintMtime    = 0xbff8
)

// Clock supplies mtime.
type Clock interface {
	Now() uint64
}

// WallClock derives mtime from host time at a fixed tick rate.
type WallClock struct {
	start time.Time
	rate  uint64
}

// NewWallClock returns a clock ticking rate times a second from now.
func NewWallClock(rate uint64) *WallClock {
	if rate == 0 {
		rate = regs.TicksPerSecond
	}
	return &WallClock{start: time.Now(), rate: rate}
}

func (c *WallClock) Now() uint64 {
	elapsed := time.Since(c.start)
	secs := uint64(elapsed / time.Second)
	frac := uint64(elapsed % time.Second)
	return secs*c.rate + frac*c.rate/uint64(time.Second)
}

// ManualClock is a deterministic clock. Every read advances it by Step, so
// busy loops polling mtime make progress without host time passing.
type ManualClock struct {
	t    atomic.Uint64
	Step uint64
}

func (c *ManualClock) Now() uint64 {
	return c.t.Add(c.Step) - c.Step
}

// Advance moves the clock forward by n ticks.
func (c *ManualClock) Advance(n uint64) { c.t.Add(n) }

// Set moves the clock to t.
func (c *ManualClock) Set(t uint64) { c.t.Store(t) }

// CLINT implements the core-local interruptor for one hart.
type CLINT struct {
	hart  *Hart
	clock Clock

	mu       sync.Mutex
	msip     uint32
	mtimecmp uint64
}

// NewCLINT returns a CLINT with no timer armed.
func NewCLINT(hart *Hart, clock Clock) *CLINT {
	c := &CLINT{
		hart:     hart,
		clock:    clock,
		mtimecmp: ^uint64(0),
	}
	hart.addPoller(c.Tick)
	return c
}

func (c *CLINT) Size() uint64 { return regs.CLINTSize }

func half(v uint64, offset uint64) uint64 {
	if offset%8 == 4 {
		return v >> 32
	}
	return v & 0xffff_ffff
}

func (c *CLINT) Read(offset uint64, size int) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case offset == clintMsip && size == 4:
		return uint64(c.msip), nil
	case offset >= clintMtimecmp && offset < clintMtimecmp+8:
		if size == 8 {
			return c.mtimecmp, nil
		}
		return half(c.mtimecmp, offset), nil
	case offset >= clintMtime && offset < clintMtime+8:
		now := c.clock.Now()
		if size == 8 {
			return now, nil
		}
		return half(now, offset), nil
	}
	return 0, nil
}

func (c *CLINT) Write(offset uint64, size int, value uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case offset == clintMsip && size == 4:
		c.msip = uint32(value & 1)
		c.hart.SetPending(MipMSIP, c.msip != 0)

	case offset >= clintMtimecmp && offset < clintMtimecmp+8:
		switch {
		case size == 8:
			c.mtimecmp = value
		case offset == clintMtimecmp:
			c.mtimecmp = c.mtimecmp&^0xffff_ffff | value&0xffff_ffff
		default:
			c.mtimecmp = c.mtimecmp&0xffff_ffff | (value&0xffff_ffff)<<32
		}
		c.update()
	}
	return nil
}

func (c *CLINT) update() {
	c.hart.SetPending(MipMTIP, c.clock.Now() >= c.mtimecmp)
}

// Tick raises or lowers the timer interrupt against the current time.
func (c *CLINT) Tick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.update()
}

// Mtime returns the current time without side effects beyond the clock read.
func (c *CLINT) Mtime() uint64 { return c.clock.Now() }

var _ Device = (*CLINT)(nil)
