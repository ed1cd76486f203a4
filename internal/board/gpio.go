package board

import (
	"math/bits"
	"sync"

	"github.com/tinyrange/hifive/internal/regs"
)

// GPIO register offsets.
const (
	gpioInputVal  = 0x00
	gpioInputEn   = 0x04
	gpioOutputEn  = 0x08
	gpioOutputVal = 0x0c
	gpioPue       = 0x10
	gpioDs        = 0x14
	gpioRiseIE    = 0x18
	gpioRiseIP    = 0x1c
	gpioFallIE    = 0x20
	gpioFallIP    = 0x24
	gpioHighIE    = 0x28
	gpioHighIP    = 0x2c
	gpioLowIE     = 0x30
	gpioLowIP     = 0x34
	gpioIOFEn     = 0x38
	gpioIOFSel    = 0x3c
	gpioOutXor    = 0x40
)

// GPIO implements the 32-pin GPIO bank.
//
// A pin's level is what the outside world drives onto it, else its own output
// driver if enabled, else the pull-up. Input-enabled pins latch rise and fall
// edges and the current high or low level into the pending registers; each
// pin's PLIC line is high while any enabled condition is pending.
type GPIO struct {
	lines [32]Line

	mu       sync.Mutex
	reg      map[uint64]uint32
	driven   uint32 // pins driven externally
	drive    uint32 // level of externally driven pins
	level    uint32 // last computed pin levels
	onOutput func(pin int, level bool)
}

// NewGPIO returns a bank whose pins raise the PLIC sources starting at
// firstSource.
func NewGPIO(plic *PLIC, firstSource uint32) *GPIO {
	g := &GPIO{reg: make(map[uint64]uint32)}
	for pin := range g.lines {
		g.lines[pin] = plic.Line(firstSource + uint32(pin))
	}
	return g
}

func (g *GPIO) Size() uint64 { return regs.GPIOSize }

// OnOutput sets a function called when an output-enabled pin changes level.
// It runs with the bank locked and must not touch the bank.
func (g *GPIO) OnOutput(fn func(pin int, level bool)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onOutput = fn
}

func (g *GPIO) levels() uint32 {
	outEn := g.reg[gpioOutputEn] &^ g.reg[gpioIOFEn]
	out := g.reg[gpioOutputVal] ^ g.reg[gpioOutXor]

	l := g.reg[gpioPue]
	l = l&^outEn | out&outEn
	l = l&^g.driven | g.drive&g.driven
	return l
}

// update recomputes pin levels, latches pending conditions and drives the
// PLIC lines. Called with the bank locked.
func (g *GPIO) update() {
	prev := g.level
	now := g.levels()
	g.level = now
	en := g.reg[gpioInputEn]

	g.reg[gpioRiseIP] |= now &^ prev & en
	g.reg[gpioFallIP] |= prev &^ now & en
	g.reg[gpioHighIP] |= now & en
	g.reg[gpioLowIP] |= ^now & en

	if g.onOutput != nil {
		outEn := g.reg[gpioOutputEn]
		for changed := (prev ^ now) & outEn &^ g.driven; changed != 0; changed &= changed - 1 {
			pin := bits.TrailingZeros32(changed)
			g.onOutput(pin, now&regs.Bit(pin) != 0)
		}
	}

	active := g.reg[gpioRiseIP]&g.reg[gpioRiseIE] |
		g.reg[gpioFallIP]&g.reg[gpioFallIE] |
		g.reg[gpioHighIP]&g.reg[gpioHighIE] |
		g.reg[gpioLowIP]&g.reg[gpioLowIE]
	for pin, line := range g.lines {
		line.SetLevel(active&regs.Bit(pin) != 0)
	}
}

func (g *GPIO) Read(offset uint64, size int) (uint64, error) {
	if size != 4 || offset > gpioOutXor || offset%4 != 0 {
		return 0, nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if offset == gpioInputVal {
		return uint64(g.level & g.reg[gpioInputEn]), nil
	}
	return uint64(g.reg[offset]), nil
}

func (g *GPIO) Write(offset uint64, size int, value uint64) error {
	if size != 4 || offset > gpioOutXor || offset%4 != 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	v := uint32(value)
	switch offset {
	case gpioInputVal:
		// Read-only.
	case gpioRiseIP, gpioFallIP, gpioHighIP, gpioLowIP:
		g.reg[offset] &^= v
	default:
		g.reg[offset] = v
	}
	g.update()
	return nil
}

// SetInput drives pin from outside the chip. Safe from any goroutine.
func (g *GPIO) SetInput(pin int, level bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	bit := regs.Bit(pin)
	g.driven |= bit
	if level {
		g.drive |= bit
	} else {
		g.drive &^= bit
	}
	g.update()
}

// ReleaseInput stops driving pin from outside.
func (g *GPIO) ReleaseInput(pin int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.driven &^= regs.Bit(pin)
	g.update()
}

// Level returns the current level of pin.
func (g *GPIO) Level(pin int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.level&regs.Bit(pin) != 0
}

var _ Device = (*GPIO)(nil)
