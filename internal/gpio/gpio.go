// Package gpio configures the 32-pin GPIO bank and demultiplexes its
// per-pin PLIC sources into pin × condition callbacks.
package gpio

import (
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/tinyrange/hifive/internal/plic"
	"github.com/tinyrange/hifive/internal/regs"
	"github.com/tinyrange/hifive/internal/trap"
)

// NumPins is the width of the bank.
const NumPins = 32

// Condition is a set of interrupt conditions.
type Condition uint8

const (
	Rise Condition = 1 << iota
	Fall
	High
	Low

	None Condition = 0
)

func (c Condition) String() string {
	if c == None {
		return "none"
	}
	var parts []string
	for _, k := range conditions {
		if c&k.cond != 0 {
			parts = append(parts, k.name)
		}
	}
	return strings.Join(parts, "|")
}

// conditions is the order pending bits are serviced in.
var conditions = []struct {
	cond Condition
	name string
	ie   regs.Reg
	ip   regs.Reg
}{
	{Rise, "rise", regs.GPIORiseIE, regs.GPIORiseIP},
	{Fall, "fall", regs.GPIOFallIE, regs.GPIOFallIP},
	{High, "high", regs.GPIOHighIE, regs.GPIOHighIP},
	{Low, "low", regs.GPIOLowIE, regs.GPIOLowIP},
}

// IOF selects a pin's alternate function.
type IOF int

const (
	IOFNone IOF = iota
	IOF0
	IOF1
)

// Callback is invoked in interrupt context once per serviced condition.
type Callback interface {
	OnPinInterrupt(pin int, cond Condition)
}

// CallbackFunc adapts a function to Callback.
type CallbackFunc func(pin int, cond Condition)

func (f CallbackFunc) OnPinInterrupt(pin int, cond Condition) { f(pin, cond) }

// Config is the requested state of one pin.
type Config struct {
	IOF IOF

	// Only applied with IOFNone.
	InputEnable   bool
	OutputEnable  bool
	PullUp        bool
	DriveStrength bool
	OutXor        bool

	// Ignored when Callback is nil or an IOF is selected.
	Interrupts Condition
	Callback   Callback
}

// Registrar is the slice of the PLIC the bank needs.
type Registrar interface {
	Register(source int, h plic.Handler) error
	Unregister(source int, h plic.Handler) error
}

// Stats counts demultiplexer outcomes.
type Stats struct {
	Delivered uint64
	Invalid   uint64
	Unhandled uint64
	Phantom   uint64
}

type pinState struct {
	mask Condition
	cb   Callback
}

// Bank owns the per-pin interrupt state.
//
// A pin's mask is non-empty only while it has a callback, and its PLIC source
// is registered exactly while the mask is non-empty.
type Bank struct {
	regs *regs.File
	plic Registrar
	halt trap.Halter
	log  *slog.Logger

	pins [NumPins]pinState

	delivered atomic.Uint64
	invalid   atomic.Uint64
	unhandled atomic.Uint64
	phantom   atomic.Uint64
}

// New returns a bank with no pin interrupts configured.
func New(r *regs.File, p Registrar, halt trap.Halter, log *slog.Logger) *Bank {
	if log == nil {
		log = slog.Default()
	}
	return &Bank{regs: r, plic: p, halt: halt, log: log}
}

// Supported reports whether pin is routed to the board header and so has a
// usable interrupt source.
func Supported(pin int) bool {
	return (pin >= 0 && pin <= 5) ||
		(pin >= 9 && pin <= 13) ||
		(pin >= 16 && pin <= 23)
}

// SourceForPin returns the PLIC source id of pin.
func SourceForPin(pin int) int { return regs.PLICSourceGPIOFirst + pin }

// PinForSource returns the pin behind a PLIC source id.
func PinForSource(source int) int { return source - regs.PLICSourceGPIOFirst }

// Configure applies cfg to pin. Pending conditions latched before the call are
// discarded.
func (b *Bank) Configure(pin int, cfg Config) {
	if pin < 0 || pin >= NumPins {
		b.halt.Halt("GPIO index out of range")
		return
	}
	bit := regs.Bit(pin)

	switch cfg.IOF {
	case IOF0:
		b.regs.Unset(regs.GPIOIOFSel, bit)
		b.regs.Set(regs.GPIOIOFEn, bit)
	case IOF1:
		b.regs.Set(regs.GPIOIOFSel, bit)
		b.regs.Set(regs.GPIOIOFEn, bit)
	default:
		b.regs.Unset(regs.GPIOIOFEn, bit)
		b.regs.WriteBit(regs.GPIOInputEn, pin, cfg.InputEnable)
		b.regs.WriteBit(regs.GPIOOutputEn, pin, cfg.OutputEnable)
		b.regs.WriteBit(regs.GPIOPue, pin, cfg.PullUp)
		b.regs.WriteBit(regs.GPIODs, pin, cfg.DriveStrength)
		b.regs.WriteBit(regs.GPIOOutXor, pin, cfg.OutXor)
	}

	mask := cfg.Interrupts & (Rise | Fall | High | Low)
	if cfg.Callback == nil || cfg.IOF != IOFNone {
		mask = None
	}
	if mask != None && !cfg.InputEnable {
		b.halt.Halt("bug: gpio interrupt without input_en")
		return
	}

	for _, k := range conditions {
		b.regs.Unset(k.ie, bit)
	}
	// Pending bits are write-1-to-clear.
	for _, k := range conditions {
		b.regs.Write(k.ip, bit)
	}

	st := &b.pins[pin]
	source := SourceForPin(pin)
	switch {
	case st.cb == nil && mask != None:
		if err := b.plic.Register(source, b); err != nil {
			b.halt.Fatalf("gpio %d: %v", pin, err)
			return
		}
		st.cb = cfg.Callback
	case st.cb != nil && mask == None:
		if err := b.plic.Unregister(source, b); err != nil {
			b.halt.Fatalf("gpio %d: %v", pin, err)
			return
		}
		st.cb = nil
	case st.cb != nil:
		st.cb = cfg.Callback
	}
	st.mask = mask

	for _, k := range conditions {
		b.regs.WriteBit(k.ie, pin, mask&k.cond != 0)
	}
}

// Read returns the pin's input level.
func (b *Bank) Read(pin int) bool {
	return b.regs.TestBit(regs.GPIOInputVal, pin)
}

// Write drives the pin's output level.
func (b *Bank) Write(pin int, level bool) {
	b.regs.WriteBit(regs.GPIOOutputVal, pin, level)
}

// Toggle inverts the pin's output level and returns the new level.
func (b *Bank) Toggle(pin int) bool {
	level := !b.regs.TestBit(regs.GPIOOutputVal, pin)
	b.Write(pin, level)
	return level
}

// Interrupts returns the conditions currently enabled on pin.
func (b *Bank) Interrupts(pin int) Condition {
	if pin < 0 || pin >= NumPins {
		return None
	}
	return b.pins[pin].mask
}

// HandleInterrupt is the PLIC handler shared by every GPIO source. Anomalies
// are logged and counted; none of them halt.
func (b *Bank) HandleInterrupt(source int) {
	pin := PinForSource(source)
	if !Supported(pin) {
		b.invalid.Add(1)
		b.log.Warn("invalid GPIO", "pin", pin)
		return
	}
	st := b.pins[pin]
	if st.cb == nil || st.mask == None {
		b.unhandled.Add(1)
		b.log.Warn("GPIO interrupt has no handler or not enabled", "pin", pin)
		return
	}

	bit := regs.Bit(pin)
	triggered := 0
	for _, k := range conditions {
		if st.mask&k.cond == 0 || b.regs.Read(k.ip)&bit == 0 {
			continue
		}
		st.cb.OnPinInterrupt(pin, k.cond)
		triggered++
		b.regs.Write(k.ip, bit)
	}
	if triggered == 0 {
		b.phantom.Add(1)
		b.log.Warn("phantom GPIO interrupt", "pin", pin)
		return
	}
	b.delivered.Add(uint64(triggered))
}

// Stats returns the demultiplexer counters.
func (b *Bank) Stats() Stats {
	return Stats{
		Delivered: b.delivered.Load(),
		Invalid:   b.invalid.Load(),
		Unhandled: b.unhandled.Load(),
		Phantom:   b.phantom.Load(),
	}
}

func (s Stats) String() string {
	return fmt.Sprintf("delivered=%d invalid=%d unhandled=%d phantom=%d",
		s.Delivered, s.Invalid, s.Unhandled, s.Phantom)
}
