// Package firmware assembles the interrupt subsystem: one System owns the trap
// vector, the PLIC and GPIO handler tables, the console transport and the
// heap, and wires them to the hart at startup.
package firmware

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyrange/hifive/internal/clint"
	"github.com/tinyrange/hifive/internal/console"
	"github.com/tinyrange/hifive/internal/gpio"
	"github.com/tinyrange/hifive/internal/heap"
	"github.com/tinyrange/hifive/internal/plic"
	"github.com/tinyrange/hifive/internal/regs"
	"github.com/tinyrange/hifive/internal/trap"
)

// DefaultHeapSize is the arena size when Config leaves it zero.
const DefaultHeapSize = 4096

// DefaultUARTDivisor gives 250000 baud off the 64 MHz bus clock.
const DefaultUARTDivisor = 255

// Hart is the processor the firmware runs on.
type Hart interface {
	regs.FaultHandler
	heap.Masker

	SetTrapVector(fn func(mcause uint32))
	EnableInterrupt(code uint32)
	EnableInterrupts()
	DisableInterrupts()
	Relax()
	Hang(msg string)
}

// Config sizes the firmware's buffers and timer.
type Config struct {
	HeapSize    int
	LineSize    int
	RingSize    int
	TimerPeriod uint64
	UARTDivisor uint32
	LogLevel    slog.Level
}

// System is the firmware's interrupt subsystem. Build it once with New.
type System struct {
	Regs     *regs.File
	Hart     Hart
	Vector   *trap.Vector
	PLIC     *plic.Controller
	GPIO     *gpio.Bank
	Console  *console.Transport
	Heap     *heap.Heap
	Timer    *clint.Timer
	Software *clint.Software
	Log      *slog.Logger

	halter *halter
}

// halter stops the system: interrupts off, message out, hart hung.
type halter struct {
	hart    Hart
	console *console.Transport
}

func (h *halter) Halt(msg string) {
	h.hart.DisableInterrupts()
	if h.console != nil {
		h.console.PutString("HALT: ")
		h.console.PutLine(msg)
	}
	h.hart.Hang(msg)
}

func (h *halter) Fatalf(format string, args ...any) {
	h.Halt(fmt.Sprintf(format, args...))
}

// New brings the system up on hart over bus, in the order the hardware needs:
// console transmit first so faults can be reported, then the trap vector with
// do-nothing handlers, the software, timer and external sources, the UART
// receive interrupt, and finally the global interrupt enable.
func New(bus regs.Bus, hart Hart, cfg Config) (*System, error) {
	if cfg.HeapSize == 0 {
		cfg.HeapSize = DefaultHeapSize
	}
	if cfg.UARTDivisor == 0 {
		cfg.UARTDivisor = DefaultUARTDivisor
	}

	r := regs.New(bus, hart)
	s := &System{
		Regs: r,
		Hart: hart,
	}
	hart.DisableInterrupts()

	s.Console = console.New(r, console.Config{LineSize: cfg.LineSize, RingSize: cfg.RingSize})
	s.halter = &halter{hart: hart, console: s.Console}
	r.Write(regs.UART0Div, cfg.UARTDivisor)
	s.Console.Init()
	s.Console.SetRelax(hart.Relax)

	h, err := heap.New(cfg.HeapSize)
	if err != nil {
		return nil, fmt.Errorf("firmware: %w", err)
	}
	h.SetHalter(s.halter)
	h.SetMasker(hart)
	s.Heap = h
	s.Console.SetHeap(h)

	s.Log = slog.New(slog.NewTextHandler(s.Console, &slog.HandlerOptions{
		Level: cfg.LogLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// The board has no wall clock.
			if len(groups) == 0 && a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		},
	}))

	s.Vector = trap.NewVector(s.halter)
	hart.SetTrapVector(s.Vector.Handle)

	s.Software = clint.NewSoftware(r, s.Console)
	s.Vector.SetSoftware(s.Software)
	hart.EnableInterrupt(trap.MachineSoftware)

	s.Timer = clint.NewTimer(r, cfg.TimerPeriod)
	s.Timer.Start()
	s.Vector.SetTimer(s.Timer)
	hart.EnableInterrupt(trap.MachineTimer)

	s.PLIC = plic.New(r, s.halter, s.Log)
	s.Vector.SetExternal(s.PLIC)
	hart.EnableInterrupt(trap.MachineExternal)

	s.GPIO = gpio.New(r, s.PLIC, s.halter, s.Log)

	if err := s.PLIC.Register(regs.PLICSourceUART0, s.Console); err != nil {
		return nil, fmt.Errorf("firmware: console: %w", err)
	}

	hart.EnableInterrupts()
	return s, nil
}

// Halter returns the system halter.
func (s *System) Halter() trap.Halter { return s.halter }

// Halt stops the system with msg. It does not return.
func (s *System) Halt(msg string) { s.halter.Halt(msg) }

// Main runs fn as the firmware's main program. There is nothing to return to,
// so the system halts if fn does.
func (s *System) Main(fn func()) {
	fn()
	s.Halt("main() returned")
}

// Sleep busy-waits for the given number of seconds.
func (s *System) Sleep(seconds int) {
	clint.Sleep(s.Regs, time.Duration(seconds)*time.Second, s.Hart.Relax)
}

// Printf writes to the console through the shared heap.
func (s *System) Printf(format string, args ...any) {
	s.Console.Printf(format, args...)
}

// Status summarises the subsystem's counters.
type Status struct {
	Heap      heap.Stats
	HeapError error
	Intact    bool
	Console   console.Stats
	PLIC      plic.Stats
	GPIO      gpio.Stats
	Ticks     uint64
	Software  uint64
}

// Status collects counters from every component.
func (s *System) Status() Status {
	hs, err := s.Heap.Stats()
	return Status{
		Heap:      hs,
		HeapError: err,
		Intact:    s.Heap.Intact(),
		Console:   s.Console.Stats(),
		PLIC:      s.PLIC.Stats(),
		GPIO:      s.GPIO.Stats(),
		Ticks:     s.Timer.Ticks(),
		Software:  s.Software.Count(),
	}
}
