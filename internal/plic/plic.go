// Package plic owns the platform-level interrupt controller: the source
// handler table, the enable words that mirror it, and the claim/complete loop
// run on every machine external interrupt.
package plic

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/tinyrange/hifive/internal/regs"
	"github.com/tinyrange/hifive/internal/trap"
)

// NumSources is the number of interrupt sources. Valid ids are 1..NumSources;
// 0 means "no interrupt".
const NumSources = 52

const enableWords = (NumSources + 32) / 32

var (
	ErrInvalidSource     = errors.New("invalid source id")
	ErrAlreadyRegistered = errors.New("source already has a handler")
	ErrNotRegistered     = errors.New("source has no handler")
)

// Handler services one claimed source.
type Handler interface {
	HandleInterrupt(source int)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(source int)

func (f HandlerFunc) HandleInterrupt(source int) { f(source) }

// Stats counts claim/complete traffic.
type Stats struct {
	Claims      uint64
	Completions uint64
}

// Controller dispatches external interrupts to per-source handlers.
//
// A source's enable bit is set exactly while it has a handler. Register and
// Unregister are called from the main context; Dispatch from the trap vector.
// The hart masks interrupts while a trap is taken, so the table is never
// observed half-updated by Dispatch.
type Controller struct {
	regs *regs.File
	halt trap.Halter
	log  *slog.Logger

	handlers [NumSources + 1]Handler

	claims      atomic.Uint64
	completions atomic.Uint64
}

// New resets the controller: threshold 0, priority 1 on every source, all
// sources disabled, no handlers.
func New(r *regs.File, halt trap.Halter, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	c := &Controller{regs: r, halt: halt, log: log}

	r.Write(regs.PLICPriorityThreshold, 0)
	for src := 1; src <= NumSources; src++ {
		r.Write(regs.PLICPriority.At(src), 1)
	}
	for w := 0; w < enableWords; w++ {
		r.Write(regs.PLICEnable.At(w), 0)
	}
	return c
}

func valid(source int) bool {
	return source >= 1 && source <= NumSources
}

func enableBit(source int) (regs.Reg, uint32) {
	return regs.PLICEnable.At(source >> 5), regs.Bit(source & 31)
}

// Register installs h for source and enables it. An occupied slot is never
// overwritten.
func (c *Controller) Register(source int, h Handler) error {
	if !valid(source) {
		c.log.Warn("plic register rejected", "source", source, "reason", "invalid source")
		return fmt.Errorf("plic: register %d: %w", source, ErrInvalidSource)
	}
	if c.handlers[source] != nil {
		c.log.Warn("plic double registration", "source", source)
		return fmt.Errorf("plic: register %d: %w", source, ErrAlreadyRegistered)
	}
	c.handlers[source] = h
	reg, bit := enableBit(source)
	c.regs.Set(reg, bit)
	return nil
}

// Unregister disables source and clears its handler. h is not compared with
// the installed handler; the source id alone identifies the slot.
func (c *Controller) Unregister(source int, h Handler) error {
	if !valid(source) {
		c.log.Warn("plic unregister rejected", "source", source, "reason", "invalid source")
		return fmt.Errorf("plic: unregister %d: %w", source, ErrInvalidSource)
	}
	if c.handlers[source] == nil {
		c.log.Warn("plic double unregistration", "source", source)
		return fmt.Errorf("plic: unregister %d: %w", source, ErrNotRegistered)
	}
	reg, bit := enableBit(source)
	c.regs.Unset(reg, bit)
	c.handlers[source] = nil
	return nil
}

// Registered reports whether source has a handler.
func (c *Controller) Registered(source int) bool {
	return valid(source) && c.handlers[source] != nil
}

func (c *Controller) claim() int {
	id := int(c.regs.Read(regs.PLICClaimComplete))
	if id != 0 {
		c.claims.Add(1)
	}
	return id
}

func (c *Controller) complete(id int) {
	c.regs.Write(regs.PLICClaimComplete, uint32(id))
	c.completions.Add(1)
}

// Dispatch drains the controller: claim, run the handler, complete, repeat
// until the claim register reads 0. Being entered with nothing to claim is
// fatal.
func (c *Controller) Dispatch() {
	id := c.claim()
	if id == 0 {
		c.halt.Halt("phantom plic interrupt")
		return
	}
	for id != 0 {
		if !valid(id) {
			c.halt.Fatalf("invalid PLIC source id %d", id)
			return
		}
		h := c.handlers[id]
		if h == nil {
			c.halt.Fatalf("missing handler for PLIC source %d", id)
			return
		}
		h.HandleInterrupt(id)
		c.complete(id)
		id = c.claim()
	}
}

// HandleTrap makes the controller the machine external interrupt handler.
func (c *Controller) HandleTrap() { c.Dispatch() }

// Stats returns claim/complete counters.
func (c *Controller) Stats() Stats {
	return Stats{
		Claims:      c.claims.Load(),
		Completions: c.completions.Load(),
	}
}
