// Package console is the UART0 console transport: polled transmit,
// interrupt-driven receive with line editing, and the line ring consumed by the
// blocking reader on the main context.
package console

import (
	"fmt"
	"sync/atomic"

	"github.com/charmbracelet/x/ansi"

	"github.com/tinyrange/hifive/internal/heap"
	"github.com/tinyrange/hifive/internal/regs"
)

// Default buffer sizes.
const (
	DefaultLineSize = 128
	DefaultRingSize = 512
)

var erase = []byte{ansi.BS, ' ', ansi.BS}

// Config sizes the transport's buffers.
type Config struct {
	LineSize int
	RingSize int
}

// Stats counts receive-side events.
type Stats struct {
	LinesQueued   uint64
	LinesRejected uint64
	BytesRejected uint64
	Alerts        uint64
}

// Transport drives UART0.
//
// The line buffer and the ring's tail are written only from the receive
// interrupt; the ring's head only from ReadLine. Nothing else synchronises the
// two contexts.
type Transport struct {
	regs  *regs.File
	heap  *heap.Heap
	relax func()

	line    []byte
	lineLen int
	ring    *Ring

	queued   atomic.Uint64
	rejected atomic.Uint64
	dropped  atomic.Uint64
	alerts   atomic.Uint64
}

// New returns a transport over r. Zero sizes in cfg take the defaults.
func New(r *regs.File, cfg Config) *Transport {
	if cfg.LineSize <= 0 {
		cfg.LineSize = DefaultLineSize
	}
	if cfg.RingSize <= 0 {
		cfg.RingSize = DefaultRingSize
	}
	return &Transport{
		regs:  r,
		relax: func() {},
		line:  make([]byte, cfg.LineSize),
		ring:  NewRing(cfg.RingSize),
	}
}

// SetHeap sets the allocator used for formatted output. Without one, output
// is sent unbuffered.
func (t *Transport) SetHeap(h *heap.Heap) { t.heap = h }

// SetRelax sets the function ReadLine calls on every empty poll. On the hart
// this is the wait-for-interrupt point.
func (t *Transport) SetRelax(fn func()) {
	if fn == nil {
		fn = func() {}
	}
	t.relax = fn
}

// Ring exposes the line ring.
func (t *Transport) Ring() *Ring { return t.ring }

// Init enables the UART pins, transmitter and receiver, and the receive
// watermark interrupt. The caller registers HandleInterrupt with the PLIC.
func (t *Transport) Init() {
	// UART0 RX/TX are IOF0 on pins 16 and 17.
	pins := regs.Bit(16) | regs.Bit(17)
	t.regs.Unset(regs.GPIOIOFSel, pins)
	t.regs.Set(regs.GPIOIOFEn, pins)

	t.regs.Write(regs.UART0TxCtrl, regs.UARTTxEnable)
	// rxcnt = 0: interrupt while at least one byte is waiting.
	t.regs.Write(regs.UART0RxCtrl, regs.UARTRxEnable)
	t.regs.Write(regs.UART0IE, regs.UARTIERxWM)
}

// PutChar transmits one byte, translating LF to CR LF.
func (t *Transport) PutChar(c byte) {
	if c == ansi.LF {
		t.putRaw(ansi.CR)
	}
	t.putRaw(c)
}

func (t *Transport) putRaw(c byte) {
	for t.regs.Read(regs.UART0TxData)&regs.UARTTxFull != 0 {
	}
	t.regs.Write(regs.UART0TxData, uint32(c))
}

// PutString transmits s.
func (t *Transport) PutString(s string) {
	for i := 0; i < len(s); i++ {
		t.PutChar(s[i])
	}
}

// PutLine transmits s followed by a line break.
func (t *Transport) PutLine(s string) {
	t.PutString(s)
	t.PutChar(ansi.LF)
}

func (t *Transport) putBytes(p []byte) {
	for _, c := range p {
		t.PutChar(c)
	}
}

// emit sends p through a buffer taken from the shared heap. This is the same
// allocation path the main context uses.
func (t *Transport) emit(p []byte) {
	if t.heap == nil || len(p) == 0 {
		t.putBytes(p)
		return
	}
	ptr := t.heap.Allocate(len(p))
	if ptr == heap.Nil {
		t.putBytes(p)
		return
	}
	buf := t.heap.Bytes(ptr)
	n := copy(buf, p)
	t.putBytes(buf[:n])
	t.heap.Release(ptr)
}

// Printf formats and transmits a message.
func (t *Transport) Printf(format string, args ...any) {
	t.emit([]byte(fmt.Sprintf(format, args...)))
}

// Write implements io.Writer so the transport can back a slog handler.
func (t *Transport) Write(p []byte) (int, error) {
	t.emit(p)
	return len(p), nil
}

func (t *Transport) alert() {
	t.alerts.Add(1)
	t.putRaw(ansi.BEL)
}

// HandleInterrupt drains the receive FIFO. It runs in interrupt context as the
// PLIC handler for the UART0 source.
func (t *Transport) HandleInterrupt(source int) {
	for {
		v := t.regs.Read(regs.UART0RxData)
		if v&regs.UARTRxEmpty != 0 {
			return
		}
		t.Receive(byte(v))
	}
}

// Receive applies line editing to one input byte. Interrupt context only.
// Only CR ends a line; a bare LF is alerted and dropped like any other
// control character.
func (t *Transport) Receive(c byte) {
	switch {
	case c == ansi.BS || c == ansi.DEL:
		if t.lineLen > 0 {
			t.lineLen--
			t.putBytes(erase)
		}
	case c == ansi.CR:
		t.submit()
	case c < ' ':
		t.alert()
	case t.lineLen >= len(t.line):
		t.dropped.Add(1)
		t.alert()
	default:
		t.line[t.lineLen] = c
		t.lineLen++
		t.putRaw(c)
	}
}

func (t *Transport) submit() {
	if !t.ring.Push(t.line[:t.lineLen]) {
		// Keep the line so the user can retry once the reader catches up.
		t.rejected.Add(1)
		t.alert()
		return
	}
	t.queued.Add(1)
	t.PutChar(ansi.LF)
	t.lineLen = 0
}

// Pending returns the in-progress line. Interrupt context or tests only.
func (t *Transport) Pending() []byte {
	return t.line[:t.lineLen]
}

// WouldReject reports whether submitting a line of n bytes now would be
// refused for lack of ring space.
func (t *Transport) WouldReject(n int) bool {
	return !t.ring.Fits(n)
}

// TryReadLine copies the next complete line into dst without waiting.
func (t *Transport) TryReadLine(dst []byte) (int, bool) {
	return t.ring.Pop(dst)
}

// ReadLine waits for a complete line and copies it into dst, truncated to
// len(dst). It spins on the ring and cannot be cancelled.
func (t *Transport) ReadLine(dst []byte) int {
	for {
		if n, ok := t.ring.Pop(dst); ok {
			return n
		}
		t.relax()
	}
}

// Stats returns receive-side counters.
func (t *Transport) Stats() Stats {
	return Stats{
		LinesQueued:   t.queued.Load(),
		LinesRejected: t.rejected.Load(),
		BytesRejected: t.dropped.Load(),
		Alerts:        t.alerts.Load(),
	}
}
