package board

import (
	"io"
	"sync"

	"github.com/tinyrange/hifive/internal/regs"
)

// SiFive UART register offsets.
const (
	uartTxData = 0x00
	uartRxData = 0x04
	uartTxCtrl = 0x08
	uartRxCtrl = 0x0c
	uartIE     = 0x10
	uartIP     = 0x14
	uartDiv    = 0x18
)

// UART implements the SiFive UART. Transmit is instantaneous, so the transmit
// FIFO never reports full. Received bytes are queued by the host and handed to
// the firmware one rxdata read at a time.
type UART struct {
	line Line

	mu     sync.Mutex
	output io.Writer
	input  []byte
	txctrl uint32
	rxctrl uint32
	ie     uint32
	div    uint32

	txCount uint64
}

// NewUART returns a UART writing transmitted bytes to output and signalling
// line.
func NewUART(output io.Writer, line Line) *UART {
	if output == nil {
		output = io.Discard
	}
	return &UART{output: output, line: line}
}

func (u *UART) Size() uint64 { return regs.UART0Size }

func (u *UART) rxcnt() int {
	return int(u.rxctrl>>regs.UARTCtrlCntShift) & 7
}

func (u *UART) txcnt() int {
	return int(u.txctrl>>regs.UARTCtrlCntShift) & 7
}

func (u *UART) ip() uint32 {
	var ip uint32
	// The transmit FIFO is always empty.
	if u.txcnt() > 0 {
		ip |= regs.UARTIETxWM
	}
	if u.rxctrl&regs.UARTRxEnable != 0 && len(u.input) > u.rxcnt() {
		ip |= regs.UARTIERxWM
	}
	return ip
}

func (u *UART) update() {
	if u.line != nil {
		u.line.SetLevel(u.ip()&u.ie != 0)
	}
}

func (u *UART) Read(offset uint64, size int) (uint64, error) {
	if size != 4 {
		return 0, nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	switch offset {
	case uartTxData:
		return 0, nil
	case uartRxData:
		if u.rxctrl&regs.UARTRxEnable == 0 || len(u.input) == 0 {
			return uint64(regs.UARTRxEmpty), nil
		}
		c := u.input[0]
		u.input = u.input[1:]
		u.update()
		return uint64(c), nil
	case uartTxCtrl:
		return uint64(u.txctrl), nil
	case uartRxCtrl:
		return uint64(u.rxctrl), nil
	case uartIE:
		return uint64(u.ie), nil
	case uartIP:
		return uint64(u.ip()), nil
	case uartDiv:
		return uint64(u.div), nil
	}
	return 0, nil
}

func (u *UART) Write(offset uint64, size int, value uint64) error {
	if size != 4 {
		return nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	switch offset {
	case uartTxData:
		if u.txctrl&regs.UARTTxEnable != 0 {
			u.output.Write([]byte{byte(value)})
			u.txCount++
		}
	case uartTxCtrl:
		u.txctrl = uint32(value)
	case uartRxCtrl:
		u.rxctrl = uint32(value)
	case uartIE:
		u.ie = uint32(value) & (regs.UARTIETxWM | regs.UARTIERxWM)
	case uartDiv:
		u.div = uint32(value)
	}
	u.update()
	return nil
}

// EnqueueInput queues bytes on the receive line. Safe from any goroutine.
func (u *UART) EnqueueInput(data []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.input = append(u.input, data...)
	u.update()
}

// Buffered returns the number of received bytes not yet read.
func (u *UART) Buffered() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.input)
}

// Divisor returns the baud rate divisor last programmed.
func (u *UART) Divisor() uint32 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.div
}

// Transmitted returns the number of bytes sent.
func (u *UART) Transmitted() uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.txCount
}

var _ Device = (*UART)(nil)
