// Package board simulates an FE310-class SoC: the MMIO bus with its CLINT,
// PLIC, GPIO and UART0 models, and the hart's interrupt CSRs. The firmware
// runs against it as if on hardware.
package board

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/tinyrange/hifive/internal/regs"
)

// Config describes the board.
type Config struct {
	// Clock supplies mtime. Nil selects a wall clock at TickRate.
	Clock    Clock
	TickRate uint64

	// Output receives UART0 transmit bytes.
	Output io.Writer

	// Idle bounds how long the hart sleeps in Relax when nothing is pending.
	Idle time.Duration

	Logger *slog.Logger
}

// Board is an assembled SoC.
type Board struct {
	Bus   *Bus
	Hart  *Hart
	CLINT *CLINT
	PLIC  *PLIC
	GPIO  *GPIO
	UART  *UART

	log *slog.Logger
}

// New assembles a board.
func New(cfg Config) (*Board, error) {
	if cfg.Clock == nil {
		cfg.Clock = NewWallClock(cfg.TickRate)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	hart := NewHart(cfg.Idle)
	plic := NewPLIC(hart)
	b := &Board{
		Bus:   NewBus(),
		Hart:  hart,
		CLINT: NewCLINT(hart, cfg.Clock),
		PLIC:  plic,
		GPIO:  NewGPIO(plic, regs.PLICSourceGPIOFirst),
		UART:  NewUART(cfg.Output, plic.Line(regs.PLICSourceUART0)),
		log:   cfg.Logger,
	}

	for _, m := range []struct {
		base uint64
		dev  Device
	}{
		{regs.CLINTBase, b.CLINT},
		{regs.PLICBase, b.PLIC},
		{regs.GPIOBase, b.GPIO},
		{regs.UART0Base, b.UART},
	} {
		if err := b.Bus.AddDevice(m.base, m.dev); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Regs returns a register file over the board bus whose access faults trap
// on the hart.
func (b *Board) Regs() *regs.File {
	return regs.New(b.Bus, b.Hart)
}

// Run executes fn as the firmware. It returns nil if fn returns, ErrHalted
// (wrapped with the halt message) if the firmware hangs the hart, and the
// context's error if ctx is cancelled while the firmware is waiting.
func (b *Board) Run(ctx context.Context, fn func()) (err error) {
	stop := context.AfterFunc(ctx, b.Hart.Cancel)
	defer stop()

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		switch sig := r.(type) {
		case haltSignal:
			b.log.Debug("hart halted", "reason", sig.msg)
			err = fmt.Errorf("%w: %s", ErrHalted, sig.msg)
		case cancelSignal:
			err = ctx.Err()
		default:
			panic(r)
		}
	}()

	fn()
	return nil
}
