package firmware_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/tinyrange/hifive/internal/board"
	"github.com/tinyrange/hifive/internal/firmware"
	"github.com/tinyrange/hifive/internal/gpio"
	"github.com/tinyrange/hifive/internal/regs"
	"github.com/tinyrange/hifive/internal/trap"
)

type rig struct {
	board *board.Board
	clock *board.ManualClock
	out   *bytes.Buffer
}

func newRig(t *testing.T) *rig {
	t.Helper()
	clock := &board.ManualClock{Step: 16}
	out := &bytes.Buffer{}
	b, err := board.New(board.Config{
		Clock:  clock,
		Output: out,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("board.New: %v", err)
	}
	return &rig{board: b, clock: clock, out: out}
}

// run boots the firmware and runs fn on it.
func (r *rig) run(t *testing.T, cfg firmware.Config, fn func(s *firmware.System)) error {
	t.Helper()
	return r.board.Run(context.Background(), func() {
		s, err := firmware.New(r.board.Bus, r.board.Hart, cfg)
		if err != nil {
			t.Fatalf("firmware.New: %v", err)
		}
		fn(s)
	})
}

func TestBringUp(t *testing.T) {
	r := newRig(t)
	err := r.run(t, firmware.Config{}, func(s *firmware.System) {
		if !r.board.Hart.InterruptsEnabled() {
			t.Errorf("global interrupt enable not set")
		}
		if !s.PLIC.Registered(regs.PLICSourceUART0) {
			t.Errorf("UART0 source not registered")
		}
		if got := s.Regs.Read(regs.PLICEnable); got != regs.Bit(regs.PLICSourceUART0) {
			t.Errorf("enable word 0 = 0x%x", got)
		}
		if s.Heap.Size() != firmware.DefaultHeapSize {
			t.Errorf("heap size = %d", s.Heap.Size())
		}
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if r.board.UART.Divisor() != firmware.DefaultUARTDivisor {
		t.Fatalf("divisor = %d", r.board.UART.Divisor())
	}
}

func TestSoftwareInterrupt(t *testing.T) {
	r := newRig(t)
	err := r.run(t, firmware.Config{}, func(s *firmware.System) {
		s.Software.Trigger()
		s.Hart.Relax()
		if s.Software.Count() != 1 {
			t.Errorf("software interrupts = %d", s.Software.Count())
		}
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(r.out.String(), "Received software interrupt.\r\n") {
		t.Fatalf("output = %q", r.out.String())
	}
}

func TestReadLineThroughReceiveInterrupt(t *testing.T) {
	r := newRig(t)
	r.board.UART.EnqueueInput([]byte("hello\rworld\r"))

	var lines []string
	err := r.run(t, firmware.Config{}, func(s *firmware.System) {
		buf := make([]byte, 32)
		for i := 0; i < 2; i++ {
			n := s.Console.ReadLine(buf)
			lines = append(lines, string(buf[:n]))
		}
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.Join(lines, ",") != "hello,world" {
		t.Fatalf("lines = %q", lines)
	}
	if !strings.Contains(r.out.String(), "hello\r\nworld\r\n") {
		t.Fatalf("echo = %q", r.out.String())
	}
}

func TestButtonFallEndToEnd(t *testing.T) {
	r := newRig(t)
	var events []gpio.Condition
	err := r.run(t, firmware.Config{}, func(s *firmware.System) {
		s.GPIO.Configure(23, gpio.Config{
			InputEnable: true,
			PullUp:      true,
			Interrupts:  gpio.Fall,
			Callback: gpio.CallbackFunc(func(pin int, cond gpio.Condition) {
				if pin != 23 {
					t.Errorf("callback for pin %d", pin)
				}
				events = append(events, cond)
			}),
		})
		s.Hart.Relax()
		if len(events) != 0 {
			t.Fatalf("callback before the button was pressed: %v", events)
		}

		r.board.GPIO.SetInput(23, false)
		s.Hart.Relax()
		r.board.GPIO.SetInput(23, true)
		s.Hart.Relax()

		if st := s.GPIO.Stats(); st.Phantom != 0 || st.Delivered != 1 {
			t.Errorf("gpio stats = %v", st)
		}
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(events) != 1 || events[0] != gpio.Fall {
		t.Fatalf("events = %v", events)
	}
}

func TestTimerTicksDuringSleep(t *testing.T) {
	r := newRig(t)
	err := r.run(t, firmware.Config{TimerPeriod: 1024}, func(s *firmware.System) {
		s.Sleep(1)
		if s.Timer.Ticks() < 16 {
			t.Errorf("ticks after 1s at period 1024 = %d", s.Timer.Ticks())
		}
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestHaltReportsOnConsole(t *testing.T) {
	r := newRig(t)
	err := r.run(t, firmware.Config{}, func(s *firmware.System) {
		s.Halt("user requested halt")
		t.Errorf("Halt returned")
	})
	if !errors.Is(err, board.ErrHalted) {
		t.Fatalf("Run = %v", err)
	}
	if !strings.HasSuffix(r.out.String(), "HALT: user requested halt\r\n") {
		t.Fatalf("output = %q", r.out.String())
	}
	if r.board.Hart.InterruptsEnabled() {
		t.Fatalf("interrupts still enabled after halt")
	}
}

func TestAccessFaultHalts(t *testing.T) {
	r := newRig(t)
	err := r.run(t, firmware.Config{}, func(s *firmware.System) {
		s.Regs.Read(0x2000_0000)
	})
	if !errors.Is(err, board.ErrHalted) {
		t.Fatalf("Run = %v", err)
	}
	if !strings.Contains(r.out.String(), "HALT: load access fault") {
		t.Fatalf("output = %q", r.out.String())
	}
}

func TestUnknownInterruptIsFatal(t *testing.T) {
	r := newRig(t)
	err := r.run(t, firmware.Config{}, func(s *firmware.System) {
		s.Vector.Handle(trap.Cause(true, 5))
	})
	if !errors.Is(err, board.ErrHalted) || !strings.Contains(err.Error(), "unknown interrupt: 5") {
		t.Fatalf("Run = %v", err)
	}
}

func TestLoggerWritesToConsole(t *testing.T) {
	r := newRig(t)
	err := r.run(t, firmware.Config{}, func(s *firmware.System) {
		s.PLIC.Register(regs.PLICSourceUART0, nil)
		before, _ := s.Heap.Stats()
		s.Log.Info("still here")
		after, _ := s.Heap.Stats()
		if before != after {
			t.Errorf("log record leaked heap: %v -> %v", before, after)
		}
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	out := r.out.String()
	if !strings.Contains(out, "msg=\"plic double registration\" source=3") {
		t.Fatalf("output = %q", out)
	}
	if strings.Contains(out, "time=") {
		t.Fatalf("log records carry a wall clock: %q", out)
	}
}

func TestStatus(t *testing.T) {
	r := newRig(t)
	err := r.run(t, firmware.Config{HeapSize: 512}, func(s *firmware.System) {
		st := s.Status()
		if !st.Intact || st.HeapError != nil {
			t.Errorf("heap status = %+v", st)
		}
		if st.Heap.FreeBytes != 512-2 || st.Heap.FreeBlocks != 1 {
			t.Errorf("heap stats = %v", st.Heap)
		}
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestMainReturnHalts(t *testing.T) {
	r := newRig(t)
	ran := false
	err := r.run(t, firmware.Config{}, func(s *firmware.System) {
		s.Main(func() { ran = true })
	})
	if !ran || !errors.Is(err, board.ErrHalted) || !strings.Contains(err.Error(), "main() returned") {
		t.Fatalf("ran=%v Run = %v", ran, err)
	}
}
