package shell_test

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
	"github.com/tinyrange/hifive/internal/shell"
)

type rig struct {
	board *board.Board
	out   *bytes.Buffer
}

func newRig(t *testing.T) *rig {
	t.Helper()
	out := &bytes.Buffer{}
	b, err := board.New(board.Config{
		Clock:  &board.ManualClock{Step: 16},
		Output: out,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("board.New: %v", err)
	}
	return &rig{board: b, out: out}
}

func (r *rig) run(t *testing.T, fn func(sys *firmware.System, sh *shell.Shell)) error {
	t.Helper()
	return r.board.Run(context.Background(), func() {
		sys, err := firmware.New(r.board.Bus, r.board.Hart, firmware.Config{})
		if err != nil {
			t.Fatalf("firmware.New: %v", err)
		}
		fn(sys, shell.New(sys))
	})
}

// session types input into a fresh shell and returns everything it printed.
// The input must end in a command that halts.
func session(t *testing.T, input string) string {
	t.Helper()
	r := newRig(t)
	r.board.UART.EnqueueInput([]byte(input))
	err := r.run(t, func(sys *firmware.System, sh *shell.Shell) {
		sh.SleepSeconds = 1
		sh.Run()
	})
	if !errors.Is(err, board.ErrHalted) {
		t.Fatalf("Run = %v\noutput: %q", err, r.out.String())
	}
	return r.out.String()
}

func TestSessionCommands(t *testing.T) {
	out := session(t, "sqrt\rgreet\r\rgreet\rhart\rbogus\rsleep\r\rhalt\r")

	for _, want := range []string{
		"Hello RISC-V!\r\ncmd>",
		"Finding sqrt(2) using Newton's method...\r\n",
		"Iteration #1 value=1.500000 error=0.500000\r\n",
		"Iteration #5 value=1.414214 error=-0.000000\r\n",
		"Your name? ",
		"Hello world!\r\n",
		"Hello hart!\r\n",
		"Unknown command: bogus\r\nMaybe check the source code...\r\n",
		"Sleeping 1 seconds...\r\n",
		"HALT: user requested halt\r\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output lacks %q", want)
		}
	}
	if strings.Contains(out, "Iteration #6") {
		t.Errorf("Newton iteration did not converge after 5 steps: %q", out)
	}
	if strings.Contains(out, "Unknown command: \r\n") {
		t.Errorf("empty line treated as a command: %q", out)
	}
}

func TestGreetOverCRLF(t *testing.T) {
	out := session(t, "greet\r\nbob\r\nhalt\r\n")
	if !strings.Contains(out, "Hello bob!\r\n") {
		t.Fatalf("output = %q", out)
	}
	if strings.Contains(out, "Hello world!") || strings.Contains(out, "Unknown command") {
		t.Fatalf("CR LF produced an extra line: %q", out)
	}
}

func TestSoftwareInterruptCommand(t *testing.T) {
	out := session(t, "sw_int\rhalt\r")
	i := strings.Index(out, "Now triggering a software interrupt to the core.\r\n")
	j := strings.Index(out, "Received software interrupt.\r\n")
	if i < 0 || j < i {
		t.Fatalf("output = %q", out)
	}
}

func TestColor(t *testing.T) {
	out := session(t, "color\rhalt\r")
	if !strings.Contains(out, "\033[31mred \033[32mgreen \033[34mblue \033[37mwhite\033[0m\r\n") {
		t.Fatalf("output = %q", out)
	}
}

func TestHelpListsCommands(t *testing.T) {
	out := session(t, "help\rhalt\r")
	for _, name := range []string{"sqrt", "sw_int", "greet", "led", "button", "heap"} {
		if !strings.Contains(out, "  "+name) {
			t.Errorf("help lacks %s", name)
		}
	}
}

func TestHeapCommand(t *testing.T) {
	out := session(t, "heap\rhalt\r")
	if !strings.Contains(out, "canary intact\r\n") {
		t.Fatalf("output = %q", out)
	}
}

func TestStackOverflowHalts(t *testing.T) {
	out := session(t, "stackoverflow\r")
	if !strings.Contains(out, "overflow level=0\r\n") || !strings.Contains(out, "overflow level=63\r\n") {
		t.Fatalf("output = %q", out)
	}
	if !strings.HasSuffix(out, "HALT: stack overflow at level 64\r\n") {
		t.Fatalf("output ends %q", out[max(0, len(out)-60):])
	}
}

func TestLED(t *testing.T) {
	r := newRig(t)
	var levels []bool
	r.board.GPIO.OnOutput(func(pin int, level bool) {
		if pin == shell.LEDPin {
			levels = append(levels, level)
		}
	})
	err := r.run(t, func(sys *firmware.System, sh *shell.Shell) {
		sh.Exec("led")
		if !r.board.GPIO.Level(shell.LEDPin) {
			t.Errorf("LED off after first toggle")
		}
		sh.Exec("led")
		if r.board.GPIO.Level(shell.LEDPin) {
			t.Errorf("LED on after second toggle")
		}
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	out := r.out.String()
	if strings.Count(out, "Initializing LED...") != 1 {
		t.Fatalf("output = %q", out)
	}
	if !strings.Contains(out, "LED turned \033[34mon\033[0m") || !strings.Contains(out, "LED turned \033[37moff\033[0m") {
		t.Fatalf("output = %q", out)
	}
	if len(levels) == 0 || levels[len(levels)-1] {
		t.Fatalf("output callbacks = %v", levels)
	}
}

func TestButton(t *testing.T) {
	r := newRig(t)
	err := r.run(t, func(sys *firmware.System, sh *shell.Shell) {
		sh.Exec("button")
		sys.Hart.Relax()
		if sh.Presses() != 0 {
			t.Fatalf("press before the button went down")
		}

		r.board.GPIO.SetInput(shell.ButtonPin, false)
		sys.Hart.Relax()
		r.board.GPIO.ReleaseInput(shell.ButtonPin)
		sys.Hart.Relax()
		if sh.Presses() != 1 {
			t.Fatalf("presses = %d", sh.Presses())
		}

		sh.Exec("button")
		r.board.GPIO.SetInput(shell.ButtonPin, false)
		sys.Hart.Relax()
		if sh.Presses() != 1 {
			t.Fatalf("press delivered while disarmed")
		}
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	out := r.out.String()
	for _, want := range []string{"Button armed", "Button pressed (fall, 1).\r\n", "Button disarmed."} {
		if !strings.Contains(out, want) {
			t.Errorf("output lacks %q: %q", want, out)
		}
	}
}

func TestCancelStopsShell(t *testing.T) {
	r := newRig(t)
	ctx, cancel := context.WithCancel(context.Background())
	r.board.UART.EnqueueInput([]byte("ticks\r"))
	err := r.board.Run(ctx, func() {
		sys, err := firmware.New(r.board.Bus, r.board.Hart, firmware.Config{})
		if err != nil {
			t.Fatalf("firmware.New: %v", err)
		}
		sh := shell.New(sys)
		cancel()
		sh.Run()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v", err)
	}
}
