// Package shell is the firmware's interactive command loop. It reads lines from
// the console ring and runs a handful of demo commands that exercise the
// interrupt subsystem.
package shell

import (
	"math"
	"sync/atomic"

	"github.com/tinyrange/hifive/internal/firmware"
	"github.com/tinyrange/hifive/internal/gpio"
)

const (
	colorReset = "\033[0m"
	colorRed   = "\033[31m"
	colorGreen = "\033[32m"
	colorBlue  = "\033[34m"
	colorWhite = "\033[37m"
)

const (
	// Prompt is printed before every command line.
	Prompt = "cmd>"

	// LEDPin drives the board's LED.
	LEDPin = 5
	// ButtonPin is wired to a push button that pulls the pin low.
	ButtonPin = 23

	// MaxDepth is how deep the stackoverflow command recurses before the
	// stack is considered exhausted.
	MaxDepth = 64
)

// Shell runs commands against a booted firmware System.
type Shell struct {
	sys *firmware.System

	// SleepSeconds is how long the sleep command waits.
	SleepSeconds int

	line []byte
	arg  []byte

	ledOn   int // -1 until the pin is configured
	armed   bool
	presses atomic.Uint64
}

// New returns a shell over sys.
func New(sys *firmware.System) *Shell {
	return &Shell{
		sys:          sys,
		SleepSeconds: 3,
		line:         make([]byte, 256),
		arg:          make([]byte, 256),
		ledOn:        -1,
	}
}

var help = []struct{ name, desc string }{
	{"help", "list commands"},
	{"sqrt", "find sqrt(2) with Newton's method"},
	{"sw_int", "trigger a machine software interrupt"},
	{"stackoverflow", "recurse until the stack runs out"},
	{"halt", "stop the hart"},
	{"greet", "ask for a name and say hello"},
	{"sleep", "busy-wait a few seconds"},
	{"led", "toggle the LED on GPIO5"},
	{"color", "print some colors"},
	{"button", "arm or disarm the GPIO23 button interrupt"},
	{"heap", "show heap usage and check the canary"},
	{"ticks", "show timer interrupt count"},
	{"stats", "show interrupt counters"},
}

// Run prints the banner and serves commands until the hart halts or the
// board is cancelled.
func (s *Shell) Run() {
	s.sys.Printf("Hello RISC-V!\n")
	for {
		s.sys.Console.PutString(Prompt)
		n := s.sys.Console.ReadLine(s.line)
		if n == 0 {
			continue
		}
		s.Exec(string(s.line[:n]))
	}
}

// Exec runs one command line.
func (s *Shell) Exec(cmd string) {
	out := s.sys.Console
	switch cmd {
	case "help":
		for _, c := range help {
			s.sys.Printf("  %-14s %s\n", c.name, c.desc)
		}

	case "sqrt":
		out.PutLine("Finding sqrt(2) using Newton's method...")
		n := 2.0
		x := n / 2
		for iter := 1; ; iter++ {
			next := (x + n/x) / 2
			diff := next - x
			s.sys.Printf("Iteration #%d value=%f error=%f\n", iter, next, diff)
			if math.Abs(diff) < 1e-6 {
				break
			}
			x = next
		}

	case "sw_int":
		out.PutLine("Now triggering a software interrupt to the core.")
		s.sys.Software.Trigger()
		s.sys.Hart.Relax()

	case "stackoverflow":
		s.overflow(0)

	case "halt":
		s.sys.Halt("user requested halt")

	case "greet":
		out.PutString("Your name? ")
		n := out.ReadLine(s.arg)
		name := string(s.arg[:n])
		if name == "" {
			name = "world"
		}
		s.sys.Printf("Hello %s!\n", name)

	case "sleep":
		s.sys.Printf("Sleeping %d seconds...\n", s.SleepSeconds)
		s.sys.Sleep(s.SleepSeconds)

	case "led":
		s.toggleLED()

	case "color":
		out.PutLine(colorRed + "red " + colorGreen + "green " + colorBlue + "blue " + colorWhite + "white" + colorReset)

	case "button":
		s.toggleButton()

	case "heap":
		s.sys.Heap.Check()
		st, err := s.sys.Heap.Stats()
		if err != nil {
			s.sys.Printf("heap corrupt: %v\n", err)
			return
		}
		s.sys.Printf("%v\ncanary intact\n", st)

	case "ticks":
		s.sys.Printf("Timer ticks: %d\n", s.sys.Timer.Ticks())

	case "stats":
		st := s.sys.Status()
		s.sys.Printf("plic: claims=%d completions=%d\n", st.PLIC.Claims, st.PLIC.Completions)
		s.sys.Printf("gpio: %v\n", st.GPIO)
		s.sys.Printf("console: lines=%d rejected=%d alerts=%d\n",
			st.Console.LinesQueued, st.Console.LinesRejected, st.Console.Alerts)
		s.sys.Printf("timer=%d software=%d\n", st.Ticks, st.Software)

	default:
		s.sys.Printf("Unknown command: %s\nMaybe check the source code...\n", cmd)
	}
}

func (s *Shell) overflow(level int) {
	s.sys.Heap.Check()
	if level >= MaxDepth {
		s.sys.Halter().Fatalf("stack overflow at level %d", level)
		return
	}
	s.sys.Printf("overflow level=%d\n", level)
	s.overflow(level + 1)
}

func (s *Shell) toggleLED() {
	out := s.sys.Console
	if s.ledOn < 0 {
		out.PutLine("Initializing LED...")
		s.sys.GPIO.Write(LEDPin, false)
		s.sys.GPIO.Configure(LEDPin, gpio.Config{OutputEnable: true})
		s.ledOn = 0
	}

	if s.ledOn == 0 {
		s.sys.GPIO.Write(LEDPin, true)
		out.PutLine("LED turned " + colorBlue + "on" + colorReset)
		s.ledOn = 1
	} else {
		s.sys.GPIO.Write(LEDPin, false)
		out.PutLine("LED turned " + colorWhite + "off" + colorReset)
		s.ledOn = 0
	}
}

func (s *Shell) toggleButton() {
	out := s.sys.Console
	if s.armed {
		s.sys.GPIO.Configure(ButtonPin, gpio.Config{InputEnable: true, PullUp: true})
		s.armed = false
		out.PutLine("Button disarmed.")
		return
	}
	s.sys.GPIO.Configure(ButtonPin, gpio.Config{
		InputEnable: true,
		PullUp:      true,
		Interrupts:  gpio.Fall,
		Callback:    gpio.CallbackFunc(s.onButton),
	})
	s.armed = true
	out.PutLine("Button armed, press it.")
}

// onButton runs in interrupt context.
func (s *Shell) onButton(pin int, cond gpio.Condition) {
	n := s.presses.Add(1)
	s.sys.Printf("Button pressed (%s, %d).\n", cond, n)
}

// Presses returns how many button interrupts have been delivered.
func (s *Shell) Presses() uint64 { return s.presses.Load() }
