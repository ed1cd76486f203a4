package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/tinyrange/hifive/internal/board"
	"github.com/tinyrange/hifive/internal/config"
	"github.com/tinyrange/hifive/internal/firmware"
	"github.com/tinyrange/hifive/internal/script"
	"github.com/tinyrange/hifive/internal/shell"
	"github.com/tinyrange/hifive/internal/term"
	xterm "golang.org/x/term"
)

// quitKey (Ctrl-]) leaves an interactive session.
const quitKey = 0x1d

type fixCrlf struct {
	w io.Writer
}

func (f *fixCrlf) Write(p []byte) (n int, err error) {
	return f.w.Write(bytes.ReplaceAll(p, []byte{'\n'}, []byte{'\r', '\n'}))
}

// lfToCr rewrites line feeds as carriage returns in place.
func lfToCr(p []byte) {
	for i, c := range p {
		if c == '\n' {
			p[i] = '\r'
		}
	}
}

type options struct {
	screen  bool
	timeout time.Duration
	soak    int
}

func run() error {
	configPath := flag.String("config", "", "YAML board and firmware configuration")
	scriptPath := flag.String("script", "", "YAML file whose script section is played against the console")
	screen := flag.Bool("screen", false, "render the console through a VT emulator and print the final screen (script mode)")
	timeout := flag.Duration("timeout", script.DefaultTimeout, "how long each expect step waits")
	soak := flag.Int("soak", 0, "run `n` stress iterations instead of the shell")
	logLevel := flag.String("log-level", "", "firmware log level (debug, info, warn, error)")
	dbg := flag.Bool("debug", false, "enable host debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Run the interrupt-driven firmware shell on a simulated FE310 board.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s                          interactive; Ctrl-] quits\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -script demo.yaml -screen\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -soak 100000\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *dbg {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(&fixCrlf{w: os.Stderr}, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			return err
		}
	}
	if *logLevel != "" {
		cfg.Firmware.LogLevel = *logLevel
		if err := config.Validate(cfg); err != nil {
			return fmt.Errorf("-log-level: %w", err)
		}
	}

	steps := cfg.Script
	if *scriptPath != "" {
		sc, err := config.Load(*scriptPath)
		if err != nil {
			return err
		}
		steps = sc.Script
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	opts := options{screen: *screen, timeout: *timeout, soak: *soak}
	switch {
	case opts.soak > 0:
		return runSoak(ctx, cfg, opts.soak, log)
	case *scriptPath != "" || len(steps) > 0:
		return runScript(ctx, cfg, steps, opts, log)
	default:
		return runInteractive(ctx, cfg, log)
	}
}

func newBoard(cfg *config.Config, out io.Writer, log *slog.Logger) (*board.Board, error) {
	b, err := board.New(board.Config{
		TickRate: cfg.Board.TickRate,
		Output:   out,
		Idle:     cfg.Board.Idle.Duration(),
		Logger:   log,
	})
	if err != nil {
		return nil, fmt.Errorf("create board: %w", err)
	}
	return b, nil
}

// firmwareMain boots the firmware and runs the shell. A boot failure is
// stored in bootErr.
func firmwareMain(b *board.Board, cfg *config.Config, bootErr *error) func() {
	return func() {
		sys, err := firmware.New(b.Bus, b.Hart, cfg.SystemConfig())
		if err != nil {
			*bootErr = err
			return
		}
		sys.Main(shell.New(sys).Run)
	}
}

// report turns the firmware's exit into the command's result. A halt is a
// normal way for the firmware to stop.
func report(exit, bootErr error, log *slog.Logger) error {
	if bootErr != nil {
		return fmt.Errorf("boot firmware: %w", bootErr)
	}
	switch {
	case exit == nil, errors.Is(exit, context.Canceled):
		return nil
	case errors.Is(exit, board.ErrHalted):
		log.Info("firmware halted", "reason", exit)
		return nil
	default:
		return exit
	}
}

func runInteractive(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	b, err := newBoard(cfg, os.Stdout, log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	fd := int(os.Stdin.Fd())
	tty := xterm.IsTerminal(fd)
	if tty {
		oldState, err := xterm.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("enable raw mode: %w", err)
		}
		defer xterm.Restore(fd, oldState)
		log.Info("press Ctrl-] to quit")
	}

	go func() {
		buf := make([]byte, 256)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 && !tty {
				// Piped input ends lines with LF; the console wants CR.
				lfToCr(buf[:n])
			}
			if n > 0 {
				if i := bytes.IndexByte(buf[:n], quitKey); i >= 0 {
					b.UART.EnqueueInput(buf[:i])
					cancel()
					return
				}
				b.UART.EnqueueInput(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	var bootErr error
	exit := b.Run(ctx, firmwareMain(b, cfg, &bootErr))
	return report(exit, bootErr, log)
}

func runScript(ctx context.Context, cfg *config.Config, steps []config.Step, opts options, log *slog.Logger) error {
	out := script.NewOutput()

	var w io.Writer = io.MultiWriter(out, os.Stdout)
	var scr *term.Screen
	if opts.screen {
		scr = term.NewScreen(80, 24)
		defer scr.Close()
		w = scr.Tee(out)
	}

	b, err := newBoard(cfg, w, log)
	if err != nil {
		return err
	}
	if scr != nil {
		scr.OnReply(b.UART.EnqueueInput)
	}

	r := &script.Runner{Board: b, Out: out, Timeout: opts.timeout, Log: log}
	var bootErr error
	exit, err := r.Run(ctx, firmwareMain(b, cfg, &bootErr), steps)
	if scr != nil {
		fmt.Println(scr.String())
	}
	if err != nil {
		return fmt.Errorf("script: %w", err)
	}
	return report(exit, bootErr, log)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "hifive: %v\n", err)
		os.Exit(1)
	}
}
