// Package script drives a running board from the outside: it types on the
// UART, moves GPIO pins and waits for console output.
package script

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tinyrange/hifive/internal/board"
	"github.com/tinyrange/hifive/internal/config"
	"github.com/tinyrange/hifive/internal/term"
)

// DefaultTimeout bounds each expect step.
const DefaultTimeout = 10 * time.Second

var (
	ErrTimeout = errors.New("script: timed out")
	ErrStopped = errors.New("script: firmware stopped")
)

// Output collects UART transmit bytes and wakes waiters on every write.
type Output struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	notify chan struct{}
}

func NewOutput() *Output {
	return &Output{notify: make(chan struct{}, 1)}
}

// Write implements io.Writer.
func (o *Output) Write(p []byte) (int, error) {
	o.mu.Lock()
	n, err := o.buf.Write(p)
	o.mu.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}
	return n, err
}

// String returns everything written so far.
func (o *Output) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.String()
}

// Runner plays script steps against a board.
type Runner struct {
	Board   *board.Board
	Out     *Output
	Timeout time.Duration
	Log     *slog.Logger

	// mark is the plain-text offset just past the last expect match.
	mark int
}

// Run boots fw on the board and plays steps against it. It returns the
// firmware's exit (nil, ErrHalted or the context error once the steps are
// done and the board is cancelled) and the first step failure.
func (r *Runner) Run(ctx context.Context, fw func(), steps []config.Step) (exit, err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	exited := make(chan struct{})
	go func() {
		defer close(exited)
		exit = r.Board.Run(ctx, fw)
	}()

	for i, s := range steps {
		if err = r.step(ctx, s, exited); err != nil {
			err = fmt.Errorf("step %d: %w", i+1, err)
			break
		}
	}

	cancel()
	<-exited
	return exit, err
}

func (r *Runner) step(ctx context.Context, s config.Step, exited <-chan struct{}) error {
	switch {
	case s.Input != "":
		r.logf("input", "bytes", len(s.Input))
		r.Board.UART.EnqueueInput([]byte(s.Input))

	case s.Line != "":
		r.logf("line", "text", s.Line)
		r.Board.UART.EnqueueInput([]byte(s.Line + "\r"))

	case s.GPIO != nil:
		r.logf("gpio", "pin", s.GPIO.Pin, "level", s.GPIO.Level)
		switch s.GPIO.Level {
		case "high":
			r.Board.GPIO.SetInput(s.GPIO.Pin, true)
		case "low":
			r.Board.GPIO.SetInput(s.GPIO.Pin, false)
		default:
			r.Board.GPIO.ReleaseInput(s.GPIO.Pin)
		}

	case s.Wait != 0:
		r.logf("wait", "duration", s.Wait.Duration())
		t := time.NewTimer(s.Wait.Duration())
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}

	case s.Expect != "":
		r.logf("expect", "text", s.Expect)
		return r.expect(ctx, s.Expect, exited)
	}
	return nil
}

func (r *Runner) logf(kind string, args ...any) {
	if r.Log != nil {
		r.Log.Debug("script step", append([]any{"kind", kind}, args...)...)
	}
}

// find advances the mark past the next occurrence of text.
func (r *Runner) find(text string) bool {
	plain := term.Plain(r.Out.String())
	if r.mark > len(plain) {
		return false
	}
	i := strings.Index(plain[r.mark:], text)
	if i < 0 {
		return false
	}
	r.mark += i + len(text)
	return true
}

// expect waits until text appears in the plain output after the previous
// match.
func (r *Runner) expect(ctx context.Context, text string, exited <-chan struct{}) error {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	t := time.NewTimer(timeout)
	defer t.Stop()

	for {
		if r.find(text) {
			return nil
		}
		select {
		case <-r.Out.notify:
		case <-t.C:
			return fmt.Errorf("%w waiting for %q", ErrTimeout, text)
		case <-ctx.Done():
			return ctx.Err()
		case <-exited:
			// The last bytes may have landed just before the halt.
			if r.find(text) {
				return nil
			}
			return fmt.Errorf("%w before %q", ErrStopped, text)
		}
	}
}
