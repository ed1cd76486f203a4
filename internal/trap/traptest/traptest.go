// Package traptest provides a recording trap.Halter for tests.
package traptest

import (
	"fmt"
	"testing"
)

// Halted is the panic value raised by Halter.
type Halted struct {
	Msg string
}

func (h Halted) String() string { return "halted: " + h.Msg }

// Halter records halts and unwinds the caller with a Halted panic, standing in
// for the spin-forever loop of the real halt path.
type Halter struct {
	Msgs []string
}

func (h *Halter) Halt(msg string) {
	h.Msgs = append(h.Msgs, msg)
	panic(Halted{Msg: msg})
}

func (h *Halter) Fatalf(format string, args ...any) {
	h.Halt(fmt.Sprintf(format, args...))
}

// Catch runs fn and returns the halt message, if fn halted.
func Catch(fn func()) (msg string, halted bool) {
	defer func() {
		if r := recover(); r != nil {
			hv, ok := r.(Halted)
			if !ok {
				panic(r)
			}
			msg, halted = hv.Msg, true
		}
	}()
	fn()
	return "", false
}

// Expect runs fn and fails the test unless it halts with want.
func Expect(t testing.TB, want string, fn func()) {
	t.Helper()
	msg, halted := Catch(fn)
	if !halted {
		t.Fatalf("expected halt %q, returned normally", want)
	}
	if msg != want {
		t.Fatalf("halt message = %q, want %q", msg, want)
	}
}

// NoHalt runs fn and fails the test if it halts.
func NoHalt(t testing.TB, fn func()) {
	t.Helper()
	if msg, halted := Catch(fn); halted {
		t.Fatalf("unexpected halt: %s", msg)
	}
}
