// Package trap implements the machine-mode trap vector: the single entry point
// for every interrupt and exception taken by the hart.
package trap

import "fmt"

// mcause layout on RV32.
const (
	InterruptBit uint32 = 1 << 31
	CodeMask     uint32 = 0x3ff
)

// Machine interrupt codes.
const (
	MachineSoftware uint32 = 3
	MachineTimer    uint32 = 7
	MachineExternal uint32 = 11
)

// Exception codes.
const (
	InsnAddrMisaligned  uint32 = 0
	InsnAccessFault     uint32 = 1
	IllegalInsn         uint32 = 2
	Breakpoint          uint32 = 3
	LoadAddrMisaligned  uint32 = 4
	LoadAccessFault     uint32 = 5
	StoreAddrMisaligned uint32 = 6
	StoreAccessFault    uint32 = 7
	EcallFromU          uint32 = 8
	EcallFromM          uint32 = 11
)

var exceptionNames = map[uint32]string{
	InsnAddrMisaligned:  "instruction address misaligned",
	InsnAccessFault:     "instruction access fault",
	IllegalInsn:         "illegal instruction",
	Breakpoint:          "breakpoint",
	LoadAddrMisaligned:  "load address misaligned",
	LoadAccessFault:     "load access fault",
	StoreAddrMisaligned: "store/AMO address misaligned",
	StoreAccessFault:    "store/AMO access fault",
	EcallFromU:          "environment call from U-mode",
	EcallFromM:          "environment call from M-mode",
}

var interruptNames = map[uint32]string{
	MachineSoftware: "machine software interrupt",
	MachineTimer:    "machine timer interrupt",
	MachineExternal: "machine external interrupt",
}

// ExceptionName returns the description of a defined exception code.
func ExceptionName(code uint32) (string, bool) {
	name, ok := exceptionNames[code]
	return name, ok
}

// Describe renders an mcause value for diagnostics.
func Describe(mcause uint32) string {
	code := mcause & CodeMask
	if mcause&InterruptBit != 0 {
		if name, ok := interruptNames[code]; ok {
			return name
		}
		return fmt.Sprintf("unknown interrupt %d", code)
	}
	if name, ok := exceptionNames[code]; ok {
		return name
	}
	return fmt.Sprintf("unknown exception %d", code)
}

// Cause builds an mcause value.
func Cause(interrupt bool, code uint32) uint32 {
	c := code & CodeMask
	if interrupt {
		c |= InterruptBit
	}
	return c
}

// Handler services one machine interrupt cause.
type Handler interface {
	HandleTrap()
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func()

func (f HandlerFunc) HandleTrap() { f() }

// Halter stops the system. Neither method returns.
type Halter interface {
	Halt(msg string)
	Fatalf(format string, args ...any)
}

var nothing = HandlerFunc(func() {})

// Vector routes traps to the static machine-level handlers.
//
// The hart masks interrupts for the whole of Handle, so the vector is never
// re-entered and its handlers never nest.
type Vector struct {
	halt Halter

	software Handler
	timer    Handler
	external Handler
}

// NewVector returns a vector whose handlers all do nothing.
func NewVector(halt Halter) *Vector {
	return &Vector{
		halt:     halt,
		software: nothing,
		timer:    nothing,
		external: nothing,
	}
}

func orNothing(h Handler) Handler {
	if h == nil {
		return nothing
	}
	return h
}

// SetSoftware installs the machine software interrupt handler.
func (v *Vector) SetSoftware(h Handler) { v.software = orNothing(h) }

// SetTimer installs the machine timer interrupt handler.
func (v *Vector) SetTimer(h Handler) { v.timer = orNothing(h) }

// SetExternal installs the machine external interrupt handler.
func (v *Vector) SetExternal(h Handler) { v.external = orNothing(h) }

// Handle is the trap entry point.
func (v *Vector) Handle(mcause uint32) {
	code := mcause & CodeMask

	if mcause&InterruptBit != 0 {
		switch code {
		case MachineTimer:
			v.timer.HandleTrap()
		case MachineExternal:
			v.external.HandleTrap()
		case MachineSoftware:
			v.software.HandleTrap()
		default:
			v.halt.Fatalf("unknown interrupt: %d", code)
		}
		return
	}

	if name, ok := exceptionNames[code]; ok {
		v.halt.Halt(name)
		return
	}
	v.halt.Fatalf("unknown exception: %d", code)
}
