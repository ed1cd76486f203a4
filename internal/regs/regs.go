// Package regs is the register access layer for the FE310-class SoC.
//
// Registers are addressed by their absolute physical address. A File wraps a
// Bus and provides the read/modify/write helpers the drivers use; it keeps no
// state of its own beyond the bus and the fault sink.
package regs

import "fmt"

// Bus is the memory bus the registers live on.
type Bus interface {
	Read32(addr uint64) (uint32, error)
	Write32(addr uint64, value uint32) error
	Read64(addr uint64) (uint64, error)
	Write64(addr uint64, value uint64) error
}

// FaultHandler receives bus errors. On hardware an unmapped access raises a
// load or store access fault; the hart model turns this into an exception trap.
type FaultHandler interface {
	AccessFault(addr uint64, store bool)
}

// Reg is the physical address of a memory-mapped register.
type Reg uint64

// At returns the i-th 32-bit register of a register array starting at r.
func (r Reg) At(i int) Reg {
	return r + Reg(4*i)
}

func (r Reg) String() string {
	return fmt.Sprintf("0x%08x", uint64(r))
}

// Bit returns a mask with only bit n set.
func Bit(n int) uint32 {
	return 1 << uint(n)
}

// File performs typed register access over a Bus.
type File struct {
	bus   Bus
	fault FaultHandler
}

// New returns a File backed by bus. fault may be nil, in which case bus errors
// panic.
func New(bus Bus, fault FaultHandler) *File {
	return &File{bus: bus, fault: fault}
}

// SetFaultHandler replaces the fault sink.
func (f *File) SetFaultHandler(fault FaultHandler) {
	f.fault = fault
}

func (f *File) raise(r Reg, store bool, err error) {
	if f.fault == nil {
		panic(fmt.Sprintf("regs: access fault at %s: %v", r, err))
	}
	f.fault.AccessFault(uint64(r), store)
}

// Read loads a 32-bit register.
func (f *File) Read(r Reg) uint32 {
	v, err := f.bus.Read32(uint64(r))
	if err != nil {
		f.raise(r, false, err)
		return 0
	}
	return v
}

// Write stores a 32-bit register.
func (f *File) Write(r Reg, v uint32) {
	if err := f.bus.Write32(uint64(r), v); err != nil {
		f.raise(r, true, err)
	}
}

// Read64 loads a 64-bit register.
func (f *File) Read64(r Reg) uint64 {
	v, err := f.bus.Read64(uint64(r))
	if err != nil {
		f.raise(r, false, err)
		return 0
	}
	return v
}

// Write64 stores a 64-bit register.
func (f *File) Write64(r Reg, v uint64) {
	if err := f.bus.Write64(uint64(r), v); err != nil {
		f.raise(r, true, err)
	}
}

// Set ORs mask into r.
func (f *File) Set(r Reg, mask uint32) {
	f.Write(r, f.Read(r)|mask)
}

// Unset clears mask in r.
func (f *File) Unset(r Reg, mask uint32) {
	f.Write(r, f.Read(r)&^mask)
}

// WriteBit sets or clears a single bit of r.
func (f *File) WriteBit(r Reg, bit int, on bool) {
	if on {
		f.Set(r, Bit(bit))
	} else {
		f.Unset(r, Bit(bit))
	}
}

// TestBit reports whether bit is set in r.
func (f *File) TestBit(r Reg, bit int) bool {
	return f.Read(r)&Bit(bit) != 0
}
