package board

import (
	"fmt"
	"sync"
)

// Device is a memory-mapped peripheral.
type Device interface {
	// Read reads size bytes at offset from the device base.
	Read(offset uint64, size int) (uint64, error)
	// Write writes size bytes at offset from the device base.
	Write(offset uint64, size int, value uint64) error
	// Size returns the length of the device's window.
	Size() uint64
}

// Mapping places a device at a physical address.
type Mapping struct {
	Base   uint64
	Size   uint64
	Device Device
}

// Bus routes physical accesses to devices. Unmapped accesses and accesses of
// the wrong width return errors, which the register layer turns into access
// faults.
type Bus struct {
	mu       sync.RWMutex
	mappings []Mapping
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// AddDevice maps dev at base. Overlapping windows are rejected.
func (b *Bus) AddDevice(base uint64, dev Device) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	size := dev.Size()
	for _, m := range b.mappings {
		if base < m.Base+m.Size && m.Base < base+size {
			return fmt.Errorf("board: device at 0x%x overlaps device at 0x%x", base, m.Base)
		}
	}
	b.mappings = append(b.mappings, Mapping{Base: base, Size: size, Device: dev})
	return nil
}

func (b *Bus) find(addr uint64, size int) (Device, uint64, error) {
	if addr%uint64(size) != 0 {
		return nil, 0, fmt.Errorf("misaligned %d-byte access at 0x%x", size, addr)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, m := range b.mappings {
		if addr >= m.Base && addr+uint64(size) <= m.Base+m.Size {
			return m.Device, addr - m.Base, nil
		}
	}
	return nil, 0, fmt.Errorf("no device at address 0x%x", addr)
}

// Read reads size bytes at addr.
func (b *Bus) Read(addr uint64, size int) (uint64, error) {
	dev, off, err := b.find(addr, size)
	if err != nil {
		return 0, err
	}
	return dev.Read(off, size)
}

// Write writes size bytes at addr.
func (b *Bus) Write(addr uint64, size int, value uint64) error {
	dev, off, err := b.find(addr, size)
	if err != nil {
		return err
	}
	return dev.Write(off, size, value)
}

func (b *Bus) Read32(addr uint64) (uint32, error) {
	v, err := b.Read(addr, 4)
	return uint32(v), err
}

func (b *Bus) Write32(addr uint64, value uint32) error {
	return b.Write(addr, 4, uint64(value))
}

func (b *Bus) Read64(addr uint64) (uint64, error) {
	return b.Read(addr, 8)
}

func (b *Bus) Write64(addr uint64, value uint64) error {
	return b.Write(addr, 8, value)
}
