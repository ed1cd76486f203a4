package config

import (
	"log/slog"
	"time"

	"github.com/tinyrange/hifive/internal/clint"
	"github.com/tinyrange/hifive/internal/console"
	"github.com/tinyrange/hifive/internal/firmware"
	"github.com/tinyrange/hifive/internal/regs"
)

// DefaultIdle is how long the hart sleeps in wfi when nothing is pending.
const DefaultIdle = time.Millisecond

// Normalize fills defaults. It must be called only after Validate.
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}

	b := &cfg.Board
	if b.TickRate == 0 {
		b.TickRate = regs.TicksPerSecond
	}
	if b.UARTDivisor == 0 {
		b.UARTDivisor = firmware.DefaultUARTDivisor
	}
	if b.Idle == 0 {
		b.Idle = Duration(DefaultIdle)
	}

	f := &cfg.Firmware
	if f.HeapSize == 0 {
		f.HeapSize = firmware.DefaultHeapSize
	}
	if f.LineSize == 0 {
		f.LineSize = console.DefaultLineSize
	}
	if f.RingSize == 0 {
		f.RingSize = console.DefaultRingSize
		if f.RingSize < f.LineSize+2 {
			f.RingSize = f.LineSize + 2
		}
	}
	if f.TimerPeriod == 0 {
		f.TimerPeriod = clint.DefaultPeriod
	}
	if f.LogLevel == "" {
		f.LogLevel = "info"
	}
}

// Level returns the parsed log level, or info if it does not parse.
func (f FirmwareConfig) Level() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(f.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// SystemConfig converts to the firmware's own configuration.
func (c *Config) SystemConfig() firmware.Config {
	return firmware.Config{
		HeapSize:    c.Firmware.HeapSize,
		LineSize:    c.Firmware.LineSize,
		RingSize:    c.Firmware.RingSize,
		TimerPeriod: c.Firmware.TimerPeriod,
		UARTDivisor: c.Board.UARTDivisor,
		LogLevel:    c.Firmware.Level(),
	}
}
