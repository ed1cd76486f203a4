package config

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/hifive/internal/heap"
)

// Validate checks configuration correctness.
// It performs declarative validation only; zero values mean "default" and
// are accepted. It does not mutate the configuration.
func Validate(cfg *Config) error {
	b := cfg.Board
	if b.Idle < 0 {
		return fmt.Errorf("board: idle must not be negative")
	}

	f := cfg.Firmware
	if f.HeapSize < 0 || (f.HeapSize > 0 && f.HeapSize < heap.HeaderSize) {
		return fmt.Errorf("firmware: heap_size %d cannot hold a block header", f.HeapSize)
	}
	if f.LineSize < 0 {
		return fmt.Errorf("firmware: line_size must not be negative")
	}
	if f.RingSize < 0 || f.RingSize == 1 {
		return fmt.Errorf("firmware: ring_size %d is too small", f.RingSize)
	}
	// A full line, its terminator and the reserved byte must fit.
	if f.LineSize > 0 && f.RingSize > 0 && f.RingSize < f.LineSize+2 {
		return fmt.Errorf("firmware: ring_size %d cannot hold a %d-byte line", f.RingSize, f.LineSize)
	}
	if f.LogLevel != "" {
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(f.LogLevel)); err != nil {
			return fmt.Errorf("firmware: log_level: %w", err)
		}
	}

	for i, s := range cfg.Script {
		if err := validateStep(s); err != nil {
			return fmt.Errorf("script step %d: %w", i+1, err)
		}
	}
	return nil
}

func validateStep(s Step) error {
	set := 0
	if s.Input != "" {
		set++
	}
	if s.Line != "" {
		set++
	}
	if s.GPIO != nil {
		set++
	}
	if s.Wait != 0 {
		set++
	}
	if s.Expect != "" {
		set++
	}
	if set != 1 {
		return fmt.Errorf("exactly one of input, line, gpio, wait, expect must be set (got %d)", set)
	}

	if s.Wait < 0 {
		return fmt.Errorf("wait must not be negative")
	}
	if g := s.GPIO; g != nil {
		if g.Pin < 0 || g.Pin >= 32 {
			return fmt.Errorf("gpio pin %d out of range", g.Pin)
		}
		switch g.Level {
		case "high", "low", "release":
		default:
			return fmt.Errorf("gpio level %q: want high, low or release", g.Level)
		}
	}
	return nil
}
