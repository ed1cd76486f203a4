// Package config loads the board, firmware and script configuration used by
// the hifive command.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Board    BoardConfig    `yaml:"board"`
	Firmware FirmwareConfig `yaml:"firmware"`
	Script   []Step         `yaml:"script"`
}

// ---- BOARD ----

type BoardConfig struct {
	TickRate    uint64   `yaml:"tick_rate"`    // mtime ticks per second
	UARTDivisor uint32   `yaml:"uart_divisor"` // written to UART0 div
	Idle        Duration `yaml:"idle"`         // longest hart sleep in wfi
}

// ---- FIRMWARE ----

type FirmwareConfig struct {
	HeapSize    int    `yaml:"heap_size"`
	LineSize    int    `yaml:"line_size"`
	RingSize    int    `yaml:"ring_size"`
	TimerPeriod uint64 `yaml:"timer_period"` // mtime ticks
	LogLevel    string `yaml:"log_level"`
}

// ---- SCRIPT ----

// Step is one scripted action. Exactly one field is set.
type Step struct {
	Input  string    `yaml:"input"`  // raw bytes typed on the UART
	Line   string    `yaml:"line"`   // typed followed by a carriage return
	GPIO   *GPIOStep `yaml:"gpio"`   // drive a pin from outside
	Wait   Duration  `yaml:"wait"`   // pause before the next step
	Expect string    `yaml:"expect"` // wait until the output contains this
}

type GPIOStep struct {
	Pin   int    `yaml:"pin"`
	Level string `yaml:"level"` // high, low or release
}

// Duration wraps time.Duration for YAML unmarshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Default returns a validated, normalized empty configuration.
func Default() *Config {
	cfg := &Config{}
	Normalize(cfg)
	return cfg
}

// Load reads, validates and normalizes the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML document. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	Normalize(cfg)
	return cfg, nil
}
