// Package config handles the psrp-watch YAML configuration file.
//
// Every key is optional. Command-line flags override the file, and the file
// overrides the built-in defaults.
package config

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
)

// DefaultFile is read from the working directory when no --config is given.
const DefaultFile = "psrp-watch.yaml"

// Config is the parsed configuration file.
type Config struct {
	// Format is the output format (json, jsonl, yaml, msgpack, table).
	// Empty picks table on a terminal and jsonl otherwise.
	Format string `yaml:"format"`
	// ByteOrder of the message header integers: "big" (default) or "little".
	ByteOrder string `yaml:"byte_order"`
	// Follow keeps reading the file as it grows.
	Follow bool `yaml:"follow"`
	// History makes a follow start from the beginning of the file.
	History bool `yaml:"history"`
	// PollInterval is how often a follow checks for new data.
	PollInterval Duration `yaml:"poll_interval"`
	LogLevel     string   `yaml:"log_level"`
	NoColor      bool     `yaml:"no_color"`
	// MaxPending bounds the objects being reassembled at once; 0 is unbounded.
	MaxPending *int `yaml:"max_pending"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "250ms", "1s").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "250ms" or "2s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// Validate checks the values that cannot be checked by unmarshalling alone.
func (c *Config) Validate() error {
	if _, err := ParseByteOrder(c.ByteOrder); err != nil {
		return err
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.PollInterval.Duration < 0 {
		return fmt.Errorf("poll_interval must not be negative, got %s", c.PollInterval.Duration)
	}
	if c.MaxPending != nil && *c.MaxPending < 0 {
		return fmt.Errorf("max_pending must not be negative, got %d", *c.MaxPending)
	}
	return nil
}

// ParseByteOrder maps "big" or "little" to a byte order. Empty means big.
func ParseByteOrder(s string) (binary.ByteOrder, error) {
	switch strings.ToLower(s) {
	case "", "big", "be", "big-endian":
		return binary.BigEndian, nil
	case "little", "le", "little-endian":
		return binary.LittleEndian, nil
	default:
		return nil, fmt.Errorf("invalid byte order: %q (must be big or little)", s)
	}
}

// ParseLevel parses a log level name. Empty means info.
func ParseLevel(s string) (zapcore.Level, error) {
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	level, err := zapcore.ParseLevel(strings.ToLower(s))
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level: %q", s)
	}
	return level, nil
}
