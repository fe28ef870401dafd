package serial

import (
	"fmt"
	"io"
	"strings"
)

// Port represents a serial port interface
// This abstraction allows for different implementations:
// - Native serial (github.com/tarm/serial or go.bug.st/serial)
// - In-memory pipe (for tests and the emulator)
//
// Read must return within the configured read timeout; a timeout is
// reported as (0, nil), never as an error.
type Port interface {
	io.ReadWriteCloser

	// Flush discards data received but not yet read
	Flush() error
}

// Driver names accepted in Config.Driver
const (
	DriverTarm  = "tarm"
	DriverBugst = "bugst"
)

// DefaultBaud is the V-Sido CONNECT factory baud rate
const DefaultBaud = 115200

// Config holds serial port configuration
type Config struct {
	// Device path (e.g., "/dev/ttyUSB0", "/dev/rfcomm0", "COM3")
	Device string

	// Baud rate
	Baud int

	// Read timeout in milliseconds. Must be positive so reads never block
	// past it.
	ReadTimeout int

	// Driver selects the native implementation: "tarm" (default) or "bugst"
	Driver string
}

// DefaultConfig returns a default configuration for a V-Sido board
func DefaultConfig(device string) *Config {
	return &Config{
		Device:      device,
		Baud:        DefaultBaud,
		ReadTimeout: 100,
		Driver:      DriverTarm,
	}
}

// Validate checks the configuration before a port is opened
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Device) == "" {
		return fmt.Errorf("serial config missing device")
	}
	if c.Baud <= 0 {
		return fmt.Errorf("serial config baud must be positive, got %d", c.Baud)
	}
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("serial config read timeout must be positive, got %d", c.ReadTimeout)
	}
	switch c.Driver {
	case "", DriverTarm, DriverBugst:
	default:
		return fmt.Errorf("serial config unknown driver %q", c.Driver)
	}
	return nil
}
