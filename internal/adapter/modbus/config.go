// Package modbus manages shared access to half-duplex Modbus RTU lines.
//
// Several logical devices (the E5CC temperature controller and the RS510
// VFD) hang off one RS-485 adapter. A single in-flight transaction per
// physical line is the hard invariant here: two serial handles on the same
// port corrupt each other's frames. The package provides one supervised,
// health-tracked connection per line, a bounded-retry client on top of it,
// and a registry that makes independent callers converge on the same line.
package modbus

import (
	"fmt"
	"time"

	"github.com/opprud/TestRigInstrumentation/internal/domain"
)

// LineConfig describes one serial line. It is an immutable value object;
// two configs address the same physical line iff port and baud rate match
// (see LineConfig.Key).
type LineConfig struct {
	// Port is the serial device path, e.g. /dev/ttyUSB0.
	Port string

	// BaudRate is the line speed. Defaults to 9600.
	BaudRate int

	// Parity is "N", "E" or "O". Defaults to "N".
	Parity string

	// DataBits is the byte size on the wire. Defaults to 8.
	DataBits int

	// StopBits is 1 or 2. Defaults to 1.
	StopBits int

	// Timeout bounds each register transaction.
	Timeout time.Duration

	// MaxRetries is the number of attempts per logical operation. It is
	// also the consecutive-failure threshold that marks the line unhealthy.
	MaxRetries int

	// RetryDelay is the pause between attempts.
	RetryDelay time.Duration

	// ConnectTimeout is the wall-clock bound on opening the port.
	ConnectTimeout time.Duration

	// HealthInterval drives staleness detection: a line with no successful
	// operation for twice this interval is force-reconnected.
	HealthInterval time.Duration

	// ResetFailuresPerCall clears the consecutive-failure counter at the
	// start of each ReadHoldingRegister/WriteHoldingRegister call, so a
	// single call's internal retries cannot trip the health check by
	// themselves. Off by default: failures carry across calls.
	ResetFailuresPerCall bool

	// Debug enables per-attempt logging.
	Debug bool
}

// LineKey is the registry identity of a physical line. Parity and timeout
// differences on a matching key are treated as reconfiguration of the same
// line, not a new line.
type LineKey struct {
	Port     string
	BaudRate int
}

// DefaultLineConfig returns a LineConfig with the defaults used across the rig.
func DefaultLineConfig(port string) LineConfig {
	return LineConfig{
		Port:           port,
		BaudRate:       9600,
		Parity:         "N",
		DataBits:       8,
		StopBits:       1,
		Timeout:        2 * time.Second,
		MaxRetries:     3,
		RetryDelay:     500 * time.Millisecond,
		ConnectTimeout: 5 * time.Second,
		HealthInterval: 10 * time.Second,
	}
}

// withDefaults fills unset fields. Port is left alone: an unusable port
// string surfaces as a connection failure on first use, not here.
func (c LineConfig) withDefaults() LineConfig {
	if c.BaudRate == 0 {
		c.BaudRate = 9600
	}
	if c.Parity == "" {
		c.Parity = "N"
	}
	if c.DataBits == 0 {
		c.DataBits = 8
	}
	if c.StopBits == 0 {
		c.StopBits = 1
	}
	if c.Timeout == 0 {
		c.Timeout = 2 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.HealthInterval == 0 {
		c.HealthInterval = 10 * time.Second
	}
	return c
}

// Validate rejects configs that cannot describe a serial line at all.
func (c LineConfig) Validate() error {
	if c.Port == "" {
		return domain.ErrPortRequired
	}
	if c.BaudRate < 0 {
		return fmt.Errorf("%w: %d", domain.ErrInvalidBaudRate, c.BaudRate)
	}
	switch c.Parity {
	case "", "N", "E", "O":
	default:
		return fmt.Errorf("%w: parity %q", domain.ErrInvalidConfig, c.Parity)
	}
	return nil
}

// Key returns the registry identity of this config's physical line.
func (c LineConfig) Key() LineKey {
	cfg := c.withDefaults()
	return LineKey{Port: cfg.Port, BaudRate: cfg.BaudRate}
}
