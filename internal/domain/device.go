package domain

import "fmt"

// Target identifies one register on one logical device sharing a Modbus line.
// It is supplied per call by device adapters and never cached by the line
// manager, since several slaves share the same physical bus.
type Target struct {
	// SlaveID is the Modbus slave/unit address (1-247).
	SlaveID byte

	// Address is the holding-register address.
	Address uint16

	// Scale converts the raw 16-bit register value to engineering units.
	// Zero means no scaling (treated as 1.0).
	Scale float64
}

// Validate checks that the target addresses a legal Modbus slave.
func (t Target) Validate() error {
	if t.SlaveID == 0 || t.SlaveID > 247 {
		return fmt.Errorf("%w: %d", ErrInvalidSlaveID, t.SlaveID)
	}
	return nil
}

// Apply converts a raw register value to engineering units.
func (t Target) Apply(raw uint16) float64 {
	if t.Scale == 0 {
		return float64(raw)
	}
	return float64(raw) * t.Scale
}

// Unapply converts an engineering-unit value back to a raw register value
// for writes. Values are clamped to the 16-bit register range.
func (t Target) Unapply(value float64) uint16 {
	scale := t.Scale
	if scale == 0 {
		scale = 1.0
	}
	raw := value / scale
	if raw < 0 {
		return 0
	}
	if raw > 65535 {
		return 65535
	}
	return uint16(raw + 0.5)
}

// VFDCommand is the run-command register value understood by the RS510 drive.
type VFDCommand uint16

const (
	VFDStop VFDCommand = iota
	VFDRunForward
	VFDRunReverse
	VFDEmergencyStop
)

// String returns the command name used in status output and logs.
func (c VFDCommand) String() string {
	switch c {
	case VFDStop:
		return "stop"
	case VFDRunForward:
		return "run_forward"
	case VFDRunReverse:
		return "run_reverse"
	case VFDEmergencyStop:
		return "emergency_stop"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(c))
	}
}
