// Package device contains adapters translating rig domain operations into
// register traffic on the shared Modbus lines.
package device

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/opprud/TestRigInstrumentation/internal/adapter/modbus"
	"github.com/opprud/TestRigInstrumentation/internal/domain"
)

// E5CC default register map (Omron E5CC, Modbus RTU).
const (
	E5CCDefaultPVAddress uint16 = 0x2000 // process value
	E5CCDefaultSVAddress uint16 = 0x2103 // setpoint
)

// E5CCConfig configures one temperature controller on a shared line.
type E5CCConfig struct {
	Line   modbus.LineConfig
	UnitID byte

	// PVAddress and SVAddress default to the standard E5CC map.
	PVAddress uint16
	SVAddress uint16

	// Scale is degrees C per LSB: 1.0 for whole-degree mode, 0.1 for
	// tenth-degree mode. Defaults to 1.0.
	Scale float64
}

// E5CC reads and writes an Omron E5CC temperature controller through the
// shared line registry.
type E5CC struct {
	line   *modbus.LineClient
	cfg    E5CCConfig
	logger zerolog.Logger
}

// NewE5CC resolves the controller's line from the registry. Two adapters
// configured with the same (port, baud) share one serial handle.
func NewE5CC(registry *modbus.Registry, cfg E5CCConfig, logger zerolog.Logger) (*E5CC, error) {
	if cfg.UnitID == 0 || cfg.UnitID > 247 {
		return nil, fmt.Errorf("%w: e5cc unit %d", domain.ErrInvalidSlaveID, cfg.UnitID)
	}
	if cfg.PVAddress == 0 {
		cfg.PVAddress = E5CCDefaultPVAddress
	}
	if cfg.SVAddress == 0 {
		cfg.SVAddress = E5CCDefaultSVAddress
	}
	if cfg.Scale == 0 {
		cfg.Scale = 1.0
	}

	return &E5CC{
		line:   registry.Resolve(cfg.Line),
		cfg:    cfg,
		logger: logger.With().Str("component", "e5cc").Uint8("unit", cfg.UnitID).Logger(),
	}, nil
}

// ReadPV returns the process value (current temperature) in degrees C.
func (e *E5CC) ReadPV() (float64, error) {
	return e.readScaled(e.cfg.PVAddress)
}

// ReadSV returns the setpoint in degrees C.
func (e *E5CC) ReadSV() (float64, error) {
	return e.readScaled(e.cfg.SVAddress)
}

// WriteSV sets the setpoint in degrees C.
func (e *E5CC) WriteSV(celsius float64) error {
	target := e.target(e.cfg.SVAddress)
	raw := target.Unapply(celsius)
	if err := e.line.WriteHoldingRegister(target.SlaveID, target.Address, raw); err != nil {
		return fmt.Errorf("e5cc write SV: %w", err)
	}
	e.logger.Debug().Float64("celsius", celsius).Uint16("raw", raw).Msg("Setpoint written")
	return nil
}

func (e *E5CC) readScaled(address uint16) (float64, error) {
	target := e.target(address)
	raw, err := e.line.ReadHoldingRegister(target.SlaveID, target.Address)
	if err != nil {
		return 0, fmt.Errorf("e5cc read 0x%04X: %w", address, err)
	}
	return target.Apply(raw), nil
}

func (e *E5CC) target(address uint16) domain.Target {
	return domain.Target{SlaveID: e.cfg.UnitID, Address: address, Scale: e.cfg.Scale}
}
