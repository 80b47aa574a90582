package device

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/opprud/TestRigInstrumentation/internal/adapter/modbus"
	"github.com/opprud/TestRigInstrumentation/internal/domain"
)

// RS510 register map (RS PRO RS510 series VFD, Modbus RTU).
const (
	RS510RegRunCommand   uint16 = 0x2501
	RS510RegFrequencyCmd uint16 = 0x2502 // centihertz
	RS510RegBaseFreq     uint16 = 0x000B // centihertz
	RS510RegMaxFreq      uint16 = 0x000C // centihertz
	RS510RegAccel        uint16 = 0x000E // tenths of a second
	RS510RegDecel        uint16 = 0x000F // tenths of a second
	RS510RegFaultCode    uint16 = 0x0015 // from the manual, unverified on hardware
)

// RS510Config configures the drive on a shared line.
type RS510Config struct {
	Line    modbus.LineConfig
	SlaveID byte
}

// RS510 controls an RS510 variable-frequency drive through the shared line
// registry: speed command, start/stop, and status monitoring.
type RS510 struct {
	line   *modbus.LineClient
	cfg    RS510Config
	logger zerolog.Logger
}

// NewRS510 resolves the drive's line from the registry.
func NewRS510(registry *modbus.Registry, cfg RS510Config, logger zerolog.Logger) (*RS510, error) {
	if cfg.SlaveID == 0 || cfg.SlaveID > 247 {
		return nil, fmt.Errorf("%w: rs510 slave %d", domain.ErrInvalidSlaveID, cfg.SlaveID)
	}
	return &RS510{
		line:   registry.Resolve(cfg.Line),
		cfg:    cfg,
		logger: logger.With().Str("component", "rs510").Uint8("slave", cfg.SlaveID).Logger(),
	}, nil
}

// SetFrequency writes the frequency command in Hz. The drive expects
// centihertz on the wire.
func (v *RS510) SetFrequency(hz float64) error {
	raw := uint16(hz*100 + 0.5)
	if err := v.line.WriteHoldingRegister(v.cfg.SlaveID, RS510RegFrequencyCmd, raw); err != nil {
		return fmt.Errorf("rs510 set frequency: %w", err)
	}
	v.logger.Debug().Float64("hz", hz).Uint16("raw", raw).Msg("Frequency command written")
	return nil
}

// SetRunCommand writes the run-command register.
func (v *RS510) SetRunCommand(cmd domain.VFDCommand) error {
	if err := v.line.WriteHoldingRegister(v.cfg.SlaveID, RS510RegRunCommand, uint16(cmd)); err != nil {
		return fmt.Errorf("rs510 run command %s: %w", cmd, err)
	}
	v.logger.Info().Str("command", cmd.String()).Msg("Run command written")
	return nil
}

// Stop halts the motor.
func (v *RS510) Stop() error {
	return v.SetRunCommand(domain.VFDStop)
}

// StartForward sets the frequency (if hz > 0) and starts the motor forward.
func (v *RS510) StartForward(hz float64) error {
	if hz > 0 {
		if err := v.SetFrequency(hz); err != nil {
			return err
		}
	}
	return v.SetRunCommand(domain.VFDRunForward)
}

// EmergencyStop issues the emergency stop command.
func (v *RS510) EmergencyStop() error {
	return v.SetRunCommand(domain.VFDEmergencyStop)
}

// Status reads the drive's command registers. Individual register failures
// leave the corresponding field zeroed rather than failing the whole
// snapshot; a noisy bus should not hide the registers that did answer.
func (v *RS510) Status() domain.VFDStatus {
	st := domain.VFDStatus{Timestamp: time.Now()}

	if raw, err := v.read(RS510RegFrequencyCmd); err == nil {
		st.FrequencyCmdHz = float64(raw) / 100.0
	}
	if raw, err := v.read(RS510RegBaseFreq); err == nil {
		st.BaseFreqHz = float64(raw) / 100.0
	}
	if raw, err := v.read(RS510RegMaxFreq); err == nil {
		st.MaxFreqHz = float64(raw) / 100.0
	}
	if raw, err := v.read(RS510RegAccel); err == nil {
		st.AccelTimeS = float64(raw) / 10.0
	}
	if raw, err := v.read(RS510RegDecel); err == nil {
		st.DecelTimeS = float64(raw) / 10.0
	}
	if raw, err := v.read(RS510RegRunCommand); err == nil {
		st.RunCommand = domain.VFDCommand(raw)
	}
	if raw, err := v.read(RS510RegFaultCode); err == nil {
		st.FaultCode = raw
	}

	return st
}

// FrequencyCmd reads the commanded frequency in Hz.
func (v *RS510) FrequencyCmd() (float64, error) {
	raw, err := v.read(RS510RegFrequencyCmd)
	if err != nil {
		return 0, err
	}
	return float64(raw) / 100.0, nil
}

// FaultCode reads the drive's current fault register. Zero means no fault.
func (v *RS510) FaultCode() (uint16, error) {
	return v.read(RS510RegFaultCode)
}

func (v *RS510) read(address uint16) (uint16, error) {
	raw, err := v.line.ReadHoldingRegister(v.cfg.SlaveID, address)
	if err != nil {
		return 0, fmt.Errorf("rs510 read 0x%04X: %w", address, err)
	}
	return raw, nil
}
