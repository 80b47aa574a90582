package device_test

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/opprud/TestRigInstrumentation/internal/adapter/modbus"
	"github.com/opprud/TestRigInstrumentation/internal/device"
	"github.com/opprud/TestRigInstrumentation/internal/domain"
)

func newRS510(t *testing.T, bank *regBank) *device.RS510 {
	t.Helper()
	registry := modbus.NewRegistry(bank.factory, zerolog.Nop(), nil)
	t.Cleanup(registry.Reset)

	v, err := device.NewRS510(registry, device.RS510Config{
		Line:    testLine(),
		SlaveID: 3,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRS510: %v", err)
	}
	return v
}

func TestSetFrequencyWritesCentihertz(t *testing.T) {
	bank := newRegBank()
	v := newRS510(t, bank)

	if err := v.SetFrequency(25.5); err != nil {
		t.Fatalf("SetFrequency: %v", err)
	}

	if len(bank.writes) != 1 {
		t.Fatalf("writes = %d, want 1", len(bank.writes))
	}
	w := bank.writes[0]
	if w[1] != device.RS510RegFrequencyCmd || w[2] != 2550 {
		t.Errorf("write = %v, want addr 0x2502 raw 2550", w)
	}
}

func TestStartForwardSetsFrequencyThenRuns(t *testing.T) {
	bank := newRegBank()
	v := newRS510(t, bank)

	if err := v.StartForward(10.0); err != nil {
		t.Fatalf("StartForward: %v", err)
	}

	if len(bank.writes) != 2 {
		t.Fatalf("writes = %d, want 2", len(bank.writes))
	}
	if bank.writes[0][1] != device.RS510RegFrequencyCmd || bank.writes[0][2] != 1000 {
		t.Errorf("first write = %v, want frequency 1000", bank.writes[0])
	}
	if bank.writes[1][1] != device.RS510RegRunCommand ||
		bank.writes[1][2] != uint16(domain.VFDRunForward) {
		t.Errorf("second write = %v, want run forward", bank.writes[1])
	}
}

func TestStartForwardZeroLeavesFrequencyAlone(t *testing.T) {
	bank := newRegBank()
	v := newRS510(t, bank)

	if err := v.StartForward(0); err != nil {
		t.Fatalf("StartForward: %v", err)
	}

	if len(bank.writes) != 1 || bank.writes[0][1] != device.RS510RegRunCommand {
		t.Errorf("writes = %v, want only run command", bank.writes)
	}
}

func TestEmergencyStop(t *testing.T) {
	bank := newRegBank()
	v := newRS510(t, bank)

	if err := v.EmergencyStop(); err != nil {
		t.Fatalf("EmergencyStop: %v", err)
	}

	w := bank.writes[len(bank.writes)-1]
	if w[1] != device.RS510RegRunCommand || w[2] != uint16(domain.VFDEmergencyStop) {
		t.Errorf("write = %v, want emergency stop command", w)
	}
}

func TestStatusToleratesFailingRegisters(t *testing.T) {
	bank := newRegBank()
	bank.set(3, device.RS510RegFrequencyCmd, 2500)
	bank.set(3, device.RS510RegRunCommand, uint16(domain.VFDRunForward))
	bank.failAddr[device.RS510RegFaultCode] = domain.ErrModbusIllegalAddress

	v := newRS510(t, bank)
	st := v.Status()

	if st.FrequencyCmdHz != 25.0 {
		t.Errorf("frequency = %v, want 25", st.FrequencyCmdHz)
	}
	if st.RunCommand != domain.VFDRunForward {
		t.Errorf("run command = %v, want run forward", st.RunCommand)
	}
	if st.FaultCode != 0 {
		t.Errorf("fault code = %d, want zeroed on failure", st.FaultCode)
	}
	if st.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}

func TestFaultCode(t *testing.T) {
	bank := newRegBank()
	bank.set(3, device.RS510RegFaultCode, 7)

	v := newRS510(t, bank)
	code, err := v.FaultCode()
	if err != nil {
		t.Fatalf("FaultCode: %v", err)
	}
	if code != 7 {
		t.Errorf("code = %d, want 7", code)
	}
}
