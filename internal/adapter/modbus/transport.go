package modbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"

	gomodbus "github.com/goburrow/modbus"
	"github.com/goburrow/serial"

	"github.com/opprud/TestRigInstrumentation/internal/domain"
)

// ErrClass is the classification of a transport failure, decided once at
// the driver boundary. The retry loop keys off the class, never off error
// message text.
type ErrClass int

const (
	// ClassNone: no error.
	ClassNone ErrClass = iota

	// ClassConnection: the port could not be opened or the link dropped.
	// Forces a reconnect before the next attempt.
	ClassConnection

	// ClassTimeout: no response within the configured window. A stuck line
	// is the common cause, so this also forces a reconnect.
	ClassTimeout

	// ClassProtocol: the device replied with a Modbus exception code. The
	// line itself is working; retry on the same handle.
	ClassProtocol

	// ClassOther: malformed or unexpected response. Retry without
	// reconnecting.
	ClassOther
)

// String returns the class label used in logs and metrics.
func (c ErrClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassConnection:
		return "connection"
	case ClassTimeout:
		return "timeout"
	case ClassProtocol:
		return "protocol"
	default:
		return "other"
	}
}

// AddressingMode names the parameter convention a driver uses to carry the
// slave identifier. It is probed once per handle at connect time and cached
// by the supervisor for the lifetime of that handle.
type AddressingMode int

const (
	AddressingUnknown AddressingMode = iota
	AddressingUnitID
	AddressingSlaveID
	AddressingDeviceID
)

// String returns the mode label reported in health snapshots.
func (m AddressingMode) String() string {
	switch m {
	case AddressingUnitID:
		return "unit-id"
	case AddressingSlaveID:
		return "slave-id"
	case AddressingDeviceID:
		return "device-id"
	default:
		return "unknown"
	}
}

// Transport is one open handle on a serial line. Implementations are not
// safe for concurrent use; the supervisor serializes all access.
type Transport interface {
	// Connect opens the underlying port.
	Connect() error

	// Close releases the port. Safe to call on a never-connected handle.
	Close() error

	// ReadHoldingRegister reads one 16-bit holding register.
	ReadHoldingRegister(slaveID byte, address uint16) (uint16, error)

	// WriteHoldingRegister writes one 16-bit holding register.
	WriteHoldingRegister(slaveID byte, address uint16, value uint16) error

	// Addressing reports the slave-identifier convention of this driver.
	// Valid only after a successful Connect.
	Addressing() AddressingMode
}

// TransportFactory builds a fresh Transport for a line. The supervisor
// calls it on every reconnect; handles are never reused after teardown.
type TransportFactory func(cfg LineConfig) Transport

// rtuTransport adapts the goburrow RTU driver to the Transport interface.
type rtuTransport struct {
	cfg     LineConfig
	handler *gomodbus.RTUClientHandler
	client  gomodbus.Client
}

// NewRTUTransport is the production TransportFactory.
func NewRTUTransport(cfg LineConfig) Transport {
	return &rtuTransport{cfg: cfg.withDefaults()}
}

func (t *rtuTransport) Connect() error {
	handler := gomodbus.NewRTUClientHandler(t.cfg.Port)
	handler.BaudRate = t.cfg.BaudRate
	handler.DataBits = t.cfg.DataBits
	handler.Parity = t.cfg.Parity
	handler.StopBits = t.cfg.StopBits
	handler.Timeout = t.cfg.Timeout

	if err := handler.Connect(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
	}

	t.handler = handler
	t.client = gomodbus.NewClient(handler)
	return nil
}

func (t *rtuTransport) Close() error {
	if t.handler == nil {
		return nil
	}
	err := t.handler.Close()
	t.handler = nil
	t.client = nil
	return err
}

// Addressing reports unit-id: the goburrow handler carries the slave
// address in its SlaveId field, set per transaction under the line lock.
func (t *rtuTransport) Addressing() AddressingMode {
	return AddressingUnitID
}

func (t *rtuTransport) ReadHoldingRegister(slaveID byte, address uint16) (uint16, error) {
	if t.client == nil {
		return 0, domain.ErrNotConnected
	}
	t.handler.SlaveId = slaveID

	data, err := t.client.ReadHoldingRegisters(address, 1)
	if err != nil {
		return 0, translateDriverError(err)
	}
	if len(data) < 2 {
		return 0, fmt.Errorf("%w: %d bytes", domain.ErrEmptyResponse, len(data))
	}
	return binary.BigEndian.Uint16(data), nil
}

func (t *rtuTransport) WriteHoldingRegister(slaveID byte, address uint16, value uint16) error {
	if t.client == nil {
		return domain.ErrNotConnected
	}
	t.handler.SlaveId = slaveID

	if _, err := t.client.WriteSingleRegister(address, value); err != nil {
		return translateDriverError(err)
	}
	return nil
}

// translateDriverError maps raw goburrow errors onto the domain taxonomy.
// Modbus exception responses become their typed sentinel; everything else
// passes through for Classify to sort out.
func translateDriverError(err error) error {
	var mbErr *gomodbus.ModbusError
	if errors.As(err, &mbErr) {
		return domain.ModbusExceptionToError(mbErr.ExceptionCode)
	}
	return err
}

// Classify sorts an error into its ErrClass. This is the single place that
// interprets driver failures.
func Classify(err error) ErrClass {
	if err == nil {
		return ClassNone
	}

	switch {
	case errors.Is(err, domain.ErrModbusIllegalFunction),
		errors.Is(err, domain.ErrModbusIllegalAddress),
		errors.Is(err, domain.ErrModbusIllegalValue),
		errors.Is(err, domain.ErrModbusDeviceFailure),
		errors.Is(err, domain.ErrModbusAcknowledge),
		errors.Is(err, domain.ErrModbusBusy),
		errors.Is(err, domain.ErrModbusNegativeAck),
		errors.Is(err, domain.ErrModbusMemoryParityError),
		errors.Is(err, domain.ErrModbusGatewayPathUnavailable),
		errors.Is(err, domain.ErrModbusGatewayTargetFailed):
		return ClassProtocol
	}

	if errors.Is(err, serial.ErrTimeout) || errors.Is(err, domain.ErrConnectionTimeout) ||
		errors.Is(err, os.ErrDeadlineExceeded) {
		return ClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ClassTimeout
		}
		return ClassConnection
	}

	if errors.Is(err, domain.ErrConnectionFailed) || errors.Is(err, domain.ErrNotConnected) ||
		errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
		return ClassConnection
	}

	return ClassOther
}
