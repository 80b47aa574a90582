// Package domain contains core entities shared across the test rig suite.
package domain

import "errors"

// Configuration errors.
var (
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrInvalidSlaveID  = errors.New("invalid slave ID")
	ErrPortRequired    = errors.New("serial port is required")
	ErrInvalidBaudRate = errors.New("invalid baud rate")
)

// Connection errors.
var (
	ErrConnectionFailed   = errors.New("connection failed")
	ErrConnectionTimeout  = errors.New("connection timeout")
	ErrNotConnected       = errors.New("not connected")
	ErrMaxRetriesExceeded = errors.New("maximum retry attempts exceeded")
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
)

// Register operation errors.
var (
	ErrReadFailed    = errors.New("read operation failed")
	ErrWriteFailed   = errors.New("write operation failed")
	ErrEmptyResponse = errors.New("empty response")
)

// Modbus exception responses. The device answered, so the line itself is fine.
var (
	ErrModbusIllegalFunction        = errors.New("modbus: illegal function")
	ErrModbusIllegalAddress         = errors.New("modbus: illegal data address")
	ErrModbusIllegalValue           = errors.New("modbus: illegal data value")
	ErrModbusDeviceFailure          = errors.New("modbus: slave device failure")
	ErrModbusAcknowledge            = errors.New("modbus: acknowledge - long operation in progress")
	ErrModbusBusy                   = errors.New("modbus: slave device busy")
	ErrModbusNegativeAck            = errors.New("modbus: negative acknowledge")
	ErrModbusMemoryParityError      = errors.New("modbus: memory parity error")
	ErrModbusGatewayPathUnavailable = errors.New("modbus: gateway path unavailable")
	ErrModbusGatewayTargetFailed    = errors.New("modbus: gateway target device failed to respond")
)

// Scope (SCPI) errors.
var (
	ErrScopeUnreachable   = errors.New("scope: connection failed")
	ErrScopeBadBlock      = errors.New("scope: malformed binary block header")
	ErrScopeQueryFailed   = errors.New("scope: query failed")
	ErrScopeChannelsEmpty = errors.New("scope: no channels enabled")
)

// RP2040 line-protocol errors.
var (
	ErrFirmwareError     = errors.New("rp2040: firmware reported ERR")
	ErrResponseTimeout   = errors.New("rp2040: no response within timeout")
	ErrMalformedReply    = errors.New("rp2040: malformed reply")
	ErrUnexpectedReply   = errors.New("rp2040: unexpected reply type")
	ErrPortNotDiscovered = errors.New("rp2040: no matching serial port discovered")
)

// MQTT errors.
var (
	ErrMQTTConnectionFailed = errors.New("mqtt: connection failed")
	ErrMQTTNotConnected     = errors.New("mqtt: not connected")
	ErrMQTTPublishFailed    = errors.New("mqtt: publish failed")
)

// Storage and service errors.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSweepNotFound   = errors.New("sweep not found")
	ErrServiceStopped  = errors.New("service has been stopped")
	ErrAcquisitionBusy = errors.New("acquisition already running")
	ErrDeviceNotFound  = errors.New("device not found")
)

// ModbusExceptionToError converts a Modbus exception code to a domain error.
func ModbusExceptionToError(code byte) error {
	switch code {
	case 0x01:
		return ErrModbusIllegalFunction
	case 0x02:
		return ErrModbusIllegalAddress
	case 0x03:
		return ErrModbusIllegalValue
	case 0x04:
		return ErrModbusDeviceFailure
	case 0x05:
		return ErrModbusAcknowledge
	case 0x06:
		return ErrModbusBusy
	case 0x07:
		return ErrModbusNegativeAck
	case 0x08:
		return ErrModbusMemoryParityError
	case 0x0A:
		return ErrModbusGatewayPathUnavailable
	case 0x0B:
		return ErrModbusGatewayTargetFailed
	default:
		return ErrReadFailed
	}
}
