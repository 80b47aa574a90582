package modbus

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/opprud/TestRigInstrumentation/internal/domain"
	"github.com/opprud/TestRigInstrumentation/internal/metrics"
)

// LineClient turns a single logical register operation into a bounded
// sequence of attempts against the supervised line, with failure-driven
// reconnection. Callers get one value or one definitive failure; all
// intermediate failures are recovered here.
type LineClient struct {
	sup     *LineSupervisor
	cfg     LineConfig
	logger  zerolog.Logger
	metrics *metrics.Registry
}

// NewLineClient wraps a supervisor with the retry policy from its config.
// The metrics registry may be nil.
func NewLineClient(sup *LineSupervisor, logger zerolog.Logger, metricsReg *metrics.Registry) *LineClient {
	return &LineClient{
		sup:     sup,
		cfg:     sup.Config(),
		logger:  logger.With().Str("component", "modbus-client").Str("port", sup.Config().Port).Logger(),
		metrics: metricsReg,
	}
}

// Supervisor returns the underlying line supervisor, for health snapshots.
func (c *LineClient) Supervisor() *LineSupervisor {
	return c.sup
}

// ReadHoldingRegister reads one 16-bit holding register from the given
// slave, retrying up to MaxRetries times.
func (c *LineClient) ReadHoldingRegister(slaveID byte, address uint16) (uint16, error) {
	if err := (domain.Target{SlaveID: slaveID, Address: address}).Validate(); err != nil {
		return 0, err
	}

	var value uint16
	err := c.attempt("read", slaveID, address, func(tr Transport) error {
		v, err := tr.ReadHoldingRegister(slaveID, address)
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	if err != nil {
		return 0, err
	}
	return value, nil
}

// WriteHoldingRegister writes one 16-bit holding register on the given
// slave, retrying up to MaxRetries times. A write either succeeds per the
// device's acknowledgment or is reported failed; registers are atomic
// 16-bit units, so no partial-write state exists.
func (c *LineClient) WriteHoldingRegister(slaveID byte, address uint16, value uint16) error {
	if err := (domain.Target{SlaveID: slaveID, Address: address}).Validate(); err != nil {
		return err
	}

	return c.attempt("write", slaveID, address, func(tr Transport) error {
		return tr.WriteHoldingRegister(slaveID, address, value)
	})
}

// attempt runs op under the retry policy. Outcome classification decides
// whether the handle is poisoned before the next attempt: timeouts and
// connection drops discard it, protocol exceptions and malformed replies
// retry on the same handle.
func (c *LineClient) attempt(opName string, slaveID byte, address uint16, op func(Transport) error) error {
	if c.cfg.ResetFailuresPerCall {
		c.sup.resetFailures()
	}

	var lastErr error
	for att := 0; att < c.cfg.MaxRetries; att++ {
		if att > 0 {
			if c.metrics != nil {
				c.metrics.RecordLineRetry(c.cfg.Port, opName)
			}
			time.Sleep(c.cfg.RetryDelay)
		}

		tr, sess, err := c.sup.acquire()
		if err != nil {
			// Connect failure: the supervisor already counted it.
			lastErr = err
			c.debugAttempt(opName, slaveID, address, att, err)
			continue
		}

		err = op(tr)
		if err == nil {
			sess.Success()
			sess.Release()
			if c.metrics != nil {
				c.metrics.RecordLineOp(c.cfg.Port, opName, "success")
			}
			return nil
		}

		lastErr = err
		sess.Failure()
		class := Classify(err)
		if class == ClassTimeout || class == ClassConnection {
			sess.Poison()
			if c.metrics != nil {
				c.metrics.RecordLineReconnect(c.cfg.Port)
			}
		}
		sess.Release()

		if c.metrics != nil {
			c.metrics.RecordLineOp(c.cfg.Port, opName, class.String())
		}
		c.debugAttempt(opName, slaveID, address, att, err)
	}

	return fmt.Errorf("%w: %s slave %d register 0x%04X after %d attempts: %v",
		domain.ErrMaxRetriesExceeded, opName, slaveID, address, c.cfg.MaxRetries, lastErr)
}

func (c *LineClient) debugAttempt(opName string, slaveID byte, address uint16, att int, err error) {
	if !c.cfg.Debug {
		return
	}
	c.logger.Debug().
		Str("op", opName).
		Uint8("slave", slaveID).
		Str("register", fmt.Sprintf("0x%04X", address)).
		Int("attempt", att+1).
		Err(err).
		Msg("Register operation attempt failed")
}
