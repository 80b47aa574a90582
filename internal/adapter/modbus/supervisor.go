package modbus

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/opprud/TestRigInstrumentation/internal/domain"
)

// LineSupervisor owns the lifecycle of one physical line's transport
// handle: lazy connect, health evaluation, forced teardown, and the mutual
// exclusion that keeps the half-duplex bus to one transaction at a time.
//
// All connection state - the handle, the connected flag, the addressing
// mode, the consecutive-failure counter and the last-success timestamp -
// is mutated only while the line lock is held.
type LineSupervisor struct {
	cfg     LineConfig
	factory TransportFactory
	logger  zerolog.Logger

	mu sync.Mutex

	// Guarded by mu.
	transport  Transport
	connected  bool
	addressing AddressingMode
	failures   int
	lastOK     time.Time

	// Diagnostic only: callers currently inside the critical section.
	// Always 0 or 1 given the mutex; exposed to spot lock abuse.
	holders int
}

// NewLineSupervisor creates a supervisor for one line. The transport is not
// opened until the first acquisition.
func NewLineSupervisor(cfg LineConfig, factory TransportFactory, logger zerolog.Logger) *LineSupervisor {
	cfg = cfg.withDefaults()
	if factory == nil {
		factory = NewRTUTransport
	}
	return &LineSupervisor{
		cfg:     cfg,
		factory: factory,
		logger:  logger.With().Str("component", "modbus-line").Str("port", cfg.Port).Logger(),
		lastOK:  time.Now(),
	}
}

// Config returns the line's configuration.
func (s *LineSupervisor) Config() LineConfig {
	return s.cfg
}

// session is a held acquisition: the caller owns the line lock until
// Release. Outcome recording happens through the session so that counter
// updates stay inside the critical section.
type session struct {
	s        *LineSupervisor
	released bool
}

// acquire blocks until the line is free, ensures a healthy connected
// handle, and returns it together with the open session. Every exit path
// of the caller must go through session.Release.
func (s *LineSupervisor) acquire() (Transport, *session, error) {
	s.mu.Lock()
	s.holders++

	if !s.healthyLocked() {
		s.forceDisconnectLocked()
	}

	if !s.connected {
		if err := s.connectLocked(); err != nil {
			s.holders--
			s.mu.Unlock()
			return nil, nil, err
		}
	}

	return s.transport, &session{s: s}, nil
}

// Release gives up the line. Idempotent so deferred releases stay safe on
// every exit path.
func (ss *session) Release() {
	if ss.released {
		return
	}
	ss.released = true
	ss.s.holders--
	ss.s.mu.Unlock()
}

// Success records a terminal successful attempt. Must be called before
// Release.
func (ss *session) Success() {
	ss.s.lastOK = time.Now()
	ss.s.failures = 0
}

// Failure records a failed attempt. Must be called before Release.
func (ss *session) Failure() {
	ss.s.failures++
}

// Poison tears the handle down so the next attempt reopens the port. Used
// after timeout- or connection-class failures; a handle that timed out is
// never reused (the line may be stuck mid-frame).
func (ss *session) Poison() {
	ss.s.forceDisconnectLocked()
}

// healthyLocked evaluates the failure-history health policy. Distinct from
// the raw connected flag: a connected handle with too many consecutive
// failures, or none recent enough, is due for teardown.
func (s *LineSupervisor) healthyLocked() bool {
	if s.failures >= s.cfg.MaxRetries {
		s.logger.Debug().Int("failures", s.failures).Msg("Too many consecutive failures, forcing reconnect")
		return false
	}
	if since := time.Since(s.lastOK); since > 2*s.cfg.HealthInterval {
		s.logger.Debug().Dur("since_success", since).Msg("No successful operations for too long, forcing reconnect")
		return false
	}
	return true
}

// connectLocked opens a fresh transport within the connect timeout and
// probes its addressing convention. Counter updates follow the terminal
// outcome: reset on success, increment on failure.
func (s *LineSupervisor) connectLocked() error {
	tr := s.factory(s.cfg)

	done := make(chan error, 1)
	go func() {
		done <- tr.Connect()
	}()

	var err error
	select {
	case err = <-done:
	case <-time.After(s.cfg.ConnectTimeout):
		err = fmt.Errorf("%w: no connection after %s", domain.ErrConnectionTimeout, s.cfg.ConnectTimeout)
		// The dangling Connect goroutine closes the orphaned handle
		// whenever the driver finally returns.
		go func() {
			if <-done == nil {
				_ = tr.Close()
			}
		}()
	}

	if err != nil {
		s.connected = false
		s.failures++
		s.logger.Warn().Err(err).Msg("Failed to connect to Modbus line")
		return fmt.Errorf("%w: %s: %v", domain.ErrConnectionFailed, s.cfg.Port, err)
	}

	s.transport = tr
	s.connected = true
	s.addressing = tr.Addressing()
	s.failures = 0
	s.logger.Info().Str("addressing", s.addressing.String()).Msg("Connected to Modbus line")
	return nil
}

// forceDisconnectLocked closes the handle and clears connection state.
// Close errors are swallowed: they must not mask the health signal that
// got us here.
func (s *LineSupervisor) forceDisconnectLocked() {
	if s.transport != nil {
		if err := s.transport.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("Error closing Modbus line")
		}
	}
	s.transport = nil
	s.connected = false
	s.addressing = AddressingUnknown
}

// Disconnect closes the line. The next acquisition reconnects lazily.
func (s *LineSupervisor) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forceDisconnectLocked()
}

// resetFailures clears the consecutive-failure counter. Used by the
// per-call counting mode.
func (s *LineSupervisor) resetFailures() {
	s.mu.Lock()
	s.failures = 0
	s.mu.Unlock()
}

// HealthStatus is a read-only snapshot of line health for diagnostics.
type HealthStatus struct {
	Port                string        `json:"port"`
	Connected           bool          `json:"connected"`
	Addressing          string        `json:"addressing"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastSuccess         time.Time     `json:"last_success"`
	SecondsSinceSuccess float64       `json:"seconds_since_success"`
	Holders             int           `json:"holders"`
	Timeout             time.Duration `json:"timeout"`
	MaxRetries          int           `json:"max_retries"`
}

// HealthStatus snapshots the supervisor state. It takes the line lock
// briefly but performs no I/O and never mutates state.
func (s *LineSupervisor) HealthStatus() HealthStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return HealthStatus{
		Port:                s.cfg.Port,
		Connected:           s.connected,
		Addressing:          s.addressing.String(),
		ConsecutiveFailures: s.failures,
		LastSuccess:         s.lastOK,
		SecondsSinceSuccess: time.Since(s.lastOK).Seconds(),
		Holders:             s.holders,
		Timeout:             s.cfg.Timeout,
		MaxRetries:          s.cfg.MaxRetries,
	}
}
