// Package api exposes the test rig over a REST interface: device control,
// live telemetry, acquisition runs and stored sweep sessions.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opprud/TestRigInstrumentation/internal/adapter/config"
	"github.com/opprud/TestRigInstrumentation/internal/adapter/modbus"
	"github.com/opprud/TestRigInstrumentation/internal/adapter/rp2040"
	"github.com/opprud/TestRigInstrumentation/internal/discovery"
	"github.com/opprud/TestRigInstrumentation/internal/domain"
	"github.com/opprud/TestRigInstrumentation/internal/health"
	"github.com/opprud/TestRigInstrumentation/internal/service"
)

// gracefulShutdownTimeout caps how long Close waits for in-flight requests.
const gracefulShutdownTimeout = 10 * time.Second

// TemperatureController reads and sets the heater setpoint.
// Implemented by the E5CC adapter.
type TemperatureController interface {
	ReadPV() (float64, error)
	ReadSV() (float64, error)
	WriteSV(celsius float64) error
}

// MotorDrive controls the spindle VFD. Implemented by the RS510 adapter.
type MotorDrive interface {
	StartForward(hz float64) error
	Stop() error
	EmergencyStop() error
	SetFrequency(hz float64) error
	Status() domain.VFDStatus
}

// SensorBridge talks to the RP2040 load-cell/tachometer board.
type SensorBridge interface {
	ReadLoad() (rp2040.LoadReading, error)
	ReadSpeed() (rp2040.SpeedReading, error)
	Tare() error
	Calibration() (rp2040.Calibration, error)
	SetCalibration(cal rp2040.Calibration) error
}

// RegisterBus gives raw holding-register access on the shared serial line.
// Implemented by the modbus line client.
type RegisterBus interface {
	ReadHoldingRegister(slaveID byte, address uint16) (uint16, error)
	WriteHoldingRegister(slaveID byte, address uint16, value uint16) error
}

// LineRegistry reports and resets shared-line health.
type LineRegistry interface {
	HealthStatuses() map[string]modbus.HealthStatus
	Reset()
}

// TelemetryProvider serves the most recent merged sensor snapshot.
type TelemetryProvider interface {
	Latest() (domain.TelemetrySample, bool)
}

// AcquisitionController drives sweep sessions.
type AcquisitionController interface {
	Start(params service.RunParams) (uuid.UUID, error)
	Stop()
	Status() service.Status
}

// SessionStore reads stored sessions and sweeps.
type SessionStore interface {
	ListSessions(ctx context.Context) ([]domain.Session, error)
	GetSession(ctx context.Context, id uuid.UUID) (domain.Session, error)
	ListSweeps(ctx context.Context, sessionID uuid.UUID) ([]domain.Sweep, error)
}

// PortScanner enumerates USB serial adapters on the host.
type PortScanner interface {
	Scan() (discovery.Report, error)
}

// Deps holds the server's dependencies. Hardware-facing fields may be nil
// when that instrument is not attached; the matching endpoints answer 503.
type Deps struct {
	Config      config.APIConfig
	HTTP        config.HTTPConfig
	Logger      zerolog.Logger
	Health      *health.Aggregator
	Metrics     http.Handler
	Temperature TemperatureController
	Drive       MotorDrive
	Bridge      SensorBridge
	Bus         RegisterBus
	Lines       LineRegistry
	Telemetry   TelemetryProvider
	Acquisition AcquisitionController
	Sessions    SessionStore
	Scanner     PortScanner

	// AcquisitionDefaults fills fields a start request leaves unset.
	AcquisitionDefaults service.RunParams
}

// Server is the rig's HTTP front end.
type Server struct {
	cfg         config.APIConfig
	httpCfg     config.HTTPConfig
	logger      zerolog.Logger
	healthAgg   *health.Aggregator
	metrics     http.Handler
	temperature TemperatureController
	drive       MotorDrive
	bridge      SensorBridge
	bus         RegisterBus
	lines       LineRegistry
	telemetry   TelemetryProvider
	acquisition AcquisitionController
	sessions    SessionStore
	scanner     PortScanner
	acqDefaults service.RunParams

	server *http.Server
}

// New creates the server. It does not listen until Start is called.
func New(deps Deps) *Server {
	return &Server{
		cfg:         deps.Config,
		httpCfg:     deps.HTTP,
		logger:      deps.Logger.With().Str("component", "api").Logger(),
		healthAgg:   deps.Health,
		metrics:     deps.Metrics,
		temperature: deps.Temperature,
		drive:       deps.Drive,
		bridge:      deps.Bridge,
		bus:         deps.Bus,
		lines:       deps.Lines,
		telemetry:   deps.Telemetry,
		acquisition: deps.Acquisition,
		sessions:    deps.Sessions,
		scanner:     deps.Scanner,
		acqDefaults: deps.AcquisitionDefaults,
	}
}

// Handler builds the full route tree. Exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins listening in a background goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.httpCfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       s.httpCfg.ReadTimeout,
		ReadHeaderTimeout: s.httpCfg.ReadTimeout,
		WriteTimeout:      s.httpCfg.WriteTimeout,
		IdleTimeout:       s.httpCfg.IdleTimeout,
	}

	go func() {
		s.logger.Info().Str("addr", s.server.Addr).Msg("API server listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()

	return nil
}

// Close gracefully shuts the server down.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info().Msg("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}
