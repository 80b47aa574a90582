package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opprud/TestRigInstrumentation/internal/adapter/rp2040"
	"github.com/opprud/TestRigInstrumentation/internal/domain"
	"github.com/opprud/TestRigInstrumentation/internal/service"
)

// handleHealth runs the component health pass.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.healthAgg == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"healthy": true})
		return
	}

	report := s.healthAgg.Check(r.Context())
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// handleDiscovery scans for USB serial adapters.
func (s *Server) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	if s.scanner == nil {
		writeUnavailable(w, "discovery not available")
		return
	}

	report, err := s.scanner.Scan()
	if err != nil {
		s.logger.Error().Err(err).Msg("Port scan failed")
		writeInternalError(w, "port scan failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleLineHealth reports per-line Modbus health.
func (s *Server) handleLineHealth(w http.ResponseWriter, _ *http.Request) {
	if s.lines == nil {
		writeUnavailable(w, "modbus line registry not available")
		return
	}
	writeJSON(w, http.StatusOK, s.lines.HealthStatuses())
}

// handleLineReset tears down all shared-line connections. The next register
// operation reconnects from scratch.
func (s *Server) handleLineReset(w http.ResponseWriter, _ *http.Request) {
	if s.lines == nil {
		writeUnavailable(w, "modbus line registry not available")
		return
	}
	s.lines.Reset()
	s.logger.Info().Msg("Modbus lines reset via API")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// parseRegisterPath extracts slave and address from the URL.
func parseRegisterPath(r *http.Request) (byte, uint16, error) {
	slave, err := strconv.ParseUint(chi.URLParam(r, "slave"), 10, 8)
	if err != nil {
		return 0, 0, errors.New("invalid slave ID")
	}
	address, err := strconv.ParseUint(chi.URLParam(r, "address"), 0, 16)
	if err != nil {
		return 0, 0, errors.New("invalid register address")
	}
	return byte(slave), uint16(address), nil
}

// handleReadRegister reads one raw holding register. Useful when bringing up
// a new device on the bench.
func (s *Server) handleReadRegister(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeUnavailable(w, "modbus line not available")
		return
	}

	slave, address, err := parseRegisterPath(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	value, err := s.bus.ReadHoldingRegister(slave, address)
	if err != nil {
		s.logger.Warn().Err(err).Uint8("slave", slave).Uint16("address", address).Msg("Register read failed")
		writeUnavailable(w, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"slave":   slave,
		"address": address,
		"value":   value,
	})
}

// handleWriteRegister writes one raw holding register.
func (s *Server) handleWriteRegister(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeUnavailable(w, "modbus line not available")
		return
	}

	slave, address, err := parseRegisterPath(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	var body struct {
		Value uint16 `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	if err := s.bus.WriteHoldingRegister(slave, address, body.Value); err != nil {
		s.logger.Warn().Err(err).Uint8("slave", slave).Uint16("address", address).Msg("Register write failed")
		writeUnavailable(w, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "written"})
}

// handleTemperature returns the controller's process and setpoint values.
func (s *Server) handleTemperature(w http.ResponseWriter, _ *http.Request) {
	if s.temperature == nil {
		writeUnavailable(w, "temperature controller not available")
		return
	}

	pv, err := s.temperature.ReadPV()
	if err != nil {
		writeUnavailable(w, err.Error())
		return
	}
	sv, err := s.temperature.ReadSV()
	if err != nil {
		writeUnavailable(w, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]float64{
		"pv_c": pv,
		"sv_c": sv,
	})
}

// handleSetSetpoint writes the heater setpoint.
func (s *Server) handleSetSetpoint(w http.ResponseWriter, r *http.Request) {
	if s.temperature == nil {
		writeUnavailable(w, "temperature controller not available")
		return
	}

	var body struct {
		Celsius float64 `json:"celsius"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	if err := s.temperature.WriteSV(body.Celsius); err != nil {
		writeUnavailable(w, err.Error())
		return
	}

	s.logger.Info().Float64("celsius", body.Celsius).Msg("Setpoint written via API")
	writeJSON(w, http.StatusOK, map[string]string{"status": "written"})
}

// handleVFDStatus snapshots the drive registers.
func (s *Server) handleVFDStatus(w http.ResponseWriter, _ *http.Request) {
	if s.drive == nil {
		writeUnavailable(w, "vfd not available")
		return
	}
	writeJSON(w, http.StatusOK, s.drive.Status())
}

// handleVFDStart starts the motor forward, optionally setting frequency first.
func (s *Server) handleVFDStart(w http.ResponseWriter, r *http.Request) {
	if s.drive == nil {
		writeUnavailable(w, "vfd not available")
		return
	}

	var body struct {
		FrequencyHz float64 `json:"frequency_hz"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeBadRequest(w, "invalid request body")
			return
		}
	}
	if body.FrequencyHz < 0 {
		writeBadRequest(w, "frequency must not be negative")
		return
	}

	if err := s.drive.StartForward(body.FrequencyHz); err != nil {
		writeUnavailable(w, err.Error())
		return
	}

	s.logger.Info().Float64("hz", body.FrequencyHz).Msg("Motor started via API")
	writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

// handleVFDStop halts the motor.
func (s *Server) handleVFDStop(w http.ResponseWriter, _ *http.Request) {
	if s.drive == nil {
		writeUnavailable(w, "vfd not available")
		return
	}
	if err := s.drive.Stop(); err != nil {
		writeUnavailable(w, err.Error())
		return
	}
	s.logger.Info().Msg("Motor stopped via API")
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// handleVFDEStop issues the emergency stop.
func (s *Server) handleVFDEStop(w http.ResponseWriter, _ *http.Request) {
	if s.drive == nil {
		writeUnavailable(w, "vfd not available")
		return
	}
	if err := s.drive.EmergencyStop(); err != nil {
		writeUnavailable(w, err.Error())
		return
	}
	s.logger.Warn().Msg("Emergency stop via API")
	writeJSON(w, http.StatusOK, map[string]string{"status": "emergency_stop"})
}

// handleVFDFrequency writes the frequency command without changing run state.
func (s *Server) handleVFDFrequency(w http.ResponseWriter, r *http.Request) {
	if s.drive == nil {
		writeUnavailable(w, "vfd not available")
		return
	}

	var body struct {
		FrequencyHz float64 `json:"frequency_hz"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if body.FrequencyHz < 0 {
		writeBadRequest(w, "frequency must not be negative")
		return
	}

	if err := s.drive.SetFrequency(body.FrequencyHz); err != nil {
		writeUnavailable(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "written"})
}

// handleLoad reads the load cell.
func (s *Server) handleLoad(w http.ResponseWriter, _ *http.Request) {
	if s.bridge == nil {
		writeUnavailable(w, "sensor bridge not available")
		return
	}
	reading, err := s.bridge.ReadLoad()
	if err != nil {
		writeUnavailable(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, reading)
}

// handleSpeed reads the tachometer.
func (s *Server) handleSpeed(w http.ResponseWriter, _ *http.Request) {
	if s.bridge == nil {
		writeUnavailable(w, "sensor bridge not available")
		return
	}
	reading, err := s.bridge.ReadSpeed()
	if err != nil {
		writeUnavailable(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, reading)
}

// handleTare zeroes the load cell.
func (s *Server) handleTare(w http.ResponseWriter, _ *http.Request) {
	if s.bridge == nil {
		writeUnavailable(w, "sensor bridge not available")
		return
	}
	if err := s.bridge.Tare(); err != nil {
		writeUnavailable(w, err.Error())
		return
	}
	s.logger.Info().Msg("Load cell tared via API")
	writeJSON(w, http.StatusOK, map[string]string{"status": "tared"})
}

// handleGetCalibration reads the bridge's stored calibration.
func (s *Server) handleGetCalibration(w http.ResponseWriter, _ *http.Request) {
	if s.bridge == nil {
		writeUnavailable(w, "sensor bridge not available")
		return
	}
	cal, err := s.bridge.Calibration()
	if err != nil {
		writeUnavailable(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cal)
}

// handleSetCalibration writes a new calibration to the bridge.
func (s *Server) handleSetCalibration(w http.ResponseWriter, r *http.Request) {
	if s.bridge == nil {
		writeUnavailable(w, "sensor bridge not available")
		return
	}

	var cal rp2040.Calibration
	if err := json.NewDecoder(r.Body).Decode(&cal); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if cal.Slope == 0 {
		writeBadRequest(w, "calibration slope must be non-zero")
		return
	}

	if err := s.bridge.SetCalibration(cal); err != nil {
		writeUnavailable(w, err.Error())
		return
	}
	s.logger.Info().Float64("slope", cal.Slope).Int64("tare", cal.Tare).Msg("Calibration written via API")
	writeJSON(w, http.StatusOK, map[string]string{"status": "written"})
}

// handleTelemetryLatest returns the most recent merged sensor snapshot.
func (s *Server) handleTelemetryLatest(w http.ResponseWriter, _ *http.Request) {
	if s.telemetry == nil {
		writeUnavailable(w, "telemetry collector not available")
		return
	}
	sample, ok := s.telemetry.Latest()
	if !ok {
		writeNotFound(w, "no telemetry collected yet")
		return
	}
	writeJSON(w, http.StatusOK, sample)
}

// acquisitionStartRequest is the body for starting a sweep run.
type acquisitionStartRequest struct {
	Name          string                  `json:"name"`
	Channels      []service.ChannelConfig `json:"channels"`
	Format        string                  `json:"format"`
	Points        int                     `json:"points"`
	SweepCount    int                     `json:"sweep_count"`
	SweepInterval float64                 `json:"sweep_interval_s"`
	TriggerSweep  string                  `json:"trigger_sweep"`
}

// handleAcquisitionStart kicks off a sweep session.
func (s *Server) handleAcquisitionStart(w http.ResponseWriter, r *http.Request) {
	if s.acquisition == nil {
		writeUnavailable(w, "acquisition service not available")
		return
	}

	var req acquisitionStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	params := service.RunParams{
		Name:          req.Name,
		Channels:      req.Channels,
		Format:        req.Format,
		Points:        req.Points,
		SweepCount:    req.SweepCount,
		SweepInterval: secondsToDuration(req.SweepInterval),
		TriggerSweep:  req.TriggerSweep,
	}
	params = s.fillDefaults(params)

	sessionID, err := s.acquisition.Start(params)
	switch {
	case errors.Is(err, domain.ErrAcquisitionBusy):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
		return
	case errors.Is(err, domain.ErrScopeChannelsEmpty):
		writeBadRequest(w, err.Error())
		return
	case err != nil:
		writeInternalError(w, err.Error())
		return
	}

	s.logger.Info().Str("session", sessionID.String()).Str("name", req.Name).Msg("Acquisition started via API")
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": sessionID.String()})
}

// handleAcquisitionStatus reports the current run state.
func (s *Server) handleAcquisitionStatus(w http.ResponseWriter, _ *http.Request) {
	if s.acquisition == nil {
		writeUnavailable(w, "acquisition service not available")
		return
	}
	writeJSON(w, http.StatusOK, s.acquisition.Status())
}

// handleAcquisitionStop cancels the current run. Stopping an idle service
// is a no-op.
func (s *Server) handleAcquisitionStop(w http.ResponseWriter, _ *http.Request) {
	if s.acquisition == nil {
		writeUnavailable(w, "acquisition service not available")
		return
	}
	s.acquisition.Stop()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// handleListSessions lists stored sessions, newest first.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeUnavailable(w, "sweep store not available")
		return
	}
	sessions, err := s.sessions.ListSessions(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list sessions")
		writeInternalError(w, "failed to list sessions")
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

// handleGetSession returns one session by ID.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeUnavailable(w, "sweep store not available")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeBadRequest(w, "invalid session ID")
		return
	}

	session, err := s.sessions.GetSession(r.Context(), id)
	if errors.Is(err, domain.ErrSessionNotFound) {
		writeNotFound(w, "session not found")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("session", id.String()).Msg("Failed to load session")
		writeInternalError(w, "failed to load session")
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// handleListSweeps returns a session's sweeps with waveform metadata.
func (s *Server) handleListSweeps(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeUnavailable(w, "sweep store not available")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeBadRequest(w, "invalid session ID")
		return
	}

	sweeps, err := s.sessions.ListSweeps(r.Context(), id)
	if err != nil {
		s.logger.Error().Err(err).Str("session", id.String()).Msg("Failed to list sweeps")
		writeInternalError(w, "failed to list sweeps")
		return
	}
	writeJSON(w, http.StatusOK, sweeps)
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// fillDefaults backfills unset run parameters from the configured defaults.
func (s *Server) fillDefaults(params service.RunParams) service.RunParams {
	if len(params.Channels) == 0 {
		params.Channels = s.acqDefaults.Channels
	}
	if params.Format == "" {
		params.Format = s.acqDefaults.Format
	}
	if params.Points == 0 {
		params.Points = s.acqDefaults.Points
	}
	if params.SweepCount == 0 {
		params.SweepCount = s.acqDefaults.SweepCount
	}
	if params.SweepInterval == 0 {
		params.SweepInterval = s.acqDefaults.SweepInterval
	}
	if params.TriggerSweep == "" {
		params.TriggerSweep = s.acqDefaults.TriggerSweep
	}
	return params
}
