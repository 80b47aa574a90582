package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodyLimitMiddleware)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Read-only endpoints, no auth required
		r.Get("/health", s.handleHealth)
		r.Get("/discovery", s.handleDiscovery)
		r.Get("/modbus/lines", s.handleLineHealth)
		r.Get("/modbus/registers/{slave}/{address}", s.handleReadRegister)
		r.Get("/temperature", s.handleTemperature)
		r.Get("/vfd/status", s.handleVFDStatus)
		r.Get("/bridge/load", s.handleLoad)
		r.Get("/bridge/speed", s.handleSpeed)
		r.Get("/bridge/calibration", s.handleGetCalibration)
		r.Get("/telemetry/latest", s.handleTelemetryLatest)
		r.Get("/acquisition/status", s.handleAcquisitionStatus)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.handleListSessions)
			r.Get("/{id}", s.handleGetSession)
			r.Get("/{id}/sweeps", s.handleListSweeps)
		})

		// Mutating endpoints behind API key auth
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/modbus/reset", s.handleLineReset)
			r.Put("/modbus/registers/{slave}/{address}", s.handleWriteRegister)
			r.Put("/temperature/setpoint", s.handleSetSetpoint)

			r.Route("/vfd", func(r chi.Router) {
				r.Post("/start", s.handleVFDStart)
				r.Post("/stop", s.handleVFDStop)
				r.Post("/estop", s.handleVFDEStop)
				r.Put("/frequency", s.handleVFDFrequency)
			})

			r.Post("/bridge/tare", s.handleTare)
			r.Put("/bridge/calibration", s.handleSetCalibration)

			r.Post("/acquisition/start", s.handleAcquisitionStart)
			r.Post("/acquisition/stop", s.handleAcquisitionStop)
		})
	})

	return r
}
