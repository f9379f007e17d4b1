package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)
			r.Get("/{mac}", s.handleGetDevice)
		})
	})

	return r
}

// HealthResponse is the health endpoint payload.
type HealthResponse struct {
	Status          string `json:"status"`
	Version         string `json:"version"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
	DeviceCount     int    `json:"device_count"`
	BrokerConnected bool   `json:"broker_connected"`
	BusConnected    bool   `json:"bus_connected"`
}

// handleHealth returns the bridge health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	broker := s.brokerConnected == nil || s.brokerConnected()
	bus := s.busHealthy == nil || s.busHealthy()

	status := "ok"
	code := http.StatusOK
	if !broker || !bus {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, HealthResponse{
		Status:          status,
		Version:         s.version,
		UptimeSeconds:   int64(time.Since(s.startTime).Seconds()),
		DeviceCount:     len(s.devices.Devices()),
		BrokerConnected: broker,
		BusConnected:    bus,
	})
}
