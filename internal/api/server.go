// Package api provides the diagnostics HTTP server for the BLE bridge.
//
// It exposes a read-only view of the device registry and a health
// endpoint for monitoring. The control plane is MQTT; this server is
// localhost tooling for operators and probes.
//
// The server follows the same lifecycle pattern as the other
// infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple
// goroutines.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rowanhart/ble-bridge-core/internal/ble"
	"github.com/rowanhart/ble-bridge-core/internal/infrastructure/config"
	"github.com/rowanhart/ble-bridge-core/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight
// requests to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// DeviceSource provides registry snapshots for the devices endpoints.
// Satisfied by *ble.System.
type DeviceSource interface {
	Devices() []ble.Snapshot
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config  config.APIConfig
	Logger  *logging.Logger
	Devices DeviceSource

	// BrokerConnected reports MQTT connectivity for the health endpoint.
	// Optional.
	BrokerConnected func() bool

	// BusHealthy reports system-bus connectivity for the health endpoint.
	// Optional.
	BusHealthy func() bool

	Version string
}

// Server is the diagnostics HTTP server.
//
// It manages the HTTP listener, routes, and middleware. The server is
// created with New() and started with Start().
type Server struct {
	cfg             config.APIConfig
	logger          *logging.Logger
	devices         DeviceSource
	brokerConnected func() bool
	busHealthy      func() bool
	version         string
	startTime       time.Time
	server          *http.Server
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Devices == nil {
		return nil, fmt.Errorf("device source is required")
	}

	return &Server{
		cfg:             deps.Config,
		logger:          deps.Logger,
		devices:         deps.Devices,
		brokerConnected: deps.BrokerConnected,
		busHealthy:      deps.BusHealthy,
		version:         deps.Version,
		startTime:       time.Now(),
	}, nil
}

// Start launches the HTTP listener in a background goroutine.
// The server can be stopped with Close().
func (s *Server) Start(_ context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("API server starting", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete, then
// forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		_ = s.server.Close()
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}
