package handler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rowanhart/ble-bridge-core/internal/infrastructure/mqtt"
)

// Health status values published on the system topic.
const (
	StatusOnline   = "online"
	StatusDegraded = "degraded"
	StatusStopping = "stopping"
)

// defaultHealthInterval is used when no interval is configured.
const defaultHealthInterval = 30 * time.Second

// StatusMessage is the retained health document on blebridge/system/status.
type StatusMessage struct {
	// Origin identifies the publishing process.
	Origin string `json:"origin"`

	// Status is online, degraded, or stopping.
	Status string `json:"status"`

	// Reason explains a degraded status. Empty when online.
	Reason string `json:"reason,omitempty"`

	// Version is the bridge software version.
	Version string `json:"version"`

	// UptimeSeconds is seconds since process start.
	UptimeSeconds int64 `json:"uptime_seconds"`

	// DeviceCount is the number of registered devices.
	DeviceCount int `json:"device_count"`

	// Timestamp is the publication time in UTC.
	Timestamp time.Time `json:"timestamp"`
}

// HealthPublisher is the slice of the MQTT client health reporting needs.
type HealthPublisher interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool
}

// HealthConfig holds configuration for the health reporter.
type HealthConfig struct {
	// Version is the bridge software version.
	Version string

	// Interval is how often to publish. Default: 30 seconds.
	Interval time.Duration

	// Publisher is the MQTT client for publishing status.
	Publisher HealthPublisher

	// DeviceCount reports the current registry size.
	DeviceCount func() int

	// BusHealthy reports whether the system bus connection is alive.
	BusHealthy func() bool

	// Logger is optional.
	Logger Logger
}

// HealthReporter publishes the retained status document at a fixed
// interval and a final stopping status on shutdown.
type HealthReporter struct {
	cfg       HealthConfig
	topics    mqtt.Topics
	startTime time.Time

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	logger   Logger
}

// NewHealthReporter creates a reporter. Call Start to begin publishing.
func NewHealthReporter(cfg HealthConfig) *HealthReporter {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultHealthInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &HealthReporter{
		cfg:       cfg,
		startTime: time.Now(),
		done:      make(chan struct{}),
		logger:    logger,
	}
}

// Start begins periodic reporting. Call Stop to shut down.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop halts the report loop and publishes a final stopping status.
// Safe to call multiple times.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()
		if err := h.publish(StatusStopping, ""); err != nil {
			h.logger.Debug("failed to publish stopping status", "error", err)
		}
	})
}

// PublishNow publishes the current status immediately.
func (h *HealthReporter) PublishNow() error {
	status, reason := h.determineStatus()
	return h.publish(status, reason)
}

// reportLoop runs the periodic publication.
func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	if err := h.PublishNow(); err != nil {
		h.logger.Warn("failed to publish initial status", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.PublishNow(); err != nil {
				h.logger.Warn("failed to publish status", "error", err)
			}
		}
	}
}

// determineStatus evaluates broker and bus connectivity.
func (h *HealthReporter) determineStatus() (string, string) {
	if h.cfg.Publisher == nil || !h.cfg.Publisher.IsConnected() {
		return StatusDegraded, "broker disconnected"
	}
	if h.cfg.BusHealthy != nil && !h.cfg.BusHealthy() {
		return StatusDegraded, "system bus disconnected"
	}
	return StatusOnline, ""
}

// publish serializes and publishes one retained status document.
func (h *HealthReporter) publish(status, reason string) error {
	if h.cfg.Publisher == nil {
		return nil
	}

	deviceCount := 0
	if h.cfg.DeviceCount != nil {
		deviceCount = h.cfg.DeviceCount()
	}

	msg := StatusMessage{
		Origin:        Origin,
		Status:        status,
		Reason:        reason,
		Version:       h.cfg.Version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		DeviceCount:   deviceCount,
		Timestamp:     time.Now().UTC(),
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	return h.cfg.Publisher.Publish(h.topics.SystemStatus(), payload, 1, true)
}
