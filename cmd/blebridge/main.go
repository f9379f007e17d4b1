// BLE Bridge - BlueZ to MQTT device management daemon
//
// This is the main entry point for the BLE bridge. The daemon owns a set
// of configured BLE devices: it discovers them over the system bus, keeps
// them connected and paired, mirrors their state to MQTT, and executes
// commands arriving on the command topic.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	dbus "github.com/godbus/dbus/v5"

	"github.com/rowanhart/ble-bridge-core/internal/api"
	"github.com/rowanhart/ble-bridge-core/internal/ble"
	"github.com/rowanhart/ble-bridge-core/internal/bus"
	"github.com/rowanhart/ble-bridge-core/internal/handler"
	"github.com/rowanhart/ble-bridge-core/internal/infrastructure/config"
	"github.com/rowanhart/ble-bridge-core/internal/infrastructure/influxdb"
	"github.com/rowanhart/ble-bridge-core/internal/infrastructure/logging"
	"github.com/rowanhart/ble-bridge-core/internal/infrastructure/mqtt"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// shutdownTimeout bounds the bus teardown after the run context ends.
const shutdownTimeout = 5 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting BLE bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Connect to MQTT broker
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	mqttClient.SetLogger(log)
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	// Connect to the system bus and start routing BlueZ signals
	busConn, err := bus.Dial()
	if err != nil {
		return fmt.Errorf("connecting to system bus: %w", err)
	}
	defer func() {
		log.Info("closing system bus connection")
		if closeErr := busConn.Close(); closeErr != nil {
			log.Error("error closing system bus", "error", closeErr)
		}
	}()

	dispatcher := bus.NewDispatcher(busConn)
	dispatcher.SetLogger(log)
	if err := dispatcher.Start(); err != nil {
		return fmt.Errorf("starting signal dispatcher: %w", err)
	}
	log.Info("system bus connected", "adapter", cfg.Bluetooth.Adapter)

	// Device domain over the bus
	system := ble.NewSystem(busConn, dispatcher, ble.Options{
		AdapterPath:    dbus.ObjectPath(cfg.AdapterPath()),
		AttemptTimeout: cfg.AttemptTimeout(),
		MaxRetries:     cfg.Bluetooth.ConnectRetries,
		SettleDelay:    cfg.SettleDelay(),
		RetryBackoff:   cfg.RetryBackoff(),
	})
	system.SetLogger(log)
	defer func() {
		log.Info("shutting down device layer")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		system.Shutdown(shutdownCtx)
	}()

	// Command surface: subscribes the command topic and publishes every
	// domain event. Registered as the system's emitter before any device
	// is added.
	handlerOpts := handler.Options{
		System: system,
		Broker: mqttClient,
		Logger: log,
	}
	if influxClient != nil {
		handlerOpts.Telemetry = influxClient
	}
	cmdHandler, err := handler.New(handlerOpts)
	if err != nil {
		return fmt.Errorf("creating command handler: %w", err)
	}
	if err := cmdHandler.Start(); err != nil {
		return fmt.Errorf("starting command handler: %w", err)
	}
	defer func() {
		log.Info("stopping command handler")
		cmdHandler.Stop()
	}()
	log.Info("command handler started")

	// Retained health status on the system topic
	health := handler.NewHealthReporter(handler.HealthConfig{
		Version:     version,
		Publisher:   mqttClient,
		DeviceCount: func() int { return len(system.Devices()) },
		BusHealthy:  busConn.Connected,
		Logger:      log,
	})
	health.Start(ctx)
	defer func() {
		log.Info("stopping health reporter")
		health.Stop()
	}()

	// Diagnostics HTTP server (optional)
	if cfg.API.Enabled {
		apiServer, err := api.New(api.Deps{
			Config:          cfg.API,
			Logger:          log,
			Devices:         system,
			BrokerConnected: mqttClient.IsConnected,
			BusHealthy:      busConn.Connected,
			Version:         version,
		})
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		if err := apiServer.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			log.Info("stopping API server")
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
		log.Info("API server started", "host", cfg.API.Host, "port", cfg.API.Port)
	} else {
		log.Info("API server disabled")
	}

	// Seed the registry from configuration, then drive the devices toward
	// connected and paired in the background. Failures are per-device and
	// recoverable: a later command or scan pass picks them up.
	for _, mac := range cfg.Bluetooth.Devices {
		if err := system.AddDevice(ctx, mac); err != nil {
			log.Warn("adding configured device", "mac", mac, "error", err)
		}
	}
	log.Info("device registry seeded", "devices", len(system.Devices()))

	if len(cfg.Bluetooth.Devices) > 0 {
		go func() {
			if err := system.LinkDevices(ctx, cfg.ScanDuration()); err != nil &&
				!errors.Is(err, context.Canceled) {
				log.Warn("startup device linking", "error", err)
			}
		}()
	}

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred cleanup runs in reverse order:
	// 1. API server
	// 2. Health reporter (publishes the stopping status)
	// 3. Command handler (drains in-flight verbs)
	// 4. Device layer (stops discovery, halts signal routing)
	// 5. System bus
	// 6. InfluxDB (if enabled)
	// 7. MQTT

	log.Info("BLE bridge stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses BLEBRIDGE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("BLEBRIDGE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
