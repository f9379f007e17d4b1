package handler

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rowanhart/ble-bridge-core/internal/ble"
	"github.com/rowanhart/ble-bridge-core/internal/infrastructure/mqtt"
)

// QoS levels for the command surface.
const (
	commandQoS = 1
	eventQoS   = 1
)

// eventWriteResult is the outbound type acknowledging a characteristic
// write. Reads reuse the read_characteristic type carrying the data.
const eventWriteResult = "write_characteristic"

// Broker is the slice of the MQTT client the handler needs.
// Satisfied by *mqtt.Client; tests provide a fake.
type Broker interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic.
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool
}

// Telemetry receives broadcast samples for time-series storage.
// Satisfied by *influxdb.Client. Optional; nil disables the sink.
type Telemetry interface {
	// WriteServiceData records one advertisement service-data frame.
	WriteServiceData(deviceMAC, uuid, payloadHex string)

	// WriteRSSI records a signal-strength sample.
	WriteRSSI(deviceMAC string, rssi int16)
}

// Logger is the minimal structured logger the handler needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options holds the collaborators for creating a Handler.
type Options struct {
	// System is the device domain aggregate.
	System *ble.System

	// Broker is the MQTT transport.
	Broker Broker

	// Telemetry is the optional time-series sink for broadcasts.
	Telemetry Telemetry

	// Logger is optional structured logging.
	Logger Logger
}

// Handler is the process-singleton command surface. It subscribes to the
// command topic, dispatches verbs to the System, and publishes every
// domain event on the event topic.
//
// Thread Safety: all methods are safe for concurrent use.
type Handler struct {
	system    *ble.System
	broker    Broker
	telemetry Telemetry
	topics    mqtt.Topics
	logger    Logger

	// Worker coordination. Long-running verbs run on tracked goroutines
	// cancelled by Stop.
	ctx       context.Context
	ctxCancel context.CancelFunc
	wg        sync.WaitGroup
	stopOnce  sync.Once
}

// New creates a handler. Call Start to begin accepting commands.
func New(opts Options) (*Handler, error) {
	if opts.System == nil {
		return nil, fmt.Errorf("system is required")
	}
	if opts.Broker == nil {
		return nil, fmt.Errorf("broker is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	h := &Handler{
		system:    opts.System,
		broker:    opts.Broker,
		telemetry: opts.Telemetry,
		logger:    logger,
		ctx:       ctx,
		ctxCancel: cancel,
	}
	opts.System.SetEmitter(h)
	return h, nil
}

// Start subscribes to the command topic.
func (h *Handler) Start() error {
	topic := h.topics.Command()
	if err := h.broker.Subscribe(topic, commandQoS, h.handleCommand); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	h.logger.Info("command surface started", "topic", topic)
	return nil
}

// Stop cancels in-flight verb workers and waits for them to finish.
// Safe to call multiple times.
func (h *Handler) Stop() {
	h.stopOnce.Do(func() {
		h.ctxCancel()
		h.wg.Wait()
		h.logger.Info("command surface stopped")
	})
}

// Emit implements ble.Emitter. Every domain event is wrapped in the
// outbound envelope and published; broadcast payloads are additionally
// forwarded to the telemetry sink.
func (h *Handler) Emit(ev ble.Event) {
	payload, err := json.Marshal(NewEnvelope(ev))
	if err != nil {
		h.logger.Error("failed to marshal event", "type", ev.Type, "error", err)
		return
	}

	if err := h.broker.Publish(h.topics.Event(), payload, eventQoS, false); err != nil {
		h.logger.Error("failed to publish event", "type", ev.Type, "mac", ev.DeviceMAC, "error", err)
	}

	h.recordTelemetry(ev)
}

// recordTelemetry forwards broadcast and signal-strength samples.
func (h *Handler) recordTelemetry(ev ble.Event) {
	if h.telemetry == nil {
		return
	}
	switch {
	case ev.Type == ble.EventDeviceBroadcast && ev.ServiceData != nil:
		h.telemetry.WriteServiceData(ev.DeviceMAC, ev.ServiceData.UUID, ev.ServiceData.Data)
	case ev.Type == ble.EventDeviceUpdate && ev.RSSI != nil:
		h.telemetry.WriteRSSI(ev.DeviceMAC, *ev.RSSI)
	}
}

// handleCommand is the inbound MQTT callback. Short verbs run inline;
// verbs that block on bus round trips are handed to worker goroutines so
// ingress is never stalled.
func (h *Handler) handleCommand(_ string, payload []byte) error {
	cmd, err := ParseCommand(payload)
	if err != nil {
		h.Emit(errorEvent(err))
		return err
	}

	h.logger.Debug("received command", "command", cmd.Command, "mac", []string(cmd.MAC))

	switch cmd.Command {
	case CmdAddDevices:
		return h.addDevices(cmd)
	case CmdRemoveDevices:
		return h.removeDevices(cmd)
	case CmdConnectDevice:
		return h.lifecycleVerb(cmd, h.system.Connect)
	case CmdPairDevice:
		return h.lifecycleVerb(cmd, h.system.Pair)
	case CmdReadCharacteristic:
		return h.readCharacteristic(cmd)
	case CmdWriteCharacteristic:
		return h.writeCharacteristic(cmd)
	case CmdPrint:
		h.printRegistry()
		return nil
	default:
		err := fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.Command)
		h.Emit(errorEvent(err))
		return err
	}
}

// addDevices registers every listed address. AddDevice emits its own
// device_added event, including the failure form.
func (h *Handler) addDevices(cmd Command) error {
	if len(cmd.MAC) == 0 {
		h.Emit(errorEvent(ErrMissingMAC))
		return ErrMissingMAC
	}
	for _, mac := range cmd.MAC {
		if err := h.system.AddDevice(h.ctx, mac); err != nil {
			h.logger.Warn("add device failed", "mac", mac, "error", err)
		}
	}
	return nil
}

// removeDevices deregisters every listed address. RemoveDevice emits its
// own device_removed event, including the not-found form.
func (h *Handler) removeDevices(cmd Command) error {
	if len(cmd.MAC) == 0 {
		h.Emit(errorEvent(ErrMissingMAC))
		return ErrMissingMAC
	}
	for _, mac := range cmd.MAC {
		if err := h.system.RemoveDevice(h.ctx, mac); err != nil {
			h.logger.Warn("remove device failed", "mac", mac, "error", err)
		}
	}
	return nil
}

// lifecycleVerb runs a single-attempt connect or pair on a worker
// goroutine. Success is acknowledged with a device_update snapshot;
// failure becomes a device_update carrying the error.
func (h *Handler) lifecycleVerb(cmd Command, op func(context.Context, *ble.Record, ble.OpOptions) error) error {
	mac, err := cmd.FirstMAC()
	if err != nil {
		h.Emit(ble.Event{Type: ble.EventDeviceUpdate, Error: err.Error()})
		return err
	}

	h.spawn(func(ctx context.Context) {
		rec, evErr := h.lookup(mac)
		if evErr != nil {
			h.Emit(ble.Event{Type: ble.EventDeviceUpdate, DeviceMAC: mac, Error: evErr.Error()})
			return
		}
		if err := op(ctx, rec, ble.OpOptions{MaxRetries: 1}); err != nil {
			h.Emit(ble.Event{Type: ble.EventDeviceUpdate, DeviceMAC: rec.MAC(), Error: err.Error()})
			return
		}
		h.Emit(snapshotEvent(ble.EventDeviceUpdate, rec.Snapshot()))
	})
	return nil
}

// readCharacteristic performs the GATT read on a worker goroutine and
// emits the bytes as lowercase hex.
func (h *Handler) readCharacteristic(cmd Command) error {
	mac, err := cmd.FirstMAC()
	if err == nil && cmd.UUID == "" {
		err = ErrMissingUUID
	}
	if err != nil {
		h.Emit(ble.Event{Type: ble.EventReadCharacteristic, UUID: cmd.UUID, Error: err.Error()})
		return err
	}

	h.spawn(func(ctx context.Context) {
		ev := ble.Event{Type: ble.EventReadCharacteristic, DeviceMAC: mac, UUID: cmd.UUID}
		if norm, nerr := ble.NormalizeMAC(mac); nerr == nil {
			ev.DeviceMAC = norm
		}
		data, rerr := h.system.ReadCharacteristic(ctx, mac, cmd.UUID)
		if rerr != nil {
			ev.Error = rerr.Error()
		} else {
			ev.Data = hex.EncodeToString(data)
		}
		h.Emit(ev)
	})
	return nil
}

// writeCharacteristic decodes the hex payload and performs the GATT
// write on a worker goroutine.
func (h *Handler) writeCharacteristic(cmd Command) error {
	mac, err := cmd.FirstMAC()
	if err == nil && cmd.UUID == "" {
		err = ErrMissingUUID
	}
	var value []byte
	if err == nil {
		value, err = hex.DecodeString(cmd.Value)
		if err != nil {
			err = fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
	}
	if err != nil {
		h.Emit(ble.Event{Type: eventWriteResult, DeviceMAC: mac, UUID: cmd.UUID, Error: err.Error()})
		return err
	}

	h.spawn(func(ctx context.Context) {
		ev := ble.Event{Type: eventWriteResult, DeviceMAC: mac, UUID: cmd.UUID}
		if norm, nerr := ble.NormalizeMAC(mac); nerr == nil {
			ev.DeviceMAC = norm
		}
		if werr := h.system.WriteCharacteristic(ctx, mac, cmd.UUID, value, cmd.Mode); werr != nil {
			ev.Error = werr.Error()
		}
		h.Emit(ev)
	})
	return nil
}

// printRegistry logs a diagnostic dump of the registry. The dump stays
// on the log side; the API devices endpoint serves the same snapshot
// over HTTP.
func (h *Handler) printRegistry() {
	snaps := h.system.Devices()
	h.logger.Info("registry dump", "devices", len(snaps))
	for _, snap := range snaps {
		h.logger.Info("device",
			"mac", snap.MAC,
			"name", snap.Name,
			"discovered", snap.Discovered,
			"connected", snap.Connected,
			"paired", snap.Paired,
			"trusted", snap.Trusted,
			"characteristics", len(snap.Characteristics))
	}
}

// lookup resolves a MAC to its registry record.
func (h *Handler) lookup(mac string) (*ble.Record, error) {
	norm, err := ble.NormalizeMAC(mac)
	if err != nil {
		return nil, err
	}
	rec, ok := h.system.Registry().Get(norm)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ble.ErrDeviceNotFound, norm)
	}
	return rec, nil
}

// spawn runs fn on a tracked worker goroutine bound to the handler
// context.
func (h *Handler) spawn(fn func(ctx context.Context)) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		fn(h.ctx)
	}()
}
