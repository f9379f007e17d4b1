package ble

import (
	"context"
	"fmt"
	"time"

	dbus "github.com/godbus/dbus/v5"

	"github.com/rowanhart/ble-bridge-core/internal/bus"
)

// Timing defaults. Tests shrink these through Options.
const (
	defaultAttemptTimeout = 10 * time.Second
	defaultMaxRetries     = 3
	defaultSettleDelay    = 500 * time.Millisecond
	defaultPollInterval   = 50 * time.Millisecond
	defaultRetryBackoff   = 2 * time.Second
	defaultScanTick       = 100 * time.Millisecond
	defaultLinkPoll       = 200 * time.Millisecond
	defaultLinkGrace      = 500 * time.Millisecond
)

// Options configures a System. Zero values select the defaults above.
type Options struct {
	// AdapterPath is the local BLE controller object.
	AdapterPath dbus.ObjectPath

	// AttemptTimeout bounds one lifecycle-operation attempt.
	AttemptTimeout time.Duration

	// MaxRetries caps lifecycle-operation attempts.
	MaxRetries int

	// SettleDelay separates StopDiscovery from the StartDiscovery that
	// follows it when a scan begins.
	SettleDelay time.Duration

	// PollInterval is the cadence at which lifecycle operations re-check
	// the record flag they are waiting on.
	PollInterval time.Duration

	// RetryBackoff is the pause between failed lifecycle attempts.
	RetryBackoff time.Duration

	// ScanTick is the scan worker's wake interval.
	ScanTick time.Duration

	// LinkPoll is the link loop's discovered-view check cadence.
	LinkPoll time.Duration

	// LinkGrace is the wait for in-flight signals once the link loop has
	// seen every expected device.
	LinkGrace time.Duration
}

func (o Options) withDefaults() Options {
	if o.AdapterPath == "" {
		o.AdapterPath = "/org/bluez/hci0"
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = defaultAttemptTimeout
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = defaultMaxRetries
	}
	if o.SettleDelay <= 0 {
		o.SettleDelay = defaultSettleDelay
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = defaultRetryBackoff
	}
	if o.ScanTick <= 0 {
		o.ScanTick = defaultScanTick
	}
	if o.LinkPoll <= 0 {
		o.LinkPoll = defaultLinkPoll
	}
	if o.LinkGrace <= 0 {
		o.LinkGrace = defaultLinkGrace
	}
	return o
}

// System is the aggregate the rest of the process works through: one bus
// connection, one signal dispatcher, the registry, and the outbound
// emitter. Nothing in the package is global.
//
// Thread Safety: all methods are safe for concurrent use.
type System struct {
	conn     bus.Conn
	disp     *bus.Dispatcher
	registry *Registry
	emitter  Emitter
	logger   Logger
	opts     Options
}

// NewSystem wires a System over an established connection and dispatcher.
func NewSystem(conn bus.Conn, disp *bus.Dispatcher, opts Options) *System {
	return &System{
		conn:     conn,
		disp:     disp,
		registry: NewRegistry(),
		emitter:  noopEmitter{},
		logger:   noopLogger{},
		opts:     opts.withDefaults(),
	}
}

// SetEmitter sets the outbound event sink. Must be called before any
// device is added.
func (s *System) SetEmitter(emitter Emitter) {
	s.emitter = emitter
}

// SetLogger sets the logger.
func (s *System) SetLogger(logger Logger) {
	s.logger = logger
	s.registry.SetLogger(logger)
}

// Registry exposes the device registry.
func (s *System) Registry() *Registry { return s.registry }

// Devices returns a snapshot of every registered device.
func (s *System) Devices() []Snapshot { return s.registry.Snapshots() }

// AddDevice registers mac. When the bus already exposes the device, the
// record is populated from the managed-objects snapshot and a property
// subscription is installed; otherwise the record waits for discovery.
// A repeat add is a no-op on the registry. Emits device_added either way.
func (s *System) AddDevice(ctx context.Context, mac string) error {
	norm, err := NormalizeMAC(mac)
	if err != nil {
		s.emitter.Emit(Event{Type: EventDeviceAdded, DeviceMAC: mac, Error: err.Error()})
		return err
	}

	rec, created := s.registry.Add(norm)
	if created {
		if err := s.populateFromBus(ctx, rec); err != nil {
			s.logger.Debug("device not on bus yet", "mac", norm, "error", err)
		}
	}

	s.emitter.Emit(stateEvent(EventDeviceAdded, rec.Snapshot()))
	return nil
}

// RemoveDevice deregisters mac. The record is extracted under the
// registry lock; disconnect and subscription teardown happen after it is
// released. Removing an unknown MAC emits device_removed with an error.
func (s *System) RemoveDevice(ctx context.Context, mac string) error {
	norm, err := NormalizeMAC(mac)
	if err != nil {
		s.emitter.Emit(Event{Type: EventDeviceRemoved, DeviceMAC: mac, Error: err.Error()})
		return err
	}

	rec := s.registry.Remove(norm)
	if rec == nil {
		s.emitter.Emit(Event{Type: EventDeviceRemoved, DeviceMAC: norm, Error: "Device not found"})
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, norm)
	}

	path := rec.ObjectPath()
	if rec.Connected() && path != "" {
		if err := s.conn.Invoke(ctx, path, bus.DeviceIface+".Disconnect"); err != nil {
			s.logger.Debug("disconnect on removal failed", "mac", norm, "error", err)
		}
	}
	rec.reset().Cancel()

	s.emitter.Emit(Event{Type: EventDeviceRemoved, DeviceMAC: norm})
	return nil
}

// populateFromBus seeds a fresh record from the managed-objects snapshot
// and installs its property subscription. Returns ErrNotDiscovered when
// the bus does not expose the device yet.
func (s *System) populateFromBus(ctx context.Context, rec *Record) error {
	objects, err := s.conn.GetManagedObjects(ctx)
	if err != nil {
		return err
	}

	path, props, ok := findDevice(objects, rec.MAC())
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotDiscovered, rec.MAC())
	}

	rec.applyDeviceProperties(path, props)
	rec.setCharacteristics(objects.CharacteristicsUnder(path))
	s.installSubscription(rec, path)
	return nil
}

// findDevice locates the object carrying the device interface whose
// Address matches mac. A dev_ path match is accepted when the Address
// property is absent.
func findDevice(objects bus.ManagedObjects, mac string) (dbus.ObjectPath, bus.Properties, bool) {
	for path, ifaces := range objects {
		props, ok := ifaces[bus.DeviceIface]
		if !ok {
			continue
		}
		if addr, ok := props.String("Address"); ok {
			if addr == mac {
				return path, props, true
			}
			continue
		}
		if m, ok := MACFromPath(path); ok && m == mac {
			return path, props, true
		}
	}
	return "", nil, false
}

// refreshCharacteristics rebuilds the record's UUID to path table from
// the current managed-objects snapshot.
func (s *System) refreshCharacteristics(ctx context.Context, rec *Record) error {
	path := rec.ObjectPath()
	if path == "" {
		return ErrNotDiscovered
	}
	objects, err := s.conn.GetManagedObjects(ctx)
	if err != nil {
		return err
	}
	rec.setCharacteristics(objects.CharacteristicsUnder(path))
	return nil
}

// ReadCharacteristic performs a GATT read on the characteristic uuid of
// the device mac and returns the raw bytes.
func (s *System) ReadCharacteristic(ctx context.Context, mac, uuid string) ([]byte, error) {
	rec, path, err := s.resolveCharacteristic(mac, uuid)
	if err != nil {
		return nil, err
	}
	data, err := s.conn.InvokeBytes(ctx, path, bus.CharacteristicIface+".ReadValue", map[string]dbus.Variant{})
	if err != nil {
		return nil, fmt.Errorf("read %s on %s: %w", uuid, rec.MAC(), err)
	}
	return data, nil
}

// WriteCharacteristic performs a GATT write on the characteristic uuid
// of the device mac. mode selects the write type, "request" (with
// response) or "command" (without).
func (s *System) WriteCharacteristic(ctx context.Context, mac, uuid string, value []byte, mode string) error {
	rec, path, err := s.resolveCharacteristic(mac, uuid)
	if err != nil {
		return err
	}
	if mode == "" {
		mode = "request"
	}
	options := map[string]dbus.Variant{"type": dbus.MakeVariant(mode)}
	if err := s.conn.Invoke(ctx, path, bus.CharacteristicIface+".WriteValue", value, options); err != nil {
		return fmt.Errorf("write %s on %s: %w", uuid, rec.MAC(), err)
	}
	return nil
}

func (s *System) resolveCharacteristic(mac, uuid string) (*Record, dbus.ObjectPath, error) {
	norm, err := NormalizeMAC(mac)
	if err != nil {
		return nil, "", err
	}
	rec, ok := s.registry.Get(norm)
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrDeviceNotFound, norm)
	}
	path, ok := rec.CharacteristicPath(uuid)
	if !ok {
		return nil, "", fmt.Errorf("%w: %s on %s", ErrCharacteristicNotFound, uuid, norm)
	}
	return rec, path, nil
}

// Shutdown stops discovery best-effort and halts signal routing. Workers
// started by lifecycle operations observe their contexts and drain on
// their own.
func (s *System) Shutdown(ctx context.Context) {
	if err := s.conn.Invoke(ctx, s.opts.AdapterPath, bus.AdapterIface+".StopDiscovery"); err != nil {
		s.logger.Debug("stop discovery on shutdown", "error", err)
	}
	s.disp.Stop()
}
