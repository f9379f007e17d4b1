package ble

import (
	"sync"

	dbus "github.com/godbus/dbus/v5"

	"github.com/rowanhart/ble-bridge-core/internal/bus"
)

// Record is the per-device aggregate: identity, lifecycle flags, the
// characteristic index, and the live signal subscription.
//
// Thread Safety: every field access goes through the record's own lock.
// The lock is held only for field access and is never held across a bus
// call; getters return copies.
type Record struct {
	mac string // immutable after construction

	mu              sync.Mutex
	objectPath      dbus.ObjectPath
	name            string
	discovered      bool
	connected       bool
	paired          bool
	trusted         bool
	rssi            *int16
	characteristics map[string]dbus.ObjectPath
	sub             *bus.Subscription
}

// Snapshot is a point-in-time copy of a record, taken under one lock
// acquisition so the fields are mutually consistent.
type Snapshot struct {
	MAC             string            `json:"mac"`
	Name            string            `json:"name,omitempty"`
	ObjectPath      string            `json:"object_path,omitempty"`
	Discovered      bool              `json:"discovered"`
	Connected       bool              `json:"connected"`
	Paired          bool              `json:"paired"`
	Trusted         bool              `json:"trusted"`
	RSSI            *int16            `json:"rssi,omitempty"`
	Characteristics map[string]string `json:"characteristics,omitempty"`
}

// newRecord creates an empty record for mac. All flags start false; the
// record awaits discovery.
func newRecord(mac string) *Record {
	return &Record{
		mac:             mac,
		characteristics: make(map[string]dbus.ObjectPath),
	}
}

// MAC returns the record's immutable primary key.
func (r *Record) MAC() string { return r.mac }

// ObjectPath returns the current bus path, empty when undiscovered.
func (r *Record) ObjectPath() dbus.ObjectPath {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.objectPath
}

// Name returns the advisory device name.
func (r *Record) Name() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.name
}

// Discovered reports whether the device currently exists on the bus.
func (r *Record) Discovered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.discovered
}

// Connected reports the connected lifecycle flag.
func (r *Record) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

// Paired reports the paired lifecycle flag.
func (r *Record) Paired() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paired
}

// Trusted reports the trusted lifecycle flag.
func (r *Record) Trusted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trusted
}

// CharacteristicPath resolves a UUID to its object path.
func (r *Record) CharacteristicPath(uuid string) (dbus.ObjectPath, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	path, ok := r.characteristics[uuid]
	return path, ok
}

// Characteristics returns a copy of the UUID to path table.
func (r *Record) Characteristics() map[string]dbus.ObjectPath {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]dbus.ObjectPath, len(r.characteristics))
	for uuid, path := range r.characteristics {
		out[uuid] = path
	}
	return out
}

// Snapshot copies every field under a single lock acquisition.
func (r *Record) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := Snapshot{
		MAC:        r.mac,
		Name:       r.name,
		ObjectPath: string(r.objectPath),
		Discovered: r.discovered,
		Connected:  r.connected,
		Paired:     r.paired,
		Trusted:    r.trusted,
	}
	if r.rssi != nil {
		rssi := *r.rssi
		snap.RSSI = &rssi
	}
	if len(r.characteristics) > 0 {
		snap.Characteristics = make(map[string]string, len(r.characteristics))
		for uuid, path := range r.characteristics {
			snap.Characteristics[uuid] = string(path)
		}
	}
	return snap
}

// SetName updates the advisory name.
func (r *Record) SetName(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.name = name
}

// setDiscovered assigns the object path and marks the record discovered.
func (r *Record) setDiscovered(path dbus.ObjectPath) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objectPath = path
	r.discovered = true
}

// setConnected flips the connected flag. Dropping the connection empties
// the characteristic table: a disconnected device has no addressable
// attributes.
func (r *Record) setConnected(connected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = connected
	if !connected {
		r.characteristics = make(map[string]dbus.ObjectPath)
	}
}

func (r *Record) setPaired(paired bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paired = paired
}

func (r *Record) setTrusted(trusted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trusted = trusted
}

func (r *Record) setRSSI(rssi int16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rssi = &rssi
}

// setCharacteristics replaces the UUID to path table with a copy of m.
func (r *Record) setCharacteristics(m map[string]dbus.ObjectPath) {
	r.mu.Lock()
	defer r.mu.Unlock()
	table := make(map[string]dbus.ObjectPath, len(m))
	for uuid, path := range m {
		table[uuid] = path
	}
	r.characteristics = table
}

// addCharacteristic inserts one UUID to path binding.
func (r *Record) addCharacteristic(uuid string, path dbus.ObjectPath) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.characteristics[uuid] = path
}

// ownsPath reports whether path is parented under the record's current
// object path.
func (r *Record) ownsPath(path dbus.ObjectPath) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	devPath := r.objectPath
	return devPath != "" && len(path) > len(devPath) &&
		path[:len(devPath)] == devPath && path[len(devPath)] == '/'
}

// clearCharacteristics empties the UUID to path table.
func (r *Record) clearCharacteristics() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.characteristics = make(map[string]dbus.ObjectPath)
}

// setSubscription stores the live signal subscription and returns the
// previous one, which the caller cancels outside the lock.
func (r *Record) setSubscription(sub *bus.Subscription) *bus.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.sub
	r.sub = sub
	return prev
}

// subscribed reports whether a signal subscription is installed, which
// tracks whether the object currently exists on the bus.
func (r *Record) subscribed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sub != nil
}

// reset returns the record to the undiscovered state in one atomic step:
// all lifecycle flags drop, the characteristic table empties, the path
// clears, and the subscription is detached. The detached subscription is
// returned for the caller to cancel outside the lock.
func (r *Record) reset() *bus.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objectPath = ""
	r.discovered = false
	r.connected = false
	r.paired = false
	r.trusted = false
	r.rssi = nil
	r.characteristics = make(map[string]dbus.ObjectPath)
	sub := r.sub
	r.sub = nil
	return sub
}

// applyDeviceProperties folds a property bag from the managed-objects
// snapshot into the record. Used when seeding from an existing bus object.
func (r *Record) applyDeviceProperties(path dbus.ObjectPath, props bus.Properties) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objectPath = path
	r.discovered = true
	if name, ok := props.String("Name"); ok {
		r.name = name
	}
	if connected, ok := props.Bool("Connected"); ok {
		r.connected = connected
	}
	if paired, ok := props.Bool("Paired"); ok {
		r.paired = paired
	}
	if trusted, ok := props.Bool("Trusted"); ok {
		r.trusted = trusted
	}
	if rssi, ok := props.Int16("RSSI"); ok {
		r.rssi = &rssi
	}
}

// copyStateFrom copies lifecycle fields and the characteristic table
// from a scan-local record into this one. The subscription is not
// copied; the caller installs its own.
func (r *Record) copyStateFrom(src *Record) {
	snap := src.Snapshot()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objectPath = dbus.ObjectPath(snap.ObjectPath)
	r.discovered = snap.Discovered
	r.connected = snap.Connected
	r.paired = snap.Paired
	r.trusted = snap.Trusted
	if snap.Name != "" {
		r.name = snap.Name
	}
	if snap.RSSI != nil {
		rssi := *snap.RSSI
		r.rssi = &rssi
	}
	r.characteristics = make(map[string]dbus.ObjectPath, len(snap.Characteristics))
	for uuid, path := range snap.Characteristics {
		r.characteristics[uuid] = dbus.ObjectPath(path)
	}
}
