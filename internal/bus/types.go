package bus

import (
	"strings"

	dbus "github.com/godbus/dbus/v5"
)

// Well-known BlueZ names and interfaces.
const (
	// BluezService is the bus name the BLE stack claims.
	BluezService = "org.bluez"

	// ObjectManagerIface is the standard object-manager interface rooted
	// at "/".
	ObjectManagerIface = "org.freedesktop.DBus.ObjectManager"

	// PropertiesIface is the standard properties interface present on
	// every object.
	PropertiesIface = "org.freedesktop.DBus.Properties"

	// AdapterIface is the local BLE controller interface.
	AdapterIface = "org.bluez.Adapter1"

	// DeviceIface is the remote peripheral interface.
	DeviceIface = "org.bluez.Device1"

	// CharacteristicIface is the GATT characteristic interface.
	CharacteristicIface = "org.bluez.GattCharacteristic1"
)

// Signal members routed by the Dispatcher.
const (
	SignalInterfacesAdded   = "InterfacesAdded"
	SignalInterfacesRemoved = "InterfacesRemoved"
	SignalPropertiesChanged = "PropertiesChanged"
)

// RootPath is the object-manager root.
const RootPath = dbus.ObjectPath("/")

// Properties is a property bag for one interface on one object.
type Properties map[string]dbus.Variant

// InterfaceSet maps interface name to its property bag.
type InterfaceSet map[string]Properties

// ManagedObjects is the object-manager snapshot: object path -> interface
// name -> property -> value.
type ManagedObjects map[dbus.ObjectPath]InterfaceSet

// String extracts a string property, returning ok=false when the property
// is absent or has a different type.
func (p Properties) String(name string) (string, bool) {
	v, ok := p[name]
	if !ok {
		return "", false
	}
	s, ok := v.Value().(string)
	return s, ok
}

// Bool extracts a boolean property.
func (p Properties) Bool(name string) (bool, bool) {
	v, ok := p[name]
	if !ok {
		return false, false
	}
	b, ok := v.Value().(bool)
	return b, ok
}

// Int16 extracts a signed 16-bit property (RSSI is reported as int16).
func (p Properties) Int16(name string) (int16, bool) {
	v, ok := p[name]
	if !ok {
		return 0, false
	}
	n, ok := v.Value().(int16)
	return n, ok
}

// Bytes extracts a byte-array property.
func (p Properties) Bytes(name string) ([]byte, bool) {
	v, ok := p[name]
	if !ok {
		return nil, false
	}
	b, ok := v.Value().([]byte)
	return b, ok
}

// ByteMap extracts a dict of byte arrays keyed by string, the shape BlueZ
// uses for the ServiceData property. Values that are not byte arrays are
// skipped.
func (p Properties) ByteMap(name string) (map[string][]byte, bool) {
	v, ok := p[name]
	if !ok {
		return nil, false
	}
	raw, ok := v.Value().(map[string]dbus.Variant)
	if !ok {
		return nil, false
	}
	out := make(map[string][]byte, len(raw))
	for k, vv := range raw {
		if b, ok := vv.Value().([]byte); ok {
			out[k] = b
		}
	}
	return out, true
}

// HasInterface reports whether the object at path implements iface in the
// snapshot.
func (m ManagedObjects) HasInterface(path dbus.ObjectPath, iface string) bool {
	ifaces, ok := m[path]
	if !ok {
		return false
	}
	_, ok = ifaces[iface]
	return ok
}

// DeviceProperties returns the Device1 property bag for path, if present.
func (m ManagedObjects) DeviceProperties(path dbus.ObjectPath) (Properties, bool) {
	props, ok := m[path][DeviceIface]
	return props, ok
}

// CharacteristicsUnder returns every GATT characteristic object parented
// under devicePath, as UUID -> object path. Characteristics are children of
// their device by path prefix. Duplicate UUIDs resolve last-writer-wins.
func (m ManagedObjects) CharacteristicsUnder(devicePath dbus.ObjectPath) map[string]dbus.ObjectPath {
	out := make(map[string]dbus.ObjectPath)
	prefix := string(devicePath) + "/"
	for path, ifaces := range m {
		props, ok := ifaces[CharacteristicIface]
		if !ok {
			continue
		}
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		if uuid, ok := props.String("UUID"); ok && uuid != "" {
			out[uuid] = path
		}
	}
	return out
}
