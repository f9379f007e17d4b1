package ble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	dbus "github.com/godbus/dbus/v5"

	"github.com/rowanhart/ble-bridge-core/internal/bus"
	"github.com/rowanhart/ble-bridge-core/internal/bus/bustest"
)

const testCharPath = testDevPath + "/service000a/char000b"

// captureEmitter records every outbound event for assertion.
type captureEmitter struct {
	mu     sync.Mutex
	events []Event
}

func (e *captureEmitter) Emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *captureEmitter) byType(typ string) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Event
	for _, ev := range e.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (e *captureEmitter) count(typ string) int {
	return len(e.byType(typ))
}

func testOptions() Options {
	return Options{
		AttemptTimeout: 250 * time.Millisecond,
		MaxRetries:     2,
		SettleDelay:    time.Millisecond,
		PollInterval:   2 * time.Millisecond,
		RetryBackoff:   5 * time.Millisecond,
		ScanTick:       5 * time.Millisecond,
		LinkPoll:       10 * time.Millisecond,
		LinkGrace:      10 * time.Millisecond,
	}
}

func newTestSystem(t *testing.T) (*bustest.Fake, *System, *captureEmitter) {
	t.Helper()
	fake := bustest.New()
	disp := bus.NewDispatcher(fake)
	if err := disp.Start(); err != nil {
		t.Fatalf("dispatcher Start() error = %v", err)
	}
	sys := NewSystem(fake, disp, testOptions())
	emitter := &captureEmitter{}
	sys.SetEmitter(emitter)
	t.Cleanup(func() {
		disp.Stop()
		fake.Close()
	})
	return fake, sys, emitter
}

// seedDevice installs the standard test device and one characteristic on
// the fake bus.
func seedDevice(fake *bustest.Fake) {
	fake.AddObject(testDevPath, bus.DeviceIface, bus.Properties{
		"Address":   dbus.MakeVariant(testMAC),
		"Name":      dbus.MakeVariant("Motion"),
		"Connected": dbus.MakeVariant(false),
		"Paired":    dbus.MakeVariant(false),
		"Trusted":   dbus.MakeVariant(false),
	})
	fake.AddObject(testCharPath, bus.CharacteristicIface, bus.Properties{
		"UUID": dbus.MakeVariant(testUUID),
	})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

// =============================================================================
// Add / remove
// =============================================================================

func TestAddDeviceAlreadyOnBus(t *testing.T) {
	fake, sys, emitter := newTestSystem(t)
	seedDevice(fake)

	if err := sys.AddDevice(context.Background(), testMAC); err != nil {
		t.Fatalf("AddDevice() error = %v", err)
	}

	added := emitter.byType(EventDeviceAdded)
	if len(added) != 1 {
		t.Fatalf("device_added events = %d, want 1", len(added))
	}
	ev := added[0]
	if ev.DeviceMAC != testMAC || ev.Name != "Motion" {
		t.Errorf("event identity = %q %q", ev.DeviceMAC, ev.Name)
	}
	if ev.Discovered == nil || !*ev.Discovered {
		t.Error("event discovered != true")
	}
	if ev.Connected == nil || *ev.Connected {
		t.Error("event connected != false")
	}
	if ev.Paired == nil || *ev.Paired {
		t.Error("event paired != false")
	}
	if ev.Trusted == nil || *ev.Trusted {
		t.Error("event trusted != false")
	}

	rec, ok := sys.Registry().Get(testMAC)
	if !ok {
		t.Fatal("record missing after AddDevice")
	}
	if path, ok := rec.CharacteristicPath(testUUID); !ok || path != testCharPath {
		t.Errorf("characteristic path = %q, %v", path, ok)
	}
	if !rec.subscribed() {
		t.Error("no subscription installed for discovered device")
	}
}

func TestAddDeviceNotOnBus(t *testing.T) {
	_, sys, emitter := newTestSystem(t)

	if err := sys.AddDevice(context.Background(), testMAC); err != nil {
		t.Fatalf("AddDevice() error = %v", err)
	}

	rec, ok := sys.Registry().Get(testMAC)
	if !ok {
		t.Fatal("record missing after AddDevice")
	}
	if rec.Discovered() {
		t.Error("device marked discovered with empty bus")
	}
	if emitter.count(EventDeviceAdded) != 1 {
		t.Errorf("device_added events = %d, want 1", emitter.count(EventDeviceAdded))
	}
}

func TestAddDeviceTwiceKeepsOneRecord(t *testing.T) {
	fake, sys, _ := newTestSystem(t)
	seedDevice(fake)

	sys.AddDevice(context.Background(), testMAC)
	sys.AddDevice(context.Background(), testMAC)

	if got := sys.Registry().Len(); got != 1 {
		t.Errorf("registry size after double add = %d, want 1", got)
	}
}

func TestAddDeviceNormalizesMAC(t *testing.T) {
	fake, sys, _ := newTestSystem(t)
	seedDevice(fake)

	if err := sys.AddDevice(context.Background(), "38:39:8f:82:18:7e"); err != nil {
		t.Fatalf("AddDevice() error = %v", err)
	}
	if _, ok := sys.Registry().Get(testMAC); !ok {
		t.Error("lower-case add did not normalize to canonical MAC")
	}
}

func TestAddDeviceInvalidMAC(t *testing.T) {
	_, sys, emitter := newTestSystem(t)

	err := sys.AddDevice(context.Background(), "not-a-mac")
	if !errors.Is(err, ErrInvalidMAC) {
		t.Fatalf("AddDevice() error = %v, want ErrInvalidMAC", err)
	}
	added := emitter.byType(EventDeviceAdded)
	if len(added) != 1 || added[0].Error == "" {
		t.Errorf("expected one device_added error event, got %+v", added)
	}
}

func TestRemoveDeviceTwice(t *testing.T) {
	fake, sys, emitter := newTestSystem(t)
	seedDevice(fake)
	sys.AddDevice(context.Background(), testMAC)

	if err := sys.RemoveDevice(context.Background(), testMAC); err != nil {
		t.Fatalf("first RemoveDevice() error = %v", err)
	}
	err := sys.RemoveDevice(context.Background(), testMAC)
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("second RemoveDevice() error = %v, want ErrDeviceNotFound", err)
	}

	removed := emitter.byType(EventDeviceRemoved)
	if len(removed) != 2 {
		t.Fatalf("device_removed events = %d, want 2", len(removed))
	}
	if removed[0].Error != "" {
		t.Errorf("first removal carried error %q", removed[0].Error)
	}
	if removed[1].Error != "Device not found" {
		t.Errorf("second removal error = %q, want %q", removed[1].Error, "Device not found")
	}
}

func TestRemoveDeviceDisconnectsConnected(t *testing.T) {
	fake, sys, _ := newTestSystem(t)
	seedDevice(fake)
	fake.SetObjectProperty(testDevPath, bus.DeviceIface, "Connected", true)

	sys.AddDevice(context.Background(), testMAC)
	sys.RemoveDevice(context.Background(), testMAC)

	if fake.CallCount("Disconnect") != 1 {
		t.Errorf("Disconnect calls = %d, want 1", fake.CallCount("Disconnect"))
	}
}

func TestSignalAfterRemovalIsDropped(t *testing.T) {
	fake, sys, emitter := newTestSystem(t)
	seedDevice(fake)
	sys.AddDevice(context.Background(), testMAC)
	sys.RemoveDevice(context.Background(), testMAC)

	before := emitter.count(EventDeviceUpdate)
	fake.EmitPropertiesChanged(testDevPath, bus.DeviceIface,
		bus.Properties{"Connected": dbus.MakeVariant(true)}, nil)
	time.Sleep(30 * time.Millisecond)

	if got := emitter.count(EventDeviceUpdate); got != before {
		t.Errorf("device_update events after removal = %d, want %d", got, before)
	}
}

func TestReconcileMissingRecordIsNoop(t *testing.T) {
	_, sys, emitter := newTestSystem(t)

	// An in-flight handler resolving a just-removed MAC must return
	// without emitting.
	sys.reconcile(testMAC, bus.Properties{"Connected": dbus.MakeVariant(true)})

	if emitter.count(EventDeviceUpdate) != 0 {
		t.Error("reconcile for unknown MAC emitted an event")
	}
}

// =============================================================================
// Reconciliation
// =============================================================================

func TestConnectedSignalTriggersTrustAndUpdate(t *testing.T) {
	fake, sys, emitter := newTestSystem(t)
	seedDevice(fake)
	sys.AddDevice(context.Background(), testMAC)

	fake.EmitPropertiesChanged(testDevPath, bus.DeviceIface,
		bus.Properties{"Connected": dbus.MakeVariant(true)}, nil)

	waitFor(t, time.Second, func() bool {
		return emitter.count(EventDeviceUpdate) >= 1 && fake.CallCount(".Set") >= 1
	})

	ev := emitter.byType(EventDeviceUpdate)[0]
	if ev.Connected == nil || !*ev.Connected {
		t.Error("device_update connected != true")
	}

	sets := fake.Calls(".Set")
	if len(sets) == 0 || sets[0].Args[1] != "Trusted" {
		t.Fatalf("expected a Trusted property write, got %+v", sets)
	}

	// The stack confirms the flip with its own signal.
	fake.EmitPropertiesChanged(testDevPath, bus.DeviceIface,
		bus.Properties{"Trusted": dbus.MakeVariant(true)}, nil)
	waitFor(t, time.Second, func() bool {
		rec, _ := sys.Registry().Get(testMAC)
		return rec.Trusted()
	})
}

func TestDisconnectSignalClearsCharacteristics(t *testing.T) {
	fake, sys, emitter := newTestSystem(t)
	seedDevice(fake)
	sys.AddDevice(context.Background(), testMAC)

	rec, _ := sys.Registry().Get(testMAC)
	if len(rec.Characteristics()) == 0 {
		t.Fatal("seeded device has no characteristics")
	}

	fake.EmitPropertiesChanged(testDevPath, bus.DeviceIface,
		bus.Properties{"Connected": dbus.MakeVariant(false)}, nil)

	waitFor(t, time.Second, func() bool {
		return emitter.count(EventDeviceUpdate) >= 1
	})
	if got := len(rec.Characteristics()); got != 0 {
		t.Errorf("characteristics after disconnect signal = %d entries, want 0", got)
	}
	ev := emitter.byType(EventDeviceUpdate)[0]
	if ev.Connected == nil || *ev.Connected {
		t.Error("device_update connected != false")
	}
}

func TestServicesResolvedRefreshesCharacteristics(t *testing.T) {
	fake, sys, _ := newTestSystem(t)
	fake.AddObject(testDevPath, bus.DeviceIface, bus.Properties{
		"Address": dbus.MakeVariant(testMAC),
	})
	sys.AddDevice(context.Background(), testMAC)

	rec, _ := sys.Registry().Get(testMAC)
	if len(rec.Characteristics()) != 0 {
		t.Fatal("characteristics present before resolution")
	}

	fake.AddObject(testCharPath, bus.CharacteristicIface, bus.Properties{
		"UUID": dbus.MakeVariant(testUUID),
	})
	fake.EmitPropertiesChanged(testDevPath, bus.DeviceIface,
		bus.Properties{"ServicesResolved": dbus.MakeVariant(true)}, nil)

	waitFor(t, time.Second, func() bool {
		_, ok := rec.CharacteristicPath(testUUID)
		return ok
	})
}

func TestServiceDataBroadcast(t *testing.T) {
	fake, sys, emitter := newTestSystem(t)
	seedDevice(fake)
	sys.AddDevice(context.Background(), testMAC)

	fake.EmitPropertiesChanged(testDevPath, bus.DeviceIface,
		bus.Properties{"ServiceData": dbus.MakeVariant(map[string]dbus.Variant{
			"fea0": dbus.MakeVariant([]byte{0x01, 0x02, 0x03}),
		})}, nil)

	waitFor(t, time.Second, func() bool {
		return emitter.count(EventDeviceBroadcast) == 1
	})

	ev := emitter.byType(EventDeviceBroadcast)[0]
	if ev.DeviceMAC != testMAC {
		t.Errorf("device_mac = %q", ev.DeviceMAC)
	}
	if ev.ServiceData == nil || ev.ServiceData.UUID != "fea0" || ev.ServiceData.Data != "01 02 03" {
		t.Errorf("service_data = %+v", ev.ServiceData)
	}
	if ev.Connected != nil {
		t.Error("broadcast event carried lifecycle flags")
	}
}

func TestRSSIFoldsIntoUpdate(t *testing.T) {
	fake, sys, emitter := newTestSystem(t)
	seedDevice(fake)
	sys.AddDevice(context.Background(), testMAC)

	fake.EmitPropertiesChanged(testDevPath, bus.DeviceIface,
		bus.Properties{"RSSI": dbus.MakeVariant(int16(-71))}, nil)

	waitFor(t, time.Second, func() bool {
		return emitter.count(EventDeviceUpdate) == 1
	})
	ev := emitter.byType(EventDeviceUpdate)[0]
	if ev.RSSI == nil || *ev.RSSI != -71 {
		t.Errorf("rssi = %v", ev.RSSI)
	}
}

// =============================================================================
// Characteristic I/O
// =============================================================================

func TestReadCharacteristic(t *testing.T) {
	fake, sys, _ := newTestSystem(t)
	seedDevice(fake)
	sys.AddDevice(context.Background(), testMAC)

	fake.OnInvokeBytes(testCharPath, bus.CharacteristicIface+".ReadValue",
		func(*bustest.Fake, bustest.Call) ([]byte, error) {
			return []byte{0xDE, 0xAD, 0x01}, nil
		})

	data, err := sys.ReadCharacteristic(context.Background(), testMAC, testUUID)
	if err != nil {
		t.Fatalf("ReadCharacteristic() error = %v", err)
	}
	if hexString(data) != "dead01" {
		t.Errorf("payload = %q, want %q", hexString(data), "dead01")
	}
}

func TestReadCharacteristicUnknownUUID(t *testing.T) {
	fake, sys, _ := newTestSystem(t)
	seedDevice(fake)
	sys.AddDevice(context.Background(), testMAC)

	_, err := sys.ReadCharacteristic(context.Background(), testMAC, "0000fea0-0000-1000-8000-00805f9b34fb")
	if !errors.Is(err, ErrCharacteristicNotFound) {
		t.Errorf("error = %v, want ErrCharacteristicNotFound", err)
	}
}

func TestWriteCharacteristic(t *testing.T) {
	fake, sys, _ := newTestSystem(t)
	seedDevice(fake)
	sys.AddDevice(context.Background(), testMAC)

	if err := sys.WriteCharacteristic(context.Background(), testMAC, testUUID, []byte{0x0A}, ""); err != nil {
		t.Fatalf("WriteCharacteristic() error = %v", err)
	}

	writes := fake.Calls("WriteValue")
	if len(writes) != 1 {
		t.Fatalf("WriteValue calls = %d, want 1", len(writes))
	}
	value, ok := writes[0].Args[0].([]byte)
	if !ok || len(value) != 1 || value[0] != 0x0A {
		t.Errorf("written value = %v", writes[0].Args[0])
	}
	options, ok := writes[0].Args[1].(map[string]dbus.Variant)
	if !ok {
		t.Fatalf("options arg = %T", writes[0].Args[1])
	}
	if typ, _ := options["type"].Value().(string); typ != "request" {
		t.Errorf("write type = %q, want %q", typ, "request")
	}
}

func TestWriteCharacteristicUnknownDevice(t *testing.T) {
	_, sys, _ := newTestSystem(t)

	err := sys.WriteCharacteristic(context.Background(), testMAC, testUUID, []byte{0x01}, "command")
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("error = %v, want ErrDeviceNotFound", err)
	}
}
