package bus_test

import (
	"sync"
	"testing"
	"time"

	dbus "github.com/godbus/dbus/v5"

	"github.com/rowanhart/ble-bridge-core/internal/bus"
	"github.com/rowanhart/ble-bridge-core/internal/bus/bustest"
)

const testDevPath = dbus.ObjectPath("/org/bluez/hci0/dev_38_39_8F_82_18_7E")

func startDispatcher(t *testing.T) (*bustest.Fake, *bus.Dispatcher) {
	t.Helper()
	fake := bustest.New()
	d := bus.NewDispatcher(fake)
	if err := d.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		d.Stop()
		fake.Close()
	})
	return fake, d
}

// waitFor polls cond until it holds or the deadline passes.
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

func TestDispatcherRoutesPropertiesChanged(t *testing.T) {
	fake, d := startDispatcher(t)
	fake.AddObject(testDevPath, bus.DeviceIface, bus.Properties{})

	var mu sync.Mutex
	var got []string
	d.OnPropertiesChanged(testDevPath, func(iface string, changed bus.Properties, _ []string) {
		mu.Lock()
		defer mu.Unlock()
		if b, ok := changed.Bool("Connected"); ok && b {
			got = append(got, iface+":connected")
		}
	})

	fake.EmitPropertiesChanged(testDevPath, bus.DeviceIface,
		bus.Properties{"Connected": dbus.MakeVariant(true)}, nil)

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if got[0] != bus.DeviceIface+":connected" {
		t.Errorf("handler saw %q", got[0])
	}
}

func TestDispatcherPerPathOrdering(t *testing.T) {
	fake, d := startDispatcher(t)
	fake.AddObject(testDevPath, bus.DeviceIface, bus.Properties{})

	const n = 50
	var mu sync.Mutex
	var order []int16
	d.OnPropertiesChanged(testDevPath, func(_ string, changed bus.Properties, _ []string) {
		if v, ok := changed.Int16("RSSI"); ok {
			mu.Lock()
			order = append(order, v)
			mu.Unlock()
		}
	})

	for i := int16(0); i < n; i++ {
		fake.EmitPropertiesChanged(testDevPath, bus.DeviceIface,
			bus.Properties{"RSSI": dbus.MakeVariant(i)}, nil)
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == n
	})

	mu.Lock()
	defer mu.Unlock()
	for i := int16(0); i < n; i++ {
		if order[i] != i {
			t.Fatalf("events delivered out of order: position %d holds %d", i, order[i])
		}
	}
}

func TestDispatcherNoHandlerReentrancy(t *testing.T) {
	fake, d := startDispatcher(t)
	fake.AddObject(testDevPath, bus.DeviceIface, bus.Properties{})

	var mu sync.Mutex
	active := 0
	maxActive := 0
	seen := 0
	d.OnPropertiesChanged(testDevPath, func(string, bus.Properties, []string) {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()

		time.Sleep(time.Millisecond)

		mu.Lock()
		active--
		seen++
		mu.Unlock()
	})

	for i := 0; i < 10; i++ {
		fake.EmitPropertiesChanged(testDevPath, bus.DeviceIface,
			bus.Properties{"Connected": dbus.MakeVariant(true)}, nil)
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen == 10
	})

	mu.Lock()
	defer mu.Unlock()
	if maxActive != 1 {
		t.Errorf("handler concurrency = %d, want 1", maxActive)
	}
}

func TestDispatcherRootSignals(t *testing.T) {
	fake, d := startDispatcher(t)

	var mu sync.Mutex
	var added, removed []dbus.ObjectPath
	d.OnInterfacesAdded(func(path dbus.ObjectPath, ifaces bus.InterfaceSet) {
		if _, ok := ifaces[bus.DeviceIface]; !ok {
			return
		}
		mu.Lock()
		added = append(added, path)
		mu.Unlock()
	})
	d.OnInterfacesRemoved(func(path dbus.ObjectPath, _ []string) {
		mu.Lock()
		removed = append(removed, path)
		mu.Unlock()
	})

	fake.AddObject(testDevPath, bus.DeviceIface, bus.Properties{
		"Address": dbus.MakeVariant("38:39:8F:82:18:7E"),
	})
	fake.EmitInterfacesAdded(testDevPath)
	fake.EmitInterfacesRemoved(testDevPath, []string{bus.DeviceIface})

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(added) == 1 && len(removed) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if added[0] != testDevPath || removed[0] != testDevPath {
		t.Errorf("added = %v removed = %v", added, removed)
	}
}

func TestSubscriptionCancelStopsDelivery(t *testing.T) {
	fake, d := startDispatcher(t)
	fake.AddObject(testDevPath, bus.DeviceIface, bus.Properties{})

	var mu sync.Mutex
	count := 0
	sub := d.OnPropertiesChanged(testDevPath, func(string, bus.Properties, []string) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	fake.EmitPropertiesChanged(testDevPath, bus.DeviceIface,
		bus.Properties{"Connected": dbus.MakeVariant(true)}, nil)
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	})

	sub.Cancel()
	sub.Cancel() // idempotent

	fake.EmitPropertiesChanged(testDevPath, bus.DeviceIface,
		bus.Properties{"Connected": dbus.MakeVariant(false)}, nil)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("handler ran %d times after cancel, want 1", count)
	}
}

func TestDispatcherHandlerPanicIsolated(t *testing.T) {
	fake, d := startDispatcher(t)
	fake.AddObject(testDevPath, bus.DeviceIface, bus.Properties{})

	var mu sync.Mutex
	count := 0
	d.OnPropertiesChanged(testDevPath, func(string, bus.Properties, []string) {
		mu.Lock()
		count++
		n := count
		mu.Unlock()
		if n == 1 {
			panic("boom")
		}
	})

	fake.EmitPropertiesChanged(testDevPath, bus.DeviceIface,
		bus.Properties{"Connected": dbus.MakeVariant(true)}, nil)
	fake.EmitPropertiesChanged(testDevPath, bus.DeviceIface,
		bus.Properties{"Connected": dbus.MakeVariant(false)}, nil)

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 2
	})
}

func TestDispatcherStopIdempotent(t *testing.T) {
	fake := bustest.New()
	d := bus.NewDispatcher(fake)
	if err := d.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	d.Stop()
	d.Stop()
	fake.Close()
}
