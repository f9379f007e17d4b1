package ble

import (
	"context"
	"sync"
	"time"

	dbus "github.com/godbus/dbus/v5"

	"github.com/rowanhart/ble-bridge-core/internal/bus"
)

// DiscoveredView is the scan-local table of devices currently visible on
// the bus. It is distinct from the Registry: records here are ephemeral,
// may belong to devices never registered, and are merged into the
// Registry by the link loop.
//
// Thread Safety: all methods are safe for concurrent use.
type DiscoveredView struct {
	mu      sync.Mutex
	devices map[string]*Record
}

func newDiscoveredView() *DiscoveredView {
	return &DiscoveredView{devices: make(map[string]*Record)}
}

// Get looks up the discovered record for mac.
func (v *DiscoveredView) Get(mac string) (*Record, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	rec, ok := v.devices[mac]
	return rec, ok
}

// Has reports whether mac has been discovered.
func (v *DiscoveredView) Has(mac string) bool {
	_, ok := v.Get(mac)
	return ok
}

// MACs returns the set of discovered MACs.
func (v *DiscoveredView) MACs() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	macs := make([]string, 0, len(v.devices))
	for mac := range v.devices {
		macs = append(macs, mac)
	}
	return macs
}

// Len returns the number of discovered devices.
func (v *DiscoveredView) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.devices)
}

func (v *DiscoveredView) put(mac string, rec *Record) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.devices[mac] = rec
}

func (v *DiscoveredView) remove(mac string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.devices[mac]
	delete(v.devices, mac)
	return ok
}

// attachCharacteristic binds uuid to path on the discovered device whose
// object path is a prefix of path.
func (v *DiscoveredView) attachCharacteristic(uuid string, path dbus.ObjectPath) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, rec := range v.devices {
		if rec.ownsPath(path) {
			rec.addCharacteristic(uuid, path)
			return
		}
	}
}

// ScanHandle owns one discovery cycle: the discovered view, the root
// signal subscriptions, and the worker that enforces the duration cap.
// Stop is idempotent; it sets the stop flag and waits for the worker,
// which cancels the subscriptions and issues a best-effort StopDiscovery
// on its way out.
type ScanHandle struct {
	view     *DiscoveredView
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// View returns the discovered view being maintained by this scan.
func (h *ScanHandle) View() *DiscoveredView { return h.view }

// Done is closed once the worker has exited and discovery teardown has
// been attempted.
func (h *ScanHandle) Done() <-chan struct{} { return h.done }

// Stop requests worker exit and blocks until teardown completes.
func (h *ScanHandle) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
}

// Scan starts one discovery cycle.
//
// The view is seeded from the managed-objects snapshot, root signals
// keep it current, and the adapter's discovery is restarted with a
// deliberate StopDiscovery, settle, StartDiscovery sequence. The restart
// flushes the adapter's cache of recently-seen advertisements so that
// devices advertising right now reappear; do not collapse it to a bare
// StartDiscovery.
//
// duration caps the cycle; zero means "until Stop is called". A failed
// StartDiscovery is logged and the cycle continues on signals alone,
// so already-cached devices still surface.
func (s *System) Scan(ctx context.Context, duration time.Duration) (*ScanHandle, error) {
	view := newDiscoveredView()

	objects, err := s.conn.GetManagedObjects(ctx)
	if err != nil {
		return nil, err
	}
	for path, ifaces := range objects {
		props, ok := ifaces[bus.DeviceIface]
		if !ok {
			continue
		}
		mac, ok := deviceMAC(path, props)
		if !ok {
			continue
		}
		rec := newRecord(mac)
		rec.applyDeviceProperties(path, props)
		rec.setCharacteristics(objects.CharacteristicsUnder(path))
		view.put(mac, rec)
	}
	s.emitter.Emit(Event{Type: EventScanExisting, Devices: view.MACs()})

	handle := &ScanHandle{
		view: view,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	addSub := s.disp.OnInterfacesAdded(func(path dbus.ObjectPath, ifaces bus.InterfaceSet) {
		s.scanInterfacesAdded(view, path, ifaces)
	})
	removeSub := s.disp.OnInterfacesRemoved(func(path dbus.ObjectPath, _ []string) {
		if mac, ok := MACFromPath(path); ok && view.remove(mac) {
			s.emitter.Emit(Event{Type: EventScanRemoved, DeviceMAC: mac})
		}
	})

	if err := s.conn.Invoke(ctx, s.opts.AdapterPath, bus.AdapterIface+".StopDiscovery"); err != nil {
		s.logger.Debug("pre-scan stop discovery", "error", err)
	}
	select {
	case <-time.After(s.opts.SettleDelay):
	case <-ctx.Done():
	}
	if err := s.conn.Invoke(ctx, s.opts.AdapterPath, bus.AdapterIface+".StartDiscovery"); err != nil {
		s.logger.Warn("start discovery failed, continuing on cached objects", "error", err)
	}

	go s.scanWorker(ctx, handle, addSub, removeSub, duration)
	return handle, nil
}

// scanWorker wakes on every tick, watching the stop flag and the
// duration cap, then tears the cycle down.
func (s *System) scanWorker(ctx context.Context, handle *ScanHandle, addSub, removeSub *bus.Subscription, duration time.Duration) {
	defer close(handle.done)
	defer func() {
		addSub.Cancel()
		removeSub.Cancel()
		if err := s.conn.Invoke(context.Background(), s.opts.AdapterPath, bus.AdapterIface+".StopDiscovery"); err != nil {
			s.logger.Debug("scan teardown stop discovery", "error", err)
		}
	}()

	var deadline <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(s.opts.ScanTick)
	defer ticker.Stop()
	for {
		select {
		case <-handle.stop:
			return
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case <-ticker.C:
		}
	}
}

// scanInterfacesAdded folds one InterfacesAdded signal into the view:
// new devices are recorded, new characteristics attach to their parent
// device by path prefix.
func (s *System) scanInterfacesAdded(view *DiscoveredView, path dbus.ObjectPath, ifaces bus.InterfaceSet) {
	if props, ok := ifaces[bus.DeviceIface]; ok {
		mac, ok := deviceMAC(path, props)
		if !ok {
			return
		}
		rec := newRecord(mac)
		rec.applyDeviceProperties(path, props)
		view.put(mac, rec)
		s.emitter.Emit(Event{Type: EventScanAdded, DeviceMAC: mac, Name: rec.Name()})
		return
	}
	if props, ok := ifaces[bus.CharacteristicIface]; ok {
		if uuid, ok := props.String("UUID"); ok {
			view.attachCharacteristic(uuid, path)
		}
	}
}

// deviceMAC extracts the device's MAC from its Address property, falling
// back to the object path.
func deviceMAC(path dbus.ObjectPath, props bus.Properties) (string, bool) {
	if addr, ok := props.String("Address"); ok {
		if mac, err := NormalizeMAC(addr); err == nil {
			return mac, true
		}
	}
	return MACFromPath(path)
}
