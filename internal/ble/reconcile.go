package ble

import (
	"context"
	"sort"

	dbus "github.com/godbus/dbus/v5"

	"github.com/rowanhart/ble-bridge-core/internal/bus"
)

// installSubscription routes PropertiesChanged for the device at path to
// the reconciliation handler. The closure captures only the MAC; on
// every delivery the record is re-resolved through the registry, so a
// removed device simply stops matching and the event is dropped.
func (s *System) installSubscription(rec *Record, path dbus.ObjectPath) {
	mac := rec.MAC()
	sub := s.disp.OnPropertiesChanged(path, func(iface string, changed bus.Properties, invalidated []string) {
		if iface != bus.DeviceIface {
			return
		}
		s.reconcile(mac, changed)
	})
	rec.setSubscription(sub).Cancel()
}

// reconcile applies one property-change signal to the record for mac and
// emits at most one outbound event. Each recognized key is handled
// independently; unknown keys are ignored. Runs on the dispatcher's
// per-path queue, so it must not block: trust writes and characteristic
// refreshes are handed off to short-lived goroutines.
func (s *System) reconcile(mac string, changed bus.Properties) {
	rec, ok := s.registry.Get(mac)
	if !ok {
		return
	}

	stateChanged := false

	if connected, ok := changed.Bool("Connected"); ok {
		rec.setConnected(connected)
		stateChanged = true
		if connected && !rec.Trusted() {
			go s.setTrusted(rec)
		}
	}

	if resolved, ok := changed.Bool("ServicesResolved"); ok {
		if resolved {
			go func() {
				if err := s.refreshCharacteristics(context.Background(), rec); err != nil {
					s.logger.Warn("characteristic refresh failed", "mac", mac, "error", err)
				}
			}()
		} else {
			rec.clearCharacteristics()
		}
	}

	if paired, ok := changed.Bool("Paired"); ok {
		rec.setPaired(paired)
		stateChanged = true
	}

	if trusted, ok := changed.Bool("Trusted"); ok {
		rec.setTrusted(trusted)
		stateChanged = true
	}

	if name, ok := changed.String("Name"); ok {
		rec.SetName(name)
		stateChanged = true
	}

	if rssi, ok := changed.Int16("RSSI"); ok {
		rec.setRSSI(rssi)
		stateChanged = true
	}

	if stateChanged {
		s.emitter.Emit(stateEvent(EventDeviceUpdate, rec.Snapshot()))
		return
	}

	if data, ok := changed.ByteMap("ServiceData"); ok && len(data) > 0 {
		s.emitter.Emit(broadcastEvent(mac, data))
	}
}

// setTrusted writes Trusted=true on the remote object. Best-effort; the
// Trusted property signal confirms the flip.
func (s *System) setTrusted(rec *Record) {
	path := rec.ObjectPath()
	if path == "" {
		return
	}
	if err := s.conn.SetProperty(context.Background(), path, bus.DeviceIface, "Trusted", true); err != nil {
		s.logger.Warn("set trusted failed", "mac", rec.MAC(), "error", err)
	}
}

// broadcastEvent renders one service-data advertisement. When several
// UUIDs arrive in the same signal the lowest is reported, keeping to one
// event per signal.
func broadcastEvent(mac string, data map[string][]byte) Event {
	uuids := make([]string, 0, len(data))
	for uuid := range data {
		uuids = append(uuids, uuid)
	}
	sort.Strings(uuids)
	uuid := uuids[0]
	return Event{
		Type:      EventDeviceBroadcast,
		DeviceMAC: mac,
		ServiceData: &ServiceData{
			UUID: uuid,
			Data: spacedHex(data[uuid]),
		},
	}
}
