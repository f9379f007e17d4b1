package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rowanhart/ble-bridge-core/internal/ble"
)

// DeviceListResponse wraps the registry snapshot list.
type DeviceListResponse struct {
	Devices []ble.Snapshot `json:"devices"`
	Count   int            `json:"count"`
}

// handleListDevices returns every registered device.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	snaps := s.devices.Devices()
	if snaps == nil {
		snaps = []ble.Snapshot{}
	}
	writeJSON(w, http.StatusOK, DeviceListResponse{Devices: snaps, Count: len(snaps)})
}

// handleGetDevice returns one device by MAC address.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	mac, err := ble.NormalizeMAC(chi.URLParam(r, "mac"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	for _, snap := range s.devices.Devices() {
		if snap.MAC == mac {
			writeJSON(w, http.StatusOK, snap)
			return
		}
	}
	writeNotFound(w, "device not registered: "+mac)
}
