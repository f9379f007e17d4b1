package handler

import (
	"encoding/json"
	"fmt"

	"github.com/rowanhart/ble-bridge-core/internal/ble"
)

// Origin identifies this process in every outbound payload.
const Origin = "ble_handler"

// Inbound verbs, matched against the "command" field.
const (
	CmdAddDevices          = "add_devices"
	CmdRemoveDevices       = "remove_devices"
	CmdConnectDevice       = "connect_device"
	CmdPairDevice          = "pair_device"
	CmdReadCharacteristic  = "read_characteristic"
	CmdWriteCharacteristic = "write_characteristic"
	CmdPrint               = "print"
)

// MACList accepts either a single address string or an array of them, so
// batch verbs and single-device verbs share the "mac" field.
type MACList []string

// UnmarshalJSON implements json.Unmarshaler.
func (m *MACList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*m = MACList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("mac must be a string or array of strings")
	}
	*m = MACList(many)
	return nil
}

// Command is one inbound control document.
type Command struct {
	// Command is the verb. Required.
	Command string `json:"command"`

	// MAC carries the target address(es) for device verbs.
	MAC MACList `json:"mac,omitempty"`

	// UUID selects the characteristic for read/write verbs.
	UUID string `json:"uuid,omitempty"`

	// Value is the write payload, lowercase hex without separators.
	Value string `json:"value,omitempty"`

	// Mode selects the write type, "request" (default) or "command".
	Mode string `json:"mode,omitempty"`
}

// ParseCommand decodes and validates an inbound payload.
func ParseCommand(payload []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return cmd, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if cmd.Command == "" {
		return cmd, ErrMissingCommand
	}
	return cmd, nil
}

// FirstMAC returns the single address of a single-device verb.
func (c Command) FirstMAC() (string, error) {
	if len(c.MAC) == 0 || c.MAC[0] == "" {
		return "", ErrMissingMAC
	}
	return c.MAC[0], nil
}

// Envelope is the outbound wire form: a domain event plus the origin tag.
type Envelope struct {
	Origin string `json:"origin"`
	ble.Event
}

// NewEnvelope wraps a domain event for publication.
func NewEnvelope(ev ble.Event) Envelope {
	return Envelope{Origin: Origin, Event: ev}
}

// errorEvent builds the generic failure event for commands that have no
// richer event type of their own.
func errorEvent(err error) ble.Event {
	return ble.Event{Type: "error", Error: err.Error()}
}

// snapshotEvent builds an event of the given type carrying a device
// snapshot's lifecycle fields.
func snapshotEvent(typ string, snap ble.Snapshot) ble.Event {
	ev := ble.Event{
		Type:       typ,
		DeviceMAC:  snap.MAC,
		Name:       snap.Name,
		Discovered: &snap.Discovered,
		Connected:  &snap.Connected,
		Paired:     &snap.Paired,
		Trusted:    &snap.Trusted,
	}
	if snap.RSSI != nil {
		rssi := *snap.RSSI
		ev.RSSI = &rssi
	}
	return ev
}
