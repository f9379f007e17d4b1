package ble

import "errors"

// Domain errors for the ble package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, ble.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when a MAC is not present in the registry.
	ErrDeviceNotFound = errors.New("ble: device not found")

	// ErrInvalidMAC is returned when a MAC address fails normalization.
	ErrInvalidMAC = errors.New("ble: invalid mac address")

	// ErrNotDiscovered is returned when an operation requires a live bus
	// object but the device has not been discovered.
	ErrNotDiscovered = errors.New("ble: device not discovered")

	// ErrAttemptsExhausted is returned when a lifecycle operation fails
	// after its full retry budget.
	ErrAttemptsExhausted = errors.New("ble: attempts exhausted")

	// ErrCharacteristicNotFound is returned when a UUID is absent from the
	// device's characteristic table.
	ErrCharacteristicNotFound = errors.New("ble: characteristic not found")

	// ErrScanStopped reports a scan that was stopped. No function in this
	// package returns it.
	ErrScanStopped = errors.New("ble: scan stopped")
)
