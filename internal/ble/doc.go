// Package ble holds the device domain: the per-device record, the
// process-wide registry, the scan controller, and the lifecycle
// operations (connect, pair, disconnect) that drive a remote peripheral
// through the BLE stack.
//
// The package is organized around a single System aggregate owning the
// bus connection, the signal dispatcher, the registry, and the outbound
// event emitter. Nothing here is global; callers construct one System
// and pass it where needed.
//
// Concurrency model:
//   - The Registry lock is acquired before any per-record lock, and no
//     bus I/O happens while either is held.
//   - Record getters return copies; multi-field reads go through
//     Snapshot.
//   - Signal handlers capture only a MAC and re-resolve the record
//     through the Registry on entry. A lookup miss means the device was
//     removed; the event is dropped.
//   - Lifecycle operations poll record flags that the reconciliation
//     handler flips from property signals. The bus method return value
//     alone is never trusted for completion.
package ble
