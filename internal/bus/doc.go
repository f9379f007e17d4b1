// Package bus provides the D-Bus client used to talk to the host BLE stack
// (BlueZ) and the signal dispatcher that fans bus signals out to consumers.
//
// The package has two halves:
//
//   - Conn: a thin, typed wrapper over the system bus. It exposes the
//     object-manager snapshot, property access, and method invocation on
//     remote objects. Failed calls are reported as *Error values carrying a
//     Kind derived from the remote D-Bus error name; Signals on a closed
//     connection returns ErrClosed.
//
//   - Dispatcher: consumes the raw signal stream from a Conn and routes
//     InterfacesAdded, InterfacesRemoved, and per-object PropertiesChanged
//     signals to registered handlers. Signals for the same object path are
//     delivered in arrival order and handlers for a path never run
//     concurrently with each other. No ordering is guaranteed across paths.
//
// Handlers registered with the Dispatcher must return promptly. Work that
// waits on further signals (connect polling, characteristic refresh) must be
// handed off to a worker goroutine by the handler.
package bus
