// Package handler implements the MQTT command surface of the BLE bridge.
//
// It is the single entry point between the broker control plane and the
// device domain: inbound JSON commands on blebridge/command are parsed
// and dispatched to the ble.System, and every domain event is serialized
// and published on blebridge/event.
//
// # Architecture
//
//	MQTT Broker ──commands──▶ Handler ──verbs──▶ ble.System ──▶ BlueZ
//	MQTT Broker ◀──events──── Handler ◀──Emit─── ble.System
//
// # Command Processing
//
// Short verbs (add_devices, remove_devices, print) run on the inbound
// callback. Connect, pair, and characteristic I/O block on bus round
// trips and retry loops, so they run on tracked worker goroutines; the
// callback returns immediately.
//
// Every command except print produces an eventual outbound event; print
// only writes the registry dump to the log. Failures are converted into
// events carrying an "error" field; nothing panics the process and no
// failure is silently dropped.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Emit may be called from
// signal-offload goroutines and lifecycle workers simultaneously.
package handler
