package ble

import (
	"sort"
	"sync"
)

// Logger defines the logging interface used by the ble package.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry is the process-wide mapping of MAC to device record. It holds
// the sole strong reference that keeps a record alive; signal handlers
// re-resolve through Get and treat a miss as "record gone".
//
// Lock ordering: the registry lock is acquired before any per-record
// lock, and no bus I/O happens while it is held. Mutation goes through
// Add and Remove only.
//
// All public methods are thread-safe.
type Registry struct {
	mu      sync.Mutex
	records map[string]*Record
	logger  Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		records: make(map[string]*Record),
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// Add inserts a fresh record for mac, or returns the existing one. The
// second return value reports whether a record was created; a repeat add
// is a no-op. The caller normalizes mac first.
func (r *Registry) Add(mac string) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[mac]; ok {
		r.logger.Debug("device already registered", "mac", mac)
		return rec, false
	}
	rec := newRecord(mac)
	r.records[mac] = rec
	r.logger.Info("device registered", "mac", mac)
	return rec, true
}

// Remove extracts and deletes the record for mac, returning nil when
// absent. Once Remove returns, no Get observes the record; the caller
// performs disconnect and subscription teardown on the extracted record
// outside the registry lock.
func (r *Registry) Remove(mac string) *Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[mac]
	if !ok {
		return nil
	}
	delete(r.records, mac)
	r.logger.Info("device deregistered", "mac", mac)
	return rec
}

// Get looks up the record for mac.
func (r *Registry) Get(mac string) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[mac]
	return rec, ok
}

// MACs returns the sorted set of registered MACs.
func (r *Registry) MACs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	macs := make([]string, 0, len(r.records))
	for mac := range r.records {
		macs = append(macs, mac)
	}
	sort.Strings(macs)
	return macs
}

// Snapshots returns a point-in-time copy of every record, sorted by MAC.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	records := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		records = append(records, rec)
	}
	r.mu.Unlock()

	snaps := make([]Snapshot, 0, len(records))
	for _, rec := range records {
		snaps = append(snaps, rec.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].MAC < snaps[j].MAC })
	return snaps
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}
