package bus

import (
	"sync"

	dbus "github.com/godbus/dbus/v5"
)

// Logger is the narrow logging interface the dispatcher needs.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

// noopLogger is used until SetLogger is called.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// InterfacesAddedFunc handles an object appearing on the bus.
type InterfacesAddedFunc func(path dbus.ObjectPath, ifaces InterfaceSet)

// InterfacesRemovedFunc handles an object (or some of its interfaces)
// disappearing from the bus.
type InterfacesRemovedFunc func(path dbus.ObjectPath, ifaces []string)

// PropertiesChangedFunc handles a property change on one object.
type PropertiesChangedFunc func(iface string, changed Properties, invalidated []string)

// Subscription is the cancellation handle returned by handler registration.
// Cancel is idempotent and safe to call from any goroutine; after it
// returns, the handler will not be invoked for signals that have not yet
// been dispatched. An invocation already in flight may still complete.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Cancel removes the handler from the dispatcher.
func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

// Dispatcher routes bus signals to registered handlers.
//
// Delivery contract:
//   - Signals carrying the same object path are dispatched in arrival
//     order, one at a time. Handlers for a path never run concurrently.
//   - No ordering is guaranteed across different paths.
//   - Handlers must return promptly and must not issue bus calls whose
//     completion depends on further signals; such work is handed off.
//
// Thread Safety: all methods are safe for concurrent use.
type Dispatcher struct {
	conn Conn

	mu           sync.Mutex
	started      bool
	stopped      bool
	nextID       int
	addedFns     map[int]InterfacesAddedFunc
	removedFns   map[int]InterfacesRemovedFunc
	propFns      map[dbus.ObjectPath]map[int]PropertiesChangedFunc
	queues       map[dbus.ObjectPath]*pathQueue
	done         chan struct{}
	pumpFinished chan struct{}
	wg           sync.WaitGroup

	logger Logger
}

// pathQueue is a serial executor for one object path. Work is appended
// under the queue lock; a drain goroutine runs only while items remain.
type pathQueue struct {
	mu      sync.Mutex
	items   []func()
	running bool
}

// NewDispatcher creates a dispatcher for conn. Call Start to begin
// routing signals.
func NewDispatcher(conn Conn) *Dispatcher {
	return &Dispatcher{
		conn:         conn,
		addedFns:     make(map[int]InterfacesAddedFunc),
		removedFns:   make(map[int]InterfacesRemovedFunc),
		propFns:      make(map[dbus.ObjectPath]map[int]PropertiesChangedFunc),
		queues:       make(map[dbus.ObjectPath]*pathQueue),
		done:         make(chan struct{}),
		pumpFinished: make(chan struct{}),
		logger:       noopLogger{},
	}
}

// SetLogger sets the logger. Must be called before Start.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.logger = logger
}

// Start registers the signal match rules and begins the pump goroutine.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = true
	d.mu.Unlock()

	ch, err := d.conn.Signals()
	if err != nil {
		return err
	}

	go d.pump(ch)
	return nil
}

// Stop halts signal routing and waits for in-flight handler invocations to
// finish. Idempotent.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		<-d.pumpFinished
		d.wg.Wait()
		return
	}
	d.stopped = true
	d.mu.Unlock()

	close(d.done)
	<-d.pumpFinished
	d.wg.Wait()
}

// OnInterfacesAdded registers a handler for objects appearing on the bus.
func (d *Dispatcher) OnInterfacesAdded(fn InterfacesAddedFunc) *Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	d.addedFns[id] = fn
	return &Subscription{cancel: func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.addedFns, id)
	}}
}

// OnInterfacesRemoved registers a handler for objects leaving the bus.
func (d *Dispatcher) OnInterfacesRemoved(fn InterfacesRemovedFunc) *Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	d.removedFns[id] = fn
	return &Subscription{cancel: func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.removedFns, id)
	}}
}

// OnPropertiesChanged registers a handler for property changes on one
// object path.
func (d *Dispatcher) OnPropertiesChanged(path dbus.ObjectPath, fn PropertiesChangedFunc) *Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	fns, ok := d.propFns[path]
	if !ok {
		fns = make(map[int]PropertiesChangedFunc)
		d.propFns[path] = fns
	}
	fns[id] = fn
	return &Subscription{cancel: func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if fns, ok := d.propFns[path]; ok {
			delete(fns, id)
			if len(fns) == 0 {
				delete(d.propFns, path)
			}
		}
	}}
}

// pump drains the raw signal channel and fans out onto per-path queues.
func (d *Dispatcher) pump(ch <-chan *dbus.Signal) {
	defer close(d.pumpFinished)
	for {
		select {
		case <-d.done:
			return
		case sig, ok := <-ch:
			if !ok {
				return
			}
			d.route(sig)
		}
	}
}

// route decodes one signal and enqueues handler invocations. Malformed
// signals are logged and dropped; a bad payload must not poison the stream.
func (d *Dispatcher) route(sig *dbus.Signal) {
	if sig == nil {
		return
	}
	switch sig.Name {
	case ObjectManagerIface + "." + SignalInterfacesAdded:
		path, ifaces, ok := decodeInterfacesAdded(sig)
		if !ok {
			d.logger.Warn("malformed InterfacesAdded signal dropped")
			return
		}
		d.mu.Lock()
		fns := make([]InterfacesAddedFunc, 0, len(d.addedFns))
		for _, fn := range d.addedFns {
			fns = append(fns, fn)
		}
		d.mu.Unlock()
		for _, fn := range fns {
			fn := fn
			d.enqueue(path, func() { fn(path, ifaces) })
		}

	case ObjectManagerIface + "." + SignalInterfacesRemoved:
		path, ifaces, ok := decodeInterfacesRemoved(sig)
		if !ok {
			d.logger.Warn("malformed InterfacesRemoved signal dropped")
			return
		}
		d.mu.Lock()
		fns := make([]InterfacesRemovedFunc, 0, len(d.removedFns))
		for _, fn := range d.removedFns {
			fns = append(fns, fn)
		}
		d.mu.Unlock()
		for _, fn := range fns {
			fn := fn
			d.enqueue(path, func() { fn(path, ifaces) })
		}

	case PropertiesIface + "." + SignalPropertiesChanged:
		iface, changed, invalidated, ok := decodePropertiesChanged(sig)
		if !ok {
			d.logger.Warn("malformed PropertiesChanged signal dropped", "path", string(sig.Path))
			return
		}
		path := sig.Path
		d.mu.Lock()
		var fns []PropertiesChangedFunc
		for _, fn := range d.propFns[path] {
			fns = append(fns, fn)
		}
		d.mu.Unlock()
		for _, fn := range fns {
			fn := fn
			d.enqueue(path, func() { fn(iface, changed, invalidated) })
		}
	}
}

// enqueue appends fn to the serial queue for path, starting a drain
// goroutine if none is running.
func (d *Dispatcher) enqueue(path dbus.ObjectPath, fn func()) {
	d.mu.Lock()
	q, ok := d.queues[path]
	if !ok {
		q = &pathQueue{}
		d.queues[path] = q
	}
	d.mu.Unlock()

	q.mu.Lock()
	q.items = append(q.items, fn)
	start := !q.running
	if start {
		q.running = true
		d.wg.Add(1)
	}
	q.mu.Unlock()

	if start {
		go d.drain(q)
	}
}

// drain runs queued work for one path until the queue is empty.
func (d *Dispatcher) drain(q *pathQueue) {
	defer d.wg.Done()
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		fn := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		d.invoke(fn)
	}
}

// invoke runs one handler with panic isolation.
func (d *Dispatcher) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Warn("signal handler panic recovered", "panic", r)
		}
	}()
	fn()
}

// decodeInterfacesAdded unpacks (ObjectPath, dict of interface -> props).
func decodeInterfacesAdded(sig *dbus.Signal) (dbus.ObjectPath, InterfaceSet, bool) {
	if len(sig.Body) < 2 {
		return "", nil, false
	}
	path, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok {
		return "", nil, false
	}
	raw, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
	if !ok {
		return "", nil, false
	}
	set := make(InterfaceSet, len(raw))
	for iface, props := range raw {
		set[iface] = Properties(props)
	}
	return path, set, true
}

// decodeInterfacesRemoved unpacks (ObjectPath, list of interface names).
func decodeInterfacesRemoved(sig *dbus.Signal) (dbus.ObjectPath, []string, bool) {
	if len(sig.Body) < 2 {
		return "", nil, false
	}
	path, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok {
		return "", nil, false
	}
	ifaces, ok := sig.Body[1].([]string)
	if !ok {
		return "", nil, false
	}
	return path, ifaces, true
}

// decodePropertiesChanged unpacks (iface, changed, invalidated).
func decodePropertiesChanged(sig *dbus.Signal) (string, Properties, []string, bool) {
	if len(sig.Body) < 3 {
		return "", nil, nil, false
	}
	iface, ok := sig.Body[0].(string)
	if !ok {
		return "", nil, nil, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return "", nil, nil, false
	}
	invalidated, ok := sig.Body[2].([]string)
	if !ok {
		return "", nil, nil, false
	}
	return iface, Properties(changed), invalidated, true
}
