package bus

import (
	"context"
	"sync"
	"time"

	dbus "github.com/godbus/dbus/v5"
)

// defaultCallTimeout bounds bus method calls made without an explicit
// deadline on the context.
const defaultCallTimeout = 10 * time.Second

// signalBufferSize is the depth of the raw signal channel handed to the
// Dispatcher. The bus library drops signals when the channel is full, so
// the buffer is generous.
const signalBufferSize = 256

// Conn is the bus surface the rest of the system depends on. The production
// implementation talks to the system bus; tests substitute an in-memory
// fake (see the bustest package).
type Conn interface {
	// GetManagedObjects fetches the object-manager snapshot from the root.
	GetManagedObjects(ctx context.Context) (ManagedObjects, error)

	// GetProperty reads one property from the object at path.
	GetProperty(ctx context.Context, path dbus.ObjectPath, iface, name string) (dbus.Variant, error)

	// SetProperty writes one property on the object at path.
	SetProperty(ctx context.Context, path dbus.ObjectPath, iface, name string, value any) error

	// Invoke calls method (fully qualified, e.g. "org.bluez.Device1.Connect")
	// on the object at path. The call is bounded by the context deadline, or
	// by the default call timeout when the context has no deadline.
	Invoke(ctx context.Context, path dbus.ObjectPath, method string, args ...any) error

	// InvokeBytes calls a method whose single return value is a byte array
	// (GATT ReadValue) and returns the payload.
	InvokeBytes(ctx context.Context, path dbus.ObjectPath, method string, args ...any) ([]byte, error)

	// Signals registers the match rules for object-manager and properties
	// signals from the BLE stack and returns the delivery channel. The
	// channel is closed when the connection closes.
	Signals() (<-chan *dbus.Signal, error)

	// Close releases the connection. Idempotent.
	Close() error
}

// SystemConn is the production Conn backed by the system bus.
//
// Thread Safety:
//   - All methods are safe for concurrent use; the underlying bus
//     connection serializes message I/O internally.
type SystemConn struct {
	conn *dbus.Conn

	mu       sync.Mutex
	closed   bool
	signalCh chan *dbus.Signal
}

// Dial opens a session on the system bus.
func Dial() (*SystemConn, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, &Error{Kind: KindGeneric, Message: "connect system bus: " + err.Error()}
	}
	return &SystemConn{conn: conn}, nil
}

// GetManagedObjects fetches the full object snapshot from the root object.
func (c *SystemConn) GetManagedObjects(ctx context.Context) (ManagedObjects, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	obj := c.conn.Object(BluezService, RootPath)
	call := obj.CallWithContext(ctx, ObjectManagerIface+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, wrapCallError(call.Err)
	}

	var raw map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := call.Store(&raw); err != nil {
		return nil, &Error{Kind: KindGeneric, Message: "decode managed objects: " + err.Error()}
	}

	objects := make(ManagedObjects, len(raw))
	for path, ifaces := range raw {
		set := make(InterfaceSet, len(ifaces))
		for iface, props := range ifaces {
			set[iface] = Properties(props)
		}
		objects[path] = set
	}
	return objects, nil
}

// GetProperty reads a single property via org.freedesktop.DBus.Properties.
func (c *SystemConn) GetProperty(ctx context.Context, path dbus.ObjectPath, iface, name string) (dbus.Variant, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	obj := c.conn.Object(BluezService, path)
	call := obj.CallWithContext(ctx, PropertiesIface+".Get", 0, iface, name)
	if call.Err != nil {
		return dbus.Variant{}, wrapCallError(call.Err)
	}

	var value dbus.Variant
	if err := call.Store(&value); err != nil {
		return dbus.Variant{}, &Error{Kind: KindGeneric, Message: "decode property: " + err.Error()}
	}
	return value, nil
}

// SetProperty writes a single property via org.freedesktop.DBus.Properties.
func (c *SystemConn) SetProperty(ctx context.Context, path dbus.ObjectPath, iface, name string, value any) error {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	obj := c.conn.Object(BluezService, path)
	call := obj.CallWithContext(ctx, PropertiesIface+".Set", 0, iface, name, dbus.MakeVariant(value))
	return wrapCallError(call.Err)
}

// Invoke calls a method on the object at path and discards any return
// values. The BLE stack's lifecycle methods are all void; byte-returning
// calls go through InvokeBytes.
func (c *SystemConn) Invoke(ctx context.Context, path dbus.ObjectPath, method string, args ...any) error {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	obj := c.conn.Object(BluezService, path)
	call := obj.CallWithContext(ctx, method, 0, args...)
	return wrapCallError(call.Err)
}

// InvokeBytes calls a method returning a single byte-array value and
// decodes it.
func (c *SystemConn) InvokeBytes(ctx context.Context, path dbus.ObjectPath, method string, args ...any) ([]byte, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	obj := c.conn.Object(BluezService, path)
	call := obj.CallWithContext(ctx, method, 0, args...)
	if call.Err != nil {
		return nil, wrapCallError(call.Err)
	}

	var data []byte
	if err := call.Store(&data); err != nil {
		return nil, &Error{Kind: KindGeneric, Message: "decode byte result: " + err.Error()}
	}
	return data, nil
}

// Signals installs the match rules and returns the raw signal channel.
// Only one channel is created per connection; repeated calls return it.
func (c *SystemConn) Signals() (<-chan *dbus.Signal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.signalCh != nil {
		return c.signalCh, nil
	}

	matches := [][]dbus.MatchOption{
		{
			dbus.WithMatchSender(BluezService),
			dbus.WithMatchInterface(ObjectManagerIface),
			dbus.WithMatchMember(SignalInterfacesAdded),
		},
		{
			dbus.WithMatchSender(BluezService),
			dbus.WithMatchInterface(ObjectManagerIface),
			dbus.WithMatchMember(SignalInterfacesRemoved),
		},
		{
			dbus.WithMatchSender(BluezService),
			dbus.WithMatchInterface(PropertiesIface),
			dbus.WithMatchMember(SignalPropertiesChanged),
		},
	}
	for _, m := range matches {
		if err := c.conn.AddMatchSignal(m...); err != nil {
			return nil, wrapCallError(err)
		}
	}

	ch := make(chan *dbus.Signal, signalBufferSize)
	c.conn.Signal(ch)
	c.signalCh = ch
	return ch, nil
}

// Connected reports whether the bus connection is still up. Used by the
// health surfaces to degrade status when the stack goes away.
func (c *SystemConn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.conn.Connected()
}

// Close shuts the connection down. The signal channel (if any) is closed by
// the bus library during connection teardown.
func (c *SystemConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	return c.conn.Close()
}

// callContext applies the default call timeout when the caller did not set
// a deadline of its own.
func (c *SystemConn) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, defaultCallTimeout)
}
