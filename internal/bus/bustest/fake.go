// Package bustest provides an in-memory bus.Conn implementation for tests.
//
// The fake holds a mutable managed-objects tree, records every method
// invocation for later assertion, and lets tests script remote behaviour
// (per-method hooks) and inject signals exactly as the real stack would
// deliver them.
package bustest

import (
	"context"
	"fmt"
	"sync"

	dbus "github.com/godbus/dbus/v5"

	"github.com/rowanhart/ble-bridge-core/internal/bus"
)

// Call records one method invocation on the fake.
type Call struct {
	Path   dbus.ObjectPath
	Method string
	Args   []any
}

// InvokeHook scripts the outcome of a method call. Returning a non-nil
// error makes the call fail; the hook may also mutate the fake (emit
// signals, change properties) to model remote side effects.
type InvokeHook func(f *Fake, call Call) error

// ByteHook scripts the outcome of a byte-returning method call (ReadValue).
type ByteHook func(f *Fake, call Call) ([]byte, error)

// Fake is an in-memory bus.Conn.
//
// Thread Safety: all methods are safe for concurrent use.
type Fake struct {
	mu      sync.Mutex
	objects   bus.ManagedObjects
	calls     []Call
	hooks     map[string]InvokeHook
	byteHooks map[string]ByteHook
	sigCh     chan *dbus.Signal
	closed    bool
}

// New creates an empty fake bus.
func New() *Fake {
	return &Fake{
		objects:   make(bus.ManagedObjects),
		hooks:     make(map[string]InvokeHook),
		byteHooks: make(map[string]ByteHook),
		sigCh:     make(chan *dbus.Signal, 64),
	}
}

// =============================================================================
// Object tree setup
// =============================================================================

// AddObject installs (or replaces) one interface's property bag on path.
func (f *Fake) AddObject(path dbus.ObjectPath, iface string, props bus.Properties) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set, ok := f.objects[path]
	if !ok {
		set = make(bus.InterfaceSet)
		f.objects[path] = set
	}
	set[iface] = cloneProps(props)
}

// RemoveObject deletes path from the tree. It does not emit a signal; use
// EmitInterfacesRemoved for that.
func (f *Fake) RemoveObject(path dbus.ObjectPath) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, path)
}

// SetObjectProperty updates one property value in the tree without
// signalling.
func (f *Fake) SetObjectProperty(path dbus.ObjectPath, iface, name string, value any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if props, ok := f.objects[path][iface]; ok {
		props[name] = dbus.MakeVariant(value)
	}
}

// =============================================================================
// bus.Conn implementation
// =============================================================================

// GetManagedObjects records the call and returns a copy of the current
// tree.
func (f *Fake) GetManagedObjects(_ context.Context) (bus.ManagedObjects, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, bus.ErrClosed
	}
	f.calls = append(f.calls, Call{Path: bus.RootPath, Method: bus.ObjectManagerIface + ".GetManagedObjects"})
	out := make(bus.ManagedObjects, len(f.objects))
	for path, set := range f.objects {
		outSet := make(bus.InterfaceSet, len(set))
		for iface, props := range set {
			outSet[iface] = cloneProps(props)
		}
		out[path] = outSet
	}
	return out, nil
}

// GetProperty reads from the tree, failing with KindUnknownObject when the
// path or interface is absent.
func (f *Fake) GetProperty(_ context.Context, path dbus.ObjectPath, iface, name string) (dbus.Variant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	props, ok := f.objects[path][iface]
	if !ok {
		return dbus.Variant{}, &bus.Error{Kind: bus.KindUnknownObject, Message: "no such object: " + string(path)}
	}
	v, ok := props[name]
	if !ok {
		return dbus.Variant{}, &bus.Error{Kind: bus.KindGeneric, Message: "no such property: " + name}
	}
	return v, nil
}

// SetProperty records the write and applies it to the tree.
func (f *Fake) SetProperty(_ context.Context, path dbus.ObjectPath, iface, name string, value any) error {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Path: path, Method: bus.PropertiesIface + ".Set", Args: []any{iface, name, value}})
	props, ok := f.objects[path][iface]
	if !ok {
		f.mu.Unlock()
		return &bus.Error{Kind: bus.KindUnknownObject, Message: "no such object: " + string(path)}
	}
	props[name] = dbus.MakeVariant(value)
	f.mu.Unlock()
	return nil
}

// Invoke records the call and runs the scripted hook, if any. Without a
// hook the call succeeds.
func (f *Fake) Invoke(_ context.Context, path dbus.ObjectPath, method string, args ...any) error {
	call := Call{Path: path, Method: method, Args: args}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return bus.ErrClosed
	}
	f.calls = append(f.calls, call)
	hook := f.hooks[hookKey(path, method)]
	if hook == nil {
		hook = f.hooks[hookKey("", method)]
	}
	f.mu.Unlock()

	if hook != nil {
		return hook(f, call)
	}
	return nil
}

// InvokeBytes records the call and runs the scripted byte hook, if any.
// Without a hook the call succeeds with an empty payload.
func (f *Fake) InvokeBytes(_ context.Context, path dbus.ObjectPath, method string, args ...any) ([]byte, error) {
	call := Call{Path: path, Method: method, Args: args}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, bus.ErrClosed
	}
	f.calls = append(f.calls, call)
	hook := f.byteHooks[hookKey(path, method)]
	if hook == nil {
		hook = f.byteHooks[hookKey("", method)]
	}
	f.mu.Unlock()

	if hook != nil {
		return hook(f, call)
	}
	return nil, nil
}

// Signals returns the injection channel.
func (f *Fake) Signals() (<-chan *dbus.Signal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, bus.ErrClosed
	}
	return f.sigCh, nil
}

// Close marks the fake closed and closes the signal channel.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.sigCh)
	return nil
}

// =============================================================================
// Scripting
// =============================================================================

// OnInvoke scripts the outcome of method calls on path. An empty path
// matches the method on any object.
func (f *Fake) OnInvoke(path dbus.ObjectPath, method string, hook InvokeHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks[hookKey(path, method)] = hook
}

// OnInvokeBytes scripts the outcome of byte-returning method calls on path.
// An empty path matches the method on any object.
func (f *Fake) OnInvokeBytes(path dbus.ObjectPath, method string, hook ByteHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byteHooks[hookKey(path, method)] = hook
}

// EmitInterfacesAdded injects an InterfacesAdded signal built from the
// current tree state of path.
func (f *Fake) EmitInterfacesAdded(path dbus.ObjectPath) {
	f.mu.Lock()
	raw := make(map[string]map[string]dbus.Variant)
	for iface, props := range f.objects[path] {
		raw[iface] = map[string]dbus.Variant(cloneProps(props))
	}
	f.mu.Unlock()

	f.send(&dbus.Signal{
		Path: bus.RootPath,
		Name: bus.ObjectManagerIface + "." + bus.SignalInterfacesAdded,
		Body: []any{path, raw},
	})
}

// EmitInterfacesRemoved injects an InterfacesRemoved signal. The object is
// also dropped from the tree, matching stack behaviour.
func (f *Fake) EmitInterfacesRemoved(path dbus.ObjectPath, ifaces []string) {
	f.mu.Lock()
	delete(f.objects, path)
	f.mu.Unlock()

	f.send(&dbus.Signal{
		Path: bus.RootPath,
		Name: bus.ObjectManagerIface + "." + bus.SignalInterfacesRemoved,
		Body: []any{path, ifaces},
	})
}

// EmitPropertiesChanged injects a PropertiesChanged signal for path and
// folds the change into the tree.
func (f *Fake) EmitPropertiesChanged(path dbus.ObjectPath, iface string, changed bus.Properties, invalidated []string) {
	f.mu.Lock()
	if props, ok := f.objects[path][iface]; ok {
		for k, v := range changed {
			props[k] = v
		}
	}
	f.mu.Unlock()

	if invalidated == nil {
		invalidated = []string{}
	}
	f.send(&dbus.Signal{
		Path: path,
		Name: bus.PropertiesIface + "." + bus.SignalPropertiesChanged,
		Body: []any{iface, map[string]dbus.Variant(changed), invalidated},
	})
}

func (f *Fake) send(sig *dbus.Signal) {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return
	}
	f.sigCh <- sig
}

// =============================================================================
// Assertions
// =============================================================================

// Calls returns every recorded call whose method has the given suffix
// (e.g. "StopDiscovery"). An empty suffix returns all calls.
func (f *Fake) Calls(methodSuffix string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	if methodSuffix == "" {
		out := make([]Call, len(f.calls))
		copy(out, f.calls)
		return out
	}
	var out []Call
	for _, c := range f.calls {
		if hasSuffix(c.Method, methodSuffix) {
			out = append(out, c)
		}
	}
	return out
}

// CallCount returns the number of calls matching the method suffix.
func (f *Fake) CallCount(methodSuffix string) int {
	return len(f.Calls(methodSuffix))
}

func hookKey(path dbus.ObjectPath, method string) string {
	return fmt.Sprintf("%s|%s", path, method)
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

func cloneProps(props bus.Properties) bus.Properties {
	out := make(bus.Properties, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}
