package dbus

import (
	"fmt"

	"github.com/foobarnz/dbus/fragments"
)

// An Interface describes one named API bound at an object path:
// methods with handlers, plus declared signals and properties for
// introspection.
type Interface struct {
	Name        string
	Methods     []*Method
	Signals     []*Signal
	Properties  []*Property
	Annotations []Annotation
}

func (i *Interface) method(name string) *Method {
	for _, m := range i.Methods {
		if m.Name == name {
			return m
		}
	}
	return nil
}

// A Method is one callable member of an interface. In and Out
// describe the argument signatures for introspection; Func handles
// incoming calls.
type Method struct {
	Name        string
	In, Out     []ArgSpec
	Annotations []Annotation
	Func        MethodFunc
}

// A Signal declares a broadcast member of an interface.
type Signal struct {
	Name        string
	Args        []ArgSpec
	Annotations []Annotation
}

// A Property declares a named value of an interface. Access is
// "read", "write" or "readwrite".
type Property struct {
	Name        string
	Sig         string
	Access      string
	Annotations []Annotation
}

// ArgSpec names one argument and its type signature.
type ArgSpec struct {
	Name string
	Sig  string
}

// Annotation is a free-form key/value attached to introspection
// elements.
type Annotation struct {
	Name  string
	Value string
}

// MethodFunc handles one incoming method call. Returning a
// [CallError] controls the error name of the reply; any other error
// is reported under the generic failure name. If the handler returns
// nil without replying, an empty return is sent on its behalf.
type MethodFunc func(call *Call) error

// A Call carries one incoming method call to its handler.
type Call struct {
	// Conn is the connection the call arrived on.
	Conn *Conn
	// Msg is the call message. It is only valid until the handler
	// returns; use [Message.Clone] to retain it.
	Msg *Message
	// Args iterates the call's argument blob.
	Args *fragments.Decoder

	replied bool
}

// Reply sends the method return for this call. The args function
// appends the return values; the body signature is synthesized from
// the appends. Replying to a call whose sender asked for no reply is
// a silent no-op.
func (call *Call) Reply(args func(enc *fragments.Encoder) error) error {
	call.replied = true
	if !call.Msg.WantReply() {
		return nil
	}
	f := NewReturn(call.Msg)
	if args != nil {
		if err := f.Args(args); err != nil {
			return err
		}
	}
	return f.SendTo(call.Conn)
}

// object is one bound path in the object tree.
type object struct {
	path       ObjectPath
	interfaces []*Interface
}

func (o *object) iface(name string) *Interface {
	for _, i := range o.interfaces {
		if i.Name == name {
			return i
		}
	}
	return nil
}

const ifaceIntrospectable = "org.freedesktop.DBus.Introspectable"

// introspectable is the interface every bound object carries.
var introspectable = &Interface{
	Name: ifaceIntrospectable,
	Methods: []*Method{{
		Name: "Introspect",
		Out:  []ArgSpec{{Name: "xml_data", Sig: "s"}},
		Func: func(call *Call) error {
			xml, err := call.Conn.Introspect(call.Msg.Path)
			if err != nil {
				return err
			}
			return call.Reply(func(enc *fragments.Encoder) error {
				enc.String(xml)
				return nil
			})
		},
	}},
}

// AddObject ensures an object is bound at path, with the standard
// Introspectable interface. It is idempotent.
func (c *Conn) AddObject(path ObjectPath) error {
	if !path.Valid() {
		return fmt.Errorf("invalid object path %q", path)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addObjectLocked(path)
	return nil
}

func (c *Conn) addObjectLocked(path ObjectPath) *object {
	o := c.objects[path]
	if o == nil {
		o = &object{
			path:       path,
			interfaces: []*Interface{introspectable},
		}
		c.objects[path] = o
	}
	return o
}

// RemoveObject unbinds path and all interfaces on it. Dispatch
// against a just-removed path reports the path as not found, the same
// as a path that was never bound.
func (c *Conn) RemoveObject(path ObjectPath) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.objects, path)
}

// Bind registers iface at path, creating the object if needed.
// Method calls to (path, iface.Name) then resolve to the interface's
// handlers.
func (c *Conn) Bind(path ObjectPath, iface *Interface) error {
	if !path.Valid() {
		return fmt.Errorf("invalid object path %q", path)
	}
	if iface.Name == "" {
		return fmt.Errorf("cannot bind unnamed interface at %q", path)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	o := c.addObjectLocked(path)
	if o.iface(iface.Name) != nil {
		return fmt.Errorf("interface %s already bound at %q", iface.Name, path)
	}
	o.interfaces = append(o.interfaces, iface)
	return nil
}

// Unbind removes the named interface from path. The object itself
// remains bound until [Conn.RemoveObject]. It reports whether an
// interface was removed; the standard Introspectable interface is
// never removed, and Unbind reports false for it.
func (c *Conn) Unbind(path ObjectPath, ifaceName string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	o := c.objects[path]
	if o == nil {
		return false
	}
	for idx, i := range o.interfaces {
		if i.Name == ifaceName && i != introspectable {
			o.interfaces = append(o.interfaces[:idx], o.interfaces[idx+1:]...)
			return true
		}
	}
	return false
}

// dispatchCall routes an incoming method call to a bound handler, and
// turns lookup and handler failures into error replies.
func (c *Conn) dispatchCall(msg *Message) {
	method, err := c.lookupMethod(msg)
	if err != nil {
		c.sendCallError(msg, err)
		return
	}

	call := &Call{
		Conn: c,
		Msg:  msg,
		Args: msg.BodyDecoder(),
	}
	if err := method.Func(call); err != nil {
		c.sendCallError(msg, err)
		return
	}
	if !call.replied {
		call.Reply(nil)
	}
}

func (c *Conn) lookupMethod(msg *Message) (*Method, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o := c.objects[msg.Path]
	if o == nil {
		return nil, CallError{Name: ErrInvalidPath, Detail: "Path not found"}
	}
	if msg.Interface != "" {
		i := o.iface(msg.Interface)
		if i == nil {
			return nil, CallError{Name: ErrInvalidMethod, Detail: "No method found"}
		}
		if m := i.method(msg.Member); m != nil {
			return m, nil
		}
		return nil, CallError{Name: ErrInvalidMethod, Detail: "No method found"}
	}
	// No interface header: the first interface, in bind order, that
	// has a method of this name wins.
	for _, i := range o.interfaces {
		if m := i.method(msg.Member); m != nil {
			return m, nil
		}
	}
	return nil, CallError{Name: ErrInvalidMethod, Detail: "No method found"}
}

// sendCallError replies to msg with an error message, unless the
// caller asked for no reply.
func (c *Conn) sendCallError(msg *Message, err error) {
	if !msg.WantReply() {
		return
	}
	name, detail := errFailed, err.Error()
	if ce, ok := err.(CallError); ok {
		name, detail = ce.Name, ce.Detail
	}
	NewError(msg, name, detail).SendTo(c)
}
