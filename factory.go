package dbus

import (
	"fmt"

	"github.com/foobarnz/dbus/fragments"
)

func newBodyEncoder() *fragments.Encoder {
	return &fragments.Encoder{Order: fragments.NativeEndian}
}

// A MsgFactory is a mutable draft of an outgoing message: header
// fields plus an argument buffer. The zero value is unusable; use the
// New* constructors. A factory is single-use: SendTo or Build
// finalizes it.
type MsgFactory struct {
	msg Message
	enc *fragments.Encoder
	err error
}

// NewCall drafts a method call.
func NewCall(destination string, path ObjectPath, iface, member string) *MsgFactory {
	return &MsgFactory{msg: Message{
		Type:        TypeMethodCall,
		Destination: destination,
		Path:        path,
		Interface:   iface,
		Member:      member,
	}}
}

// NewReturn drafts the method return for an incoming call. The
// destination and reply serial come from the call.
func NewReturn(call *Message) *MsgFactory {
	return &MsgFactory{msg: Message{
		Type:        TypeMethodReturn,
		Destination: call.Sender,
		ReplySerial: call.Serial,
	}}
}

// NewError drafts the error reply for an incoming call. If detail is
// non-empty it becomes the error's single string argument, the
// conventional shape for DBus errors.
func NewError(call *Message, name, detail string) *MsgFactory {
	f := &MsgFactory{msg: Message{
		Type:        TypeError,
		Destination: call.Sender,
		ReplySerial: call.Serial,
		ErrName:     name,
	}}
	if detail != "" {
		f.Args(func(enc *fragments.Encoder) error {
			enc.String(detail)
			return nil
		})
	}
	return f
}

// NewSignal drafts a broadcast signal from path.
func NewSignal(path ObjectPath, iface, member string) *MsgFactory {
	return &MsgFactory{msg: Message{
		Type:      TypeSignal,
		Path:      path,
		Interface: iface,
		Member:    member,
	}}
}

// SetFlags replaces the draft's flag byte.
func (f *MsgFactory) SetFlags(flags Flags) *MsgFactory {
	f.msg.Flags = flags
	return f
}

// SetDestination replaces the draft's destination.
func (f *MsgFactory) SetDestination(dest string) *MsgFactory {
	f.msg.Destination = dest
	return f
}

// SetSerial pre-assigns the message serial, for callers that reserved
// one with [Conn.NextSerial] in order to register a reply before
// sending. Without it, SendTo assigns a fresh serial.
func (f *MsgFactory) SetSerial(serial uint32) *MsgFactory {
	f.msg.Serial = serial
	return f
}

// Args appends arguments to the draft's body. The append function
// receives the factory's encoder for the duration of the call only;
// the body signature is synthesized from the appends made. Args may
// be called multiple times, and arguments accumulate.
func (f *MsgFactory) Args(fn func(enc *fragments.Encoder) error) error {
	if f.err != nil {
		return f.err
	}
	if f.enc == nil {
		f.enc = newBodyEncoder()
	}
	if err := fn(f.enc); err != nil {
		f.err = err
		return err
	}
	return nil
}

// Build finalizes the draft into a Message. The serial must have been
// assigned, either by SetSerial or by sending through a connection.
func (f *MsgFactory) Build() (*Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.enc != nil {
		f.msg.Signature = f.enc.Sig()
		f.msg.Body = f.enc.Out
	}
	if err := f.msg.Valid(); err != nil {
		return nil, fmt.Errorf("incomplete message: %w", err)
	}
	return &f.msg, nil
}

// SendTo finalizes the draft and sends it on c, assigning a fresh
// serial unless one was pre-assigned with SetSerial.
func (f *MsgFactory) SendTo(c *Conn) error {
	if f.err != nil {
		return f.err
	}
	if f.msg.Serial == 0 {
		f.msg.Serial = c.NextSerial()
	}
	msg, err := f.Build()
	if err != nil {
		return err
	}
	return c.Send(msg)
}
