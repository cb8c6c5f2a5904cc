package dbus

import (
	"fmt"
	"slices"
	"strings"

	"github.com/foobarnz/dbus/fragments"
)

// MsgType is the type of a DBus message.
type MsgType byte

const (
	TypeInvalid MsgType = iota
	TypeMethodCall
	TypeMethodReturn
	TypeError
	TypeSignal
)

func (t MsgType) String() string {
	switch t {
	case TypeMethodCall:
		return "method_call"
	case TypeMethodReturn:
		return "method_return"
	case TypeError:
		return "error"
	case TypeSignal:
		return "signal"
	}
	return fmt.Sprintf("invalid(%d)", byte(t))
}

// Flags is the flag byte of a DBus message.
type Flags byte

const (
	// FlagNoReplyExpected indicates that the sender of a method call
	// does not want a reply.
	FlagNoReplyExpected Flags = 0x1
	// FlagNoAutoStart asks the bus to not launch an activatable
	// service to handle this message.
	FlagNoAutoStart Flags = 0x2
)

// ObjectPath is a DBus object path.
type ObjectPath string

// Valid reports whether the path has the shape the wire format
// requires.
func (p ObjectPath) Valid() bool {
	return fragments.ValidObjectPath(string(p))
}

// IsChildOf reports whether p is nested anywhere under parent.
func (p ObjectPath) IsChildOf(parent ObjectPath) bool {
	if parent == "/" {
		return p != "/" && strings.HasPrefix(string(p), "/")
	}
	return strings.HasPrefix(string(p), string(parent)+"/")
}

// directChildOf returns the single path segment by which p extends
// parent, or false if p is not a direct child of parent.
func (p ObjectPath) directChildOf(parent ObjectPath) (string, bool) {
	if !p.IsChildOf(parent) {
		return "", false
	}
	tail := string(p[len(parent):])
	if parent != "/" {
		tail = tail[1:]
	}
	if strings.Contains(tail, "/") {
		return "", false
	}
	return tail, true
}

// A Message is one parsed or assembled DBus message.
//
// A Message returned by [ParseMessage] borrows the caller's buffer
// until dispatch returns; use [Message.Clone] to retain it longer.
type Message struct {
	// Type is the message's type.
	Type MsgType
	// Flags is the message's flag byte.
	Flags Flags
	// Serial is the sender-assigned serial for this message. It must
	// be non-zero.
	Serial uint32

	// ReplySerial is the serial this message replies to. Required for
	// TypeMethodReturn and TypeError, and zero otherwise.
	ReplySerial uint32
	// Path is the target object of a call, or the source object of a
	// signal.
	Path ObjectPath
	// Interface is the interface of the member being invoked or
	// emitted.
	Interface string
	// Member is the method name of a call, or the signal name of a
	// signal.
	Member string
	// ErrName is the error name carried by a TypeError message.
	ErrName string
	// Destination is the bus name this message is addressed to.
	Destination string
	// Sender is the bus-assigned unique name of the sender.
	Sender string
	// Signature is the type signature of Body. Required if Body is
	// non-empty.
	Signature string
	// NumFDs is the number of file descriptors attached to this
	// message as transport-level ancillary data.
	NumFDs uint32

	// Body is the message's argument blob, in native byte order.
	Body []byte

	args []Arg
}

// Arg is one unpacked message argument, as produced by
// [Message.ParseArgs]. Only string arguments carry a value; they are
// the only kind match rules can select on.
type Arg struct {
	Value string
	OK    bool
}

// Valid checks the presence invariants on header fields for the
// message's type.
func (m *Message) Valid() error {
	if m.Serial == 0 {
		return fmt.Errorf("message with zero serial")
	}
	switch m.Type {
	case TypeMethodCall:
		if m.Path == "" {
			return fmt.Errorf("method call without a path")
		}
		if m.Member == "" {
			return fmt.Errorf("method call without a member")
		}
	case TypeMethodReturn:
		if m.ReplySerial == 0 {
			return fmt.Errorf("method return without a reply serial")
		}
	case TypeError:
		if m.ErrName == "" {
			return fmt.Errorf("error message without an error name")
		}
		if m.ReplySerial == 0 {
			return fmt.Errorf("error message without a reply serial")
		}
	case TypeSignal:
		if m.Path == "" {
			return fmt.Errorf("signal without a path")
		}
		if m.Interface == "" {
			return fmt.Errorf("signal without an interface")
		}
		if m.Member == "" {
			return fmt.Errorf("signal without a member")
		}
	default:
		return fmt.Errorf("message with invalid type %d", byte(m.Type))
	}
	if len(m.Body) > 0 && m.Signature == "" {
		return fmt.Errorf("message with a body but no signature")
	}
	return nil
}

// WantReply reports whether this message requires a response.
func (m *Message) WantReply() bool {
	return m.Type == TypeMethodCall && m.Flags&FlagNoReplyExpected == 0
}

// Clone returns a copy of m that owns its body and argument vector.
func (m *Message) Clone() *Message {
	ret := *m
	ret.Body = slices.Clone(m.Body)
	ret.args = slices.Clone(m.args)
	return &ret
}

// BodyDecoder returns a decoder positioned at the start of the
// message body. Parsed messages are always in native order.
func (m *Message) BodyDecoder() *fragments.Decoder {
	return &fragments.Decoder{
		Order: fragments.NativeEndian,
		In:    m.Body,
	}
}

// ParseArgs unpacks the message's string arguments for match rule
// evaluation, one entry per body value. The result is cached on the
// message.
//
// Non-string arguments get a placeholder entry, so indexes line up
// with argument positions. Use [Message.BodyDecoder] for full typed
// decoding.
func (m *Message) ParseArgs() ([]Arg, error) {
	if m.args != nil || m.Signature == "" {
		return m.args, nil
	}
	dec := m.BodyDecoder()
	var args []Arg
	rest := m.Signature
	for rest != "" {
		var one string
		var err error
		one, rest, err = fragments.Next(rest)
		if err != nil {
			return nil, err
		}
		if one == "s" {
			s, err := dec.String()
			if err != nil {
				return nil, err
			}
			args = append(args, Arg{Value: s, OK: true})
		} else {
			if err := dec.Skip(one); err != nil {
				return nil, err
			}
			args = append(args, Arg{})
		}
	}
	m.args = args
	return args, nil
}

// DecodeBody decodes the full message body into generic Go values,
// one per body signature entry. Intended for diagnostics and tools;
// dispatch paths use [Message.BodyDecoder] with known signatures.
func (m *Message) DecodeBody() ([]any, error) {
	if m.Signature == "" {
		return nil, nil
	}
	dec := m.BodyDecoder()
	var vals []any
	rest := m.Signature
	for rest != "" {
		var one string
		var err error
		one, rest, err = fragments.Next(rest)
		if err != nil {
			return nil, err
		}
		v, err := dec.Value(one)
		if err != nil {
			return nil, err
		}
		vals = append(vals, v)
	}
	return vals, nil
}
