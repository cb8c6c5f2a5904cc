package dbus

import (
	"github.com/foobarnz/dbus/fragments"
)

// protoVersion is the only DBus wire protocol version in existence.
const protoVersion = 1

// fixedHeader is the length of the fixed message header: byte order
// flag, type, flags, version, body length, serial, and the header
// field array's length prefix.
const fixedHeader = 16

// headerSig is the signature of the fixed header and header field
// array, used to endian flip foreign messages.
const headerSig = "yyyyuua(yv)"

// Header field codes.
const (
	fieldPath        = 1
	fieldInterface   = 2
	fieldMember      = 3
	fieldErrName     = 4
	fieldReplySerial = 5
	fieldDestination = 6
	fieldSender      = 7
	fieldSignature   = 8
	fieldNumFDs      = 9
)

func align8(n int) int { return (n + 7) &^ 7 }

// MessageSize computes the total wire size of the message starting at
// data[0]. It needs at least 16 bytes to make that determination, and
// returns 0 if data is shorter than that. data does not need to be
// aligned.
func MessageSize(data []byte) (int, error) {
	if len(data) < fixedHeader {
		return 0, nil
	}
	order, ok := fragments.OrderFor(data[0])
	if !ok {
		return 0, parseErr("unknown byte order flag %q", data[0])
	}
	bodyLen := int(order.Uint32(data[4:]))
	fieldLen := int(order.Uint32(data[12:]))
	if bodyLen > fragments.MaxLength || fieldLen > fragments.MaxLength {
		return 0, parseErr("message of %d header and %d body bytes exceeds maximum size", fieldLen, bodyLen)
	}
	return align8(fixedHeader+fieldLen) + bodyLen, nil
}

// ParseMessage parses one complete message. data must begin at an
// 8-aligned buffer offset and hold exactly the message's wire size as
// computed by [MessageSize].
//
// Foreign-endian messages are endian flipped in place, and their byte
// order flag is rewritten to native, so the returned Message always
// reads with native order. A nil Message with a nil error means the
// message had a forward-compatible unknown type and should be
// silently discarded.
func ParseMessage(data []byte) (*Message, error) {
	if len(data) < fixedHeader {
		return nil, parseErr("truncated message of %d bytes", len(data))
	}
	order, ok := fragments.OrderFor(data[0])
	if !ok {
		return nil, parseErr("unknown byte order flag %q", data[0])
	}
	switch typ := data[1]; {
	case typ == byte(TypeInvalid):
		return nil, parseErr("message with invalid type 0")
	case typ > byte(TypeSignal):
		// Unknown future message type. The protocol requires these to
		// be ignored, not treated as errors.
		return nil, nil
	}
	if data[3] != protoVersion {
		return nil, parseErr("unsupported protocol version %d", data[3])
	}

	native := data[0] == fragments.NativeFlag()
	if !native {
		if err := fragments.FlipData(order, data, headerSig); err != nil {
			return nil, ParseError{err}
		}
		data[0] = fragments.NativeFlag()
	}

	m := &Message{
		Type:  MsgType(data[1]),
		Flags: Flags(data[2]),
	}
	dec := &fragments.Decoder{Order: fragments.NativeEndian, In: data}
	if _, err := dec.Read(4); err != nil {
		return nil, ParseError{err}
	}
	bodyLen, err := dec.Uint32()
	if err != nil {
		return nil, ParseError{err}
	}
	if m.Serial, err = dec.Uint32(); err != nil {
		return nil, ParseError{err}
	}

	_, err = dec.Array("(yv)", func(int) error {
		return dec.Struct(func() error {
			code, err := dec.Uint8()
			if err != nil {
				return err
			}
			return dec.Variant(func(sig string) error {
				return m.readField(dec, code, sig)
			})
		})
	})
	if err != nil {
		return nil, ParseError{err}
	}

	bodyStart := align8(dec.Offset())
	if len(data) != bodyStart+int(bodyLen) {
		return nil, parseErr("message of %d bytes, expected %d", len(data), bodyStart+int(bodyLen))
	}
	m.Body = data[bodyStart:]

	if err := m.Valid(); err != nil {
		return nil, ParseError{err}
	}
	if !native && m.Signature != "" {
		if err := fragments.FlipData(order, m.Body, m.Signature); err != nil {
			return nil, ParseError{err}
		}
	}
	return m, nil
}

// readField stores one header field value. Unknown field codes are
// consumed and discarded for forward compatibility.
func (m *Message) readField(dec *fragments.Decoder, code uint8, sig string) error {
	want := func(s string) error {
		if sig != s {
			return parseErr("header field %d with signature %q, expected %q", code, sig, s)
		}
		return nil
	}
	var err error
	switch code {
	case fieldPath:
		if err = want("o"); err == nil {
			var s string
			s, err = dec.ObjectPath()
			m.Path = ObjectPath(s)
		}
	case fieldInterface:
		if err = want("s"); err == nil {
			m.Interface, err = dec.String()
		}
	case fieldMember:
		if err = want("s"); err == nil {
			m.Member, err = dec.String()
		}
	case fieldErrName:
		if err = want("s"); err == nil {
			m.ErrName, err = dec.String()
		}
	case fieldReplySerial:
		if err = want("u"); err == nil {
			m.ReplySerial, err = dec.Uint32()
		}
	case fieldDestination:
		if err = want("s"); err == nil {
			m.Destination, err = dec.String()
		}
	case fieldSender:
		if err = want("s"); err == nil {
			m.Sender, err = dec.String()
		}
	case fieldSignature:
		if err = want("g"); err == nil {
			m.Signature, err = dec.Signature()
		}
	case fieldNumFDs:
		if err = want("u"); err == nil {
			m.NumFDs, err = dec.Uint32()
		}
	default:
		err = dec.Skip(sig)
	}
	return err
}

// MarshalMessage encodes m in native byte order, framing the header
// fields that are present and appending the body blob.
func MarshalMessage(m *Message) ([]byte, error) {
	return marshalMessage(m, fragments.NativeEndian)
}

// marshalMessage encodes m in the given byte order. The body blob is
// assumed to already be in that order; only the framing the encoder
// writes follows it.
func marshalMessage(m *Message, order fragments.ByteOrder) ([]byte, error) {
	if err := m.Valid(); err != nil {
		return nil, err
	}
	enc := &fragments.Encoder{Order: order}
	enc.ByteOrderFlag()
	enc.Write([]byte{byte(m.Type), byte(m.Flags), protoVersion})
	enc.Write(enc.Order.AppendUint32(nil, uint32(len(m.Body))))
	enc.Write(enc.Order.AppendUint32(nil, m.Serial))

	type field struct {
		code  uint8
		sig   string
		write func(e *fragments.Encoder) error
	}
	var fields []field
	str := func(code uint8, s string) {
		fields = append(fields, field{code, "s", func(e *fragments.Encoder) error {
			e.String(s)
			return nil
		}})
	}
	u32 := func(code uint8, u uint32) {
		fields = append(fields, field{code, "u", func(e *fragments.Encoder) error {
			e.Uint32(u)
			return nil
		}})
	}
	if m.Path != "" {
		fields = append(fields, field{fieldPath, "o", func(e *fragments.Encoder) error {
			return e.ObjectPath(string(m.Path))
		}})
	}
	if m.Interface != "" {
		str(fieldInterface, m.Interface)
	}
	if m.Member != "" {
		str(fieldMember, m.Member)
	}
	if m.ErrName != "" {
		str(fieldErrName, m.ErrName)
	}
	if m.ReplySerial != 0 {
		u32(fieldReplySerial, m.ReplySerial)
	}
	if m.Destination != "" {
		str(fieldDestination, m.Destination)
	}
	if m.Sender != "" {
		str(fieldSender, m.Sender)
	}
	if m.Signature != "" {
		fields = append(fields, field{fieldSignature, "g", func(e *fragments.Encoder) error {
			return e.Signature(m.Signature)
		}})
	}
	if m.NumFDs != 0 {
		u32(fieldNumFDs, m.NumFDs)
	}

	err := enc.Array("(yv)", func() error {
		for _, f := range fields {
			err := enc.Struct(func() error {
				enc.Uint8(f.code)
				return enc.Variant(f.sig, func() error {
					return f.write(enc)
				})
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	enc.Pad(8)
	enc.Write(m.Body)
	return enc.Out, nil
}
