package fragments

import (
	"fmt"
	"math"
	"strings"
)

// An Encoder appends DBus wire format values to a byte slice.
//
// Methods insert padding as needed to conform to DBus alignment
// rules, except for [Encoder.Write] which outputs bytes verbatim.
// The encoder keeps a running signature of the values appended so
// far, so callers do not declare a signature up front; [Encoder.Sig]
// returns what was actually written. Arrays and variants take their
// element signature explicitly, because it must be known before the
// payload is (empty arrays, the variant's signature prefix), and the
// encoder verifies the payload against it.
type Encoder struct {
	// Order is the byte order to use when encoding multi-byte values.
	Order ByteOrder
	// Out is the encoded output.
	Out []byte

	sig    []byte
	frames []encFrame
}

type encFrame struct {
	kind    byte // 'a', '(', '{' or 'v'
	elemSig string
	got     []byte
	lenOff  int
	start   int
}

// Sig returns the signature of the values appended so far.
//
// Sig must not be called with open containers.
func (e *Encoder) Sig() string {
	if len(e.frames) > 0 {
		panic("Sig called with an open container")
	}
	return string(e.sig)
}

// Reset discards all appended data and the accumulated signature.
func (e *Encoder) Reset() {
	e.Out = e.Out[:0]
	e.sig = e.sig[:0]
	e.frames = e.frames[:0]
}

func (e *Encoder) appendSig(s string) {
	if n := len(e.frames); n > 0 {
		e.frames[n-1].got = append(e.frames[n-1].got, s...)
		return
	}
	e.sig = append(e.sig, s...)
}

// Pad inserts padding bytes as needed to make the message a multiple
// of align bytes. If the message is already correctly aligned, no
// padding is inserted.
func (e *Encoder) Pad(align int) {
	extra := len(e.Out) % align
	if extra == 0 {
		return
	}
	var pad [8]byte
	e.Out = append(e.Out, pad[:align-extra]...)
}

// Write writes bs as-is to the output. It is the caller's
// responsibility to ensure correct padding and encoding, and the
// bytes do not contribute to the accumulated signature.
func (e *Encoder) Write(bs []byte) {
	e.Out = append(e.Out, bs...)
}

// Uint8 writes a uint8.
func (e *Encoder) Uint8(u8 uint8) {
	e.Out = append(e.Out, u8)
	e.appendSig("y")
}

// Uint16 writes a uint16.
func (e *Encoder) Uint16(u16 uint16) {
	e.Pad(2)
	e.Out = e.Order.AppendUint16(e.Out, u16)
	e.appendSig("q")
}

// Uint32 writes a uint32.
func (e *Encoder) Uint32(u32 uint32) {
	e.Pad(4)
	e.Out = e.Order.AppendUint32(e.Out, u32)
	e.appendSig("u")
}

// Uint64 writes a uint64.
func (e *Encoder) Uint64(u64 uint64) {
	e.Pad(8)
	e.Out = e.Order.AppendUint64(e.Out, u64)
	e.appendSig("t")
}

// Int16 writes an int16.
func (e *Encoder) Int16(i16 int16) {
	e.Pad(2)
	e.Out = e.Order.AppendUint16(e.Out, uint16(i16))
	e.appendSig("n")
}

// Int32 writes an int32.
func (e *Encoder) Int32(i32 int32) {
	e.Pad(4)
	e.Out = e.Order.AppendUint32(e.Out, uint32(i32))
	e.appendSig("i")
}

// Int64 writes an int64.
func (e *Encoder) Int64(i64 int64) {
	e.Pad(8)
	e.Out = e.Order.AppendUint64(e.Out, uint64(i64))
	e.appendSig("x")
}

// Double writes a float64.
func (e *Encoder) Double(f float64) {
	e.Pad(8)
	e.Out = e.Order.AppendUint64(e.Out, math.Float64bits(f))
	e.appendSig("d")
}

// Bool writes a bool, encoded as a uint32 0 or 1.
func (e *Encoder) Bool(b bool) {
	e.Pad(4)
	var u uint32
	if b {
		u = 1
	}
	e.Out = e.Order.AppendUint32(e.Out, u)
	e.appendSig("b")
}

// FD writes a file descriptor reference, an index into the message's
// attached fd array.
func (e *Encoder) FD(idx uint32) {
	e.Pad(4)
	e.Out = e.Order.AppendUint32(e.Out, idx)
	e.appendSig("h")
}

// Bytes writes a DBus byte array.
func (e *Encoder) Bytes(bs []byte) {
	e.Pad(4)
	e.Out = e.Order.AppendUint32(e.Out, uint32(len(bs)))
	e.Out = append(e.Out, bs...)
	e.appendSig("ay")
}

// String writes a DBus string.
func (e *Encoder) String(s string) {
	e.stringBody(s)
	e.appendSig("s")
}

// ObjectPath writes a DBus object path, verifying its shape.
func (e *Encoder) ObjectPath(s string) error {
	if !ValidObjectPath(s) {
		return fmt.Errorf("malformed object path %q", s)
	}
	e.stringBody(s)
	e.appendSig("o")
	return nil
}

func (e *Encoder) stringBody(s string) {
	e.Pad(4)
	e.Out = e.Order.AppendUint32(e.Out, uint32(len(s)))
	e.Out = append(e.Out, s...)
	e.Out = append(e.Out, 0)
}

// Signature writes a DBus signature value.
func (e *Encoder) Signature(sig string) error {
	if err := ValidSignature(sig); err != nil {
		return err
	}
	e.sigBody(sig)
	e.appendSig("g")
	return nil
}

func (e *Encoder) sigBody(sig string) {
	e.Out = append(e.Out, byte(len(sig)))
	e.Out = append(e.Out, sig...)
	e.Out = append(e.Out, 0)
}

// Array writes an array whose elements have the type elemSig.
//
// Array elements must be appended within the provided elements
// function, and are verified against elemSig. The length prefix is
// backpatched once the elements function returns.
func (e *Encoder) Array(elemSig string, elements func() error) error {
	// Validated as the whole array type, so that a dict entry element
	// ("{sv}") is accepted where it is legal.
	if err := ValidSingle("a" + elemSig); err != nil {
		return fmt.Errorf("invalid array element signature: %w", err)
	}
	e.appendSig("a" + elemSig)
	e.Pad(4)
	lenOff := len(e.Out)
	e.Out = e.Order.AppendUint32(e.Out, 0)
	e.Pad(Alignment(elemSig))
	e.frames = append(e.frames, encFrame{
		kind:    'a',
		elemSig: elemSig,
		lenOff:  lenOff,
		start:   len(e.Out),
	})
	err := elements()
	fr := e.frames[len(e.frames)-1]
	e.frames = e.frames[:len(e.frames)-1]
	if err != nil {
		return err
	}
	got := string(fr.got)
	for got != "" {
		if !strings.HasPrefix(got, elemSig) {
			return fmt.Errorf("array elements %q do not match element signature %q", fr.got, elemSig)
		}
		got = got[len(elemSig):]
	}
	ln := len(e.Out) - fr.start
	if ln > MaxLength {
		return fmt.Errorf("array of %d bytes exceeds maximum of %d", ln, MaxLength)
	}
	e.Order.PutUint32(e.Out[fr.lenOff:], uint32(ln))
	return nil
}

// Struct writes a struct. Fields must be appended within the provided
// fields function.
func (e *Encoder) Struct(fields func() error) error {
	return e.container('(', ')', fields)
}

// DictEntry writes a dict entry, which is only valid as the immediate
// element of an array. The key must be appended first, then the
// value.
func (e *Encoder) DictEntry(fields func() error) error {
	return e.container('{', '}', fields)
}

func (e *Encoder) container(open, shut byte, fields func() error) error {
	e.Pad(8)
	e.frames = append(e.frames, encFrame{kind: open})
	err := fields()
	fr := e.frames[len(e.frames)-1]
	e.frames = e.frames[:len(e.frames)-1]
	if err != nil {
		return err
	}
	if len(fr.got) == 0 {
		return fmt.Errorf("empty %c%c container", open, shut)
	}
	e.appendSig(string(open) + string(fr.got) + string(shut))
	return nil
}

// Variant writes a variant holding one value of type sig. The value
// function must append exactly that value.
func (e *Encoder) Variant(sig string, value func() error) error {
	if err := ValidSingle(sig); err != nil {
		return fmt.Errorf("invalid variant signature: %w", err)
	}
	e.sigBody(sig)
	e.frames = append(e.frames, encFrame{kind: 'v', elemSig: sig})
	err := value()
	fr := e.frames[len(e.frames)-1]
	e.frames = e.frames[:len(e.frames)-1]
	if err != nil {
		return err
	}
	if string(fr.got) != sig {
		return fmt.Errorf("variant value %q does not match signature %q", fr.got, sig)
	}
	e.appendSig("v")
	return nil
}

// Value writes a generic Go value of the shapes produced by
// [Decoder.Value], wrapped per sig.
func (e *Encoder) Value(sig string, v any) error {
	if err := ValidSingle(sig); err != nil {
		return err
	}
	return e.value(sig, v)
}

func (e *Encoder) value(sig string, v any) error {
	bad := func() error {
		return fmt.Errorf("cannot encode %T as %q", v, sig)
	}
	switch sig[0] {
	case 'y':
		u, ok := v.(uint8)
		if !ok {
			return bad()
		}
		e.Uint8(u)
	case 'b':
		b, ok := v.(bool)
		if !ok {
			return bad()
		}
		e.Bool(b)
	case 'n':
		i, ok := v.(int16)
		if !ok {
			return bad()
		}
		e.Int16(i)
	case 'q':
		u, ok := v.(uint16)
		if !ok {
			return bad()
		}
		e.Uint16(u)
	case 'i':
		i, ok := v.(int32)
		if !ok {
			return bad()
		}
		e.Int32(i)
	case 'u':
		u, ok := v.(uint32)
		if !ok {
			return bad()
		}
		e.Uint32(u)
	case 'h':
		u, ok := v.(uint32)
		if !ok {
			return bad()
		}
		e.FD(u)
	case 'x':
		i, ok := v.(int64)
		if !ok {
			return bad()
		}
		e.Int64(i)
	case 't':
		u, ok := v.(uint64)
		if !ok {
			return bad()
		}
		e.Uint64(u)
	case 'd':
		f, ok := v.(float64)
		if !ok {
			return bad()
		}
		e.Double(f)
	case 's':
		s, ok := v.(string)
		if !ok {
			return bad()
		}
		e.String(s)
	case 'o':
		s, ok := v.(string)
		if !ok {
			return bad()
		}
		return e.ObjectPath(s)
	case 'g':
		s, ok := v.(string)
		if !ok {
			return bad()
		}
		return e.Signature(s)
	case 'v':
		return bad() // the caller must choose the inner signature
	case 'a':
		elem := sig[1:]
		if elem == "y" {
			bs, ok := v.([]byte)
			if !ok {
				return bad()
			}
			e.Bytes(bs)
			return nil
		}
		if elem[0] == '{' {
			m, ok := v.(map[any]any)
			if !ok {
				return bad()
			}
			return e.Array(elem, func() error {
				for k, val := range m {
					err := e.DictEntry(func() error {
						if err := e.value(string(elem[1]), k); err != nil {
							return err
						}
						return e.value(elem[2:len(elem)-1], val)
					})
					if err != nil {
						return err
					}
				}
				return nil
			})
		}
		vs, ok := v.([]any)
		if !ok {
			return bad()
		}
		return e.Array(elem, func() error {
			for _, el := range vs {
				if err := e.value(elem, el); err != nil {
					return err
				}
			}
			return nil
		})
	case '(':
		vs, ok := v.([]any)
		if !ok {
			return bad()
		}
		return e.Struct(func() error {
			rest := sig[1 : len(sig)-1]
			for _, el := range vs {
				var field string
				var err error
				field, rest, err = Next(rest)
				if err != nil {
					return err
				}
				if err := e.value(field, el); err != nil {
					return err
				}
			}
			if rest != "" {
				return fmt.Errorf("struct value has too few fields for %q", sig)
			}
			return nil
		})
	default:
		return bad()
	}
	return nil
}

// ByteOrderFlag writes the DBus byte order flag byte ('l' or 'B')
// that matches [Encoder.Order].
func (e *Encoder) ByteOrderFlag() {
	e.Write([]byte{e.Order.dbusFlag()})
}
