package fragments

import (
	"fmt"
	"io"
	"math"
)

// A Decoder reads DBus wire format values out of a byte slice, guided
// by type signatures.
//
// Methods advance the read cursor as needed to account for the
// padding required by DBus alignment rules, except for [Decoder.Read]
// which reads bytes verbatim. Alignment is computed relative to the
// start of In, which must correspond to the start of a message or of
// a message body.
type Decoder struct {
	// Order is the byte order to use when reading multi-byte values.
	Order ByteOrder
	// In is the input being decoded.
	In []byte

	off int
}

// Remaining returns the number of unconsumed input bytes.
func (d *Decoder) Remaining() int { return len(d.In) - d.off }

// Offset returns the number of consumed input bytes.
func (d *Decoder) Offset() int { return d.off }

// Pad consumes padding bytes as needed to make the next read happen
// at a multiple of align bytes. If the decoder is already correctly
// aligned, no bytes are consumed.
func (d *Decoder) Pad(align int) error {
	extra := d.off % align
	if extra == 0 {
		return nil
	}
	skip := align - extra
	if skip > d.Remaining() {
		return io.ErrUnexpectedEOF
	}
	d.off += skip
	return nil
}

// Read reads n bytes, with no framing or padding.
func (d *Decoder) Read(n int) ([]byte, error) {
	if n > d.Remaining() {
		return nil, io.ErrUnexpectedEOF
	}
	ret := d.In[d.off : d.off+n]
	d.off += n
	return ret, nil
}

// Uint8 reads a uint8.
func (d *Decoder) Uint8() (uint8, error) {
	bs, err := d.Read(1)
	if err != nil {
		return 0, err
	}
	return bs[0], nil
}

// Uint16 reads a uint16.
func (d *Decoder) Uint16() (uint16, error) {
	if err := d.Pad(2); err != nil {
		return 0, err
	}
	bs, err := d.Read(2)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint16(bs), nil
}

// Uint32 reads a uint32.
func (d *Decoder) Uint32() (uint32, error) {
	if err := d.Pad(4); err != nil {
		return 0, err
	}
	bs, err := d.Read(4)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint32(bs), nil
}

// Uint64 reads a uint64.
func (d *Decoder) Uint64() (uint64, error) {
	if err := d.Pad(8); err != nil {
		return 0, err
	}
	bs, err := d.Read(8)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint64(bs), nil
}

// Double reads a float64.
func (d *Decoder) Double() (float64, error) {
	u, err := d.Uint64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(u), nil
}

// Bool reads a bool, which the wire encodes as a uint32 that must be
// 0 or 1.
func (d *Decoder) Bool() (bool, error) {
	u, err := d.Uint32()
	if err != nil {
		return false, err
	}
	if u > 1 {
		return false, fmt.Errorf("invalid boolean value %d", u)
	}
	return u == 1, nil
}

// length reads a 32-bit length prefix and checks it against the wire
// format's length cap.
func (d *Decoder) length() (int, error) {
	ln, err := d.Uint32()
	if err != nil {
		return 0, err
	}
	if ln > MaxLength {
		return 0, fmt.Errorf("length %d exceeds maximum of %d", ln, MaxLength)
	}
	return int(ln), nil
}

// Bytes reads a DBus byte array.
func (d *Decoder) Bytes() ([]byte, error) {
	ln, err := d.length()
	if err != nil {
		return nil, err
	}
	return d.Read(ln)
}

// String reads a DBus string.
func (d *Decoder) String() (string, error) {
	ln, err := d.length()
	if err != nil {
		return "", err
	}
	ret, err := d.Read(ln + 1)
	if err != nil {
		return "", err
	}
	if ret[ln] != 0 {
		return "", fmt.Errorf("string of length %d not nul terminated", ln)
	}
	return string(ret[:ln]), nil
}

// ObjectPath reads a DBus object path and verifies its shape.
func (d *Decoder) ObjectPath() (string, error) {
	s, err := d.String()
	if err != nil {
		return "", err
	}
	if !ValidObjectPath(s) {
		return "", fmt.Errorf("malformed object path %q", s)
	}
	return s, nil
}

// Signature reads a DBus signature value and validates it.
func (d *Decoder) Signature() (string, error) {
	lb, err := d.Uint8()
	if err != nil {
		return "", err
	}
	ln := int(lb)
	bs, err := d.Read(ln + 1)
	if err != nil {
		return "", err
	}
	if bs[ln] != 0 {
		return "", fmt.Errorf("signature of length %d not nul terminated", ln)
	}
	sig := string(bs[:ln])
	if err := ValidSignature(sig); err != nil {
		return "", err
	}
	return sig, nil
}

// Array reads an array whose elements have the type elemSig.
//
// readElement is called once per element, with the element's index,
// and must consume exactly one element from the input. Array returns
// the number of elements read.
func (d *Decoder) Array(elemSig string, readElement func(i int) error) (int, error) {
	ln, err := d.length()
	if err != nil {
		return 0, err
	}
	// Padding up to the first element's alignment is present even
	// when the array is empty, and is not counted by the length
	// prefix.
	if err := d.Pad(Alignment(elemSig)); err != nil {
		return 0, err
	}
	end := d.off + ln
	if end > len(d.In) {
		return 0, io.ErrUnexpectedEOF
	}
	idx := 0
	for d.off < end {
		if err := readElement(idx); err != nil {
			return idx, err
		}
		if d.off > end {
			return idx, fmt.Errorf("array element %d overran array of %d bytes", idx, ln)
		}
		idx++
	}
	return idx, nil
}

// Struct reads a struct or dict entry. Fields must be read within the
// provided fields function.
func (d *Decoder) Struct(fields func() error) error {
	if err := d.Pad(8); err != nil {
		return err
	}
	return fields()
}

// Variant reads a variant. The value function receives the variant's
// embedded signature, which is always a single complete type, and
// must consume exactly one value of that type.
func (d *Decoder) Variant(value func(sig string) error) error {
	lb, err := d.Uint8()
	if err != nil {
		return err
	}
	ln := int(lb)
	bs, err := d.Read(ln + 1)
	if err != nil {
		return err
	}
	if bs[ln] != 0 {
		return fmt.Errorf("variant signature of length %d not nul terminated", ln)
	}
	sig := string(bs[:ln])
	if err := ValidSingle(sig); err != nil {
		return fmt.Errorf("unexpected variant signature: %w", err)
	}
	return value(sig)
}

// Skip consumes one complete value of type sig without interpreting
// it beyond the framing needed to find its end.
func (d *Decoder) Skip(sig string) error {
	if err := ValidSingle(sig); err != nil {
		return err
	}
	return d.skip(sig)
}

func (d *Decoder) skip(sig string) error {
	c := sig[0]
	if n := fixedSize(c); n != 0 {
		if err := d.Pad(Alignment(sig)); err != nil {
			return err
		}
		_, err := d.Read(n)
		return err
	}
	switch c {
	case 's', 'o':
		_, err := d.String()
		return err
	case 'g':
		_, err := d.Signature()
		return err
	case 'v':
		return d.Variant(func(inner string) error {
			return d.skip(inner)
		})
	case 'a':
		elem := sig[1:]
		ln, err := d.length()
		if err != nil {
			return err
		}
		if err := d.Pad(Alignment(elem)); err != nil {
			return err
		}
		_, err = d.Read(ln)
		return err
	case '(', '{':
		if err := d.Pad(8); err != nil {
			return err
		}
		rest := sig[1 : len(sig)-1]
		for rest != "" {
			var field string
			var err error
			field, rest, err = Next(rest)
			if err != nil {
				return err
			}
			if err := d.skip(field); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("cannot skip value of type %q", c)
}

// Value decodes one complete value of type sig into a generic Go
// value: unsigned and signed integers, bool, float64, string for the
// three string kinds, []byte for byte arrays, []any for structs and
// other arrays, map[any]any for dict arrays, and the variant's inner
// value for variants.
func (d *Decoder) Value(sig string) (any, error) {
	if err := ValidSingle(sig); err != nil {
		return nil, err
	}
	return d.value(sig)
}

func (d *Decoder) value(sig string) (any, error) {
	switch sig[0] {
	case 'y':
		return d.Uint8()
	case 'b':
		return d.Bool()
	case 'n':
		u, err := d.Uint16()
		return int16(u), err
	case 'q':
		return d.Uint16()
	case 'i':
		u, err := d.Uint32()
		return int32(u), err
	case 'u', 'h':
		return d.Uint32()
	case 'x':
		u, err := d.Uint64()
		return int64(u), err
	case 't':
		return d.Uint64()
	case 'd':
		return d.Double()
	case 's':
		return d.String()
	case 'o':
		return d.ObjectPath()
	case 'g':
		return d.Signature()
	case 'v':
		var ret any
		err := d.Variant(func(inner string) error {
			v, err := d.value(inner)
			ret = v
			return err
		})
		return ret, err
	case 'a':
		elem := sig[1:]
		if elem == "y" {
			return d.Bytes()
		}
		if elem[0] == '{' {
			ret := map[any]any{}
			_, err := d.Array(elem, func(int) error {
				return d.Struct(func() error {
					k, err := d.value(string(elem[1]))
					if err != nil {
						return err
					}
					v, err := d.value(elem[2 : len(elem)-1])
					if err != nil {
						return err
					}
					ret[k] = v
					return nil
				})
			})
			return ret, err
		}
		var ret []any
		_, err := d.Array(elem, func(int) error {
			v, err := d.value(elem)
			if err != nil {
				return err
			}
			ret = append(ret, v)
			return nil
		})
		return ret, err
	case '(':
		var ret []any
		err := d.Struct(func() error {
			rest := sig[1 : len(sig)-1]
			for rest != "" {
				var field string
				var err error
				field, rest, err = Next(rest)
				if err != nil {
					return err
				}
				v, err := d.value(field)
				if err != nil {
					return err
				}
				ret = append(ret, v)
			}
			return nil
		})
		return ret, err
	}
	return nil, fmt.Errorf("cannot decode value of type %q", sig[0])
}

// ByteOrderFlag reads a DBus byte order flag byte, and sets
// [Decoder.Order] to match it.
func (d *Decoder) ByteOrderFlag() error {
	v, err := d.Uint8()
	if err != nil {
		return err
	}
	switch v {
	case 'B':
		d.Order = BigEndian
	case 'l':
		d.Order = LittleEndian
	default:
		return fmt.Errorf("unknown byte order flag %q", v)
	}
	return nil
}
