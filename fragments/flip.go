package fragments

import (
	"fmt"
	"io"
)

// FlipData reverses the byte order of every multi-byte value in data,
// in place. data must hold a sequence of values of type sig, encoded
// in the byte order from, and starting at message offset 0. After
// FlipData returns, the values are encoded in the opposite order.
//
// This is how foreign-endian messages become native: the fixed header
// and header field array are flipped with the header signature, and
// the body is flipped with the body signature.
func FlipData(from ByteOrder, data []byte, sig string) error {
	if err := ValidSignature(sig); err != nil {
		return err
	}
	f := flipper{order: from, data: data}
	rest := sig
	for rest != "" {
		var one string
		var err error
		one, rest, err = Next(rest)
		if err != nil {
			return err
		}
		if err := f.flip(one); err != nil {
			return err
		}
	}
	return nil
}

type flipper struct {
	order ByteOrder
	data  []byte
	off   int
}

func (f *flipper) pad(align int) error {
	extra := f.off % align
	if extra == 0 {
		return nil
	}
	f.off += align - extra
	if f.off > len(f.data) {
		return io.ErrUnexpectedEOF
	}
	return nil
}

// swap reverses n bytes at the cursor and advances past them.
func (f *flipper) swap(n int) error {
	if f.off+n > len(f.data) {
		return io.ErrUnexpectedEOF
	}
	bs := f.data[f.off : f.off+n]
	for i, j := 0, n-1; i < j; i, j = i+1, j-1 {
		bs[i], bs[j] = bs[j], bs[i]
	}
	f.off += n
	return nil
}

// swapLength flips a 32-bit length prefix and returns its value.
func (f *flipper) swapLength() (int, error) {
	if err := f.pad(4); err != nil {
		return 0, err
	}
	ln := f.order.Uint32(f.data[f.off:])
	if ln > MaxLength {
		return 0, fmt.Errorf("length %d exceeds maximum of %d", ln, MaxLength)
	}
	if err := f.swap(4); err != nil {
		return 0, err
	}
	return int(ln), nil
}

func (f *flipper) skip(n int) error {
	f.off += n
	if f.off > len(f.data) {
		return io.ErrUnexpectedEOF
	}
	return nil
}

func (f *flipper) flip(sig string) error {
	c := sig[0]
	switch c {
	case 'y':
		return f.skip(1)
	case 'n', 'q':
		if err := f.pad(2); err != nil {
			return err
		}
		return f.swap(2)
	case 'b', 'i', 'u', 'h':
		if err := f.pad(4); err != nil {
			return err
		}
		return f.swap(4)
	case 'x', 't', 'd':
		if err := f.pad(8); err != nil {
			return err
		}
		return f.swap(8)
	case 's', 'o':
		ln, err := f.swapLength()
		if err != nil {
			return err
		}
		return f.skip(ln + 1)
	case 'g':
		if f.off >= len(f.data) {
			return io.ErrUnexpectedEOF
		}
		ln := int(f.data[f.off])
		return f.skip(ln + 2)
	case 'v':
		if f.off >= len(f.data) {
			return io.ErrUnexpectedEOF
		}
		ln := int(f.data[f.off])
		if f.off+ln+2 > len(f.data) {
			return io.ErrUnexpectedEOF
		}
		inner := string(f.data[f.off+1 : f.off+1+ln])
		if err := ValidSingle(inner); err != nil {
			return fmt.Errorf("unexpected variant signature: %w", err)
		}
		f.off += ln + 2
		return f.flip(inner)
	case 'a':
		elem := sig[1:]
		ln, err := f.swapLength()
		if err != nil {
			return err
		}
		if err := f.pad(Alignment(elem)); err != nil {
			return err
		}
		end := f.off + ln
		if end > len(f.data) {
			return io.ErrUnexpectedEOF
		}
		for f.off < end {
			if err := f.flip(elem); err != nil {
				return err
			}
		}
		if f.off != end {
			return fmt.Errorf("array element overran array of %d bytes", ln)
		}
		return nil
	case '(', '{':
		if err := f.pad(8); err != nil {
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
			if err := f.flip(field); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("cannot flip value of type %q", c)
}
