package fragments_test

import (
	"bytes"
	"testing"

	"github.com/foobarnz/dbus/fragments"
)

func TestFlipData(t *testing.T) {
	// Encoding the same values in both orders and flipping one must
	// produce the other, for every shape the walker handles.
	tests := []struct {
		name   string
		sig    string
		encode func(e *fragments.Encoder) error
	}{
		{
			"scalars", "yqutnixd",
			func(e *fragments.Encoder) error {
				e.Uint8(1)
				e.Uint16(2)
				e.Uint32(3)
				e.Uint64(4)
				e.Int16(-5)
				e.Int32(-6)
				e.Int64(-7)
				e.Double(8.25)
				return nil
			},
		},
		{
			"strings and signatures", "sgo",
			func(e *fragments.Encoder) error {
				e.String("héllo")
				if err := e.Signature("a{sv}"); err != nil {
					return err
				}
				return e.ObjectPath("/x/y")
			},
		},
		{
			"array of structs", "a(qs)",
			func(e *fragments.Encoder) error {
				return e.Array("(qs)", func() error {
					for i, s := range []string{"one", "two"} {
						err := e.Struct(func() error {
							e.Uint16(uint16(i))
							e.String(s)
							return nil
						})
						if err != nil {
							return err
						}
					}
					return nil
				})
			},
		},
		{
			"variant", "uv",
			func(e *fragments.Encoder) error {
				e.Uint32(9)
				return e.Variant("at", func() error {
					return e.Array("t", func() error {
						e.Uint64(10)
						e.Uint64(11)
						return nil
					})
				})
			},
		},
		{
			"dict", "a{su}",
			func(e *fragments.Encoder) error {
				return e.Array("{su}", func() error {
					return e.DictEntry(func() error {
						e.String("k")
						e.Uint32(12)
						return nil
					})
				})
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			big := &fragments.Encoder{Order: fragments.BigEndian}
			if err := tc.encode(big); err != nil {
				t.Fatalf("big-endian encode got err: %v", err)
			}
			little := &fragments.Encoder{Order: fragments.LittleEndian}
			if err := tc.encode(little); err != nil {
				t.Fatalf("little-endian encode got err: %v", err)
			}
			if bg, lg := big.Sig(), little.Sig(); bg != tc.sig || lg != tc.sig {
				t.Fatalf("synthesized signatures %q and %q, want %q", bg, lg, tc.sig)
			}

			flipped := bytes.Clone(big.Out)
			if err := fragments.FlipData(fragments.BigEndian, flipped, tc.sig); err != nil {
				t.Fatalf("FlipData got err: %v", err)
			}
			if !bytes.Equal(flipped, little.Out) {
				t.Fatalf("flip mismatch:\n  got: % x\n want: % x", flipped, little.Out)
			}

			// Flipping back restores the original.
			if err := fragments.FlipData(fragments.LittleEndian, flipped, tc.sig); err != nil {
				t.Fatalf("FlipData back got err: %v", err)
			}
			if !bytes.Equal(flipped, big.Out) {
				t.Fatalf("double flip did not restore original:\n  got: % x\n want: % x", flipped, big.Out)
			}
		})
	}
}

func TestFlipDataTruncated(t *testing.T) {
	e := &fragments.Encoder{Order: fragments.BigEndian}
	e.String("hello")
	data := e.Out[:len(e.Out)-2]
	if err := fragments.FlipData(fragments.BigEndian, data, "s"); err == nil {
		t.Fatal("FlipData did not error on truncated input")
	}
}
