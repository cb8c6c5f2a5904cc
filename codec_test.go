package dbus

import (
	"testing"

	"github.com/foobarnz/dbus/fragments"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func testMessages() []*Message {
	sig, body := strBody("hello")
	ret := []*Message{
		{
			Type:        TypeMethodCall,
			Serial:      1,
			Path:        "/org/test",
			Interface:   "org.test.Iface",
			Member:      "Frob",
			Destination: "org.test.Svc",
		},
		{
			Type:        TypeMethodReturn,
			Serial:      2,
			ReplySerial: 1,
			Sender:      ":1.5",
			Signature:   sig,
			Body:        body,
		},
		{
			Type:        TypeError,
			Serial:      3,
			ReplySerial: 1,
			ErrName:     "org.test.Error",
			Sender:      ":1.5",
		},
		{
			Type:      TypeSignal,
			Serial:    4,
			Path:      "/org/test",
			Interface: "org.test.Iface",
			Member:    "Changed",
			Flags:     FlagNoReplyExpected,
		},
	}
	return ret
}

var msgDiffOpts = cmp.Options{
	cmpopts.IgnoreUnexported(Message{}),
	cmpopts.EquateEmpty(),
}

func TestCodecRoundTrip(t *testing.T) {
	for _, want := range testMessages() {
		bs, err := MarshalMessage(want)
		if err != nil {
			t.Fatalf("MarshalMessage: %v", err)
		}
		n, err := MessageSize(bs)
		if err != nil {
			t.Fatalf("MessageSize: %v", err)
		}
		if n != len(bs) {
			t.Errorf("MessageSize = %d, want %d", n, len(bs))
		}
		got, err := ParseMessage(bs)
		if err != nil {
			t.Fatalf("ParseMessage: %v", err)
		}
		if diff := cmp.Diff(got, want, msgDiffOpts); diff != "" {
			t.Errorf("round trip diff (-got+want):\n%s", diff)
		}
	}
}

func TestMessageSizePrefixes(t *testing.T) {
	for _, m := range testMessages() {
		bs, err := MarshalMessage(m)
		if err != nil {
			t.Fatalf("MarshalMessage: %v", err)
		}
		want, _ := MessageSize(bs)
		for k := range len(bs) {
			n, err := MessageSize(bs[:k])
			if err != nil {
				t.Fatalf("MessageSize(%d-byte prefix): %v", k, err)
			}
			if k < fixedHeader {
				if n != 0 {
					t.Errorf("MessageSize(%d-byte prefix) = %d, want 0", k, n)
				}
			} else if n != want {
				t.Errorf("MessageSize(%d-byte prefix) = %d, want %d", k, n, want)
			}
		}
	}
}

func TestEndianInvariance(t *testing.T) {
	for _, m := range testMessages() {
		if len(m.Body) > 0 {
			continue // bodies here are encoded natively only
		}
		le, err := marshalMessage(m, fragments.LittleEndian)
		if err != nil {
			t.Fatalf("marshal little-endian: %v", err)
		}
		be, err := marshalMessage(m, fragments.BigEndian)
		if err != nil {
			t.Fatalf("marshal big-endian: %v", err)
		}

		gotLE, err := ParseMessage(le)
		if err != nil {
			t.Fatalf("parse little-endian: %v", err)
		}
		gotBE, err := ParseMessage(be)
		if err != nil {
			t.Fatalf("parse big-endian: %v", err)
		}
		if diff := cmp.Diff(gotLE, gotBE, msgDiffOpts); diff != "" {
			t.Errorf("little and big endian parses differ (-le+be):\n%s", diff)
		}
		// The wire bytes are rewritten to native order in place.
		if le[0] != fragments.NativeFlag() || be[0] != fragments.NativeFlag() {
			t.Errorf("parsed order flags %q, %q, want native %q", le[0], be[0], fragments.NativeFlag())
		}
	}
}

func TestEndianFlipBody(t *testing.T) {
	// A big-endian message with a multi-byte body value must decode
	// to the same value after parsing.
	enc := &fragments.Encoder{Order: fragments.BigEndian}
	enc.Uint32(0xdeadbeef)
	enc.String("payload")
	m := &Message{
		Type:      TypeSignal,
		Serial:    9,
		Path:      "/t",
		Interface: "t.I",
		Member:    "S",
		Signature: enc.Sig(),
		Body:      enc.Out,
	}
	bs, err := marshalMessage(m, fragments.BigEndian)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := ParseMessage(bs)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	dec := got.BodyDecoder()
	u, err := dec.Uint32()
	if err != nil || u != 0xdeadbeef {
		t.Errorf("body uint32 = %#x, %v, want 0xdeadbeef", u, err)
	}
	s, err := dec.String()
	if err != nil || s != "payload" {
		t.Errorf("body string = %q, %v, want \"payload\"", s, err)
	}
}

func TestParseMessageErrors(t *testing.T) {
	valid, err := MarshalMessage(testMessages()[0])
	if err != nil {
		t.Fatal(err)
	}

	t.Run("bad order flag", func(t *testing.T) {
		bs := append([]byte(nil), valid...)
		bs[0] = '?'
		if _, err := ParseMessage(bs); err == nil {
			t.Error("ParseMessage did not reject unknown order flag")
		}
	})

	t.Run("type zero", func(t *testing.T) {
		bs := append([]byte(nil), valid...)
		bs[1] = 0
		if _, err := ParseMessage(bs); err == nil {
			t.Error("ParseMessage did not reject type 0")
		}
	})

	t.Run("unknown future type is dropped", func(t *testing.T) {
		bs := append([]byte(nil), valid...)
		bs[1] = 9
		msg, err := ParseMessage(bs)
		if err != nil {
			t.Errorf("ParseMessage errored on future type: %v", err)
		}
		if msg != nil {
			t.Errorf("ParseMessage returned a message for future type: %+v", msg)
		}
	})

	t.Run("bad protocol version", func(t *testing.T) {
		bs := append([]byte(nil), valid...)
		bs[3] = 2
		if _, err := ParseMessage(bs); err == nil {
			t.Error("ParseMessage did not reject protocol version 2")
		}
	})

	t.Run("missing required field", func(t *testing.T) {
		// A signal frame rewritten as a method return lacks the
		// required reply serial.
		sig, err := MarshalMessage(testMessages()[3])
		if err != nil {
			t.Fatal(err)
		}
		sig[1] = byte(TypeMethodReturn)
		if _, err := ParseMessage(sig); err == nil {
			t.Error("ParseMessage did not reject return without reply serial")
		}
	})

	t.Run("truncated", func(t *testing.T) {
		if _, err := ParseMessage(valid[:8]); err == nil {
			t.Error("ParseMessage did not reject short input")
		}
	})
}

func TestMessageClone(t *testing.T) {
	// Parsed messages borrow the receive buffer; clones own a copy.
	m := testMessages()[1]
	bs, err := MarshalMessage(m)
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := ParseMessage(bs)
	if err != nil {
		t.Fatal(err)
	}
	clone := parsed.Clone()
	for i := range bs {
		bs[i] = 0xff
	}
	if diff := cmp.Diff(clone, m, msgDiffOpts); diff != "" {
		t.Errorf("clone changed with source buffer (-got+want):\n%s", diff)
	}
}

func TestParseArgs(t *testing.T) {
	enc := newBodyEncoder()
	enc.String("first")
	enc.Uint32(7)
	enc.String("third")
	m := &Message{
		Type:      TypeSignal,
		Serial:    1,
		Path:      "/t",
		Interface: "t.I",
		Member:    "S",
		Signature: enc.Sig(),
		Body:      enc.Out,
	}
	args, err := m.ParseArgs()
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}
	want := []Arg{{Value: "first", OK: true}, {}, {Value: "third", OK: true}}
	if diff := cmp.Diff(args, want); diff != "" {
		t.Errorf("ParseArgs diff (-got+want):\n%s", diff)
	}
}
