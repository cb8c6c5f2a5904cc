package dbus_test

import (
	"testing"
	"time"

	"github.com/foobarnz/dbus"
	"github.com/foobarnz/dbus/auth"
	"github.com/foobarnz/dbus/dbustest"
	"github.com/foobarnz/dbus/fragments"
)

// startBus wires a connection to a simulated daemon and completes the
// handshake.
func startBus(t *testing.T) (*dbus.Conn, *dbustest.Bus) {
	t.Helper()
	var bus *dbustest.Bus
	c := dbus.New(dbus.Config{
		Send: func(bs []byte) error { return bus.ClientWrite(bs) },
		Auth: auth.External(1000),
	})
	bus = dbustest.New(func(bs []byte) { c.AppendInput(bs) })
	t.Cleanup(func() {
		c.Close()
		bus.Close()
	})

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	select {
	case <-c.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not become ready")
	}
	if got := c.State(); got != dbus.StateReady {
		t.Fatalf("state = %d, want Ready", got)
	}
	return c, bus
}

func await(t *testing.T, ch <-chan *dbus.Message, what string) *dbus.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return nil
	}
}

func TestEndToEndHello(t *testing.T) {
	c, bus := startBus(t)
	if got := c.UniqueName(); got != bus.UniqueName {
		t.Errorf("UniqueName = %q, want %q", got, bus.UniqueName)
	}

	msgs := bus.WaitReceived(1)
	if len(msgs) < 1 || msgs[0].Member != "Hello" {
		t.Errorf("first client message %+v, want Hello", msgs)
	}
}

func TestWellKnownNameResolution(t *testing.T) {
	c, bus := startBus(t)
	bus.SetOwner("com.example.Svc", ":1.9")

	got := make(chan *dbus.Message, 1)
	serial := c.NextSerial()
	c.AddReply(dbus.Reply{
		Remote:  "com.example.Svc",
		Serial:  serial,
		OnReply: func(m *dbus.Message) { got <- m.Clone() },
		OnError: func(m *dbus.Message) { got <- m.Clone() },
	})
	f := dbus.NewCall("com.example.Svc", "/svc", "com.example.Svc", "Frob").SetSerial(serial)
	if err := f.SendTo(c); err != nil {
		t.Fatalf("SendTo: %v", err)
	}

	// Hello, the NameOwnerChanged AddMatch, GetNameOwner, then the
	// call. Once the bus has seen the call, the owner resolution that
	// preceded it has already been applied.
	msgs := bus.WaitReceived(4)
	var sawLookup, sawCall bool
	for _, m := range msgs {
		switch m.Member {
		case "GetNameOwner":
			sawLookup = true
		case "Frob":
			sawCall = true
		}
	}
	if !sawLookup || !sawCall {
		t.Fatalf("bus saw lookup=%v call=%v, want both; messages: %+v", sawLookup, sawCall, msgs)
	}

	// The reply arrives stamped with the owner's unique name.
	bus.Inject(&dbus.Message{
		Type:        dbus.TypeMethodReturn,
		ReplySerial: serial,
		Sender:      ":1.9",
	})
	m := await(t, got, "reply routed via unique name")
	if m.Type != dbus.TypeMethodReturn {
		t.Errorf("got %v, want method return", m.Type)
	}
}

func TestOwnerlessNameFailsReplies(t *testing.T) {
	c, _ := startBus(t)

	got := make(chan *dbus.Message, 1)
	serial := c.NextSerial()
	c.AddReply(dbus.Reply{
		Remote:  "com.example.Nobody",
		Serial:  serial,
		OnError: func(m *dbus.Message) { got <- m.Clone() },
	})

	m := await(t, got, "synthetic no-owner error")
	if m.ErrName != "org.freedesktop.DBus.Error.NameHasNoOwner" {
		t.Errorf("error name %q, want NameHasNoOwner", m.ErrName)
	}
}

func TestNameOwnerChangeReResolves(t *testing.T) {
	c, bus := startBus(t)
	bus.SetOwner("com.example.Svc", ":1.9")

	// Prime the tracker with a first resolved registration.
	first := make(chan *dbus.Message, 1)
	serial := c.NextSerial()
	c.AddReply(dbus.Reply{
		Remote:  "com.example.Svc",
		Serial:  serial,
		OnReply: func(m *dbus.Message) { first <- m.Clone() },
	})
	dbus.NewCall("com.example.Svc", "/svc", "i", "M").SetSerial(serial).SendTo(c)
	bus.WaitReceived(4)
	bus.Inject(&dbus.Message{Type: dbus.TypeMethodReturn, ReplySerial: serial, Sender: ":1.9"})
	await(t, first, "first reply")

	// Ownership moves. SetOwner delivers the NameOwnerChanged signal
	// before returning, so the tracker is current.
	bus.SetOwner("com.example.Svc", ":1.10")

	second := make(chan *dbus.Message, 1)
	serial = c.NextSerial()
	c.AddReply(dbus.Reply{
		Remote:  "com.example.Svc",
		Serial:  serial,
		OnReply: func(m *dbus.Message) { second <- m.Clone() },
	})
	bus.Inject(&dbus.Message{Type: dbus.TypeMethodReturn, ReplySerial: serial, Sender: ":1.10"})
	m := await(t, second, "reply from new owner")
	if m.Sender != ":1.10" {
		t.Errorf("reply sender %q, want :1.10", m.Sender)
	}

	// The name is dropped entirely: new registrations fail at once.
	bus.SetOwner("com.example.Svc", "")
	third := make(chan *dbus.Message, 1)
	c.AddReply(dbus.Reply{
		Remote:  "com.example.Svc",
		Serial:  c.NextSerial(),
		OnError: func(m *dbus.Message) { third <- m.Clone() },
	})
	m = await(t, third, "synthetic error after owner vanished")
	if m.ErrName != "org.freedesktop.DBus.Error.NameHasNoOwner" {
		t.Errorf("error name %q, want NameHasNoOwner", m.ErrName)
	}
}

func TestEndToEndMethodCallRoundTrip(t *testing.T) {
	c, bus := startBus(t)

	// Serve a method and drive it from the bus side.
	c.Bind("/echo", &dbus.Interface{
		Name: "com.example.Echo",
		Methods: []*dbus.Method{{
			Name: "Echo",
			In:   []dbus.ArgSpec{{Name: "in", Sig: "s"}},
			Out:  []dbus.ArgSpec{{Name: "out", Sig: "s"}},
			Func: func(call *dbus.Call) error {
				s, err := call.Args.String()
				if err != nil {
					return err
				}
				return call.Reply(func(enc *fragments.Encoder) error {
					enc.String(s + "!")
					return nil
				})
			},
		}},
	})

	enc := &fragments.Encoder{Order: fragments.NativeEndian}
	enc.String("hi")
	bus.Inject(&dbus.Message{
		Type:      dbus.TypeMethodCall,
		Serial:    77,
		Path:      "/echo",
		Interface: "com.example.Echo",
		Member:    "Echo",
		Sender:    ":1.33",
		Signature: enc.Sig(),
		Body:      enc.Out,
	})

	msgs := bus.WaitReceived(2) // Hello, then our reply
	var reply *dbus.Message
	for _, m := range msgs {
		if m.Type == dbus.TypeMethodReturn && m.ReplySerial == 77 {
			reply = m
		}
	}
	if reply == nil {
		t.Fatalf("no reply to serial 77 in %+v", msgs)
	}
	s, err := reply.BodyDecoder().String()
	if err != nil || s != "hi!" {
		t.Errorf("reply body %q, %v, want \"hi!\"", s, err)
	}
}
