// Package dbustest provides an in-memory message bus daemon
// simulator, for exercising client connections end to end without a
// system bus.
//
// The simulated bus speaks the authentication handshake and just
// enough of the org.freedesktop.DBus interface (Hello, GetNameOwner,
// AddMatch, RemoveMatch) to bring a connection up, and records every
// message the client sends for test assertions. Messages the bus
// should originate (signals, method calls to the client, name owner
// changes) are injected by the test.
package dbustest

import (
	"bytes"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/foobarnz/dbus"
	"github.com/foobarnz/dbus/fragments"
)

const busName = "org.freedesktop.DBus"

// Bus is one simulated daemon serving one client.
type Bus struct {
	// UniqueName is the name Hello assigns to the client.
	UniqueName string

	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	deliver  func([]byte)
	authed   bool
	lineBuf  []byte
	recv     []byte
	serial   uint32
	owners   map[string]string
	received []*dbus.Message
	notify   chan struct{}
}

// New starts a simulated bus. The deliver function receives the bytes
// the bus sends to the client; tests typically point it at
// [dbus.Conn.AppendInput]. Because delivery happens on the bus's own
// goroutine, it is safe for deliver to re-enter the connection.
func New(deliver func([]byte)) *Bus {
	b := &Bus{
		UniqueName: ":1.42",
		in:         make(chan []byte, 64),
		closed:     make(chan struct{}),
		deliver:    deliver,
		owners:     map[string]string{},
		notify:     make(chan struct{}, 1),
	}
	go b.run()
	return b
}

// Close stops the bus goroutine.
func (b *Bus) Close() {
	b.once.Do(func() { close(b.closed) })
}

// ClientWrite accepts bytes written by the client. It is shaped to
// serve as a connection's Send callback.
func (b *Bus) ClientWrite(bs []byte) error {
	select {
	case b.in <- slices.Clone(bs):
		return nil
	case <-b.closed:
		return fmt.Errorf("bus closed")
	}
}

func (b *Bus) run() {
	for {
		select {
		case bs := <-b.in:
			b.consume(bs)
		case <-b.closed:
			return
		}
	}
}

func (b *Bus) send(bs []byte) {
	b.mu.Lock()
	deliver := b.deliver
	b.mu.Unlock()
	deliver(bs)
}

// consume processes one chunk of client bytes: handshake lines until
// BEGIN, framed messages after.
func (b *Bus) consume(bs []byte) {
	if !b.authed {
		bs = b.consumeAuth(bs)
		if bs == nil {
			return
		}
	}
	b.recv = append(b.recv, bs...)
	for {
		n, err := dbus.MessageSize(b.recv)
		if err != nil || n == 0 || n > len(b.recv) {
			return
		}
		msg, err := dbus.ParseMessage(b.recv[:n])
		b.recv = b.recv[:copy(b.recv, b.recv[n:])]
		if err != nil || msg == nil {
			continue
		}
		b.handle(msg.Clone())
	}
}

func (b *Bus) consumeAuth(bs []byte) []byte {
	b.lineBuf = append(b.lineBuf, bs...)
	b.lineBuf = bytes.TrimPrefix(b.lineBuf, []byte{0})
	for {
		idx := bytes.Index(b.lineBuf, []byte("\r\n"))
		if idx < 0 {
			return nil
		}
		line := string(b.lineBuf[:idx])
		b.lineBuf = b.lineBuf[idx+2:]
		switch {
		case len(line) >= 4 && line[:4] == "AUTH":
			b.send([]byte("OK 1234deadbeef\r\n"))
		case line == "NEGOTIATE_UNIX_FD":
			b.send([]byte("AGREE_UNIX_FD\r\n"))
		case line == "BEGIN":
			b.mu.Lock()
			b.authed = true
			b.mu.Unlock()
			rest := b.lineBuf
			b.lineBuf = nil
			return rest
		default:
			b.send([]byte("ERROR\r\n"))
		}
	}
}

// handle records a client message and answers it if it is addressed
// to the daemon.
func (b *Bus) handle(msg *dbus.Message) {
	b.mu.Lock()
	b.received = append(b.received, msg)
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}

	if msg.Type != dbus.TypeMethodCall || msg.Destination != busName {
		return
	}
	switch msg.Member {
	case "Hello":
		b.reply(msg, func(enc *fragments.Encoder) error {
			enc.String(b.UniqueName)
			return nil
		})
	case "GetNameOwner":
		name, err := msg.BodyDecoder().String()
		if err != nil {
			b.replyErr(msg, "org.freedesktop.DBus.Error.InvalidArgs", err.Error())
			return
		}
		b.mu.Lock()
		owner, ok := b.owners[name]
		b.mu.Unlock()
		if !ok {
			b.replyErr(msg, "org.freedesktop.DBus.Error.NameHasNoOwner", "Could not get owner of name")
			return
		}
		b.reply(msg, func(enc *fragments.Encoder) error {
			enc.String(owner)
			return nil
		})
	case "AddMatch", "RemoveMatch":
		b.reply(msg, nil)
	default:
		b.replyErr(msg, "org.freedesktop.DBus.Error.UnknownMethod", "Unknown method")
	}
}

func (b *Bus) nextSerial() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.serial++
	return b.serial
}

func (b *Bus) reply(call *dbus.Message, args func(*fragments.Encoder) error) {
	f := dbus.NewReturn(call).SetSerial(b.nextSerial())
	if args != nil {
		f.Args(args)
	}
	b.sendFactory(f)
}

func (b *Bus) replyErr(call *dbus.Message, name, detail string) {
	b.sendFactory(dbus.NewError(call, name, detail).SetSerial(b.nextSerial()))
}

func (b *Bus) sendFactory(f *dbus.MsgFactory) {
	msg, err := f.Build()
	if err != nil {
		panic(fmt.Sprintf("dbustest: building bus message: %v", err))
	}
	msg.Sender = busName
	b.Inject(msg)
}

// Inject marshals msg and delivers it to the client as if it arrived
// from the bus. A zero serial is assigned from the bus's counter.
func (b *Bus) Inject(msg *dbus.Message) {
	if msg.Serial == 0 {
		msg.Serial = b.nextSerial()
	}
	bs, err := dbus.MarshalMessage(msg)
	if err != nil {
		panic(fmt.Sprintf("dbustest: marshaling injected message: %v", err))
	}
	b.send(bs)
}

// SetOwner records unique as the owner of name and broadcasts the
// NameOwnerChanged signal. An empty unique releases the name.
func (b *Bus) SetOwner(name, unique string) {
	b.mu.Lock()
	old := b.owners[name]
	if unique == "" {
		delete(b.owners, name)
	} else {
		b.owners[name] = unique
	}
	authed := b.authed
	b.mu.Unlock()
	if !authed {
		return
	}

	f := dbus.NewSignal("/org/freedesktop/DBus", busName, "NameOwnerChanged").
		SetSerial(b.nextSerial())
	f.Args(func(enc *fragments.Encoder) error {
		enc.String(name)
		enc.String(old)
		enc.String(unique)
		return nil
	})
	b.sendFactory(f)
}

// Received returns the messages the client has sent so far.
func (b *Bus) Received() []*dbus.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.received)
}

// WaitReceived blocks until the client has sent at least n messages,
// and returns them. It gives up after a couple of seconds, returning
// whatever arrived; the caller's assertions report the shortfall.
func (b *Bus) WaitReceived(n int) []*dbus.Message {
	deadline := time.After(2 * time.Second)
	for {
		b.mu.Lock()
		got := len(b.received)
		b.mu.Unlock()
		if got >= n {
			return b.Received()
		}
		select {
		case <-b.notify:
		case <-deadline:
			return b.Received()
		}
	}
}
