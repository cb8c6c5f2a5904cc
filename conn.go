package dbus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"maps"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/creachadair/mds/mapset"
	"github.com/foobarnz/dbus/auth"
	"github.com/foobarnz/dbus/transport"
)

// ConnState is a connection's lifecycle state.
type ConnState int

const (
	StateUnconnected ConnState = iota
	StateAuthenticating
	StateHelloPending
	StateReady
	// StateClosed is terminal: all pending replies have been
	// completed with a synthetic error and all matches released.
	StateClosed
)

// Config carries the collaborators a connection needs.
type Config struct {
	// Send writes outgoing bytes to the transport. Required.
	Send func([]byte) error
	// Close releases the transport when the connection shuts down.
	Close func() error
	// Auth, if set, is the handshake to drive before framed traffic
	// begins. If nil, the stream is assumed pre-authenticated and
	// Connect proceeds straight to the Hello exchange.
	Auth *auth.Client
	// OnConnect fires once, when the Hello exchange completes and the
	// connection becomes Ready.
	OnConnect func(*Conn)
}

// A Conn is one client connection to a message bus.
//
// The connection is sans-IO: the owner of the byte stream pushes
// received bytes in with [Conn.AppendInput], and outgoing bytes leave
// through the configured send callback. [Dial] and friends bundle a
// unix socket transport with a reader goroutine for the common case.
type Conn struct {
	cfg Config

	writeMu sync.Mutex

	mu           sync.Mutex
	state        ConnState
	lastSerial   uint32
	recv         []byte
	lineBuf      []byte
	clientID     string
	matches      mapset.Set[*MatchHandle]
	matchSeq     uint64
	remotes      map[string]*remote
	replyCursor  *ReplyHandle
	objects      map[ObjectPath]*object
	names        map[string]*trackedName
	nameListener bool

	readyOnce sync.Once
	ready     chan struct{}
}

// New creates an unconnected Conn over the given collaborators.
func New(cfg Config) *Conn {
	if cfg.Send == nil {
		panic("dbus.New with nil Send")
	}
	return &Conn{
		cfg:     cfg,
		matches: mapset.New[*MatchHandle](),
		remotes: map[string]*remote{},
		objects: map[ObjectPath]*object{},
		names:   map[string]*trackedName{},
		ready:   make(chan struct{}),
	}
}

// State returns the connection's lifecycle state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UniqueName returns the bus-assigned unique name of this connection,
// or "" before the Hello exchange completes.
func (c *Conn) UniqueName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Connect starts the connection's handshake: the authentication
// exchange if one was configured, then the Hello call to the bus.
// Progress is driven by bytes arriving through AppendInput.
func (c *Conn) Connect() error {
	c.mu.Lock()
	if c.state != StateUnconnected {
		c.mu.Unlock()
		return fmt.Errorf("Connect on connection in state %d", c.state)
	}
	if c.cfg.Auth != nil {
		c.state = StateAuthenticating
		c.mu.Unlock()
		return c.write(c.cfg.Auth.Start())
	}
	c.mu.Unlock()
	return c.beginHello()
}

// beginHello sends the Hello call that asks the bus for our unique
// name.
func (c *Conn) beginHello() error {
	c.mu.Lock()
	c.state = StateHelloPending
	c.mu.Unlock()

	serial := c.NextSerial()
	c.AddReply(Reply{
		Remote: busName,
		Serial: serial,
		OnReply: func(msg *Message) {
			id, err := msg.BodyDecoder().String()
			if err != nil {
				log.Printf("dbus: malformed Hello reply: %v", err)
				c.Close()
				return
			}
			c.mu.Lock()
			c.clientID = id
			c.state = StateReady
			c.mu.Unlock()
			c.readyOnce.Do(func() { close(c.ready) })
			if c.cfg.OnConnect != nil {
				c.cfg.OnConnect(c)
			}
		},
		OnError: func(msg *Message) {
			log.Printf("dbus: Hello failed: %s", msg.ErrName)
			c.Close()
		},
	})
	return NewCall(busName, busPath, busIface, "Hello").
		SetSerial(serial).
		SendTo(c)
}

// Ready returns a channel that closes when the connection reaches
// Ready, or when it closes without getting there.
func (c *Conn) Ready() <-chan struct{} { return c.ready }

// NextSerial reserves and returns a fresh outgoing message serial.
// Reserving a serial before sending lets callers register a reply
// first, so the reply cannot race the registration.
func (c *Conn) NextSerial() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSerial++
	if c.lastSerial == 0 {
		// Wrapping means 2^32-1 outstanding serials. Nothing sane
		// gets here.
		panic("dbus: serial space exhausted")
	}
	return c.lastSerial
}

// Send marshals and writes one message. A zero serial is assigned
// from the connection's counter. Transport write failures propagate
// to the caller.
func (c *Conn) Send(msg *Message) error {
	c.mu.Lock()
	closed := c.state == StateClosed
	c.mu.Unlock()
	if closed {
		return net.ErrClosed
	}
	if msg.Serial == 0 {
		msg.Serial = c.NextSerial()
	}
	bs, err := MarshalMessage(msg)
	if err != nil {
		return err
	}
	return c.write(bs)
}

func (c *Conn) write(bs []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.cfg.Send(bs)
}

// AppendInput feeds received bytes into the connection. Whole
// messages are peeled off the receive buffer and dispatched; a
// partial message remains buffered for the next call. A parse error
// closes the connection and is returned.
//
// During authentication, input is consumed as SASL lines instead,
// until the handshake hands the stream over to framed traffic.
func (c *Conn) AppendInput(data []byte) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return net.ErrClosed
	}
	authing := c.state == StateAuthenticating
	c.mu.Unlock()

	if authing {
		rest, err := c.feedAuth(data)
		if err != nil {
			c.Close()
			return err
		}
		if rest == nil {
			return nil
		}
		data = rest
	}

	c.mu.Lock()
	c.recv = append(c.recv, data...)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		if c.state == StateClosed {
			c.mu.Unlock()
			return net.ErrClosed
		}
		n, err := MessageSize(c.recv)
		if err != nil {
			c.mu.Unlock()
			c.Close()
			return err
		}
		if n == 0 || n > len(c.recv) {
			c.mu.Unlock()
			return nil
		}
		frame := c.recv[:n]
		c.mu.Unlock()

		msg, err := ParseMessage(frame)
		if err != nil {
			c.Close()
			return err
		}
		if msg != nil {
			c.route(msg)
		}

		c.mu.Lock()
		c.recv = c.recv[:copy(c.recv, c.recv[n:])]
		c.mu.Unlock()
	}
}

// feedAuth consumes handshake lines from data. It returns non-nil
// leftover bytes once the handshake completes; a nil remainder means
// more handshake input is needed. The empty remainder after
// completion is non-nil.
func (c *Conn) feedAuth(data []byte) ([]byte, error) {
	c.mu.Lock()
	c.lineBuf = append(c.lineBuf, data...)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		idx := bytes.Index(c.lineBuf, []byte("\r\n"))
		if idx < 0 {
			c.mu.Unlock()
			return nil, nil
		}
		line := bytes.Clone(c.lineBuf[:idx])
		c.lineBuf = c.lineBuf[:copy(c.lineBuf, c.lineBuf[idx+2:])]
		c.mu.Unlock()

		send, done, err := c.cfg.Auth.Feed(line)
		if err != nil {
			return nil, fmt.Errorf("dbus authentication failed: %w", err)
		}
		if send != nil {
			if err := c.write(send); err != nil {
				return nil, err
			}
		}
		if done {
			c.mu.Lock()
			rest := append([]byte{}, c.lineBuf...)
			c.lineBuf = nil
			c.mu.Unlock()
			if err := c.beginHello(); err != nil {
				return nil, err
			}
			return rest, nil
		}
	}
}

// route dispatches one parsed message: method calls to bound objects,
// returns and errors to pending replies, and every message through
// the match registry.
func (c *Conn) route(msg *Message) {
	switch msg.Type {
	case TypeMethodCall:
		c.dispatchCall(msg)
	case TypeMethodReturn, TypeError:
		c.dispatchReply(msg)
	}
	c.dispatchMatches(msg)
}

// Close shuts the connection down. All pending replies complete with
// a synthetic error, all matches are released with their hooks, and
// the transport is closed. Close is idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed

	var deliver []func()
	for bucket := range maps.Values(maps.Clone(c.remotes)) {
		deliver = append(deliver, c.failRepliesLocked(bucket, errDisconnected, "Connection closed")...)
	}
	var released []*MatchHandle
	for h := range c.matches {
		h.removed = true
		released = append(released, h)
	}
	c.matches = mapset.New[*MatchHandle]()
	c.recv = nil
	c.lineBuf = nil
	c.mu.Unlock()

	c.readyOnce.Do(func() { close(c.ready) })
	for _, fn := range deliver {
		fn()
	}
	for _, h := range released {
		h.runRelease()
	}
	if c.cfg.Close != nil {
		return c.cfg.Close()
	}
	return nil
}

// SystemBus connects to the system bus.
func SystemBus(ctx context.Context) (*Conn, error) {
	return Dial(ctx, "/run/dbus/system_bus_socket")
}

// SessionBus connects to the current user's session bus.
func SessionBus(ctx context.Context) (*Conn, error) {
	path := os.Getenv("DBUS_SESSION_BUS_ADDRESS")
	if path == "" {
		return nil, errors.New("session bus not available")
	}
	for _, uri := range strings.Split(path, ";") {
		addr, ok := strings.CutPrefix(uri, "unix:path=")
		if !ok {
			continue
		}
		return Dial(ctx, addr)
	}
	return nil, fmt.Errorf("could not find usable session bus address in DBUS_SESSION_BUS_ADDRESS value %q", path)
}

// Dial connects to the bus listening on the unix socket at path,
// authenticates, and completes the Hello exchange before returning.
func Dial(ctx context.Context, path string) (*Conn, error) {
	t, err := transport.DialUnix(ctx, path)
	if err != nil {
		return nil, err
	}
	c := New(Config{
		Send: func(bs []byte) error {
			_, err := t.Write(bs)
			return err
		},
		Close: t.Close,
		Auth:  auth.External(os.Getuid()).NegotiateUnixFDs(),
	})
	if err := c.Connect(); err != nil {
		c.Close()
		return nil, err
	}
	go c.readLoop(t)

	select {
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	case <-c.ready:
	}
	if c.State() != StateReady {
		return nil, errors.New("dbus connection closed during handshake")
	}
	return c, nil
}

// readLoop pumps transport bytes into the connection. It is the
// dispatch thread: all callbacks run on it.
func (c *Conn) readLoop(t transport.Transport) {
	buf := make([]byte, 4096)
	for {
		n, err := t.Read(buf)
		if n > 0 {
			if err := c.AppendInput(buf[:n]); err != nil {
				if !errors.Is(err, net.ErrClosed) {
					// A protocol violation from the bus. Fatal to
					// the connection.
					log.Printf("dbus: read error: %v", err)
				}
				return
			}
		}
		if err != nil {
			c.Close()
			return
		}
	}
}
