package dbus

import (
	"slices"
	"sync"
	"testing"

	"github.com/foobarnz/dbus/fragments"
)

// sink captures the frames a connection writes, parsed back into
// messages for assertions.
type sink struct {
	mu   sync.Mutex
	raw  [][]byte
	msgs []*Message
}

func (s *sink) send(bs []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := slices.Clone(bs)
	s.raw = append(s.raw, cp)
	if msg, err := ParseMessage(slices.Clone(cp)); err == nil && msg != nil {
		s.msgs = append(s.msgs, msg.Clone())
	}
	return nil
}

func (s *sink) messages() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.msgs)
}

func (s *sink) frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.raw)
}

// newTestConn returns a connection wired to a sink instead of a
// transport. The connection is left in its pre-handshake state;
// engine paths do not depend on it being Ready.
func newTestConn(t *testing.T) (*Conn, *sink) {
	t.Helper()
	s := &sink{}
	c := New(Config{Send: s.send})
	t.Cleanup(func() { c.Close() })
	return c, s
}

// inject marshals msg in native order and feeds it to the
// connection.
func inject(t *testing.T, c *Conn, msg *Message) {
	t.Helper()
	injectOrder(t, c, msg, fragments.NativeEndian)
}

func injectOrder(t *testing.T, c *Conn, msg *Message, order fragments.ByteOrder) {
	t.Helper()
	bs, err := marshalMessage(msg, order)
	if err != nil {
		t.Fatalf("marshaling injected message: %v", err)
	}
	if err := c.AppendInput(bs); err != nil {
		t.Fatalf("AppendInput: %v", err)
	}
}

// strBody encodes a message body of string arguments.
func strBody(args ...string) (sig string, body []byte) {
	enc := newBodyEncoder()
	for _, a := range args {
		enc.String(a)
	}
	return enc.Sig(), enc.Out
}
