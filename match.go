package dbus

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/creachadair/mds/value"
)

// Match is a filter over incoming messages: a conjunction of equality
// tests on header fields and early string arguments. The zero Match
// (from [NewMatch]) accepts every message.
type Match struct {
	typ         value.Maybe[MsgType]
	sender      value.Maybe[string]
	path        value.Maybe[ObjectPath]
	iface       value.Maybe[string]
	member      value.Maybe[string]
	dest        value.Maybe[string]
	errName     value.Maybe[string]
	replySerial value.Maybe[uint32]
	args        map[int]string
}

// NewMatch returns a Match that accepts every message.
func NewMatch() *Match {
	return &Match{}
}

// Type restricts the match to messages of type t.
func (m *Match) Type(t MsgType) *Match {
	m.typ = value.Just(t)
	return m
}

// Sender restricts the match to messages from the given unique name.
func (m *Match) Sender(s string) *Match {
	m.sender = value.Just(s)
	return m
}

// Path restricts the match to a single source or target path.
func (m *Match) Path(p ObjectPath) *Match {
	m.path = value.Just(p)
	return m
}

// Interface restricts the match to a single interface.
func (m *Match) Interface(s string) *Match {
	m.iface = value.Just(s)
	return m
}

// Member restricts the match to a single member name.
func (m *Match) Member(s string) *Match {
	m.member = value.Just(s)
	return m
}

// Destination restricts the match to messages addressed to the given
// name.
func (m *Match) Destination(s string) *Match {
	m.dest = value.Just(s)
	return m
}

// ErrName restricts the match to error messages with the given error
// name.
func (m *Match) ErrName(s string) *Match {
	m.errName = value.Just(s)
	return m
}

// ReplySerial restricts the match to replies to the given serial.
func (m *Match) ReplySerial(serial uint32) *Match {
	m.replySerial = value.Just(serial)
	return m
}

// Arg restricts the match to messages whose i-th body argument is a
// string equal to val.
func (m *Match) Arg(i int, val string) *Match {
	if m.args == nil {
		m.args = map[int]string{}
	}
	m.args[i] = val
	return m
}

// Matches reports whether msg passes every predicate present on the
// filter.
func (m *Match) Matches(msg *Message) bool {
	if t, ok := m.typ.GetOK(); ok && msg.Type != t {
		return false
	}
	if s, ok := m.sender.GetOK(); ok && msg.Sender != s {
		return false
	}
	if p, ok := m.path.GetOK(); ok && msg.Path != p {
		return false
	}
	if s, ok := m.iface.GetOK(); ok && msg.Interface != s {
		return false
	}
	if s, ok := m.member.GetOK(); ok && msg.Member != s {
		return false
	}
	if s, ok := m.dest.GetOK(); ok && msg.Destination != s {
		return false
	}
	if s, ok := m.errName.GetOK(); ok && msg.ErrName != s {
		return false
	}
	if u, ok := m.replySerial.GetOK(); ok && msg.ReplySerial != u {
		return false
	}
	if len(m.args) > 0 {
		args, err := msg.ParseArgs()
		if err != nil {
			return false
		}
		for i, want := range m.args {
			if i >= len(args) || !args[i].OK || args[i].Value != want {
				return false
			}
		}
	}
	return true
}

// BusRule returns the match in the string format the bus daemon's
// AddMatch and RemoveMatch methods take, covering the predicates the
// daemon understands.
func (m *Match) BusRule() string {
	var ms []string
	kv := func(k, v string) {
		ms = append(ms, fmt.Sprintf("%s=%s", k, escapeMatchArg(v)))
	}
	if t, ok := m.typ.GetOK(); ok {
		kv("type", t.String())
	}
	if s, ok := m.sender.GetOK(); ok {
		kv("sender", s)
	}
	if p, ok := m.path.GetOK(); ok {
		kv("path", string(p))
	}
	if s, ok := m.iface.GetOK(); ok {
		kv("interface", s)
	}
	if s, ok := m.member.GetOK(); ok {
		kv("member", s)
	}
	if s, ok := m.dest.GetOK(); ok {
		kv("destination", s)
	}
	for _, i := range slices.Sorted(maps.Keys(m.args)) {
		kv(fmt.Sprintf("arg%d", i), m.args[i])
	}
	return strings.Join(ms, ",")
}

func escapeMatchArg(s string) string {
	s = strings.ReplaceAll(s, "'", "'\\''")
	return "'" + s + "'"
}

// A MatchHandle identifies one registered match on a connection.
type MatchHandle struct {
	rule    *Match
	call    func(*Message)
	release func()
	proxy   *Proxy
	seq     uint64
	removed bool
}

// MatchOptions carries the optional pieces of a match registration.
type MatchOptions struct {
	// Release runs when the match is removed, whether explicitly or
	// by connection shutdown.
	Release func()
	// Proxy, if set, ferries the callback and release hook to another
	// thread's loop.
	Proxy *Proxy
}

// AddMatch registers fn to run for every incoming message that rule
// accepts. The returned handle removes the registration via
// [Conn.RemoveMatch].
func (c *Conn) AddMatch(rule *Match, fn func(*Message), opts MatchOptions) *MatchHandle {
	h := &MatchHandle{
		rule:    rule,
		call:    fn,
		release: opts.Release,
		proxy:   opts.Proxy,
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.matchSeq++
	h.seq = c.matchSeq
	c.matches.Add(h)
	return h
}

// RemoveMatch removes a registered match and runs its release hook.
// Removing an already removed match is a no-op.
func (c *Conn) RemoveMatch(h *MatchHandle) {
	c.mu.Lock()
	if h.removed {
		c.mu.Unlock()
		return
	}
	h.removed = true
	delete(c.matches, h)
	c.mu.Unlock()
	h.runRelease()
}

func (h *MatchHandle) runRelease() {
	if h.release == nil {
		return
	}
	if h.proxy != nil && h.proxy.Release != nil {
		h.proxy.Release(h.release)
		return
	}
	h.release()
}

// dispatchMatches fans msg out to every match whose filter accepts
// it. Iteration is over an insertion-order snapshot, so callbacks may
// add and remove matches freely; a match added during dispatch is not
// considered for the current message, and a match removed during
// dispatch no longer fires.
func (c *Conn) dispatchMatches(msg *Message) {
	c.mu.Lock()
	snapshot := slices.SortedFunc(maps.Keys(c.matches), func(a, b *MatchHandle) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	c.mu.Unlock()

	for _, h := range snapshot {
		c.mu.Lock()
		fire := !h.removed && h.rule.Matches(msg)
		c.mu.Unlock()
		if !fire {
			continue
		}
		if h.proxy != nil && h.proxy.Forward != nil {
			h.proxy.Forward(func() { h.call(msg) })
		} else {
			h.call(msg)
		}
	}
}

// A Proxy ferries callbacks onto another thread's event loop. Forward
// must invoke the function it is given synchronously on the target
// thread; Release does the same for release hooks. The connection
// knows nothing else about threads.
type Proxy struct {
	Forward func(fn func())
	Release func(fn func())
}
