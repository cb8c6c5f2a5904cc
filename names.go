package dbus

import (
	"strings"

	"github.com/foobarnz/dbus/fragments"
)

// Bus daemon identity and members used by the name tracker.
const (
	busName   = "org.freedesktop.DBus"
	busPath   = ObjectPath("/org/freedesktop/DBus")
	busIface  = "org.freedesktop.DBus"
	busMember = "NameOwnerChanged"
)

// trackedName is the tracker's view of one well-known name.
type trackedName struct {
	// owner is the name's current unique owner, or "" if it has none.
	owner string
	// resolved is set once a GetNameOwner round-trip or a
	// NameOwnerChanged signal has established the owner.
	resolved bool
}

// isUnique reports whether name needs no resolution: unique names are
// already what reply senders are stamped with, and the bus daemon
// sends under its well-known name.
func isUnique(name string) bool {
	return strings.HasPrefix(name, ":") || name == busName
}

// resolveOwnerLocked maps a reply destination to the bucket name its
// replies will arrive under. Unresolved well-known names park under
// the well-known name itself until the owner is learned; needLookup
// asks the caller to start a GetNameOwner round-trip once the lock is
// released.
func (c *Conn) resolveOwnerLocked(dest string) (bucket string, needLookup bool) {
	if isUnique(dest) {
		return dest, false
	}
	t := c.names[dest]
	if t == nil {
		c.names[dest] = &trackedName{}
		return dest, true
	}
	if t.owner != "" {
		return t.owner, false
	}
	return dest, false
}

// requestNameOwner starts the GetNameOwner round-trip for a
// well-known name, and installs the NameOwnerChanged listener on
// first use.
func (c *Conn) requestNameOwner(dest string) {
	c.ensureNameListener()

	serial := c.NextSerial()
	c.AddReply(Reply{
		Remote: busName,
		Serial: serial,
		OnReply: func(msg *Message) {
			owner, err := msg.BodyDecoder().String()
			if err != nil {
				owner = ""
			}
			c.nameResolved(dest, owner)
		},
		OnError: func(*Message) {
			c.nameResolved(dest, "")
		},
	})
	f := NewCall(busName, busPath, busIface, "GetNameOwner").SetSerial(serial)
	f.Args(func(enc *fragments.Encoder) error {
		enc.String(dest)
		return nil
	})
	f.SendTo(c)
}

// ensureNameListener installs, once, the local match and the daemon
// side subscription that keep tracked names current.
func (c *Conn) ensureNameListener() {
	c.mu.Lock()
	installed := c.nameListener
	c.nameListener = true
	c.mu.Unlock()
	if installed {
		return
	}

	rule := NewMatch().
		Type(TypeSignal).
		Sender(busName).
		Interface(busIface).
		Member(busMember)
	c.AddMatch(rule, c.nameOwnerChanged, MatchOptions{})

	f := NewCall(busName, busPath, busIface, "AddMatch").
		SetFlags(FlagNoReplyExpected)
	f.Args(func(enc *fragments.Encoder) error {
		enc.String(rule.BusRule())
		return nil
	})
	f.SendTo(c)
}

// nameOwnerChanged applies a NameOwnerChanged signal to the tracker.
func (c *Conn) nameOwnerChanged(msg *Message) {
	dec := msg.BodyDecoder()
	name, err := dec.String()
	if err != nil {
		return
	}
	if _, err := dec.String(); err != nil { // old owner
		return
	}
	newOwner, err := dec.String()
	if err != nil {
		return
	}

	c.mu.Lock()
	t := c.names[name]
	if t == nil {
		c.mu.Unlock()
		return
	}
	t.owner = newOwner
	t.resolved = true
	var deliver []func()
	if newOwner == "" {
		if bucket := c.remotes[name]; bucket != nil {
			deliver = c.failRepliesLocked(bucket, errNoOwner, "Name has no owner")
		}
	}
	c.mu.Unlock()
	for _, fn := range deliver {
		fn()
	}
}

// nameResolved records the outcome of a GetNameOwner round-trip and
// migrates replies parked under the well-known name.
func (c *Conn) nameResolved(dest, owner string) {
	c.mu.Lock()
	t := c.names[dest]
	if t == nil {
		c.mu.Unlock()
		return
	}
	// A NameOwnerChanged that raced the round-trip is newer than the
	// round-trip's answer; don't regress it.
	if !t.resolved {
		t.owner = owner
		t.resolved = true
	}
	owner = t.owner

	parked := c.remotes[dest]
	var deliver []func()
	switch {
	case parked == nil:
	case owner == "":
		deliver = c.failRepliesLocked(parked, errNoOwner, "Name has no owner")
	default:
		delete(c.remotes, dest)
		target := c.remotes[owner]
		if target == nil {
			target = &remote{name: owner, replies: map[uint32]*ReplyHandle{}}
			c.remotes[owner] = target
		}
		for serial, h := range parked.replies {
			h.remote = target
			target.replies[serial] = h
		}
	}
	c.mu.Unlock()
	for _, fn := range deliver {
		fn()
	}
}
