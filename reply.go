package dbus

import "fmt"

// A Reply describes a registration for the return or error message of
// an outgoing method call.
type Reply struct {
	// Remote is the bus name the call was sent to. Well-known names
	// are resolved to the owner's unique name at registration time,
	// because replies arrive stamped with the sender's unique name.
	Remote string
	// Serial is the outgoing call's serial.
	Serial uint32
	// OnReply runs when the matching method return arrives.
	OnReply func(*Message)
	// OnError runs when the matching error arrives. Synthetic errors
	// (ownerless destination, connection shutdown) arrive here too.
	OnError func(*Message)
	// Release holds up to two hooks that run exactly once when the
	// registration is removed, on every removal path.
	Release [2]func()
	// Proxy, if set, ferries the callbacks and release hooks to
	// another thread's loop.
	Proxy *Proxy
}

// A ReplyHandle identifies one registered reply slot.
type ReplyHandle struct {
	reg     Reply
	remote  *remote
	removed bool
}

// remote is the per-unique-name bucket of pending replies. It exists
// only while at least one reply to that peer is outstanding.
type remote struct {
	name    string
	replies map[uint32]*ReplyHandle
}

// AddReply registers for the reply to an outgoing call. The
// registration is removed automatically when the first matching
// return or error arrives.
//
// Registering two replies for the same (remote, serial) pair is a
// caller bug and panics.
func (c *Conn) AddReply(reg Reply) *ReplyHandle {
	if reg.Remote == "" {
		panic("AddReply with empty remote name")
	}
	if reg.Serial == 0 {
		panic("AddReply with zero serial")
	}
	c.mu.Lock()
	name, needLookup := c.resolveOwnerLocked(reg.Remote)
	if r := c.remotes[name]; r != nil && r.replies[reg.Serial] != nil {
		// Unlock before panicking, so a recovered caller keeps a
		// usable connection.
		c.mu.Unlock()
		panic(fmt.Sprintf("duplicate reply registration for serial %d of %s", reg.Serial, name))
	}
	h := c.addReplyLocked(name, reg)
	var deliver []func()
	if !needLookup && !isUnique(reg.Remote) {
		// The destination is a tracked name already known to have no
		// owner; the reply can never arrive.
		if t := c.names[reg.Remote]; t != nil && t.resolved && t.owner == "" {
			deliver = c.failRepliesLocked(c.remotes[name], errNoOwner, "Name has no owner")
		}
	}
	c.mu.Unlock()
	if needLookup {
		c.requestNameOwner(reg.Remote)
	}
	for _, fn := range deliver {
		fn()
	}
	return h
}

func (c *Conn) addReplyLocked(name string, reg Reply) *ReplyHandle {
	r := c.remotes[name]
	if r == nil {
		r = &remote{name: name, replies: map[uint32]*ReplyHandle{}}
		c.remotes[name] = r
	}
	if r.replies[reg.Serial] != nil {
		panic(fmt.Sprintf("duplicate reply registration for serial %d of %s", reg.Serial, name))
	}
	h := &ReplyHandle{reg: reg, remote: r}
	r.replies[reg.Serial] = h
	return h
}

// detachLocked unlinks h from the reply tables, freeing the remote
// bucket if it empties. It does not run release hooks.
func (c *Conn) detachLocked(h *ReplyHandle) {
	r := h.remote
	if r == nil {
		return
	}
	h.remote = nil
	delete(r.replies, h.reg.Serial)
	if len(r.replies) == 0 {
		delete(c.remotes, r.name)
	}
}

// RemoveReply removes a reply registration and runs its release
// hooks. Removing a reply that was already removed, or already
// delivered, is a no-op; this holds even when the removal happens
// inside the reply's own callback.
func (c *Conn) RemoveReply(h *ReplyHandle) {
	c.mu.Lock()
	if h.removed {
		c.mu.Unlock()
		return
	}
	h.removed = true
	c.detachLocked(h)
	if c.replyCursor == h {
		// Removed from within its own delivery callback; the
		// dispatcher must not free it a second time.
		c.replyCursor = nil
	}
	c.mu.Unlock()
	h.runRelease()
}

func (h *ReplyHandle) runRelease() {
	for _, rel := range h.reg.Release {
		if rel == nil {
			continue
		}
		if h.reg.Proxy != nil && h.reg.Proxy.Release != nil {
			h.reg.Proxy.Release(rel)
		} else {
			rel()
		}
	}
}

// dispatchReply routes an incoming return or error to its pending
// reply slot, if any. Unmatched replies are dropped silently: they
// belong to calls that were cancelled or never made.
func (c *Conn) dispatchReply(msg *Message) {
	if msg.Type != TypeMethodReturn && msg.Type != TypeError {
		return
	}
	if msg.Sender == "" || msg.ReplySerial == 0 {
		return
	}

	c.mu.Lock()
	r := c.remotes[msg.Sender]
	if r == nil {
		c.mu.Unlock()
		return
	}
	h := r.replies[msg.ReplySerial]
	if h == nil {
		c.mu.Unlock()
		return
	}
	// Unlink before invoking the callback, so the callback may
	// register a fresh reply under the same serial. The cursor lets
	// an explicit RemoveReply inside the callback elide the free we
	// do afterwards.
	c.detachLocked(h)
	c.replyCursor = h
	c.mu.Unlock()

	var cb func(*Message)
	if msg.Type == TypeMethodReturn {
		cb = h.reg.OnReply
	} else {
		cb = h.reg.OnError
	}
	if cb != nil {
		if h.reg.Proxy != nil && h.reg.Proxy.Forward != nil {
			h.reg.Proxy.Forward(func() { cb(msg) })
		} else {
			cb(msg)
		}
	}

	c.mu.Lock()
	freed := c.replyCursor != h
	c.replyCursor = nil
	if !freed {
		h.removed = true
	}
	c.mu.Unlock()
	if !freed {
		h.runRelease()
	}
}

// failRepliesLocked completes every pending reply in bucket with a
// synthetic error message. Callers pass the error name and detail;
// each reply sees its own serial.
func (c *Conn) failRepliesLocked(bucket *remote, errName, detail string) []func() {
	var deliver []func()
	for serial, h := range bucket.replies {
		h.remote = nil
		h.removed = true
		msg := syntheticError(bucket.name, serial, errName, detail)
		hh := h
		deliver = append(deliver, func() {
			if hh.reg.OnError != nil {
				if hh.reg.Proxy != nil && hh.reg.Proxy.Forward != nil {
					hh.reg.Proxy.Forward(func() { hh.reg.OnError(msg) })
				} else {
					hh.reg.OnError(msg)
				}
			}
			hh.runRelease()
		})
	}
	bucket.replies = map[uint32]*ReplyHandle{}
	delete(c.remotes, bucket.name)
	return deliver
}

// syntheticError builds an error message that was never on the wire,
// for delivering local failures through the normal error path.
func syntheticError(sender string, replySerial uint32, errName, detail string) *Message {
	msg := &Message{
		Type:        TypeError,
		Serial:      ^uint32(0),
		ReplySerial: replySerial,
		ErrName:     errName,
		Sender:      sender,
	}
	if detail != "" {
		msg.Signature = "s"
		enc := newBodyEncoder()
		enc.String(detail)
		msg.Body = enc.Out
	}
	return msg
}
