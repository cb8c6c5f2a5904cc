package dbus

import (
	"errors"
	"net"
	"testing"

	"github.com/foobarnz/dbus/auth"
)

// helloReply builds the bus's response to the connection's Hello.
func helloReply(replySerial uint32, uniqueName string) *Message {
	sig, body := strBody(uniqueName)
	return &Message{
		Type:        TypeMethodReturn,
		Serial:      1,
		ReplySerial: replySerial,
		Sender:      busName,
		Signature:   sig,
		Body:        body,
	}
}

func TestHelloHandshake(t *testing.T) {
	s := &sink{}
	var connected int
	c := New(Config{
		Send:      s.send,
		OnConnect: func(*Conn) { connected++ },
	})
	defer c.Close()

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := c.State(); got != StateHelloPending {
		t.Fatalf("state after Connect = %d, want HelloPending", got)
	}

	msgs := s.messages()
	if len(msgs) != 1 {
		t.Fatalf("got %d outgoing messages, want Hello only", len(msgs))
	}
	hello := msgs[0]
	if hello.Member != "Hello" || hello.Destination != busName {
		t.Fatalf("unexpected first message %s to %s", hello.Member, hello.Destination)
	}

	inject(t, c, helloReply(hello.Serial, ":1.42"))

	if got := c.UniqueName(); got != ":1.42" {
		t.Errorf("UniqueName = %q, want :1.42", got)
	}
	if got := c.State(); got != StateReady {
		t.Errorf("state = %d, want Ready", got)
	}
	if connected != 1 {
		t.Errorf("connected notification fired %d times, want 1", connected)
	}

	select {
	case <-c.Ready():
	default:
		t.Error("Ready channel not closed")
	}
}

func TestAuthThenHello(t *testing.T) {
	s := &sink{}
	c := New(Config{
		Send: s.send,
		Auth: auth.External(1000),
	})
	defer c.Close()

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := c.State(); got != StateAuthenticating {
		t.Fatalf("state after Connect = %d, want Authenticating", got)
	}

	// The server's OK completes auth; BEGIN and the Hello call go
	// out, and trailing bytes after the line feed straight into the
	// framed pipeline.
	if err := c.AppendInput([]byte("OK 1234deadbeef\r\n")); err != nil {
		t.Fatalf("AppendInput: %v", err)
	}
	if got := c.State(); got != StateHelloPending {
		t.Fatalf("state after OK = %d, want HelloPending", got)
	}

	frames := s.frames()
	if len(frames) < 3 {
		t.Fatalf("got %d outgoing writes, want auth, BEGIN and Hello", len(frames))
	}
	if string(frames[1]) != "BEGIN\r\n" {
		t.Errorf("second write %q, want BEGIN", frames[1])
	}

	msgs := s.messages()
	if len(msgs) != 1 || msgs[0].Member != "Hello" {
		t.Fatalf("expected Hello after auth, got %v", msgs)
	}
	inject(t, c, helloReply(msgs[0].Serial, ":1.7"))
	if got := c.UniqueName(); got != ":1.7" {
		t.Errorf("UniqueName = %q, want :1.7", got)
	}
}

func TestAppendInputPartialDelivery(t *testing.T) {
	c, _ := newTestConn(t)

	var fired int
	c.AddMatch(NewMatch().Member("X"), func(*Message) { fired++ }, MatchOptions{})

	bs, err := MarshalMessage(signalMsg("a.b", "X", 1))
	if err != nil {
		t.Fatal(err)
	}
	for len(bs) > 0 {
		n := min(3, len(bs))
		if err := c.AppendInput(bs[:n]); err != nil {
			t.Fatalf("AppendInput: %v", err)
		}
		bs = bs[n:]
	}
	if fired != 1 {
		t.Errorf("match fired %d times across partial delivery, want 1", fired)
	}
}

func TestAppendInputCoalescedDelivery(t *testing.T) {
	c, _ := newTestConn(t)

	var fired int
	c.AddMatch(NewMatch().Member("X"), func(*Message) { fired++ }, MatchOptions{})

	one, err := MarshalMessage(signalMsg("a.b", "X", 1))
	if err != nil {
		t.Fatal(err)
	}
	two, err := MarshalMessage(signalMsg("a.b", "X", 2))
	if err != nil {
		t.Fatal(err)
	}
	if err := c.AppendInput(append(one, two...)); err != nil {
		t.Fatalf("AppendInput: %v", err)
	}
	if fired != 2 {
		t.Errorf("match fired %d times for two coalesced messages, want 2", fired)
	}
}

func TestParseErrorClosesConn(t *testing.T) {
	c, _ := newTestConn(t)

	bad := make([]byte, 16)
	bad[0] = '?'
	if err := c.AppendInput(bad); err == nil {
		t.Fatal("AppendInput did not report parse error")
	}
	if got := c.State(); got != StateClosed {
		t.Errorf("state after parse error = %d, want Closed", got)
	}
	if err := c.AppendInput([]byte{1}); !errors.Is(err, net.ErrClosed) {
		t.Errorf("AppendInput after close = %v, want net.ErrClosed", err)
	}
}

func TestUnknownTypeDroppedSilently(t *testing.T) {
	c, _ := newTestConn(t)

	var fired int
	c.AddMatch(NewMatch(), func(*Message) { fired++ }, MatchOptions{})

	bs, err := MarshalMessage(signalMsg("a.b", "X", 1))
	if err != nil {
		t.Fatal(err)
	}
	bs[1] = 9 // forward-compatible unknown type
	if err := c.AppendInput(bs); err != nil {
		t.Fatalf("AppendInput returned error for unknown type: %v", err)
	}
	if fired != 0 {
		t.Errorf("match fired %d times for dropped message, want 0", fired)
	}
	if got := c.State(); got != StateUnconnected {
		t.Errorf("state = %d, want connection unaffected", got)
	}
}

func TestSendAssignsSerial(t *testing.T) {
	c, s := newTestConn(t)

	if err := NewSignal("/t", "t.I", "S").SendTo(c); err != nil {
		t.Fatalf("SendTo: %v", err)
	}
	if err := NewSignal("/t", "t.I", "S").SendTo(c); err != nil {
		t.Fatalf("SendTo: %v", err)
	}

	msgs := s.messages()
	if len(msgs) != 2 {
		t.Fatalf("got %d outgoing messages, want 2", len(msgs))
	}
	if msgs[0].Serial == 0 || msgs[1].Serial != msgs[0].Serial+1 {
		t.Errorf("serials %d, %d, want consecutive non-zero", msgs[0].Serial, msgs[1].Serial)
	}
}

func TestSendTransportError(t *testing.T) {
	boom := errors.New("boom")
	c := New(Config{Send: func([]byte) error { return boom }})
	defer c.Close()

	if err := NewSignal("/t", "t.I", "S").SendTo(c); !errors.Is(err, boom) {
		t.Errorf("SendTo = %v, want transport error", err)
	}
}

func TestSendAfterClose(t *testing.T) {
	c, _ := newTestConn(t)
	c.Close()
	if err := NewSignal("/t", "t.I", "S").SendTo(c); !errors.Is(err, net.ErrClosed) {
		t.Errorf("SendTo after close = %v, want net.ErrClosed", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
}
