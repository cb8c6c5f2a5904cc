package auth_test

import (
	"strings"
	"testing"

	"github.com/foobarnz/dbus/auth"
)

func TestExternal(t *testing.T) {
	c := auth.External(1000)
	start := string(c.Start())
	if !strings.HasPrefix(start, "\x00AUTH EXTERNAL ") {
		t.Fatalf("Start = %q, want AUTH EXTERNAL preamble", start)
	}
	// "1000" hex encoded.
	if !strings.Contains(start, "31303030") {
		t.Errorf("Start = %q, want hex-encoded uid", start)
	}

	send, done, err := c.Feed([]byte("OK 1234deadbeef"))
	if err != nil {
		t.Fatalf("Feed(OK): %v", err)
	}
	if string(send) != "BEGIN\r\n" || !done {
		t.Errorf("Feed(OK) = %q, %v, want BEGIN and done", send, done)
	}
	if !c.Done() {
		t.Error("Done = false after BEGIN")
	}
}

func TestExternalWithFDNegotiation(t *testing.T) {
	c := auth.External(0).NegotiateUnixFDs()
	c.Start()

	send, done, err := c.Feed([]byte("OK 1234deadbeef"))
	if err != nil {
		t.Fatalf("Feed(OK): %v", err)
	}
	if string(send) != "NEGOTIATE_UNIX_FD\r\n" || done {
		t.Errorf("Feed(OK) = %q, %v, want fd negotiation and not done", send, done)
	}

	send, done, err = c.Feed([]byte("AGREE_UNIX_FD"))
	if err != nil {
		t.Fatalf("Feed(AGREE): %v", err)
	}
	if string(send) != "BEGIN\r\n" || !done {
		t.Errorf("Feed(AGREE) = %q, %v, want BEGIN and done", send, done)
	}
	if !c.UnixFDs() {
		t.Error("UnixFDs = false after AGREE")
	}
}

func TestFDNegotiationRefused(t *testing.T) {
	c := auth.External(0).NegotiateUnixFDs()
	c.Start()
	c.Feed([]byte("OK 1234deadbeef"))

	send, done, err := c.Feed([]byte("ERROR not supported"))
	if err != nil {
		t.Fatalf("Feed(ERROR): %v", err)
	}
	if string(send) != "BEGIN\r\n" || !done {
		t.Errorf("Feed(ERROR) = %q, %v, want BEGIN without fds", send, done)
	}
	if c.UnixFDs() {
		t.Error("UnixFDs = true after refusal")
	}
}

func TestRejected(t *testing.T) {
	c := auth.Anonymous()
	start := string(c.Start())
	if start != "\x00AUTH ANONYMOUS\r\n" {
		t.Fatalf("Start = %q", start)
	}
	if _, _, err := c.Feed([]byte("REJECTED EXTERNAL")); err == nil {
		t.Error("Feed(REJECTED) did not error")
	}
	if c.Done() {
		t.Error("Done = true after rejection")
	}
}

func TestUnexpectedResponse(t *testing.T) {
	c := auth.External(0)
	c.Start()
	if _, _, err := c.Feed([]byte("WAT")); err == nil {
		t.Error("Feed(WAT) did not error")
	}
}
