// Package auth implements the client half of the line-based SASL
// handshake that precedes DBus framed traffic.
//
// The package is transport-agnostic: a [Client] turns received lines
// into bytes to send, and reports when the exchange is over. The
// connection owns the byte stream and drives the exchange.
package auth

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
)

// A Client is the state machine for one authentication exchange. Use
// [External] or [Anonymous] to create one.
type Client struct {
	mech        string
	initial     string
	negotiateFD bool

	state   clientState
	unixFDs bool
}

type clientState int

const (
	stateInit clientState = iota
	stateWaitOK
	stateWaitAgree
	stateDone
	stateFailed
)

// External returns a Client for the EXTERNAL mechanism, identifying
// as uid. Over unix sockets the bus verifies the claim against the
// socket's peer credentials.
func External(uid int) *Client {
	return &Client{
		mech:    "EXTERNAL",
		initial: hex.EncodeToString([]byte(strconv.Itoa(uid))),
	}
}

// Anonymous returns a Client for the ANONYMOUS mechanism.
func Anonymous() *Client {
	return &Client{mech: "ANONYMOUS"}
}

// NegotiateUnixFDs asks the server for file descriptor passing after
// authentication succeeds. Must be set before Start.
func (c *Client) NegotiateUnixFDs() *Client {
	c.negotiateFD = true
	return c
}

// Start returns the opening bytes of the exchange: the protocol's nul
// credential byte and the AUTH command.
func (c *Client) Start() []byte {
	c.state = stateWaitOK
	if c.initial != "" {
		return []byte("\x00AUTH " + c.mech + " " + c.initial + "\r\n")
	}
	return []byte("\x00AUTH " + c.mech + "\r\n")
}

// Feed processes one server line, without its CRLF terminator, and
// returns the bytes to send in response. done reports that the
// exchange is complete and framed traffic may begin; any bytes
// returned alongside done must still be sent first.
func (c *Client) Feed(line []byte) (send []byte, done bool, err error) {
	cmd, rest, _ := bytes.Cut(line, []byte(" "))
	switch c.state {
	case stateWaitOK:
		switch string(cmd) {
		case "OK":
			if c.negotiateFD {
				c.state = stateWaitAgree
				return []byte("NEGOTIATE_UNIX_FD\r\n"), false, nil
			}
			c.state = stateDone
			return []byte("BEGIN\r\n"), true, nil
		case "REJECTED":
			c.state = stateFailed
			return nil, false, fmt.Errorf("authentication rejected, server supports %q", rest)
		case "ERROR":
			c.state = stateFailed
			return nil, false, fmt.Errorf("authentication error: %s", rest)
		}
	case stateWaitAgree:
		switch string(cmd) {
		case "AGREE_UNIX_FD":
			c.unixFDs = true
			c.state = stateDone
			return []byte("BEGIN\r\n"), true, nil
		case "ERROR":
			// The server authenticated us but won't pass fds. Not
			// fatal; carry on without them.
			c.state = stateDone
			return []byte("BEGIN\r\n"), true, nil
		}
	case stateDone, stateFailed:
		return nil, false, fmt.Errorf("authentication already finished")
	}
	c.state = stateFailed
	return nil, false, fmt.Errorf("unexpected server response %q", line)
}

// Done reports whether the exchange completed successfully.
func (c *Client) Done() bool { return c.state == stateDone }

// UnixFDs reports whether the server agreed to file descriptor
// passing.
func (c *Client) UnixFDs() bool { return c.unixFDs }
