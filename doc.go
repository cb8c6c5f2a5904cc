// Package dbus implements a client for the DBus message bus
// protocol.
//
// The package is the connection dispatch engine: it parses and emits
// wire format messages, multiplexes method calls and their replies
// over one byte stream, dispatches incoming calls to locally bound
// objects, and fans broadcast signals out to registered matches.
//
// A [Conn] is sans-IO: received bytes are pushed in with
// [Conn.AppendInput] and outgoing bytes leave through a send
// callback, so the connection can run over any stream the caller
// owns. [Dial], [SessionBus] and [SystemBus] bundle a unix socket
// transport, the authentication handshake and a reader goroutine for
// the common case.
//
// Outgoing messages are drafted with a [MsgFactory] and typed
// argument appends; the body signature is synthesized from the
// appends made. Incoming argument blobs are iterated with a
// [fragments.Decoder] under the message's signature.
package dbus
