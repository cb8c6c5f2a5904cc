// Package fragments provides low-level encoders and decoders for the
// DBus wire format.
//
// The [Encoder] and [Decoder] handle framing, alignment padding and
// byte order, driven by DBus type signatures. They do not know about
// whole messages; the parent package assembles message headers and
// bodies out of fragments.
package fragments
