package fragments

import (
	"encoding/binary"

	"golang.org/x/sys/cpu"
)

type ByteOrder interface {
	byteOrder
	dbusFlag() byte
}

type byteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

type wrapStd struct {
	byteOrder
}

func (w wrapStd) dbusFlag() byte {
	switch w.byteOrder {
	case binary.BigEndian:
		return 'B'
	case binary.LittleEndian:
		return 'l'
	case binary.NativeEndian:
		if cpu.IsBigEndian {
			return 'B'
		}
		return 'l'
	default:
		panic("unknown ByteOrder, how did you manage to make one of those?")
	}
}

var (
	BigEndian    = wrapStd{binary.BigEndian}
	LittleEndian = wrapStd{binary.LittleEndian}
	NativeEndian = wrapStd{binary.NativeEndian}
)

// NativeFlag returns the DBus byte order flag byte for the host's
// native byte order.
func NativeFlag() byte {
	if cpu.IsBigEndian {
		return 'B'
	}
	return 'l'
}

// OrderFor returns the ByteOrder matching a DBus byte order flag
// byte, or false if the flag is not 'l' or 'B'.
func OrderFor(flag byte) (ByteOrder, bool) {
	switch flag {
	case 'l':
		return LittleEndian, true
	case 'B':
		return BigEndian, true
	}
	return nil, false
}
