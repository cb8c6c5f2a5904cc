package fragments

import (
	"errors"
	"fmt"
	"strings"
)

// Limits imposed by the DBus wire format on signatures and
// length-prefixed values.
const (
	// MaxSignature is the maximum length of a signature string.
	MaxSignature = 255
	// MaxLength is the maximum value of a wire length prefix, for
	// strings, arrays and message bodies.
	MaxLength = 64 << 20
	// maxDepth is the maximum container nesting depth within a single
	// complete type.
	maxDepth = 32
)

const atomicChars = "ybnqiuxtdsoghv"

// Alignment returns the alignment requirement of the first type in
// sig, in bytes relative to the start of the message.
func Alignment(sig string) int {
	if sig == "" {
		return 1
	}
	switch sig[0] {
	case 'y', 'g', 'v':
		return 1
	case 'n', 'q':
		return 2
	case 'b', 'i', 'u', 'a', 's', 'o', 'h':
		return 4
	case 'x', 't', 'd', '(', '{':
		return 8
	}
	return 1
}

// fixedSize returns the wire size of the type character c, or 0 if
// values of that type are variable-sized.
func fixedSize(c byte) int {
	switch c {
	case 'y':
		return 1
	case 'n', 'q':
		return 2
	case 'b', 'i', 'u', 'h':
		return 4
	case 'x', 't', 'd':
		return 8
	}
	return 0
}

// isBasic reports whether c is a basic (non-container) type, the only
// kinds permitted as dict entry keys.
func isBasic(c byte) bool {
	return fixedSize(c) != 0 || c == 's' || c == 'o' || c == 'g'
}

// Next splits sig into its first complete type and the remainder.
//
// A complete type is a single atomic type character, or an array or
// struct with complete contents. A dict entry is accepted only as the
// element type of an array.
func Next(sig string) (first, rest string, err error) {
	end, err := typeEnd(sig, 0, 0)
	if err != nil {
		return "", "", err
	}
	return sig[:end], sig[end:], nil
}

// typeEnd returns the index just past the complete type starting at
// sig[i], at container nesting depth depth. A dict entry is only
// legal as the element type of an array, and is consumed by the array
// case via dictEnd.
func typeEnd(sig string, i, depth int) (int, error) {
	if depth > maxDepth {
		return 0, errors.New("signature exceeds maximum nesting depth")
	}
	if i >= len(sig) {
		return 0, errors.New("truncated signature")
	}
	c := sig[i]
	if strings.IndexByte(atomicChars, c) >= 0 {
		return i + 1, nil
	}
	switch c {
	case 'a':
		if i+1 < len(sig) && sig[i+1] == '{' {
			return dictEnd(sig, i+1, depth+1)
		}
		return typeEnd(sig, i+1, depth+1)
	case '(':
		j := i + 1
		if j < len(sig) && sig[j] == ')' {
			return 0, errors.New("empty struct in signature")
		}
		for j < len(sig) && sig[j] != ')' {
			var err error
			j, err = typeEnd(sig, j, depth+1)
			if err != nil {
				return 0, err
			}
		}
		if j >= len(sig) {
			return 0, errors.New("missing closing ) in signature")
		}
		return j + 1, nil
	case '{':
		return 0, errors.New("dict entry outside array in signature")
	case ')', '}':
		return 0, fmt.Errorf("unexpected %q in signature", c)
	}
	return 0, fmt.Errorf("unknown type character %q in signature", c)
}

// dictEnd consumes a dict entry starting at the opening brace.
func dictEnd(sig string, i, depth int) (int, error) {
	if depth > maxDepth {
		return 0, errors.New("signature exceeds maximum nesting depth")
	}
	j := i + 1
	if j >= len(sig) {
		return 0, errors.New("truncated dict entry in signature")
	}
	if !isBasic(sig[j]) {
		return 0, fmt.Errorf("dict entry key %q is not a basic type", sig[j])
	}
	j++
	j, err := typeEnd(sig, j, depth+1)
	if err != nil {
		return 0, err
	}
	if j >= len(sig) || sig[j] != '}' {
		return 0, errors.New("missing closing } in signature")
	}
	return j + 1, nil
}

// ValidSignature checks that sig is a well-formed sequence of
// complete types.
func ValidSignature(sig string) error {
	if len(sig) > MaxSignature {
		return fmt.Errorf("signature of length %d exceeds maximum of %d", len(sig), MaxSignature)
	}
	rest := sig
	for rest != "" {
		var err error
		if _, rest, err = Next(rest); err != nil {
			return fmt.Errorf("invalid signature %q: %w", sig, err)
		}
	}
	return nil
}

// ValidSingle checks that sig is exactly one complete type, the only
// shape permitted inside a variant.
func ValidSingle(sig string) error {
	if err := ValidSignature(sig); err != nil {
		return err
	}
	if sig == "" {
		return errors.New("empty signature where a single complete type is required")
	}
	if _, rest, _ := Next(sig); rest != "" {
		return fmt.Errorf("signature %q is not a single complete type", sig)
	}
	return nil
}

// ValidObjectPath reports whether s has the shape the wire format
// requires of object paths: absolute, /-separated non-empty segments
// of [A-Za-z0-9_], no trailing slash except for the root path.
func ValidObjectPath(s string) bool {
	if s == "" || s[0] != '/' {
		return false
	}
	if s == "/" {
		return true
	}
	if s[len(s)-1] == '/' {
		return false
	}
	segLen := 0
	for i := 1; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '/':
			if segLen == 0 {
				return false
			}
			segLen = 0
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
			segLen++
		default:
			return false
		}
	}
	return segLen > 0
}
