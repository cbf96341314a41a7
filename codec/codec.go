// Package codec expands bytes into a printable representation before they
// are stored, so that backends which treat payloads as text round-trip them
// unchanged. Every input byte becomes Width representation bytes.
package codec

import (
	"encoding/hex"
	"strings"
	"unicode/utf8"
)

// Width is the number of representation bytes per logical byte.
const Width = 2

// Pad is the representation of a zero byte, one unit at a time. A run of
// Pad of even length decodes to zeros.
const Pad = '0'

// Placeholder replaces representation bytes that do not decode.
const Placeholder = utf8.RuneError

var placeholder = string(Placeholder)

// Encode returns the representation of p.
func Encode(p []byte) []byte {
	dst := make([]byte, hex.EncodedLen(len(p)))
	hex.Encode(dst, p)
	return dst
}

// Decode reverses Encode. It never fails: every pair that is not valid hex,
// and a dangling final byte, decodes to Placeholder.
func Decode(rep []byte) []byte {
	out := make([]byte, 0, len(rep)/Width)
	var pair [1]byte
	for i := 0; i < len(rep); i += Width {
		if i+Width > len(rep) {
			out = append(out, placeholder...)
			break
		}
		if _, err := hex.Decode(pair[:], rep[i:i+Width]); err != nil {
			out = append(out, placeholder...)
			continue
		}
		out = append(out, pair[0])
	}
	return out
}

// Text returns p as a string, replacing invalid UTF-8 with Placeholder.
func Text(p []byte) string {
	return strings.ToValidUTF8(string(p), placeholder)
}
