package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoundTrip(t *testing.T) {
	for _, s := range []string{
		"",
		"hello",
		"naïve café",
		"日本語のテキスト",
		"emoji 🎉 and\nnewlines\x00nul",
	} {
		rep := Encode([]byte(s))
		assert.Len(t, rep, Width*len(s))
		assert.Equal(t, s, Text(Decode(rep)))
	}
}

func TestEncodePrintable(t *testing.T) {
	all := make([]byte, 256)
	for i := range all {
		all[i] = byte(i)
	}
	for _, c := range Encode(all) {
		if c < 0x20 || c > 0x7e {
			t.Fatalf("representation byte %#x is not printable", c)
		}
	}
	if !bytes.Equal(all, Decode(Encode(all))) {
		t.Errorf("binary round trip failed")
	}
}

func TestDecodeCorrupt(t *testing.T) {
	rep := Encode([]byte("abc"))
	rep[2] = 'z' // second pair is no longer hex

	assert.Equal(t, "a�c", Text(Decode(rep)))
}

func TestDecodeOddLength(t *testing.T) {
	rep := append(Encode([]byte("ok")), '6')
	assert.Equal(t, "ok�", Text(Decode(rep)))
}

func TestTextInvalidUTF8(t *testing.T) {
	// a truncated multi-byte sequence
	p := []byte("é")[:1]
	assert.Equal(t, "�", Text(p))
}

func TestPadDecodesToZeros(t *testing.T) {
	p := Decode([]byte{Pad, Pad, Pad, Pad})
	if !bytes.Equal(p, []byte{0, 0}) {
		t.Errorf("expected two zeros, got %q", p)
	}
}
