package block

// Splice overlays data onto old at [start, end) of a block of size bytes.
// Bytes before start are always kept, filled with pad if old is short. Bytes
// after end are kept only if keepTail is set, and the result is then padded
// to the full block size; otherwise the block ends at end.
func Splice(old, data []byte, start, end, size int64, keepTail bool, pad byte) []byte {
	n := end
	if keepTail {
		n = size
	}
	b := make([]byte, n)
	if pad != 0 {
		for i := copy(b, old); i < len(b); i++ {
			b[i] = pad
		}
	} else {
		copy(b, old)
	}
	copy(b[start:end], data)
	return b
}
