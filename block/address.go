package block

import (
	"github.com/kochman/cloudraid"
)

// Span is the part of one block touched by a read or write.
type Span struct {
	Index int64
	Start int64
	End   int64

	// Final is set on the last span of a request.
	Final bool
}

// Len is the number of bytes the span covers.
func (s Span) Len() int64 {
	return s.End - s.Start
}

// Split cuts [start, end) into per-block spans of size bytes, in ascending
// order. Only the first and last spans can be partial.
func Split(start, end, size int64) ([]Span, error) {
	if size <= 0 || start < 0 || end < start {
		return nil, &cloudraid.AddressingError{Start: start, End: end}
	}
	if start == end {
		return nil, nil
	}

	spans := make([]Span, 0, (end-start)/size+2)
	for pos := start; pos < end; {
		idx := pos / size
		base := idx * size
		localStart := pos - base
		localEnd := end - base
		if localEnd > size {
			localEnd = size
		}
		if localStart >= localEnd {
			return nil, &cloudraid.AddressingError{
				Start:      start,
				End:        end,
				LocalStart: localStart,
				LocalEnd:   localEnd,
			}
		}
		spans = append(spans, Span{Index: idx, Start: localStart, End: localEnd})
		pos = base + localEnd
	}
	spans[len(spans)-1].Final = true
	return spans, nil
}

// Segment is a span bound to its storage key and placement.
type Segment struct {
	Span
	ID        string
	Placement Placement
}

// Layout describes how one file is cut into blocks.
type Layout struct {
	Key  string
	Size int64
}

// NewLayout returns the layout of the file called name.
func NewLayout(name string, size int64) Layout {
	return Layout{Key: FileKey(name), Size: size}
}

// Prefix is the key prefix of every block of the file.
func (l Layout) Prefix() string {
	return Prefix(l.Key)
}

// Segments returns the segments covering [start, end).
func (l Layout) Segments(start, end int64) ([]Segment, error) {
	spans, err := Split(start, end, l.Size)
	if err != nil {
		return nil, err
	}
	segs := make([]Segment, len(spans))
	for i, s := range spans {
		id := ID(l.Key, s.Index)
		segs[i] = Segment{Span: s, ID: id, Placement: Place(id)}
	}
	return segs, nil
}
