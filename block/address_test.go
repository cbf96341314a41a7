package block

import (
	"errors"
	"testing"

	"github.com/go-test/deep"
	"github.com/kochman/cloudraid"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		name       string
		start, end int64
		expected   []Span
	}{
		{"empty", 10, 10, nil},
		{"within one block", 1, 3, []Span{{0, 1, 3, true}}},
		{"whole block", 0, 4, []Span{{0, 0, 4, true}}},
		{"second block", 5, 7, []Span{{1, 1, 3, true}}},
		{"across boundary", 3, 5, []Span{{0, 3, 4, false}, {1, 0, 1, true}}},
		{"interior blocks are full", 2, 14, []Span{
			{0, 2, 4, false},
			{1, 0, 4, false},
			{2, 0, 4, false},
			{3, 0, 2, true},
		}},
		{"ends on boundary", 4, 12, []Span{{1, 0, 4, false}, {2, 0, 4, true}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spans, err := Split(tt.start, tt.end, 4)
			if err != nil {
				t.Fatalf("unable to split: %v", err)
			}
			if diff := deep.Equal(spans, tt.expected); diff != nil {
				t.Error(diff)
			}
		})
	}
}

// TestSplitCoversSpan checks that the spans put back together give exactly
// the requested range, for every small offset and length.
func TestSplitCoversSpan(t *testing.T) {
	const size = 7
	for offset := int64(0); offset < 3*size; offset++ {
		for length := int64(0); length < 4*size; length++ {
			spans, err := Split(offset, offset+length, size)
			if err != nil {
				t.Fatalf("unable to split [%d, %d): %v", offset, offset+length, err)
			}
			if length == 0 {
				if len(spans) != 0 {
					t.Fatalf("expected no spans for empty range, got %v", spans)
				}
				continue
			}
			pos := offset
			for i, s := range spans {
				if got := s.Index*size + s.Start; got != pos {
					t.Fatalf("span %d of [%d, %d) starts at %d, expected %d", i, offset, offset+length, got, pos)
				}
				if i > 0 && i < len(spans)-1 && (s.Start != 0 || s.End != size) {
					t.Fatalf("interior span %d is partial: %+v", i, s)
				}
				if s.Final != (i == len(spans)-1) {
					t.Fatalf("span %d has final=%t", i, s.Final)
				}
				pos += s.Len()
			}
			if pos != offset+length {
				t.Fatalf("spans of [%d, %d) end at %d", offset, offset+length, pos)
			}
		}
	}
}

func TestSplitInvalid(t *testing.T) {
	for _, tt := range []struct{ start, end, size int64 }{
		{5, 4, 4},
		{-1, 4, 4},
		{0, 4, 0},
	} {
		_, err := Split(tt.start, tt.end, tt.size)
		var ae *cloudraid.AddressingError
		if !errors.As(err, &ae) {
			t.Errorf("expected addressing error for %+v, got %v", tt, err)
		}
	}
}

func TestLayoutSegments(t *testing.T) {
	l := NewLayout("notes.txt", 4)
	segs, err := l.Segments(2, 10)
	if err != nil {
		t.Fatalf("unable to segment: %v", err)
	}
	if len(segs) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(segs))
	}
	for i, s := range segs {
		if s.ID != ID(l.Key, int64(i)) {
			t.Errorf("segment %d has id %s", i, s.ID)
		}
		if s.Placement != Place(s.ID) {
			t.Errorf("segment %d has placement %v, expected %v", i, s.Placement, Place(s.ID))
		}
	}
}
