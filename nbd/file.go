package nbd

import (
	"context"
	"fmt"

	"github.com/kochman/cloudraid/session"
)

// File exposes a virtual file of a session as a Device of a fixed size.
type File struct {
	s    *session.Session
	fd   int
	size int64
}

// NewFile opens name in s.
func NewFile(s *session.Session, name string, size int64) *File {
	return &File{
		s:    s,
		fd:   s.Open(name),
		size: size,
	}
}

func (f *File) Size() int64 {
	return f.size
}

func (f *File) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	return f.s.ReadAt(ctx, f.fd, p, off)
}

// WriteAt fails only if some block reached no replica at all; a degraded
// write still holds the data.
func (f *File) WriteAt(ctx context.Context, p []byte, off int64) error {
	report, err := f.s.WriteAt(ctx, f.fd, p, off)
	if err != nil {
		return err
	}
	if report.LostBlocks > 0 {
		return fmt.Errorf("%d of %d blocks were not stored: %w", report.LostBlocks, report.Blocks, report.Warnings)
	}
	return nil
}

// Close closes the descriptor.
func (f *File) Close() {
	f.s.Close(f.fd)
}
