package session

import (
	"bytes"
	"context"

	"github.com/kochman/cloudraid/block"
	"github.com/kochman/cloudraid/codec"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// clip returns p[start:end], cut short if the stored block is shorter.
func clip(p []byte, start, end int64) []byte {
	n := int64(len(p))
	if start > n {
		start = n
	}
	if end > n {
		end = n
	}
	return p[start:end]
}

// segments returns the segments holding logical bytes [offset, offset+length).
func (s *Session) segments(l block.Layout, offset, length int64) ([]block.Segment, error) {
	return l.Segments(offset*codec.Width, (offset+length)*codec.Width)
}

// Read returns up to length bytes of fd starting at offset. Reading a closed
// descriptor returns nothing. If every replica of a block fails the result
// is empty and the error is a *cloudraid.BlockUnavailableError naming the
// block. Blocks that were stored short make the result short.
func (s *Session) Read(ctx context.Context, fd int, length, offset int64) ([]byte, error) {
	l, ok := s.lookup(fd)
	if !ok {
		s.log.WithField("fd", fd).Debug("read on closed descriptor")
		return nil, nil
	}
	segs, err := s.segments(l, offset, length)
	if err != nil {
		return nil, err
	}

	parts := make([][]byte, len(segs))
	g, gctx := errgroup.WithContext(ctx)
	for i, seg := range segs {
		i, seg := i, seg
		g.Go(func() error {
			p, err := s.fetch(gctx, seg)
			if err != nil {
				return err
			}
			parts[i] = clip(p, seg.Start, seg.End)
			return nil
		})
	}
	err = g.Wait()
	if err != nil {
		s.log.WithFields(logrus.Fields{"fd": fd, "offset": offset, "length": length}).Warnf("read failed: %v", err)
		return nil, err
	}
	return codec.Decode(bytes.Join(parts, nil)), nil
}

// ReadString is Read for text: invalid UTF-8 comes back as U+FFFD.
func (s *Session) ReadString(ctx context.Context, fd int, length, offset int64) (string, error) {
	p, err := s.Read(ctx, fd, length, offset)
	if err != nil {
		return "", err
	}
	return codec.Text(p), nil
}

// ReadAt fills p from offset like a block device: blocks that were never
// written, and the parts of blocks that were stored short, read as zeros.
// Unreachable blocks are still an error.
func (s *Session) ReadAt(ctx context.Context, fd int, p []byte, offset int64) (int, error) {
	l, ok := s.lookup(fd)
	if !ok {
		return 0, nil
	}
	segs, err := s.segments(l, offset, int64(len(p)))
	if err != nil {
		return 0, err
	}
	for i := range p {
		p[i] = 0
	}

	g, gctx := errgroup.WithContext(ctx)
	pos := int64(0)
	for _, seg := range segs {
		seg := seg
		dst := p[pos : pos+seg.Len()/codec.Width]
		pos += seg.Len() / codec.Width
		g.Go(func() error {
			b, err := s.fetch(gctx, seg)
			if absent(err) {
				return nil
			} else if err != nil {
				return err
			}
			copy(dst, codec.Decode(clip(b, seg.Start, seg.End)))
			return nil
		})
	}
	err = g.Wait()
	if err != nil {
		return 0, err
	}
	return len(p), nil
}
