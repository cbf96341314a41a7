package session

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/kochman/cloudraid/block"
	"github.com/kochman/cloudraid/codec"
	"github.com/sirupsen/logrus"
)

// WriteReport describes how well a write was replicated. Replica failures
// do not fail a write; they are counted here instead.
type WriteReport struct {
	Blocks         int
	Replicas       int
	FailedReplicas int

	// LostBlocks counts blocks that no replica accepted.
	LostBlocks int

	// Warnings collects every replica failure, or is nil.
	Warnings error
}

// Degraded reports whether any replica was not updated.
func (r WriteReport) Degraded() bool {
	return r.FailedReplicas > 0
}

func (r *WriteReport) add(replicas int, errs []error) {
	r.Blocks++
	r.Replicas += replicas
	r.FailedReplicas += len(errs)
	if len(errs) == 0 {
		return
	}
	if len(errs) >= replicas {
		r.LostBlocks++
	}
	r.Warnings = multierror.Append(r.Warnings, errs...)
}

// Write stores data in fd at offset. The last block touched is cut off
// after the written bytes, as if the whole block had been overwritten; the
// bytes before offset in the first block are kept. Writing to a closed
// descriptor does nothing.
//
// The returned error is only set for invalid offsets or a cancelled
// context; replica failures are in the report.
func (s *Session) Write(ctx context.Context, fd int, data []byte, offset int64) (WriteReport, error) {
	return s.write(ctx, fd, data, offset, false)
}

// WriteAt is Write without truncation: bytes after the written range in the
// last block are kept.
func (s *Session) WriteAt(ctx context.Context, fd int, data []byte, offset int64) (WriteReport, error) {
	return s.write(ctx, fd, data, offset, true)
}

func (s *Session) write(ctx context.Context, fd int, data []byte, offset int64, keepTail bool) (WriteReport, error) {
	l, ok := s.lookup(fd)
	if !ok {
		s.log.WithField("fd", fd).Debug("write on closed descriptor")
		return WriteReport{}, nil
	}
	rep := codec.Encode(data)
	segs, err := s.segments(l, offset, int64(len(data)))
	if err != nil {
		return WriteReport{}, err
	}

	var (
		mu     sync.Mutex
		report WriteReport
		wg     sync.WaitGroup
	)
	pos := int64(0)
	for _, seg := range segs {
		chunk := rep[pos : pos+seg.Len()]
		pos += seg.Len()
		wg.Add(1)
		go func(seg block.Segment) {
			defer wg.Done()
			errs := s.writeSegment(ctx, seg, chunk, keepTail || !seg.Final)
			mu.Lock()
			report.add(seg.Placement.Count(), errs)
			mu.Unlock()
		}(seg)
	}
	wg.Wait()

	if report.Degraded() {
		s.log.WithFields(logrus.Fields{
			"fd":     fd,
			"offset": offset,
			"failed": report.FailedReplicas,
			"lost":   report.LostBlocks,
		}).Warn("write degraded")
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

// writeSegment does the read-modify-write of one block.
func (s *Session) writeSegment(ctx context.Context, seg block.Segment, chunk []byte, keepTail bool) []error {
	s.lockBlock(seg.ID)
	defer s.unlockBlock(seg.ID)

	// only look at the old block if some of it survives
	var old []byte
	if seg.Start > 0 || (keepTail && seg.End < s.blockSize) {
		var err error
		old, err = s.fetch(ctx, seg)
		if err != nil && !absent(err) {
			s.log.WithField("block", seg.ID).Warnf("unable to read old block, treating it as zeros: %v", err)
		}
	}

	b := block.Splice(old, chunk, seg.Start, seg.End, s.blockSize, keepTail, codec.Pad)
	errs := s.writeReplicas(ctx, seg, b)
	if len(errs) < seg.Placement.Count() {
		s.remember(seg.ID, b)
	} else if s.cache != nil {
		s.cache.Delete(seg.ID)
	}
	return errs
}
