package session

import (
	"context"
	"strings"
	"sync"

	"github.com/kochman/cloudraid"
	"github.com/kochman/cloudraid/block"
	"github.com/sirupsen/logrus"
)

type readResult struct {
	p   []byte
	err error
}

// readReplicas asks every backend in the placement for the block at once
// and returns the first answer that succeeds. The slower request is
// cancelled. If all of them fail, the error is a BlockUnavailableError.
func (s *Session) readReplicas(ctx context.Context, seg block.Segment) ([]byte, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	idx := seg.Placement.Backends()
	results := make(chan readResult, len(idx))
	for _, i := range idx {
		go func(b cloudraid.Backend) {
			p, err := b.Read(ctx, seg.ID)
			results <- readResult{p: p, err: err}
		}(s.backends[i])
	}

	errs := make([]error, 0, len(idx))
	for range idx {
		r := <-results
		if r.err == nil {
			return r.p, nil
		}
		errs = append(errs, r.err)
	}
	return nil, &cloudraid.BlockUnavailableError{
		Block: seg.ID,
		Index: seg.Index,
		Start: seg.Start,
		End:   seg.End,
		Final: seg.Final,
		Errs:  errs,
	}
}

// fetch returns the block from the cache or from the first replica to
// answer.
func (s *Session) fetch(ctx context.Context, seg block.Segment) ([]byte, error) {
	if s.cache != nil {
		if v, ok := s.cache.Get(seg.ID); ok {
			return v.([]byte), nil
		}
	}
	p, err := s.readReplicas(ctx, seg)
	if err != nil {
		return nil, err
	}
	s.remember(seg.ID, p)
	return p, nil
}

func (s *Session) remember(id string, p []byte) {
	if s.cache == nil {
		return
	}
	s.cache.SetDefault(id, p)
}

func (s *Session) forget(prefix string) {
	if s.cache == nil {
		return
	}
	for id := range s.cache.Items() {
		if strings.HasPrefix(id, prefix) {
			s.cache.Delete(id)
		}
	}
}

// absent reports whether err says that no replica has the block at all, as
// opposed to replicas being unreachable.
func absent(err error) bool {
	bu, ok := err.(*cloudraid.BlockUnavailableError)
	if !ok {
		return false
	}
	for _, e := range bu.Errs {
		if !cloudraid.IsNotFound(e) {
			return false
		}
	}
	return true
}

// writeReplicas stores p on every backend in the placement concurrently and
// returns the failures.
func (s *Session) writeReplicas(ctx context.Context, seg block.Segment, p []byte) []error {
	idx := seg.Placement.Backends()
	errs := make([]error, len(idx))
	wg := sync.WaitGroup{}
	for n, i := range idx {
		wg.Add(1)
		go func(n int, b cloudraid.Backend) {
			defer wg.Done()
			errs[n] = b.Write(ctx, seg.ID, p)
		}(n, s.backends[i])
	}
	wg.Wait()

	var failed []error
	for n, err := range errs {
		if err == nil {
			continue
		}
		s.log.WithFields(logrus.Fields{
			"block":   seg.ID,
			"backend": s.backends[idx[n]].Name(),
		}).Warnf("replica write failed: %v", err)
		failed = append(failed, err)
	}
	return failed
}
