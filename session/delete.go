package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/hashicorp/go-multierror"
	"github.com/kochman/cloudraid"
	"github.com/kochman/cloudraid/block"
	"github.com/sirupsen/logrus"
)

// Delete removes every block of the file called name from every backend.
//
// Backends may apply deletes lazily, so Delete sweeps repeatedly: list every
// backend, delete whatever is still listed from all three, and wait. It
// returns once every backend lists nothing under the file's prefix and no
// replica of the first block can be read. If that does not happen within the
// delete timeout, or ctx ends, the error is a *cloudraid.DeleteTimeoutError.
func (s *Session) Delete(ctx context.Context, name string) error {
	l := block.NewLayout(name, s.blockSize)
	prefix := l.Prefix()
	log := s.log.WithField("name", name)
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, s.deleteTimeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.deletePoll
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0

	remaining := 0
	sweeps := 0
	sweep := func() error {
		sweeps++
		keys, err := s.listAll(ctx, prefix)
		remaining = len(keys)
		if err == nil && len(keys) == 0 {
			if s.probe(ctx, l) {
				remaining = 1
				return fmt.Errorf("first block of %q is still readable", name)
			}
			return nil
		}
		var failed error
		if len(keys) > 0 {
			failed = s.deleteAll(ctx, keys)
		}
		s.forget(prefix)
		if err == nil {
			err = fmt.Errorf("%d keys were still listed", len(keys))
		}
		if failed != nil {
			err = multierror.Append(err, failed)
		}
		return err
	}
	notify := func(err error, d time.Duration) {
		log.WithField("wait", d).Debugf("delete not converged: %v", err)
	}

	err := backoff.RetryNotify(sweep, backoff.WithContext(b, ctx), notify)
	s.forget(prefix)
	if err != nil {
		if ctx.Err() != nil {
			err = multierror.Append(err, ctx.Err())
		}
		return &cloudraid.DeleteTimeoutError{
			Name:      name,
			Remaining: remaining,
			Elapsed:   time.Since(start),
			Err:       err,
		}
	}
	log.WithFields(logrus.Fields{"sweeps": sweeps, "took": time.Since(start)}).Debug("deleted")
	return nil
}

// listAll returns the union of keys under prefix on all backends. Keys from
// the backends that answered are returned even if another one failed.
func (s *Session) listAll(ctx context.Context, prefix string) ([]string, error) {
	lists := make([][]string, len(s.backends))
	errs := make([]error, len(s.backends))
	wg := sync.WaitGroup{}
	for i, b := range s.backends {
		wg.Add(1)
		go func(i int, b cloudraid.Backend) {
			defer wg.Done()
			lists[i], errs[i] = b.List(ctx, prefix)
		}(i, b)
	}
	wg.Wait()

	var failed error
	seen := map[string]struct{}{}
	for i, keys := range lists {
		if errs[i] != nil {
			failed = multierror.Append(failed, errs[i])
			continue
		}
		for _, k := range keys {
			seen[k] = struct{}{}
		}
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, failed
}

// deleteAll removes keys from every backend, not only the one that listed
// them, so no replica is orphaned. Each call is retried a few times; the
// deletes that still fail are returned and left for the next sweep.
func (s *Session) deleteAll(ctx context.Context, keys []string) error {
	errs := make([]error, len(s.backends))
	wg := sync.WaitGroup{}
	for i, b := range s.backends {
		wg.Add(1)
		go func(i int, b cloudraid.Backend) {
			defer wg.Done()
			for _, key := range keys {
				if ctx.Err() != nil {
					errs[i] = multierror.Append(errs[i], ctx.Err())
					return
				}
				key := key
				eb := backoff.NewExponentialBackOff()
				eb.InitialInterval = s.deletePoll
				retry := backoff.WithContext(backoff.WithMaxRetries(eb, 3), ctx)
				err := backoff.Retry(func() error {
					return b.Delete(ctx, key)
				}, retry)
				if err != nil {
					s.log.WithFields(logrus.Fields{"backend": b.Name(), "block": key}).Warnf("unable to delete: %v", err)
					errs[i] = multierror.Append(errs[i], err)
				}
			}
		}(i, b)
	}
	wg.Wait()

	var failed error
	for _, err := range errs {
		if err != nil {
			failed = multierror.Append(failed, err)
		}
	}
	return failed
}

// probe reports whether any replica of the first block can still be read.
func (s *Session) probe(ctx context.Context, l block.Layout) bool {
	segs, err := l.Segments(0, 1)
	if err != nil || len(segs) == 0 {
		return false
	}
	_, err = s.readReplicas(ctx, segs[0])
	return err == nil
}
