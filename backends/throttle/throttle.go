// Package throttle wraps a backend with a per-key mutation rate limit and
// retries of transient failures.
//
// Some stores (GCS in particular) reject more than about one mutation per
// object per second, and every store occasionally fails a request that would
// succeed a moment later.
package throttle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/kochman/cloudraid"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type Backend struct {
	b        cloudraid.Backend
	interval time.Duration
	retry    time.Duration
	log      *logrus.Entry

	// limiters holds one rate.Limiter per recently mutated key. An entry
	// outlives its last use by limiterTTL intervals, after which a fresh
	// limiter is equivalent.
	l        sync.Mutex
	limiters *cache.Cache
}

const limiterTTL = 4

type Option func(*Backend)

// WithWriteInterval allows at most one Write or Delete per key per d.
func WithWriteInterval(d time.Duration) Option {
	return func(t *Backend) {
		t.interval = d
	}
}

// WithRetry retries failed calls with exponential backoff for up to d.
func WithRetry(d time.Duration) Option {
	return func(t *Backend) {
		t.retry = d
	}
}

func WithLogger(log *logrus.Entry) Option {
	return func(t *Backend) {
		t.log = log
	}
}

func New(b cloudraid.Backend, opts ...Option) *Backend {
	t := &Backend{
		b: b,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.interval > 0 {
		ttl := limiterTTL * t.interval
		t.limiters = cache.New(ttl, ttl)
	}
	if t.log == nil {
		t.log = logrus.NewEntry(logrus.StandardLogger())
	}
	t.log = t.log.WithField("backend", b.Name())
	return t
}

func (t *Backend) Name() string {
	return t.b.Name()
}

// Unwrap returns the wrapped backend.
func (t *Backend) Unwrap() cloudraid.Backend {
	return t.b
}

func (t *Backend) wait(ctx context.Context, key string) error {
	if t.interval <= 0 {
		return nil
	}
	t.l.Lock()
	var l *rate.Limiter
	if v, ok := t.limiters.Get(key); ok {
		l = v.(*rate.Limiter)
	} else {
		l = rate.NewLimiter(rate.Every(t.interval), 1)
	}
	t.limiters.SetDefault(key, l)
	t.l.Unlock()
	return l.Wait(ctx)
}

func (t *Backend) forget(key string) {
	if t.limiters == nil {
		return
	}
	t.limiters.Delete(key)
}

// permanent reports whether retrying err cannot help.
func permanent(ctx context.Context, err error) bool {
	return cloudraid.IsNotFound(err) ||
		ctx.Err() != nil ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (t *Backend) do(ctx context.Context, op, key string, fn func() error) error {
	if t.retry <= 0 {
		return fn()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = t.retry

	retryable := func() error {
		err := fn()
		if err != nil && permanent(ctx, err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, d time.Duration) {
		t.log.WithFields(logrus.Fields{"op": op, "key": key, "wait": d}).Debugf("retrying: %v", err)
	}
	return backoff.RetryNotify(retryable, backoff.WithContext(b, ctx), notify)
}

func (t *Backend) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := t.do(ctx, "list", prefix, func() error {
		var err error
		keys, err = t.b.List(ctx, prefix)
		return err
	})
	return keys, err
}

func (t *Backend) Read(ctx context.Context, key string) ([]byte, error) {
	var p []byte
	err := t.do(ctx, "read", key, func() error {
		var err error
		p, err = t.b.Read(ctx, key)
		return err
	})
	return p, err
}

func (t *Backend) Write(ctx context.Context, key string, p []byte) error {
	return t.do(ctx, "write", key, func() error {
		if err := t.wait(ctx, key); err != nil {
			return err
		}
		return t.b.Write(ctx, key, p)
	})
}

func (t *Backend) Delete(ctx context.Context, key string) error {
	err := t.do(ctx, "delete", key, func() error {
		if err := t.wait(ctx, key); err != nil {
			return err
		}
		return t.b.Delete(ctx, key)
	})
	if err == nil {
		t.forget(key)
	}
	return err
}
