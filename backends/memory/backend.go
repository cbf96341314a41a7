// Package memory is an in-process backend. It can be told to fail, to be
// slow, or to apply deletes lazily, which makes it useful for exercising the
// replication paths without a cloud account.
package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kochman/cloudraid"
)

// ErrInjected is returned by operations that were told to fail.
var ErrInjected = errors.New("injected failure")

// Operation names accepted by Fail.
const (
	OpList   = "list"
	OpRead   = "read"
	OpWrite  = "write"
	OpDelete = "delete"
)

type Backend struct {
	name string

	mu     sync.Mutex
	m      map[string][]byte
	fail   map[string]bool
	delay  time.Duration
	lag    int
	lagged map[string]int
	calls  map[string]int
}

func NewBackend(name string) *Backend {
	return &Backend{
		name:   name,
		m:      map[string][]byte{},
		fail:   map[string]bool{},
		lagged: map[string]int{},
		calls:  map[string]int{},
	}
}

func (b *Backend) Name() string {
	return b.name
}

// Fail makes the given operations return ErrInjected. With no arguments
// every operation fails.
func (b *Backend) Fail(ops ...string) {
	if len(ops) == 0 {
		ops = []string{OpList, OpRead, OpWrite, OpDelete}
	}
	b.mu.Lock()
	for _, op := range ops {
		b.fail[op] = true
	}
	b.mu.Unlock()
}

// Heal undoes Fail.
func (b *Backend) Heal() {
	b.mu.Lock()
	b.fail = map[string]bool{}
	b.mu.Unlock()
}

// SetDelay makes every operation take at least d.
func (b *Backend) SetDelay(d time.Duration) {
	b.mu.Lock()
	b.delay = d
	b.mu.Unlock()
}

// LagDeletes keeps deleted keys visible for the next n List calls.
func (b *Backend) LagDeletes(n int) {
	b.mu.Lock()
	b.lag = n
	b.mu.Unlock()
}

// Calls returns how many times op was invoked.
func (b *Backend) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// Keys returns every stored key, sorted.
func (b *Backend) Keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.m))
	for k := range b.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Put stores p without going through Write. Tests use it to plant replicas.
func (b *Backend) Put(key string, p []byte) {
	c := make([]byte, len(p))
	copy(c, p)
	b.mu.Lock()
	b.m[key] = c
	b.mu.Unlock()
}

func (b *Backend) enter(ctx context.Context, op, key string) error {
	b.mu.Lock()
	b.calls[op]++
	delay := b.delay
	failing := b.fail[op]
	b.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return &cloudraid.BackendError{Backend: b.name, Op: op, Key: key, Err: ctx.Err()}
		}
	}
	if err := ctx.Err(); err != nil {
		return &cloudraid.BackendError{Backend: b.name, Op: op, Key: key, Err: err}
	}
	if failing {
		return &cloudraid.BackendError{Backend: b.name, Op: op, Key: key, Err: ErrInjected}
	}
	return nil
}

func (b *Backend) List(ctx context.Context, prefix string) ([]string, error) {
	if err := b.enter(ctx, OpList, ""); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	keys := []string{}
	for k := range b.m {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	for k, n := range b.lagged {
		if n <= 1 {
			delete(b.m, k)
			delete(b.lagged, k)
		} else {
			b.lagged[k] = n - 1
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *Backend) Read(ctx context.Context, key string) ([]byte, error) {
	if err := b.enter(ctx, OpRead, key); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.m[key]
	if !ok {
		return nil, &cloudraid.BackendError{Backend: b.name, Op: OpRead, Key: key, Err: cloudraid.ErrNotFound}
	}
	c := make([]byte, len(p))
	copy(c, p)
	return c, nil
}

func (b *Backend) Write(ctx context.Context, key string, p []byte) error {
	if err := b.enter(ctx, OpWrite, key); err != nil {
		return err
	}

	c := make([]byte, len(p))
	copy(c, p)
	b.mu.Lock()
	b.m[key] = c
	delete(b.lagged, key)
	b.mu.Unlock()
	return nil
}

func (b *Backend) Delete(ctx context.Context, key string) error {
	if err := b.enter(ctx, OpDelete, key); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.m[key]; !ok {
		return nil
	}
	if b.lag > 0 {
		if _, pending := b.lagged[key]; !pending {
			b.lagged[key] = b.lag
		}
		return nil
	}
	delete(b.m, key)
	return nil
}
