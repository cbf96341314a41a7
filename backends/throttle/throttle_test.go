package throttle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kochman/cloudraid"
	"github.com/kochman/cloudraid/backends/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flaky fails the first n calls of every operation.
type flaky struct {
	cloudraid.Backend
	mu    sync.Mutex
	n     int
	calls int
}

func (f *flaky) fail() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.n {
		return &cloudraid.BackendError{Backend: "flaky", Op: "write", Err: errors.New("503")}
	}
	return nil
}

func (f *flaky) Write(ctx context.Context, key string, p []byte) error {
	if err := f.fail(); err != nil {
		return err
	}
	return f.Backend.Write(ctx, key, p)
}

func TestRetry(t *testing.T) {
	ctx := context.Background()
	f := &flaky{Backend: memory.NewBackend("mem"), n: 2}
	b := New(f, WithRetry(5*time.Second))

	require.NoError(t, b.Write(ctx, "k", []byte("v")))
	assert.Equal(t, 3, f.calls)

	p, err := b.Read(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(p))
}

func TestNoRetryWithoutOption(t *testing.T) {
	f := &flaky{Backend: memory.NewBackend("mem"), n: 1}
	b := New(f)
	assert.Error(t, b.Write(context.Background(), "k", []byte("v")))
	assert.Equal(t, 1, f.calls)
}

func TestNotFoundIsNotRetried(t *testing.T) {
	m := memory.NewBackend("mem")
	b := New(m, WithRetry(5*time.Second))

	_, err := b.Read(context.Background(), "missing")
	assert.True(t, cloudraid.IsNotFound(err))
	assert.Equal(t, 1, m.Calls(memory.OpRead))
}

func TestWriteInterval(t *testing.T) {
	ctx := context.Background()
	b := New(memory.NewBackend("mem"), WithWriteInterval(100*time.Millisecond))

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Write(ctx, "same", []byte("v")))
	}
	assert.GreaterOrEqual(t, int64(time.Since(start)), int64(200*time.Millisecond))

	// other keys are not held back
	start = time.Now()
	require.NoError(t, b.Write(ctx, "a", []byte("v")))
	require.NoError(t, b.Write(ctx, "b", []byte("v")))
	assert.Less(t, int64(time.Since(start)), int64(100*time.Millisecond))
}

func TestWriteIntervalCancel(t *testing.T) {
	b := New(memory.NewBackend("mem"), WithWriteInterval(time.Hour))
	require.NoError(t, b.Write(context.Background(), "k", []byte("v")))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, b.Write(ctx, "k", []byte("v")))
}

func TestLimitersExpire(t *testing.T) {
	ctx := context.Background()
	b := New(memory.NewBackend("mem"), WithWriteInterval(50*time.Millisecond))

	for i := 0; i < 50; i++ {
		require.NoError(t, b.Write(ctx, fmt.Sprintf("k%d", i), []byte("v")))
	}
	assert.Equal(t, 50, b.limiters.ItemCount())

	require.NoError(t, b.Delete(ctx, "k0"))
	assert.Equal(t, 49, b.limiters.ItemCount())

	// the janitor drops limiters a few intervals after their last use
	assert.Eventually(t, func() bool {
		return b.limiters.ItemCount() == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestLimiterKeptWhileInUse(t *testing.T) {
	ctx := context.Background()
	b := New(memory.NewBackend("mem"), WithWriteInterval(20*time.Millisecond))

	start := time.Now()
	for i := 0; i < 6; i++ {
		require.NoError(t, b.Write(ctx, "hot", []byte("v")))
	}
	// a dropped limiter would let writes through early
	assert.GreaterOrEqual(t, int64(time.Since(start)), int64(100*time.Millisecond))
	assert.Equal(t, 1, b.limiters.ItemCount())
}
