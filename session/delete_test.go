package session

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kochman/cloudraid"
	"github.com/kochman/cloudraid/backends/memory"
	"github.com/kochman/cloudraid/block"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s, mems := newTestSession(t)

	fd := s.Open("doomed")
	_, err := s.Write(ctx, fd, bytes.Repeat([]byte("d"), 30), 0)
	require.NoError(t, err)
	other := s.Open("survivor")
	_, err = s.Write(ctx, other, []byte("keep"), 0)
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "doomed"))

	p, err := s.Read(ctx, fd, 1, 0)
	assert.Empty(t, p)
	assert.Error(t, err)

	total := 0
	for _, m := range mems {
		total += len(m.Keys())
	}
	assert.Equal(t, 2, total, "only the survivor's replicas should remain")

	p, err = s.Read(ctx, other, 4, 0)
	require.NoError(t, err)
	assert.Equal(t, "keep", string(p))
}

func TestDeleteMissing(t *testing.T) {
	s, _ := newTestSession(t)
	assert.NoError(t, s.Delete(context.Background(), "never-written"))
}

// TestDeleteOrphans makes sure a replica is removed even from a backend that
// is not in the block's placement.
func TestDeleteOrphans(t *testing.T) {
	ctx := context.Background()
	s, mems := newTestSession(t)
	fd := s.Open("orphan")
	_, err := s.Write(ctx, fd, []byte("abcd"), 0)
	require.NoError(t, err)

	for _, m := range mems {
		for _, k := range m.Keys() {
			for _, other := range mems {
				other.Put(k, []byte("stale"))
			}
		}
	}

	require.NoError(t, s.Delete(ctx, "orphan"))
	for _, m := range mems {
		assert.Empty(t, m.Keys())
	}
}

func TestDeleteEventualConsistency(t *testing.T) {
	ctx := context.Background()
	s, mems := newTestSession(t)
	fd := s.Open("lagging")
	_, err := s.Write(ctx, fd, bytes.Repeat([]byte("l"), 12), 0)
	require.NoError(t, err)

	mems[0].LagDeletes(3)
	mems[2].LagDeletes(2)

	require.NoError(t, s.Delete(ctx, "lagging"))
	for _, m := range mems {
		assert.Empty(t, m.Keys())
	}
	assert.Greater(t, mems[0].Calls(memory.OpList), 3)
}

func TestDeleteTimeout(t *testing.T) {
	ctx := context.Background()
	s, mems := newTestSession(t, WithDeleteTimeout(100*time.Millisecond))
	fd := s.Open("stuck")
	_, err := s.Write(ctx, fd, []byte("stuck"), 0)
	require.NoError(t, err)

	mems[1].Fail(memory.OpList)

	err = s.Delete(ctx, "stuck")
	var dt *cloudraid.DeleteTimeoutError
	require.True(t, errors.As(err, &dt), "expected a timeout, got %v", err)
	assert.Equal(t, "stuck", dt.Name)
	assert.True(t, errors.Is(err, memory.ErrInjected))
}

func TestDeleteRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	s, mems := newTestSession(t)
	fd := s.Open("transient")
	_, err := s.Write(ctx, fd, []byte("transient"), 0)
	require.NoError(t, err)

	mems[0].Fail(memory.OpList)
	go func() {
		time.Sleep(50 * time.Millisecond)
		mems[0].Heal()
	}()

	require.NoError(t, s.Delete(ctx, "transient"))
	for _, m := range mems {
		assert.Empty(t, m.Keys())
	}
}

func TestDeleteCancelled(t *testing.T) {
	s, mems := newTestSession(t)
	fd := s.Open("cancel")
	_, err := s.Write(context.Background(), fd, []byte("x"), 0)
	require.NoError(t, err)
	mems[0].Fail(memory.OpList)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = s.Delete(ctx, "cancel")
	assert.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled), err)
}

func TestDeleteAllReportsFailures(t *testing.T) {
	ctx := context.Background()
	s, mems := newTestSession(t)
	fd := s.Open("partly")
	_, err := s.Write(ctx, fd, []byte("abcd"), 0)
	require.NoError(t, err)

	keys, err := s.listAll(ctx, block.NewLayout("partly", 8).Prefix())
	require.NoError(t, err)
	require.Len(t, keys, 1)

	mems[1].Fail(memory.OpDelete)
	err = s.deleteAll(ctx, keys)
	require.Error(t, err)
	assert.True(t, errors.Is(err, memory.ErrInjected))
	assert.Equal(t, 4, mems[1].Calls(memory.OpDelete), "one call and three retries")
	assert.Empty(t, mems[0].Keys())
	assert.Empty(t, mems[2].Keys())

	mems[1].Heal()
	assert.NoError(t, s.deleteAll(ctx, keys))
}

func TestListAllKeepsAnswers(t *testing.T) {
	ctx := context.Background()
	s, mems := newTestSession(t)
	mems[0].Put("x-1", []byte("a"))
	mems[2].Put("x-2", []byte("b"))
	mems[1].Fail(memory.OpList)

	keys, err := s.listAll(ctx, "x-")
	assert.True(t, errors.Is(err, memory.ErrInjected))
	assert.Equal(t, []string{"x-1", "x-2"}, keys)
}

func TestDeleteTimeoutNamesFailedDeletes(t *testing.T) {
	ctx := context.Background()
	s, mems := newTestSession(t, WithDeleteTimeout(100*time.Millisecond))
	fd := s.Open("undeletable")
	_, err := s.Write(ctx, fd, []byte("abcd"), 0)
	require.NoError(t, err)
	for _, m := range mems {
		m.Fail(memory.OpDelete)
	}

	err = s.Delete(ctx, "undeletable")
	var dt *cloudraid.DeleteTimeoutError
	require.True(t, errors.As(err, &dt), "expected a timeout, got %v", err)
	assert.True(t, errors.Is(err, memory.ErrInjected))
	total := 0
	for _, m := range mems {
		total += len(m.Keys())
	}
	assert.Equal(t, 2, total)
}
