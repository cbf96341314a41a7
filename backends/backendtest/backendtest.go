// Package backendtest is a conformance suite run against every backend.
package backendtest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/kochman/cloudraid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises b. Every key it touches starts with a random prefix, and the
// keys are removed again at the end.
func Run(t *testing.T, b cloudraid.Backend) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	prefix := fmt.Sprintf("backendtest%d-", time.Now().UnixNano())
	key := prefix + "block"
	defer func() {
		b.Delete(context.Background(), key)
		b.Delete(context.Background(), prefix+"other")
	}()

	t.Run("ListEmpty", func(t *testing.T) {
		keys, err := b.List(ctx, prefix)
		require.NoError(t, err)
		assert.Empty(t, keys)
	})

	t.Run("ReadMissing", func(t *testing.T) {
		_, err := b.Read(ctx, key)
		assert.True(t, cloudraid.IsNotFound(err), "expected not found, got %v", err)
	})

	t.Run("DeleteMissing", func(t *testing.T) {
		assert.NoError(t, b.Delete(ctx, key))
	})

	t.Run("WriteRead", func(t *testing.T) {
		require.NoError(t, b.Write(ctx, key, []byte("68656c6c6f")))
		p, err := b.Read(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "68656c6c6f", string(p))
	})

	t.Run("Overwrite", func(t *testing.T) {
		require.NoError(t, b.Write(ctx, key, []byte("6869")))
		p, err := b.Read(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "6869", string(p), "old bytes must not survive an overwrite")
	})

	t.Run("ListPrefix", func(t *testing.T) {
		require.NoError(t, b.Write(ctx, prefix+"other", []byte("00")))
		keys, err := b.List(ctx, prefix)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{key, prefix + "other"}, keys)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, b.Delete(ctx, key))
		_, err := b.Read(ctx, key)
		assert.True(t, cloudraid.IsNotFound(err), "expected not found, got %v", err)
	})
}
