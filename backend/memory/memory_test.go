package memory

import (
	"context"
	"testing"

	"github.com/jmgilman/runcache/backend"
	"github.com/jmgilman/runcache/backend/backendtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConformance(t *testing.T) {
	backendtest.TestSuite(t, func() backend.Backend {
		return New()
	})
}

func TestBackend_CopiesPayload(t *testing.T) {
	ctx := context.Background()
	b := New()

	payload := []byte("abc")
	require.NoError(t, b.Put(ctx, "k", payload))
	payload[0] = 'z'

	got, found, err := b.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "abc", string(got))

	got[1] = 'z'
	again, _, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(again))
}

func TestBackend_KeysAndLen(t *testing.T) {
	ctx := context.Background()
	b := New()

	require.NoError(t, b.Put(ctx, "b", nil))
	require.NoError(t, b.Put(ctx, "a", nil))

	assert.Equal(t, []string{"a", "b"}, b.Keys())
	assert.Equal(t, 2, b.Len())
}

func TestBackend_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := New()
	assert.ErrorIs(t, b.Put(ctx, "k", nil), context.Canceled)
	_, _, err := b.Get(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, b.Delete(ctx, "k"), context.Canceled)
}
