package fsstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jmgilman/go/errors"
	"github.com/jmgilman/go/fs/billy"
	"github.com/jmgilman/runcache/backend"
	"github.com/jmgilman/runcache/backend/backendtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConformance_Memory(t *testing.T) {
	backendtest.TestSuite(t, func() backend.Backend {
		s, err := New(billy.NewMemory(), "cache")
		require.NoError(t, err)
		return s
	})
}

func TestConformance_Local(t *testing.T) {
	backendtest.TestSuite(t, func() backend.Backend {
		fsys, err := billy.NewLocal().Chroot(t.TempDir())
		require.NoError(t, err)
		s, err := New(fsys, "")
		require.NoError(t, err)
		return s
	})
}

func TestNew(t *testing.T) {
	t.Run("nil filesystem", func(t *testing.T) {
		_, err := New(nil, "cache")
		require.Error(t, err)
		assert.Equal(t, errors.CodeInvalidConfig, errors.GetCode(err))
	})

	t.Run("creates root", func(t *testing.T) {
		fsys := billy.NewMemory()
		s, err := New(fsys, "a/b/../c")
		require.NoError(t, err)
		assert.Equal(t, "a/c", s.Root())

		exists, err := fsys.Exists("a/c/.tmp")
		require.NoError(t, err)
		assert.True(t, exists)
	})
}

func TestStore_Layout(t *testing.T) {
	ctx := context.Background()
	fsys := billy.NewMemory()
	s, err := New(fsys, "cache")
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "run42-wheel", []byte("payload")))

	data, err := fsys.ReadFile("cache/run42-wheel")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	entries, err := fsys.ReadDir("cache/.tmp")
	require.NoError(t, err)
	assert.Empty(t, entries, "temporary files must not be left behind")
}

func TestStore_KeysStayInsideRoot(t *testing.T) {
	ctx := context.Background()
	fsys := billy.NewMemory()
	s, err := New(fsys, "cache")
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "../escape", []byte("x")))

	exists, err := fsys.Exists("escape")
	require.NoError(t, err)
	assert.False(t, exists)

	got, found, err := s.Get(ctx, "../escape")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "x", string(got))
}

func TestStore_ReservedKeys(t *testing.T) {
	ctx := context.Background()
	s, err := New(billy.NewMemory(), "cache")
	require.NoError(t, err)

	for _, k := range []string{"", ".", "..", ".tmp"} {
		err := s.Put(ctx, k, []byte("x"))
		require.Error(t, err, "key %q", k)
		assert.Equal(t, errors.CodeInvalidInput, errors.GetCode(err))
	}
}

func TestStore_SharedDirectory(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	open := func() *Store {
		fsys, err := billy.NewLocal().Chroot(dir)
		require.NoError(t, err)
		s, err := New(fsys, "shared")
		require.NoError(t, err)
		return s
	}

	// Two independent stores over the same directory behave like two workers.
	a, b := open(), open()
	require.NoError(t, a.Put(ctx, "run42-wheel", []byte("built")))

	got, found, err := b.Get(ctx, "run42-wheel")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "built", string(got))

	require.NoError(t, b.Delete(ctx, "run42-wheel"))
	_, err = os.Stat(filepath.Join(dir, "shared", "run42-wheel"))
	assert.True(t, os.IsNotExist(err))
}

func TestTranslate(t *testing.T) {
	err := translate(backend.OpGet, "k", os.ErrPermission)
	assert.Equal(t, errors.CodeForbidden, errors.GetCode(err))

	err = translate(backend.OpGet, "k", os.ErrClosed)
	assert.True(t, errors.Is(err, backend.ErrUnavailable))
}
