package vfs

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memFS returns an FS over a fresh in-memory root. The mem scheme is
// process-global, so each test gets its own subtree.
func memFS(t *testing.T) *FS {
	t.Helper()
	return New("mem://localhost/vfs-test-" + uuid.NewString())
}

func fileFS(t *testing.T) *FS {
	t.Helper()
	return New("file://" + t.TempDir())
}

func TestReadWriteRoundTrip(t *testing.T) {
	for name, fs := range map[string]*FS{"mem": memFS(t), "file": fileFS(t)} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := fs.ReadFile(ctx, "packs", "missing.pack")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, fs.WriteFile(ctx, []byte("payload"), "packs", "a.pack"))
			data, err := fs.ReadFile(ctx, "packs", "a.pack")
			require.NoError(t, err)
			assert.Equal(t, "payload", string(data))

			ok, err := fs.Exists(ctx, "packs", "a.pack")
			require.NoError(t, err)
			assert.True(t, ok)

			size, err := fs.Size(ctx, "packs", "a.pack")
			require.NoError(t, err)
			assert.Equal(t, int64(7), size)

			_, err = fs.Size(ctx, "packs", "missing.pack")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestWriteFileAtomicReplaces(t *testing.T) {
	fs := memFS(t)
	ctx := context.Background()

	require.NoError(t, fs.WriteFileAtomic(ctx, []byte("v1"), "pack-names"))
	require.NoError(t, fs.WriteFileAtomic(ctx, []byte("v2"), "pack-names"))

	data, err := fs.ReadFile(ctx, "pack-names")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))

	// No temporary siblings left behind.
	objects, err := fs.List(ctx)
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, "pack-names", objects[0].Name())
}

func TestMoveAndDelete(t *testing.T) {
	fs := fileFS(t)
	ctx := context.Background()

	require.NoError(t, fs.WriteFile(ctx, []byte("x"), "packs", "old.pack"))
	require.NoError(t, fs.Mkdir(ctx, "obsolete_packs"))
	require.NoError(t, fs.Move(ctx, "packs/old.pack", "obsolete_packs/old.pack"))

	ok, err := fs.Exists(ctx, "packs", "old.pack")
	require.NoError(t, err)
	assert.False(t, ok)
	data, err := fs.ReadFile(ctx, "obsolete_packs", "old.pack")
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))

	require.NoError(t, fs.Delete(ctx, "obsolete_packs", "old.pack"))
	ok, err = fs.Exists(ctx, "obsolete_packs", "old.pack")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListSkipsDirectories(t *testing.T) {
	fs := fileFS(t)
	ctx := context.Background()

	require.NoError(t, fs.WriteFile(ctx, []byte("a"), "top", "a.pack"))
	require.NoError(t, fs.WriteFile(ctx, []byte("b"), "top", "nested", "b.pack"))

	objects, err := fs.List(ctx, "top")
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, "a.pack", objects[0].Name())
}

func TestLockDirAcquireRelease(t *testing.T) {
	fs := fileFS(t)
	ctx := context.Background()
	lock := NewLockDir(fs, "lock")

	info, err := lock.Peek(ctx)
	require.NoError(t, err)
	assert.Nil(t, info, "fresh lock is free")

	require.NoError(t, lock.Acquire(ctx))
	assert.True(t, lock.Held())

	info, err = lock.Peek(ctx)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.NotEmpty(t, info.Nonce)

	require.NoError(t, lock.Release(ctx))
	assert.False(t, lock.Held())
	info, err = lock.Peek(ctx)
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestLockDirContention(t *testing.T) {
	fs := fileFS(t)
	ctx := context.Background()

	first := NewLockDir(fs, "lock")
	second := NewLockDir(fs, "lock")
	require.NoError(t, first.Acquire(ctx))

	err := second.Acquire(ctx)
	assert.ErrorIs(t, err, ErrLockContention)
	assert.False(t, second.Held())

	// The failed attempt must not disturb the holder: the rename cannot be
	// trusted to refuse overwriting, so a thief would otherwise replace the
	// holder's info with its own.
	info, err := first.Peek(ctx)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, first.nonce, info.Nonce)

	require.NoError(t, first.Release(ctx))
	require.NoError(t, second.Acquire(ctx))
	require.NoError(t, second.Release(ctx))
}

func TestLockDirRepeatedContentionKeepsHolder(t *testing.T) {
	fs := fileFS(t)
	ctx := context.Background()

	holder := NewLockDir(fs, "lock")
	require.NoError(t, holder.Acquire(ctx))

	for i := 0; i < 3; i++ {
		thief := NewLockDir(fs, "lock")
		assert.ErrorIs(t, thief.Acquire(ctx), ErrLockContention)
	}

	require.NoError(t, holder.Release(ctx))
}

func TestLockDirBreak(t *testing.T) {
	fs := fileFS(t)
	ctx := context.Background()

	holder := NewLockDir(fs, "lock")
	require.NoError(t, holder.Acquire(ctx))

	breaker := NewLockDir(fs, "lock")
	require.NoError(t, breaker.Break(ctx))

	info, err := breaker.Peek(ctx)
	require.NoError(t, err)
	assert.Nil(t, info)

	// The original holder discovers the break on release.
	err = holder.Release(ctx)
	assert.ErrorIs(t, err, ErrLockBroken)

	// Breaking a free lock is a no-op.
	require.NoError(t, breaker.Break(ctx))
}
