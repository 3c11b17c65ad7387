package dataset

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobLocal(t *testing.T) {
	t.Run("write", testBlobLocalWrite)
	t.Run("write_is_exclusive", testBlobLocalWriteExclusive)
	t.Run("write_failure_leaves_no_file", testBlobLocalWriteFailure)
	t.Run("exists_and_stat", testBlobLocalExistsAndStat)
	t.Run("delete", testBlobLocalDelete)
	t.Run("list", testBlobLocalList)
	t.Run("rejects_unsafe_user_ids", testBlobLocalRejectsUnsafeUserIDs)
}

func newTestBlobStore(t *testing.T) *LocalBlobStore {
	t.Helper()
	store, err := NewLocalBlobStore(filepath.Join(t.TempDir(), "data"))
	require.NoError(t, err)
	return store
}

func testBlobLocalWrite(t *testing.T) {
	ctx := context.Background()
	store := newTestBlobStore(t)

	obj, err := store.Write(ctx, "u1", "1_sales.csv", strings.NewReader("id,amount\n1,10\n"))
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(obj.Path))
	assert.Equal(t, filepath.Join(store.Root, "u1", "1_sales.csv"), obj.Path)
	assert.EqualValues(t, len("id,amount\n1,10\n"), obj.Size)

	content, err := os.ReadFile(obj.Path)
	require.NoError(t, err)
	assert.Equal(t, "id,amount\n1,10\n", string(content))

	entries, err := os.ReadDir(filepath.Join(store.Root, "u1"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp file must be cleaned up")
}

func testBlobLocalWriteExclusive(t *testing.T) {
	ctx := context.Background()
	store := newTestBlobStore(t)

	_, err := store.Write(ctx, "u1", "1_a.csv", strings.NewReader("first"))
	require.NoError(t, err)

	_, err = store.Write(ctx, "u1", "1_a.csv", strings.NewReader("second"))
	require.ErrorIs(t, err, ErrBlobExists)

	content, err := os.ReadFile(filepath.Join(store.Root, "u1", "1_a.csv"))
	require.NoError(t, err)
	assert.Equal(t, "first", string(content))
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("client went away") }

func testBlobLocalWriteFailure(t *testing.T) {
	ctx := context.Background()
	store := newTestBlobStore(t)

	_, err := store.Write(ctx, "u1", "1_a.csv", failingReader{})
	require.Error(t, err)

	files, err := store.ListUserFiles(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, files)
	assert.False(t, store.Exists(ctx, filepath.Join(store.Root, "u1", "1_a.csv")))
}

func testBlobLocalExistsAndStat(t *testing.T) {
	ctx := context.Background()
	store := newTestBlobStore(t)

	obj, err := store.Write(ctx, "u1", "1_a.csv", strings.NewReader("abc"))
	require.NoError(t, err)

	assert.True(t, store.Exists(ctx, obj.Path))
	assert.False(t, store.Exists(ctx, obj.Path+".missing"))
	assert.False(t, store.Exists(ctx, filepath.Join(store.Root, "u1")), "directories are not files")
	assert.False(t, store.Exists(ctx, ""))

	info, err := store.Stat(ctx, obj.Path)
	require.NoError(t, err)
	assert.EqualValues(t, 3, info.Size)
	assert.Equal(t, "1_a.csv", info.Name)

	_, err = store.Stat(ctx, obj.Path+".missing")
	require.ErrorIs(t, err, ErrBlobNotFound)
}

func testBlobLocalDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestBlobStore(t)

	obj, err := store.Write(ctx, "u1", "1_a.csv", strings.NewReader("abc"))
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, obj.Path))
	_, err = os.Stat(obj.Path)
	require.True(t, errors.Is(err, os.ErrNotExist))

	require.NoError(t, store.Delete(ctx, obj.Path), "delete must be idempotent")
	require.NoError(t, store.Delete(ctx, ""))
}

func testBlobLocalList(t *testing.T) {
	ctx := context.Background()
	store := newTestBlobStore(t)

	dirs, err := store.ListUserDirectories(ctx)
	require.NoError(t, err)
	assert.Empty(t, dirs, "missing root lists as empty")

	_, err = store.Write(ctx, "u2", "2_b.csv", strings.NewReader("x"))
	require.NoError(t, err)
	_, err = store.Write(ctx, "u1", "1_a.csv", strings.NewReader("x"))
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(store.Root, ".cache"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(store.Root, "stray.csv"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(store.Root, "u1", ".DS_Store"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(store.Root, "u1", "1_c.csv"+tmpFileMarker+"42"), []byte("x"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(store.Root, "u1", "nested"), 0o755))

	dirs, err = store.ListUserDirectories(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, dirs)

	files, err := store.ListUserFiles(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"1_a.csv"}, files)

	files, err = store.ListUserFiles(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func testBlobLocalRejectsUnsafeUserIDs(t *testing.T) {
	ctx := context.Background()
	store := newTestBlobStore(t)

	for _, id := range []string{"", ".", "..", "../u2", "a/b", `a\b`, ".hidden", "a\x00b"} {
		t.Run(id, func(t *testing.T) {
			_, err := store.Write(ctx, id, "1_a.csv", strings.NewReader("x"))
			require.ErrorIs(t, err, ErrInvalidUserID)
			_, err = store.ListUserFiles(ctx, id)
			require.ErrorIs(t, err, ErrInvalidUserID)
		})
	}
}
