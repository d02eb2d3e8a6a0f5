package storage

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rpucella.net/vhd-sync/internal/errors"
)

func newLocal(t *testing.T, files map[string]string) *LocalFileSystem {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/data", 0755))
	for path, contents := range files {
		require.NoError(t, afero.WriteFile(fs, path, []byte(contents), 0644))
	}
	return NewLocalFileSystemFs(fs, "/data")
}

func TestLocalRootAndChildren(t *testing.T) {
	ctx := context.Background()
	s := newLocal(t, map[string]string{
		"/data/notes.txt":    "hello",
		"/data/docs/cv.html": "<html><body></body></html>",
	})

	root, err := s.Root(ctx)
	require.NoError(t, err)
	assert.True(t, root.IsFolder)
	assert.Equal(t, "/data", root.ID)
	assert.Equal(t, "data", root.Name)

	children, err := s.FetchChildren(ctx, root.Handle)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "docs", children[0].Name)
	assert.True(t, children[0].IsFolder)
	assert.Equal(t, "/data/notes.txt", children[1].ID)
	assert.Equal(t, int64(5), children[1].Size)
}

func TestLocalStat(t *testing.T) {
	ctx := context.Background()
	s := newLocal(t, map[string]string{"/data/notes.txt": "hello"})

	entry, err := s.Stat(ctx, "/data/notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "text/plain; charset=utf-8", entry.MediaType)

	_, err = s.Stat(ctx, "/data/missing")
	assert.Equal(t, errors.ErrNotFound, err)
}

func TestLocalCreateFolderConflict(t *testing.T) {
	ctx := context.Background()
	s := newLocal(t, nil)

	entry, err := s.CreateFolder(ctx, "/data", "new")
	require.NoError(t, err)
	assert.True(t, entry.IsFolder)
	assert.Equal(t, "/data/new", entry.Path)

	_, err = s.CreateFolder(ctx, "/data", "new")
	assert.Equal(t, errors.ErrConflict, err)
}

func TestLocalCopyRenameDelete(t *testing.T) {
	ctx := context.Background()
	s := newLocal(t, map[string]string{"/data/a.txt": "abc"})
	require.NoError(t, s.Fs().MkdirAll("/data/sub", 0755))

	copied, err := s.Copy(ctx, "/data/a.txt", "/data/sub", "b.txt")
	require.NoError(t, err)
	assert.Equal(t, "/data/sub/b.txt", copied.Path)

	renamed, err := s.Rename(ctx, copied.Handle, "c.txt")
	require.NoError(t, err)
	assert.Equal(t, "/data/sub/c.txt", renamed.Path)

	contents, err := afero.ReadFile(s.Fs(), "/data/sub/c.txt")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(contents))

	require.NoError(t, s.Delete(ctx, renamed.Handle))
	_, err = s.Stat(ctx, "/data/sub/c.txt")
	assert.Equal(t, errors.ErrNotFound, err)
}

func TestLocalTransfers(t *testing.T) {
	ctx := context.Background()
	s := newLocal(t, map[string]string{"/data/a.txt": "0123456789"})
	require.NoError(t, s.Fs().MkdirAll("/data/up", 0755))

	var last int64
	entry, err := s.StartDownload(ctx, "t1", "/data/a.txt", "/data/copy.txt",
		func(n, total int64) { last = n })
	require.NoError(t, err)
	assert.Equal(t, int64(10), entry.Size)
	assert.Equal(t, int64(10), last)

	entry, err = s.StartUpload(ctx, "t2", "/data/copy.txt", "/data/up", "copy.txt", nil)
	require.NoError(t, err)
	assert.Equal(t, "/data/up/copy.txt", entry.ID)
}

func TestLocalFreeSpaceNeedsOsFs(t *testing.T) {
	s := newLocal(t, nil)
	_, err := s.FreeSpace(context.Background())
	assert.Equal(t, errors.ErrUnsupported, err)
}
