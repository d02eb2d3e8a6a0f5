package localfs

import (
	"context"
	"os"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func populate(t *testing.T, fs afero.Fs, files map[string]string) {
	for path, contents := range files {
		require.NoError(t, afero.WriteFile(fs, path, []byte(contents), 0644))
	}
}

type recordingVisitor struct {
	calls []string
}

func (r *recordingVisitor) PreVisitDirectory(path string, _ os.FileInfo) error {
	r.calls = append(r.calls, "pre "+path)
	return nil
}

func (r *recordingVisitor) VisitFile(path string, _ os.FileInfo) error {
	r.calls = append(r.calls, "file "+path)
	return nil
}

func (r *recordingVisitor) PostVisitDirectory(path string, _ os.FileInfo) error {
	r.calls = append(r.calls, "post "+path)
	return nil
}

func TestWalkOrder(t *testing.T) {
	fs := afero.NewMemMapFs()
	populate(t, fs, map[string]string{
		"/root/b.txt":     "b",
		"/root/a/one.txt": "1",
	})

	v := &recordingVisitor{}
	require.NoError(t, Walk(fs, "/root", v))
	assert.Equal(t, []string{
		"pre /root",
		"pre /root/a",
		"file /root/a/one.txt",
		"post /root/a",
		"file /root/b.txt",
		"post /root",
	}, v.calls)
}

func TestWalkMissingRoot(t *testing.T) {
	assert.Error(t, Walk(afero.NewMemMapFs(), "/nope", &recordingVisitor{}))
}

func TestCopyTree(t *testing.T) {
	fs := afero.NewMemMapFs()
	populate(t, fs, map[string]string{
		"/src/top.txt":        "top",
		"/src/nested/low.txt": "low",
	})

	require.NoError(t, CopyTree(fs, "/src", "/dst"))

	for path, want := range map[string]string{
		"/dst/top.txt":        "top",
		"/dst/nested/low.txt": "low",
		"/src/top.txt":        "top",
	} {
		got, err := afero.ReadFile(fs, path)
		require.NoError(t, err, path)
		assert.Equal(t, want, string(got), path)
	}
}

func TestMoveTree(t *testing.T) {
	fs := afero.NewMemMapFs()
	populate(t, fs, map[string]string{"/src/low.txt": "low"})

	require.NoError(t, MoveTree(fs, "/src/low.txt", "/src/moved.txt"))

	exists, err := afero.Exists(fs, "/src/low.txt")
	require.NoError(t, err)
	assert.False(t, exists)

	got, err := afero.ReadFile(fs, "/src/moved.txt")
	require.NoError(t, err)
	assert.Equal(t, "low", string(got))
}

func TestDeleteTreeAndSize(t *testing.T) {
	fs := afero.NewMemMapFs()
	populate(t, fs, map[string]string{
		"/tree/a.txt":     "12345",
		"/tree/sub/b.txt": "123",
	})

	size, err := Size(fs, "/tree")
	require.NoError(t, err)
	assert.Equal(t, int64(8), size)

	require.NoError(t, DeleteTree(fs, "/tree"))
	exists, err := afero.Exists(fs, "/tree")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCopyFileProgressAndCancel(t *testing.T) {
	fs := afero.NewMemMapFs()
	populate(t, fs, map[string]string{"/in.bin": "0123456789"})

	var last, total int64
	require.NoError(t, CopyFile(context.Background(), fs, "/in.bin", "/out.bin",
		func(w, tot int64) { last, total = w, tot }))
	assert.Equal(t, int64(10), last)
	assert.Equal(t, int64(10), total)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := CopyFile(ctx, fs, "/in.bin", "/cancelled.bin", nil)
	assert.ErrorIs(t, err, context.Canceled)

	exists, _ := afero.Exists(fs, "/cancelled.bin")
	assert.False(t, exists, "partial output is removed")
}
