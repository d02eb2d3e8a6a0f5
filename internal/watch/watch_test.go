package watch

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rpucella.net/vhd-sync/internal/sched"
	"rpucella.net/vhd-sync/internal/storage"
	"rpucella.net/vhd-sync/internal/storage/storagetest"
	"rpucella.net/vhd-sync/internal/virtualfs"
)

func TestGetPathsToWatch(t *testing.T) {
	fs = afero.NewMemMapFs()
	defer func() { fs = afero.NewOsFs() }()

	for _, dir := range []string{"/root/a/b", "/root/c"} {
		require.NoError(t, fs.MkdirAll(dir, 0755))
	}
	require.NoError(t, afero.WriteFile(fs, "/root/a/file.txt", []byte("x"), 0644))

	paths, err := getPathsToWatch("/root")
	require.NoError(t, err)
	sort.Strings(paths)
	assert.Equal(t, []string{"/root", "/root/a", "/root/a/b", "/root/c"}, paths)
}

func TestBatchGroupsEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan fsnotify.Event)
	var seen []string
	out := batch(ctx, events, 20*time.Millisecond, func(ev fsnotify.Event) {
		seen = append(seen, ev.Name)
	})

	events <- fsnotify.Event{Name: "/root/a/one.txt", Op: fsnotify.Create}
	events <- fsnotify.Event{Name: "/root/a/two.txt", Op: fsnotify.Write}
	events <- fsnotify.Event{Name: "/root/b.txt", Op: fsnotify.Remove}

	select {
	case dirs := <-out:
		assert.Equal(t, []string{"/root/a", "/root"}, dirs)
	case <-time.After(5 * time.Second):
		t.Fatal("no batch emitted")
	}
	assert.Len(t, seen, 3)

	events <- fsnotify.Event{Name: "/root/a/three.txt", Op: fsnotify.Create}
	select {
	case dirs := <-out:
		assert.Equal(t, []string{"/root/a"}, dirs)
	case <-time.After(5 * time.Second):
		t.Fatal("no second batch emitted")
	}

	close(events)
	_, ok := <-out
	assert.False(t, ok)
}

func TestFolderFor(t *testing.T) {
	ctx := context.Background()
	mem := afero.NewMemMapFs()
	require.NoError(t, mem.MkdirAll("/root/a/b", 0755))

	store := storage.NewLocalFileSystemFs(mem, "/root")
	root, err := virtualfs.NewFactory(store, virtualfs.Local, sched.NewSerial()).Root(ctx)
	require.NoError(t, err)
	require.NoError(t, root.BuildTree(ctx, 0))

	assert.Equal(t, root, folderFor(root, "/root"))
	a := folderFor(root, "/root/a")
	require.NotNil(t, a)
	assert.Equal(t, "/root/a", a.Path())
	// b is not loaded yet, so its closest loaded ancestor answers.
	assert.Equal(t, a, folderFor(root, "/root/a/b"))
	assert.Nil(t, folderFor(root, "/elsewhere"))
}

func TestRemoteTreeRejected(t *testing.T) {
	ctx := context.Background()
	provider := storagetest.New(afero.NewMemMapFs())
	root, err := virtualfs.NewFactory(provider, virtualfs.Remote, sched.NewSerial()).Root(ctx)
	require.NoError(t, err)

	_, err = New(root, 0)
	assert.Error(t, err)
}

func TestWatchReloadsFolder(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := storage.NewLocalFileSystem(dir)
	root, err := virtualfs.NewFactory(store, virtualfs.Local, sched.NewSerial()).Root(ctx)
	require.NoError(t, err)
	require.NoError(t, root.BuildTree(ctx, 0))

	w, err := New(root, 20*time.Millisecond)
	require.NoError(t, err)
	refreshed := make(chan *virtualfs.Folder, 16)
	w.OnRefresh = func(folder *virtualfs.Folder, err error) {
		assert.NoError(t, err)
		refreshed <- folder
	}
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	target := filepath.Join(dir, "new.txt")
	require.NoError(t, os.WriteFile(target, []byte("hello"), 0644))

	deadline := time.After(5 * time.Second)
	for root.Get(target) == nil {
		select {
		case <-refreshed:
		case <-deadline:
			t.Fatal("folder was not reloaded")
		}
	}

	cancel()
	assert.NoError(t, <-done)
}
