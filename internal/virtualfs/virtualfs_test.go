package virtualfs

import (
	"bytes"
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rpucella.net/vhd-sync/internal/errors"
	"rpucella.net/vhd-sync/internal/listener"
	"rpucella.net/vhd-sync/internal/sched"
	"rpucella.net/vhd-sync/internal/storage"
	"rpucella.net/vhd-sync/internal/storage/storagetest"
)

type eventLog struct {
	lock   sync.Mutex
	events []listener.Event
}

func (l *eventLog) OnEvent(ev listener.Event) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) states() []listener.State {
	l.lock.Lock()
	defer l.lock.Unlock()
	var states []listener.State
	for _, ev := range l.events {
		states = append(states, ev.State)
	}
	return states
}

func (l *eventLog) len() int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return len(l.events)
}

func newTree(t *testing.T, scheduler sched.Scheduler) (*storagetest.Provider, *Folder) {
	provider := storagetest.New(afero.NewMemMapFs())
	root, err := NewFactory(provider, Remote, scheduler).Root(context.Background())
	require.NoError(t, err)
	return provider, root
}

func ids(d *Folder) []string {
	var result []string
	for _, c := range d.Children() {
		result = append(result, c.ID())
	}
	sort.Strings(result)
	return result
}

func TestEquality(t *testing.T) {
	factory := NewFactory(storagetest.New(afero.NewMemMapFs()), Remote, sched.NewSerial())
	abc := factory.NewFile(storage.Entry{ID: "AbC", Name: "x"})

	assert.True(t, abc.Equal(factory.NewFolder(storage.Entry{ID: "abc", IsFolder: true})))
	assert.False(t, abc.Equal(factory.NewFile(storage.Entry{ID: "abd"})))
	assert.False(t, abc.Equal(nil))
}

func TestUnboundGeneratesIDFromPath(t *testing.T) {
	factory := NewFactory(storagetest.New(afero.NewMemMapFs()), Local, sched.NewSerial())
	f := factory.Unbound("a.txt", "/tmp/a.txt")
	assert.Equal(t, "/tmp/a.txt", f.ID())
	assert.Equal(t, "text/plain; charset=utf-8", f.MediaType())
	assert.Nil(t, f.Handle())
}

func TestAddAndRemove(t *testing.T) {
	_, root := newTree(t, sched.NewSerial())
	f := root.factory.NewFile(storage.Entry{ID: "f1", Name: "one.txt"})

	adds := &eventLog{}
	root.Listeners().Subscribe(listener.Add, adds)
	root.Add(f)
	assert.Equal(t, root, f.Parent())
	assert.Equal(t, 1, adds.len())
	assert.Equal(t, f, adds.events[0].Subject)

	removes := &eventLog{}
	root.Listeners().Subscribe(listener.Remove, removes)
	watcher := &eventLog{}
	f.Listeners().Subscribe(listener.Remove, watcher)
	f.Listeners().Subscribe(listener.Delete, &eventLog{})

	root.Remove(f)
	assert.Nil(t, f.Parent())
	assert.Equal(t, 0, root.Len())
	assert.Equal(t, 1, removes.len())
	assert.Equal(t, 1, watcher.len())
	assert.Equal(t, 0, f.Listeners().Len(), "an orphan keeps no listeners")
}

func TestAddReplacesChildWithSameID(t *testing.T) {
	_, root := newTree(t, sched.NewSerial())
	old := root.factory.NewFile(storage.Entry{ID: "/report", Name: "report"})
	root.Add(old)
	watcher := &eventLog{}
	old.Listeners().Subscribe(listener.Remove, watcher)

	removes := &eventLog{}
	root.Listeners().Subscribe(listener.Remove, removes)
	replacement := root.factory.NewFile(storage.Entry{ID: "/REPORT", Name: "REPORT"})
	root.Add(replacement)

	assert.Equal(t, 1, root.Len())
	assert.Equal(t, replacement, root.Get("/report"))
	assert.Nil(t, old.Parent())
	assert.Equal(t, 1, watcher.len())
	assert.Equal(t, 1, removes.len())
	assert.Equal(t, 0, old.Listeners().Len())

	root.Add(replacement)
	assert.Equal(t, 1, root.Len())
	assert.Equal(t, root, replacement.Parent())
}

func TestRemoveByIDIsIdempotent(t *testing.T) {
	_, root := newTree(t, sched.NewSerial())
	root.Add(root.factory.NewFile(storage.Entry{ID: "Gone", Name: "gone"}))

	root.RemoveByID("gone")
	assert.Equal(t, 0, root.Len())

	removes := &eventLog{}
	root.Listeners().Subscribe(listener.Remove, removes)
	assert.NotPanics(t, func() { root.RemoveByID("gone") })
	assert.Equal(t, 0, removes.len(), "no event for an absent id")
	assert.Equal(t, 1, root.Listeners().Len())
}

func TestSearchByName(t *testing.T) {
	_, root := newTree(t, sched.NewSerial())
	factory := root.factory
	for _, name := range []string{"report.txt", "My Report", "Reporting", "other"} {
		root.Add(factory.NewFile(storage.Entry{ID: "/" + name, Name: name}))
	}
	sub := factory.NewFolder(storage.Entry{ID: "/sub", Name: "sub", IsFolder: true})
	root.Add(sub)
	sub.Add(factory.NewFile(storage.Entry{ID: "/sub/REPORT", Name: "REPORT"}))

	var names []string
	for _, c := range root.SearchByName("Report", true, false) {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"report.txt", "My Report", "Reporting"}, names)

	exact := root.SearchByName("REPORT.TXT", false, false)
	require.Len(t, exact, 1)
	assert.Equal(t, "report.txt", exact[0].Name())

	none := root.SearchByName("missing", true, true)
	assert.NotNil(t, none)
	assert.Empty(t, none)

	recursive := root.SearchByName("report", false, true)
	require.Len(t, recursive, 1)
	assert.Equal(t, "/sub/REPORT", recursive[0].ID())

	all := root.SearchByName("report", true, true)
	require.Len(t, all, 4)
	assert.Equal(t, "/sub/REPORT", all[3].ID(), "direct matches come first")
}

func TestSearchByID(t *testing.T) {
	_, root := newTree(t, sched.NewSerial())
	factory := root.factory
	sub := factory.NewFolder(storage.Entry{ID: "/sub", Name: "sub", IsFolder: true})
	root.Add(sub)
	deep := factory.NewFile(storage.Entry{ID: "/sub/Deep", Name: "Deep"})
	sub.Add(deep)

	assert.Equal(t, sub, root.SearchByID("/SUB", false))
	assert.Nil(t, root.SearchByID("/sub/deep", false))
	assert.Equal(t, deep, root.SearchByID("/sub/deep", true))
	assert.Nil(t, root.SearchByID("nope", true))
}

func TestRemoveObsoleteFilters(t *testing.T) {
	_, root := newTree(t, sched.NewSerial())
	for _, id := range []string{"A", "B", "C"} {
		root.Add(root.factory.NewFile(storage.Entry{ID: id, Name: id}))
	}

	fresh := []string{"B", "C", "D"}
	kept := root.RemoveObsolete(fresh, true)

	assert.Equal(t, []string{"B", "C"}, ids(root))
	assert.Equal(t, []string{"D"}, kept)
	assert.Equal(t, "D", fresh[0], "the input is trimmed in place")
}

func TestRemoveObsoleteWithoutFilter(t *testing.T) {
	_, root := newTree(t, sched.NewSerial())
	for _, id := range []string{"A", "B"} {
		root.Add(root.factory.NewFile(storage.Entry{ID: id, Name: id}))
	}

	kept := root.RemoveObsolete([]string{"b", "C"}, false)
	assert.Equal(t, []string{"B"}, ids(root), "ids compare ignoring case")
	assert.Equal(t, []string{"b", "C"}, kept)
}

func scenarioA(provider *storagetest.Provider) {
	provider.AddFolder("/F1")
	provider.AddFolder("/F2")
	provider.AddFile("/file.txt", "root file")
	provider.AddFile("/F1/inner.txt", "inner")
}

func TestBuildTreeDepthOne(t *testing.T) {
	for name, scheduler := range map[string]sched.Scheduler{
		"serial": sched.NewSerial(),
		"pooled": sched.New(2),
	} {
		t.Run(name, func(t *testing.T) {
			provider, root := newTree(t, scheduler)
			scenarioA(provider)

			require.NoError(t, root.BuildTree(context.Background(), 1))

			assert.Equal(t, 3, root.Len())
			f1, ok := root.Get("/F1").(*Folder)
			require.True(t, ok)
			f2, ok := root.Get("/F2").(*Folder)
			require.True(t, ok)
			assert.Equal(t, 1, f1.Len())
			assert.Equal(t, 0, f2.Len())
			assert.Equal(t, root, f1.Parent())
		})
	}
}

func TestBuildTreeDepthBounds(t *testing.T) {
	provider, root := newTree(t, sched.NewSerial())
	scenarioA(provider)

	require.NoError(t, root.BuildTree(context.Background(), -1))
	assert.Empty(t, provider.Listings())

	require.NoError(t, root.BuildTreeRecursive(context.Background(), false))
	assert.Equal(t, []string{"/"}, provider.Listings())
	assert.Equal(t, 0, root.Get("/F1").(*Folder).Len())

	require.NoError(t, root.BuildTreeRecursive(context.Background(), true))
	assert.Equal(t, 1, root.Get("/F1").(*Folder).Len())
}

func TestBuildTreeReconciles(t *testing.T) {
	provider, root := newTree(t, sched.NewSerial())
	scenarioA(provider)
	ctx := context.Background()
	require.NoError(t, root.BuildTree(ctx, 0))
	before := root.Get("/F1")

	provider.Remove("/file.txt")
	provider.AddFile("/new.txt", "new")
	require.NoError(t, root.BuildTree(ctx, 0))

	assert.Equal(t, []string{"/F1", "/F2", "/new.txt"}, ids(root))
	assert.Same(t, before, root.Get("/F1"), "surviving children are kept, not rebuilt")

	require.NoError(t, root.BuildTree(ctx, 0))
	assert.Equal(t, 3, root.Len(), "no duplicates")
}

func TestBuildTreeFailureIsLocal(t *testing.T) {
	provider, root := newTree(t, sched.New(2))
	scenarioA(provider)
	provider.AddFile("/F2/kept.txt", "kept")
	boom := fmt.Errorf("rate limited")
	provider.FailListing("/F1", boom)

	err := root.BuildTree(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.Operation))
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, 3, root.Len())
	assert.Equal(t, 1, root.Get("/F2").(*Folder).Len(), "the sibling subtree is built")
}

func TestConcurrentMutationDuringBuild(t *testing.T) {
	provider, root := newTree(t, sched.New(2))
	for i := 0; i < 10; i++ {
		provider.AddFolder(fmt.Sprintf("/d%d", i))
		provider.AddFile(fmt.Sprintf("/d%d/f.txt", i), "x")
	}
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, root.BuildTreeRecursive(ctx, true))
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			extra := root.factory.NewFile(storage.Entry{ID: fmt.Sprintf("extra%d", i), Name: "extra"})
			root.Add(extra)
			root.SearchByName("f.txt", false, true)
			root.Remove(extra)
		}
	}()
	wg.Wait()

	require.NoError(t, root.BuildTreeRecursive(ctx, true))
	assert.Equal(t, 10, root.Len())
}

func TestCreateFolder(t *testing.T) {
	provider, root := newTree(t, sched.NewSerial())
	ctx := context.Background()

	creates := &eventLog{}
	root.Listeners().Subscribe(listener.Create, creates)
	sub, err := root.CreateFolder(ctx, "photos")
	require.NoError(t, err)
	assert.True(t, provider.Exists("/photos"))
	assert.Equal(t, sub, root.Get("/photos"))
	assert.Equal(t, []listener.State{listener.InProgress, listener.Completed}, creates.states())

	_, err = root.CreateFolder(ctx, "PHOTOS")
	assert.True(t, errors.IsKind(err, errors.Creation))
	assert.ErrorIs(t, err, errors.ErrConflict)
}

func TestFileOperations(t *testing.T) {
	provider, root := newTree(t, sched.NewSerial())
	scenarioA(provider)
	ctx := context.Background()
	require.NoError(t, root.BuildTree(ctx, 1))

	f1 := root.Get("/F1").(*Folder)
	f2 := root.Get("/F2").(*Folder)
	inner := f1.Get("/F1/inner.txt")

	copied, err := inner.Copy(ctx, f2, false)
	require.NoError(t, err)
	assert.Equal(t, "/F2/inner.txt", copied.Path())
	assert.Equal(t, "inner", provider.Contents("/F2/inner.txt"))

	_, err = inner.Copy(ctx, f2, false)
	assert.ErrorIs(t, err, errors.ErrConflict)

	moves := &eventLog{}
	inner.Listeners().Subscribe(listener.Move, moves)
	require.NoError(t, inner.Move(ctx, root, false))
	assert.Equal(t, []listener.State{listener.InProgress, listener.Completed}, moves.states())
	assert.Equal(t, 0, f1.Len())
	assert.Equal(t, root, inner.Parent())
	assert.Equal(t, inner, root.Get("/inner.txt"))

	require.NoError(t, inner.Rename(ctx, "renamed.txt"))
	assert.Equal(t, "/renamed.txt", inner.Path())
	assert.Equal(t, inner, root.Get("/renamed.txt"))
	assert.Nil(t, root.Get("/inner.txt"))

	exists, err := inner.Exists(ctx)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, inner.Delete(ctx))
	assert.False(t, provider.Exists("/renamed.txt"))
	assert.Nil(t, root.Get("/renamed.txt"))

	exists, err = inner.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCopyOverwrite(t *testing.T) {
	provider, root := newTree(t, sched.NewSerial())
	provider.AddFolder("/dst")
	provider.AddFile("/a.txt", "new")
	provider.AddFile("/dst/a.txt", "old")
	ctx := context.Background()
	require.NoError(t, root.BuildTree(ctx, 1))

	dst := root.Get("/dst").(*Folder)
	_, err := root.Get("/a.txt").Copy(ctx, dst, true)
	require.NoError(t, err)
	assert.Equal(t, "new", provider.Contents("/dst/a.txt"))
	assert.Equal(t, 1, dst.Len())
}

func TestFolderRenameReloadsChildren(t *testing.T) {
	provider, root := newTree(t, sched.NewSerial())
	scenarioA(provider)
	ctx := context.Background()
	require.NoError(t, root.BuildTree(ctx, 1))

	f1 := root.Get("/F1").(*Folder)
	require.NoError(t, f1.Rename(ctx, "G1"))
	assert.Equal(t, f1, root.Get("/G1"))
	assert.Equal(t, []string{"/G1/inner.txt"}, ids(f1))

	err := f1.Move(ctx, f1, false)
	assert.True(t, errors.IsKind(err, errors.Operation))
}

func TestOperationFailureIsTyped(t *testing.T) {
	provider, root := newTree(t, sched.NewSerial())
	provider.AddFile("/a.txt", "a")
	ctx := context.Background()
	require.NoError(t, root.BuildTree(ctx, 0))

	a := root.Get("/a.txt")
	provider.Remove("/a.txt")

	deletes := &eventLog{}
	a.Listeners().Subscribe(listener.Delete, deletes)
	err := a.Delete(ctx)
	assert.True(t, errors.IsKind(err, errors.Operation))
	assert.Equal(t, []listener.State{listener.InProgress, listener.Failed}, deletes.states())

	err = a.RefreshFromSource(ctx)
	assert.True(t, errors.IsKind(err, errors.Operation))
}

func TestRefreshFromMemory(t *testing.T) {
	provider, root := newTree(t, sched.NewSerial())
	scenarioA(provider)
	require.NoError(t, root.BuildTree(context.Background(), 1))

	root.RefreshFromMemory()
	assert.Equal(t, int64(len("root file")+len("inner")), root.Size())
	assert.Equal(t, int64(len("inner")), root.Get("/F1").Size())
}

func TestMirrorLinkIsWeak(t *testing.T) {
	local := NewFactory(storagetest.New(afero.NewMemMapFs()), Local, nil)
	remote := NewFactory(storagetest.New(afero.NewMemMapFs()), Remote, nil)

	l := local.NewFile(storage.Entry{ID: "l", Name: "a"})
	r := remote.NewFile(storage.Entry{ID: "r", Name: "a"})
	Link(l, r)
	assert.Equal(t, r, l.Mirror())
	assert.Equal(t, l, r.Mirror())

	Link(l, remote.NewFolder(storage.Entry{ID: "d", IsFolder: true}))
	assert.Equal(t, r, l.Mirror(), "different kinds are not linked")

	func() {
		gone := remote.NewFile(storage.Entry{ID: "gone"})
		Link(l, gone)
	}()
	runtime.GC()
	runtime.GC()
	assert.Nil(t, l.Mirror())
	runtime.KeepAlive(r)
}

func TestNavigateAndPrint(t *testing.T) {
	provider, root := newTree(t, sched.NewSerial())
	scenarioA(provider)
	require.NoError(t, root.BuildTree(context.Background(), 1))

	f1, err := Navigate(root, "/F1")
	require.NoError(t, err)
	assert.Equal(t, "/F1", f1.Path())

	back, err := Navigate(f1, "..")
	require.NoError(t, err)
	assert.Equal(t, root, back)

	_, err = Navigate(root, "/file.txt")
	assert.Error(t, err)

	inner, err := NavigateFile(root, "/F1/inner.txt")
	require.NoError(t, err)
	assert.Equal(t, "/F1/inner.txt", inner.ID())

	_, err = NavigateFile(f1, "missing.txt")
	assert.Error(t, err)

	var buf bytes.Buffer
	Print(&buf, root)
	assert.Equal(t, "//\n  F1/\n    inner.txt  5 B\n  F2/\n  file.txt  9 B\n", buf.String())
}
