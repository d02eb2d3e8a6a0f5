package storage

import (
	"context"
	"sync"
	"time"
)

// Handle is the provider's own representation of an object. The tree engine
// stores it and hands it back, but never looks inside.
type Handle interface{}

// Entry describes one object as reported by a provider.
type Entry struct {
	ID        string
	Name      string
	Path      string
	Size      int64
	IsFolder  bool
	MediaType string
	Modified  time.Time
	Handle    Handle
}

// ProgressSink receives byte counts during a transfer. total is -1 when the
// size is not known up front.
type ProgressSink func(transferred, total int64)

// Store is the tree-level half of the adapter contract: listing children and
// mutating objects in place.
type Store interface {
	Name() string
	// Root returns the entry for the top of the tree.
	Root(ctx context.Context) (Entry, error)
	// Stat resolves a path. It returns errors.ErrNotFound when nothing exists
	// there.
	Stat(ctx context.Context, path string) (Entry, error)
	// FetchChildren lists one level below folder.
	FetchChildren(ctx context.Context, folder Handle) ([]Entry, error)
	CreateFolder(ctx context.Context, parent Handle, name string) (Entry, error)
	Delete(ctx context.Context, h Handle) error
	Move(ctx context.Context, h Handle, destParent Handle, name string) (Entry, error)
	Rename(ctx context.Context, h Handle, name string) (Entry, error)
	Copy(ctx context.Context, h Handle, destParent Handle, name string) (Entry, error)
}

// Provider is a remote backend: a Store that can also move bytes to and from
// the local filesystem.
type Provider interface {
	Store
	// StartDownload copies the remote object h to destPath and returns the
	// entry describing the produced local file. It blocks until the transfer
	// ends. transferID is the handle later passed to Cancel.
	StartDownload(ctx context.Context, transferID string, h Handle, destPath string, sink ProgressSink) (Entry, error)
	// StartUpload copies localPath into parent under name and returns the
	// entry of the new remote object.
	StartUpload(ctx context.Context, transferID string, localPath string, parent Handle, name string, sink ProgressSink) (Entry, error)
	// Cancel stops a running transfer. Providers that cannot cancel return
	// errors.ErrUnsupported.
	Cancel(transferID string) error
	// FreeSpace returns the bytes still available on the remote.
	FreeSpace(ctx context.Context) (int64, error)
}

// Transfers tracks the cancel functions of running transfers so adapters can
// honour Cancel. The zero value is ready to use.
type Transfers struct {
	lock    sync.Mutex
	running map[string]context.CancelFunc
}

// Track derives a cancellable context for transferID. The returned done
// function must be called when the transfer ends.
func (t *Transfers) Track(ctx context.Context, transferID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)

	t.lock.Lock()
	if t.running == nil {
		t.running = map[string]context.CancelFunc{}
	}
	t.running[transferID] = cancel
	t.lock.Unlock()

	return ctx, func() {
		t.lock.Lock()
		delete(t.running, transferID)
		t.lock.Unlock()
		cancel()
	}
}

// Cancel cancels the transfer registered under transferID. Cancelling an
// unknown or finished transfer is not an error.
func (t *Transfers) Cancel(transferID string) error {
	t.lock.Lock()
	cancel, ok := t.running[transferID]
	t.lock.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// progressWriter reports bytes written through it to a ProgressSink.
type progressWriter struct {
	sink    ProgressSink
	total   int64
	written int64
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.written += int64(len(p))
	if w.sink != nil {
		w.sink(w.written, w.total)
	}
	return len(p), nil
}
