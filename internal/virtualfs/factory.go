package virtualfs

import (
	"context"
	"mime"
	"path"
	"path/filepath"

	"rpucella.net/vhd-sync/internal/errors"
	"rpucella.net/vhd-sync/internal/sched"
	"rpucella.net/vhd-sync/internal/storage"
)

const defaultMediaType = "application/octet-stream"

// Factory builds containers bound to one store.
type Factory struct {
	store     storage.Store
	side      Side
	scheduler sched.Scheduler
}

// NewFactory returns a factory for store. Tree builds are throttled by
// scheduler; a nil scheduler gets the default limit.
func NewFactory(store storage.Store, side Side, scheduler sched.Scheduler) *Factory {
	if scheduler == nil {
		scheduler = sched.New(sched.DefaultListingLimit)
	}
	return &Factory{store: store, side: side, scheduler: scheduler}
}

func (f *Factory) Store() storage.Store {
	return f.store
}

func (f *Factory) Side() Side {
	return f.side
}

// join builds a child path: local paths use the OS separator, remote paths
// always use "/".
func (f *Factory) join(dir, name string) string {
	if f.side == Local {
		return filepath.Join(dir, name)
	}
	return path.Join("/", dir, name)
}

// Join returns the path name would have inside the folder at dir.
func (f *Factory) Join(dir, name string) string {
	return f.join(dir, name)
}

func (f *Factory) newNode(n *node, self Container, e storage.Entry) {
	n.self = self
	n.factory = f
	n.id = e.ID
	n.name = e.Name
	n.path = e.Path
	n.modified = e.Modified
	n.handle = e.Handle
	if !e.IsFolder {
		n.size = e.Size
	}
}

func (f *Factory) NewFolder(e storage.Entry) *Folder {
	d := &Folder{
		folders: map[string]*Folder{},
		files:   map[string]*File{},
	}
	f.newNode(&d.node, d, e)
	d.GenerateID()
	return d
}

func (f *Factory) NewFile(e storage.Entry) *File {
	file := &File{mediaType: mediaType(e)}
	f.newNode(&file.node, file, e)
	file.GenerateID()
	return file
}

// FromEntry builds a Folder or a File, whichever e describes.
func (f *Factory) FromEntry(e storage.Entry) Container {
	if e.IsFolder {
		return f.NewFolder(e)
	}
	return f.NewFile(e)
}

// Unbound returns a file that has a path but no store object yet, such as
// the destination of a download. Its id is generated from the path.
func (f *Factory) Unbound(name, path string) *File {
	return f.NewFile(storage.Entry{Name: name, Path: path})
}

// Resolve builds the container found at path in the store. It is not
// attached to any tree.
func (f *Factory) Resolve(ctx context.Context, path string) (Container, error) {
	e, err := f.store.Stat(ctx, path)
	if err != nil {
		return nil, errors.AccessError("resolve", path, err)
	}
	return f.FromEntry(e), nil
}

// Root builds the root folder of the store, with no children loaded.
func (f *Factory) Root(ctx context.Context) (*Folder, error) {
	e, err := f.store.Root(ctx)
	if err != nil {
		return nil, errors.AccessError("root", "", err)
	}
	e.IsFolder = true
	return f.NewFolder(e), nil
}

func mediaType(e storage.Entry) string {
	if e.IsFolder {
		return ""
	}
	if e.MediaType != "" {
		return e.MediaType
	}
	if t := mime.TypeByExtension(filepath.Ext(e.Name)); t != "" {
		return t
	}
	return defaultMediaType
}
