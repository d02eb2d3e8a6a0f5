// Package virtualfs is the in-memory model of a storage tree. A Folder owns
// its children; each child keeps a plain back-reference to its parent. Every
// node is bound to a Factory, which carries the store used to list and mutate
// it, so the tree engine never needs to know which provider it is talking to.
package virtualfs

import (
	"context"
	"strings"
	"sync"
	"time"

	"rpucella.net/vhd-sync/internal/listener"
	"rpucella.net/vhd-sync/internal/storage"
)

// Side tells whether a tree mirrors the local filesystem or a remote store.
type Side int

const (
	Local Side = iota
	Remote
)

func (s Side) String() string {
	if s == Local {
		return "local"
	}
	return "remote"
}

// Container is a node of the tree: a *File or a *Folder.
type Container interface {
	ID() string
	Name() string
	Path() string
	Size() int64
	Modified() time.Time
	Handle() storage.Handle
	Parent() *Folder
	IsFolder() bool
	Side() Side
	Listeners() *listener.Registry
	Equal(other Container) bool
	// Mirror returns the container on the other side linked to this one, or
	// nil.
	Mirror() Container

	// GenerateID assigns an id derived from the path if none is set yet and
	// returns the id.
	GenerateID() string
	// Exists asks the store whether the container is still there.
	Exists(ctx context.Context) (bool, error)
	// RefreshFromMemory recomputes derived fields (path, folder size) from
	// the in-memory tree.
	RefreshFromMemory()
	// RefreshFromSource reloads the container's metadata from the store.
	RefreshFromSource(ctx context.Context) error
	Copy(ctx context.Context, dest *Folder, overwrite bool) (Container, error)
	Move(ctx context.Context, dest *Folder, overwrite bool) error
	Rename(ctx context.Context, name string) error
	Delete(ctx context.Context) error

	base() *node
}

// node holds what files and folders have in common. The lock guards every
// field, including a folder's child maps.
type node struct {
	lock      sync.Mutex
	self      Container
	factory   *Factory
	id        string
	name      string
	path      string
	size      int64
	modified  time.Time
	handle    storage.Handle
	parent    *Folder
	listeners listener.Registry
}

func (n *node) base() *node {
	return n
}

func (n *node) ID() string {
	n.lock.Lock()
	defer n.lock.Unlock()
	return n.id
}

func (n *node) Name() string {
	n.lock.Lock()
	defer n.lock.Unlock()
	return n.name
}

func (n *node) Path() string {
	n.lock.Lock()
	defer n.lock.Unlock()
	return n.path
}

func (n *node) Size() int64 {
	n.lock.Lock()
	defer n.lock.Unlock()
	return n.size
}

func (n *node) Modified() time.Time {
	n.lock.Lock()
	defer n.lock.Unlock()
	return n.modified
}

func (n *node) Handle() storage.Handle {
	n.lock.Lock()
	defer n.lock.Unlock()
	return n.handle
}

func (n *node) Parent() *Folder {
	n.lock.Lock()
	defer n.lock.Unlock()
	return n.parent
}

func (n *node) setParent(f *Folder) {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.parent = f
}

func (n *node) Side() Side {
	return n.factory.side
}

// Factory returns the factory the container was built by.
func (n *node) Factory() *Factory {
	return n.factory
}

func (n *node) Listeners() *listener.Registry {
	return &n.listeners
}

// Equal compares ids, ignoring case.
func (n *node) Equal(other Container) bool {
	if other == nil {
		return false
	}
	return strings.EqualFold(n.ID(), other.ID())
}

func (n *node) GenerateID() string {
	n.lock.Lock()
	defer n.lock.Unlock()
	if n.id == "" {
		n.id = n.path
	}
	return n.id
}

// update overwrites the metadata with a fresh entry from the store.
func (n *node) update(e storage.Entry) {
	n.lock.Lock()
	defer n.lock.Unlock()
	if e.ID != "" {
		n.id = e.ID
	}
	n.name = e.Name
	n.path = e.Path
	if !e.IsFolder {
		n.size = e.Size
	}
	n.modified = e.Modified
	n.handle = e.Handle
}

func (n *node) notify(op listener.Operation, state listener.State, err error) {
	progress := 0.0
	if state == listener.Completed {
		progress = 1
	}
	n.listeners.Notify(listener.Event{
		Subject:   n.self,
		Operation: op,
		State:     state,
		Progress:  progress,
		Err:       err,
	})
}

// Link records a and b as mirrors of each other. The links are weak: neither
// keeps the other alive. Containers of different kinds are not linked.
func Link(a, b Container) {
	switch a := a.(type) {
	case *File:
		if b, ok := b.(*File); ok {
			a.setMirror(b)
			b.setMirror(a)
		}
	case *Folder:
		if b, ok := b.(*Folder); ok {
			a.setMirror(b)
			b.setMirror(a)
		}
	}
}

func joinPath(dir, name string) string {
	if strings.HasSuffix(dir, "/") {
		return dir + name
	}
	return dir + "/" + name
}
