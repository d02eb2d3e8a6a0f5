package virtualfs

import (
	"context"

	log "github.com/sirupsen/logrus"

	"rpucella.net/vhd-sync/internal/errors"
	"rpucella.net/vhd-sync/internal/listener"
)

// The operations below are shared by files and folders. Each one reports
// IN_PROGRESS, then COMPLETED or FAILED, on the container's own listeners.

func (n *node) Exists(ctx context.Context) (bool, error) {
	_, err := n.factory.store.Stat(ctx, n.Path())
	if errors.Is(err, errors.ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, errors.AccessError("exists", n.Path(), err)
	}
	return true, nil
}

func (n *node) RefreshFromSource(ctx context.Context) error {
	n.notify(listener.Refresh, listener.InProgress, nil)

	entry, err := n.factory.store.Stat(ctx, n.Path())
	if err != nil {
		err = errors.OperationError("refresh", n.Path(), err)
		n.notify(listener.Refresh, listener.Failed, err)
		return err
	}

	n.rekey(func() { n.update(entry) })
	if f, ok := n.self.(*File); ok && entry.MediaType != "" {
		f.lock.Lock()
		f.mediaType = entry.MediaType
		f.lock.Unlock()
	}
	n.notify(listener.Refresh, listener.Completed, nil)
	return nil
}

// rekey runs change, which may alter the id, and keeps the parent's child
// map keyed by the current id.
func (n *node) rekey(change func()) {
	parent := n.Parent()
	if parent == nil {
		change()
		return
	}

	parent.lock.Lock()
	defer parent.lock.Unlock()
	old := n.ID()
	change()
	id := n.ID()
	if id == old {
		return
	}
	switch c := n.self.(type) {
	case *Folder:
		delete(parent.folders, old)
		parent.folders[id] = c
	case *File:
		delete(parent.files, old)
		parent.files[id] = c
	}
}

// clearDestination makes room for name in dest. Without overwrite an
// existing child of that name is a conflict; with overwrite it is deleted.
func (n *node) clearDestination(ctx context.Context, op string, dest *Folder, name string, overwrite bool) error {
	for _, existing := range dest.SearchByName(name, false, false) {
		if existing == n.self {
			continue
		}
		if !overwrite {
			return errors.CreationError(op, n.factory.join(dest.Path(), name), errors.ErrConflict)
		}
		if err := existing.Delete(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (n *node) sameStore(op string, dest *Folder) error {
	if dest.factory.store != n.factory.store {
		return errors.OperationError(op, n.Path(),
			errors.WithContext(errors.ErrUnsupported, "destination is on another store"))
	}
	return nil
}

func (n *node) Copy(ctx context.Context, dest *Folder, overwrite bool) (Container, error) {
	n.notify(listener.Copy, listener.InProgress, nil)
	fail := func(err error) (Container, error) {
		n.notify(listener.Copy, listener.Failed, err)
		return nil, err
	}

	if err := n.sameStore("copy", dest); err != nil {
		return fail(err)
	}
	name := n.Name()
	if err := n.clearDestination(ctx, "copy", dest, name, overwrite); err != nil {
		return fail(err)
	}

	entry, err := n.factory.store.Copy(ctx, n.Handle(), dest.Handle(), name)
	if err != nil {
		return fail(errors.OperationError("copy", n.Path(), err))
	}

	c := dest.factory.FromEntry(entry)
	dest.Add(c)
	n.notify(listener.Copy, listener.Completed, nil)
	return c, nil
}

func (n *node) Move(ctx context.Context, dest *Folder, overwrite bool) error {
	n.notify(listener.Move, listener.InProgress, nil)
	fail := func(err error) error {
		n.notify(listener.Move, listener.Failed, err)
		return err
	}

	if err := n.sameStore("move", dest); err != nil {
		return fail(err)
	}
	if folder, ok := n.self.(*Folder); ok && folder.contains(dest) {
		return fail(errors.OperationError("move", n.Path(),
			errors.New("cannot move a folder into itself or a descendant")))
	}
	name := n.Name()
	if err := n.clearDestination(ctx, "move", dest, name, overwrite); err != nil {
		return fail(err)
	}

	entry, err := n.factory.store.Move(ctx, n.Handle(), dest.Handle(), name)
	if err != nil {
		return fail(errors.OperationError("move", n.Path(), err))
	}

	// The container keeps its listeners across the move.
	if parent := n.Parent(); parent != nil {
		parent.detach(n.self)
	}
	n.update(entry)
	dest.Add(n.self)
	n.reloadChildren(ctx)

	n.notify(listener.Move, listener.Completed, nil)
	return nil
}

func (n *node) Rename(ctx context.Context, name string) error {
	n.notify(listener.Rename, listener.InProgress, nil)
	fail := func(err error) error {
		n.notify(listener.Rename, listener.Failed, err)
		return err
	}

	if parent := n.Parent(); parent != nil {
		if err := n.clearDestination(ctx, "rename", parent, name, false); err != nil {
			return fail(err)
		}
	}

	entry, err := n.factory.store.Rename(ctx, n.Handle(), name)
	if err != nil {
		return fail(errors.OperationError("rename", n.Path(), err))
	}

	n.rekey(func() { n.update(entry) })
	n.reloadChildren(ctx)

	n.notify(listener.Rename, listener.Completed, nil)
	return nil
}

// reloadChildren re-lists a folder whose location changed: the handles and
// ids of the children held in memory may no longer be valid.
func (n *node) reloadChildren(ctx context.Context) {
	folder, ok := n.self.(*Folder)
	if !ok || folder.Len() == 0 {
		return
	}
	if err := folder.BuildTree(ctx, 0); err != nil {
		log.WithError(err).WithField("path", folder.Path()).Warn("Failed to reload folder")
	}
}

// Delete removes the container from the store, then from its parent.
func (n *node) Delete(ctx context.Context) error {
	n.notify(listener.Delete, listener.InProgress, nil)

	if err := n.factory.store.Delete(ctx, n.Handle()); err != nil {
		err = errors.OperationError("delete", n.Path(), err)
		n.notify(listener.Delete, listener.Failed, err)
		return err
	}

	n.notify(listener.Delete, listener.Completed, nil)
	if parent := n.Parent(); parent != nil {
		parent.Remove(n.self)
	}
	return nil
}

// contains reports whether c is d or lies below d.
func (d *Folder) contains(c *Folder) bool {
	for curr := c; curr != nil; curr = curr.Parent() {
		if curr == d {
			return true
		}
	}
	return false
}
