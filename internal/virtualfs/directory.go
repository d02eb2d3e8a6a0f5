package virtualfs

import (
	"context"
	"sort"
	"strings"
	"weak"

	"rpucella.net/vhd-sync/internal/errors"
	"rpucella.net/vhd-sync/internal/listener"
)

// Folder is an inner node. Children are keyed by their exact id.
type Folder struct {
	node
	folders map[string]*Folder
	files   map[string]*File
	mirror  weak.Pointer[Folder]
}

func (d *Folder) IsFolder() bool {
	return true
}

func (d *Folder) Mirror() Container {
	if m := d.MirrorFolder(); m != nil {
		return m
	}
	return nil
}

// MirrorFolder returns the linked folder on the other side, if it is still
// alive.
func (d *Folder) MirrorFolder() *Folder {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.mirror.Value()
}

func (d *Folder) setMirror(m *Folder) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.mirror = weak.Make(m)
}

// Folders returns the sub-folders, sorted by name.
func (d *Folder) Folders() []*Folder {
	d.lock.Lock()
	result := make([]*Folder, 0, len(d.folders))
	for _, sub := range d.folders {
		result = append(result, sub)
	}
	d.lock.Unlock()

	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}

// Files returns the files held directly by the folder, sorted by name.
func (d *Folder) Files() []*File {
	d.lock.Lock()
	result := make([]*File, 0, len(d.files))
	for _, f := range d.files {
		result = append(result, f)
	}
	d.lock.Unlock()

	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}

// Children returns sub-folders first, then files.
func (d *Folder) Children() []Container {
	var result []Container
	for _, sub := range d.Folders() {
		result = append(result, sub)
	}
	for _, f := range d.Files() {
		result = append(result, f)
	}
	return result
}

// Len returns the number of direct children.
func (d *Folder) Len() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return len(d.folders) + len(d.files)
}

// Add inserts c under its id and makes d its parent. A different child
// already held under the same id is removed first, the way Remove does.
func (d *Folder) Add(c Container) {
	id := c.GenerateID()

	d.lock.Lock()
	old := d.lookupLocked(id)
	d.lock.Unlock()
	if old != nil && old != c {
		d.Remove(old)
	}

	d.lock.Lock()
	switch c := c.(type) {
	case *Folder:
		d.folders[id] = c
	case *File:
		d.files[id] = c
	}
	d.lock.Unlock()

	c.base().setParent(d)
	d.notifyChild(listener.Add, c)
}

// notifyChild reports a change of d's child map. The subject is the child.
func (d *Folder) notifyChild(op listener.Operation, c Container) {
	d.listeners.Notify(listener.Event{
		Subject:   c,
		Operation: op,
		State:     listener.Completed,
		Progress:  1,
	})
}

// detach drops c from the child maps if it is held there, and clears its
// parent. It reports whether c was found.
func (d *Folder) detach(c Container) bool {
	d.lock.Lock()
	found := false
	for key, sub := range d.folders {
		if Container(sub) == c {
			delete(d.folders, key)
			found = true
		}
	}
	for key, f := range d.files {
		if Container(f) == c {
			delete(d.files, key)
			found = true
		}
	}
	d.lock.Unlock()

	if found {
		c.base().setParent(nil)
		d.notifyChild(listener.Remove, c)
	}
	return found
}

// Remove drops c from the folder. The orphaned container gets a REMOVE event
// and then loses all of its listeners. Removing a container that is not held
// here does nothing.
func (d *Folder) Remove(c Container) {
	if c == nil || !d.detach(c) {
		return
	}
	c.base().notify(listener.Remove, listener.Completed, nil)
	c.Listeners().Clear()
}

// RemoveByID removes the child with the given id from either map. An absent
// id is not an error.
func (d *Folder) RemoveByID(id string) {
	d.lock.Lock()
	c := d.lookupLocked(id)
	d.lock.Unlock()

	if c != nil {
		d.Remove(c)
	}
}

// Get returns the direct child with the given id, or nil.
func (d *Folder) Get(id string) Container {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.lookupLocked(id)
}

func (d *Folder) lookupLocked(id string) Container {
	if sub, ok := d.folders[id]; ok {
		return sub
	}
	if f, ok := d.files[id]; ok {
		return f
	}
	for key, sub := range d.folders {
		if strings.EqualFold(key, id) {
			return sub
		}
	}
	for key, f := range d.files {
		if strings.EqualFold(key, id) {
			return f
		}
	}
	return nil
}

// SearchByID looks for id among the direct children, then, if recursive,
// depth-first in each sub-folder. It returns nil when nothing matches.
func (d *Folder) SearchByID(id string, recursive bool) Container {
	if c := d.Get(id); c != nil {
		return c
	}
	if !recursive {
		return nil
	}
	for _, sub := range d.Folders() {
		if c := sub.SearchByID(id, true); c != nil {
			return c
		}
	}
	return nil
}

// SearchByName returns every child whose name matches, ignoring case. With
// partial, a match is any name containing name; otherwise names must be
// equal. Direct matches come first, followed by each sub-folder's matches
// when recursive. The result is never nil.
func (d *Folder) SearchByName(name string, partial, recursive bool) []Container {
	needle := strings.ToLower(name)
	matches := func(candidate string) bool {
		candidate = strings.ToLower(candidate)
		if partial {
			return strings.Contains(candidate, needle)
		}
		return candidate == needle
	}

	result := []Container{}
	for _, c := range d.Children() {
		if matches(c.Name()) {
			result = append(result, c)
		}
	}
	if recursive {
		for _, sub := range d.Folders() {
			result = append(result, sub.SearchByName(name, partial, true)...)
		}
	}
	return result
}

// RemoveObsolete drops every child whose id is not in fresh, the id list
// just returned by the store. Ids compare ignoring case.
//
// With filter, fresh is also trimmed, in place, of every id the folder
// already holds, and the trimmed slice is returned: what is left are the ids
// that still need a container. Without filter, fresh is returned unchanged.
func (d *Folder) RemoveObsolete(fresh []string, filter bool) []string {
	wanted := make(map[string]struct{}, len(fresh))
	for _, id := range fresh {
		wanted[strings.ToLower(id)] = struct{}{}
	}

	var obsolete []Container
	held := map[string]struct{}{}
	for _, c := range d.Children() {
		id := strings.ToLower(c.ID())
		if _, ok := wanted[id]; ok {
			held[id] = struct{}{}
		} else {
			obsolete = append(obsolete, c)
		}
	}
	for _, c := range obsolete {
		d.Remove(c)
	}

	if !filter {
		return fresh
	}
	kept := fresh[:0]
	for _, id := range fresh {
		if _, ok := held[strings.ToLower(id)]; !ok {
			kept = append(kept, id)
		}
	}
	return kept
}

// CreateFolder creates a sub-folder in the store and adds it to the tree.
// It fails with a Creation error wrapping errors.ErrConflict if a child of
// that name already exists.
func (d *Folder) CreateFolder(ctx context.Context, name string) (*Folder, error) {
	d.notify(listener.Create, listener.InProgress, nil)

	if len(d.SearchByName(name, false, false)) > 0 {
		err := errors.CreationError("create folder", d.factory.join(d.Path(), name), errors.ErrConflict)
		d.notify(listener.Create, listener.Failed, err)
		return nil, err
	}

	entry, err := d.factory.store.CreateFolder(ctx, d.Handle(), name)
	if err != nil {
		err = errors.CreationError("create folder", d.factory.join(d.Path(), name), err)
		d.notify(listener.Create, listener.Failed, err)
		return nil, err
	}

	sub := d.factory.NewFolder(entry)
	d.Add(sub)
	d.notify(listener.Create, listener.Completed, nil)
	return sub, nil
}

// RefreshFromMemory recomputes the path from the parent's path, then the
// paths of every descendant, and the folder size as the sum of the sizes
// held in memory.
func (d *Folder) RefreshFromMemory() {
	if parent := d.Parent(); parent != nil {
		path := d.factory.join(parent.Path(), d.Name())
		d.lock.Lock()
		d.path = path
		d.lock.Unlock()
	}

	var size int64
	for _, c := range d.Children() {
		c.RefreshFromMemory()
		size += c.Size()
	}

	d.lock.Lock()
	defer d.lock.Unlock()
	d.size = size
}
