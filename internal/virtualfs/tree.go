package virtualfs

import (
	"context"
	"math"
	"strings"

	log "github.com/sirupsen/logrus"

	"rpucella.net/vhd-sync/internal/errors"
	"rpucella.net/vhd-sync/internal/metrics"
	"rpucella.net/vhd-sync/internal/storage"
)

// BuildTree loads depth levels of the tree below d from the store. Depth 0
// lists d's own children only; a negative depth does nothing.
//
// Listing a folder takes a slot from the factory's scheduler, and the slot
// is released before recursing. Sub-folders are then built concurrently and
// BuildTree returns once all of them are done. A failed listing aborts that
// folder's subtree only: siblings carry on and whatever they loaded stays in
// the tree. The first failure is returned.
func (d *Folder) BuildTree(ctx context.Context, depth int) error {
	if depth < 0 {
		return nil
	}
	scheduler := d.factory.scheduler

	if err := scheduler.Acquire(ctx); err != nil {
		return errors.OperationError("build tree", d.Path(), err)
	}
	log.WithField("path", d.Path()).Debug("Listing folder")
	entries, err := d.factory.store.FetchChildren(ctx, d.Handle())
	if err == nil {
		d.merge(entries)
	}
	scheduler.Release()

	metrics.RecordListing(err)
	if err != nil {
		return errors.OperationError("build tree", d.Path(), err)
	}

	subs := d.Folders()
	tasks := make([]func() error, len(subs))
	for i, sub := range subs {
		sub := sub
		tasks[i] = func() error {
			return sub.BuildTree(ctx, depth-1)
		}
	}
	return scheduler.FanOut(tasks...)
}

// BuildTreeRecursive builds the whole tree below d when recursive is set,
// and only d's direct children otherwise.
func (d *Folder) BuildTreeRecursive(ctx context.Context, recursive bool) error {
	if recursive {
		return d.BuildTree(ctx, math.MaxInt32)
	}
	return d.BuildTree(ctx, 0)
}

// merge reconciles the child maps with a fresh listing: children missing
// from the listing are removed, children already held get their metadata
// updated, and the rest are created and added.
func (d *Folder) merge(entries []storage.Entry) {
	ids := make([]string, 0, len(entries))
	byID := make(map[string]storage.Entry, len(entries))
	for _, e := range entries {
		if _, dup := byID[strings.ToLower(e.ID)]; dup {
			continue
		}
		ids = append(ids, e.ID)
		byID[strings.ToLower(e.ID)] = e
	}

	missing := map[string]struct{}{}
	for _, id := range d.RemoveObsolete(ids, true) {
		missing[strings.ToLower(id)] = struct{}{}
	}

	for key, e := range byID {
		if _, ok := missing[key]; ok {
			d.Add(d.factory.FromEntry(e))
			continue
		}
		if c := d.Get(e.ID); c != nil && c.IsFolder() == e.IsFolder {
			c.base().rekey(func() { c.base().update(e) })
		} else if c != nil {
			// Same id, different kind: replace it.
			d.Remove(c)
			d.Add(d.factory.FromEntry(e))
		}
	}
}
