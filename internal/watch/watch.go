// Package watch keeps a local tree in step with the filesystem. A change
// inside a folder reloads that folder's listing, one level deep.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"rpucella.net/vhd-sync/internal/errors"
	"rpucella.net/vhd-sync/internal/virtualfs"
)

// DefaultDebounce groups bursts of events, such as an editor saving a file.
const DefaultDebounce = 250 * time.Millisecond

var fs = afero.NewOsFs()

// Watcher reloads folders of a local tree when the filesystem changes.
type Watcher struct {
	root     *virtualfs.Folder
	watcher  *fsnotify.Watcher
	debounce time.Duration

	// OnRefresh, when set, is called after each folder reload.
	OnRefresh func(folder *virtualfs.Folder, err error)
}

// New watches root and every folder below it on disk.
func New(root *virtualfs.Folder, debounce time.Duration) (*Watcher, error) {
	if root.Side() != virtualfs.Local {
		return nil, errors.OperationError("watch", root.Path(), fmt.Errorf("only local trees can be watched"))
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	paths, err := getPathsToWatch(root.Path())
	if err != nil {
		return nil, errors.WithContext(err, "get paths")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.WithContext(err, "create watcher")
	}
	for _, path := range paths {
		if err := watcher.Add(path); err != nil {
			if err := watcher.Close(); err != nil {
				log.WithError(err).Warn("Failed to close file watcher")
			}
			return nil, errors.WithContext(err, fmt.Sprintf("watch %q", path))
		}
	}

	return &Watcher{root: root, watcher: watcher, debounce: debounce}, nil
}

// Run reloads changed folders until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	batches := batch(ctx, w.watcher.Events, w.debounce, w.track)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("File watcher error")
		case dirs, ok := <-batches:
			if !ok {
				return nil
			}
			for _, dir := range dirs {
				w.refresh(ctx, dir)
			}
		}
	}
}

// track adds newly created directories to the watch list, since fsnotify
// does not watch recursively.
func (w *Watcher) track(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) {
		return
	}
	if info, err := fs.Stat(ev.Name); err == nil && info.IsDir() {
		if err := w.watcher.Add(ev.Name); err != nil {
			log.WithError(err).WithField("path", ev.Name).Warn("Failed to watch new folder")
		}
	}
}

func (w *Watcher) refresh(ctx context.Context, dir string) {
	folder := folderFor(w.root, dir)
	if folder == nil {
		return
	}
	err := folder.BuildTree(ctx, 0)
	if err != nil {
		log.WithError(err).WithField("path", folder.Path()).Warn("Failed to reload folder")
	} else {
		log.WithField("path", folder.Path()).Debug("Folder reloaded")
	}
	if w.OnRefresh != nil {
		w.OnRefresh(folder, err)
	}
}

// batch collects the parent folders of incoming events and emits them once
// no event has arrived for debounce. Each folder appears once per batch.
func batch(ctx context.Context, events <-chan fsnotify.Event, debounce time.Duration, each func(fsnotify.Event)) <-chan []string {
	out := make(chan []string)
	go func() {
		defer close(out)

		var pending []string
		seen := map[string]struct{}{}
		timer := time.NewTimer(debounce)
		timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if each != nil {
					each(ev)
				}
				dir := filepath.Dir(ev.Name)
				if _, ok := seen[dir]; !ok {
					seen[dir] = struct{}{}
					pending = append(pending, dir)
				}
				timer.Reset(debounce)
			case <-timer.C:
				select {
				case out <- pending:
				case <-ctx.Done():
					return
				}
				pending = nil
				seen = map[string]struct{}{}
			}
		}
	}()
	return out
}

// folderFor returns the folder of the tree holding dir, or its closest
// loaded ancestor. Directories outside the tree give nil.
func folderFor(root *virtualfs.Folder, dir string) *virtualfs.Folder {
	for {
		rel, err := filepath.Rel(root.Path(), dir)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil
		}
		if rel == "." {
			return root
		}
		if folder, err := virtualfs.Navigate(root, filepath.ToSlash(rel)); err == nil {
			return folder
		}
		dir = filepath.Dir(dir)
	}
}

func getPathsToWatch(root string) (paths []string, err error) {
	err = afero.Walk(fs, root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return errors.WithContext(err, "walk error")
		}
		if fi.IsDir() {
			paths = append(paths, path)
		}
		return nil
	})
	return paths, err
}
