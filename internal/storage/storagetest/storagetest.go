// Package storagetest provides an in-memory Provider for tests. Objects are
// keyed by path and the handle of an object is its path. Transfers can be
// held open so tests can observe a job while it is running.
package storagetest

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"rpucella.net/vhd-sync/internal/errors"
	"rpucella.net/vhd-sync/internal/storage"
)

type object struct {
	id       string
	folder   bool
	contents []byte
}

// Provider is a scripted storage.Provider.
type Provider struct {
	// Local is the filesystem downloads write to and uploads read from.
	Local afero.Fs

	lock      sync.Mutex
	objects   map[string]*object
	listErrs  map[string]error
	listings  []string
	hold      bool
	running   map[string]chan error
	started   chan string
	free      int64
	canCancel bool
}

// New returns a provider holding only the root folder "/".
func New(local afero.Fs) *Provider {
	return &Provider{
		Local:     local,
		objects:   map[string]*object{"/": {id: "/", folder: true}},
		listErrs:  map[string]error{},
		running:   map[string]chan error{},
		started:   make(chan string, 256),
		canCancel: true,
	}
}

func (p *Provider) Name() string {
	return "fake"
}

// AddFolder creates a folder, with id equal to its path.
func (p *Provider) AddFolder(path string) {
	p.AddFolderWithID(path, path)
}

// AddFolderWithID creates a folder with a chosen id.
func (p *Provider) AddFolderWithID(path, id string) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.objects[path] = &object{id: id, folder: true}
}

// AddFile creates a file, with id equal to its path.
func (p *Provider) AddFile(path, contents string) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.objects[path] = &object{id: path, contents: []byte(contents)}
}

// Remove drops path and everything below it.
func (p *Provider) Remove(target string) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.removeLocked(target)
}

func (p *Provider) removeLocked(target string) {
	for key := range p.objects {
		if key == target || strings.HasPrefix(key, strings.TrimSuffix(target, "/")+"/") {
			delete(p.objects, key)
		}
	}
}

// Exists reports whether an object is stored at path.
func (p *Provider) Exists(path string) bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	_, ok := p.objects[path]
	return ok
}

// Contents returns the bytes of the file at path.
func (p *Provider) Contents(path string) string {
	p.lock.Lock()
	defer p.lock.Unlock()
	if obj, ok := p.objects[path]; ok {
		return string(obj.contents)
	}
	return ""
}

// FailListing makes FetchChildren of path fail with err. A nil err clears it.
func (p *Provider) FailListing(path string, err error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if err == nil {
		delete(p.listErrs, path)
		return
	}
	p.listErrs[path] = err
}

// Listings returns the folder paths listed so far, in call order.
func (p *Provider) Listings() []string {
	p.lock.Lock()
	defer p.lock.Unlock()
	return append([]string(nil), p.listings...)
}

// SetFreeSpace sets the value FreeSpace reports. A negative value makes it
// return errors.ErrUnsupported.
func (p *Provider) SetFreeSpace(n int64) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.free = n
}

// DisableCancel makes Cancel return errors.ErrUnsupported.
func (p *Provider) DisableCancel() {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.canCancel = false
}

// Hold makes every subsequent transfer block after it starts, until Finish
// or Cancel is called with its transfer id.
func (p *Provider) Hold() {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.hold = true
}

// Started delivers the id of every transfer as it starts.
func (p *Provider) Started() <-chan string {
	return p.started
}

// WaitStarted waits for the next transfer to start and returns its id.
func (p *Provider) WaitStarted(timeout time.Duration) (string, error) {
	select {
	case id := <-p.started:
		return id, nil
	case <-time.After(timeout):
		return "", fmt.Errorf("no transfer started within %s", timeout)
	}
}

// Finish ends the held transfer id with err, nil meaning success.
func (p *Provider) Finish(id string, err error) {
	p.lock.Lock()
	ch, ok := p.running[id]
	p.lock.Unlock()
	if ok {
		select {
		case ch <- err:
		default:
		}
	}
}

func (p *Provider) entry(key string, obj *object) storage.Entry {
	name := path.Base(key)
	if key == "/" {
		name = "/"
	}
	return storage.Entry{
		ID:       obj.id,
		Name:     name,
		Path:     key,
		Size:     int64(len(obj.contents)),
		IsFolder: obj.folder,
		Modified: time.Unix(0, 0),
		Handle:   key,
	}
}

func (p *Provider) lookup(h storage.Handle) (string, *object, error) {
	key, ok := h.(string)
	if !ok {
		return "", nil, fmt.Errorf("unexpected handle %T", h)
	}
	obj, ok := p.objects[key]
	if !ok {
		return "", nil, errors.ErrNotFound
	}
	return key, obj, nil
}

func (p *Provider) Root(ctx context.Context) (storage.Entry, error) {
	return p.Stat(ctx, "/")
}

func (p *Provider) Stat(ctx context.Context, key string) (storage.Entry, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	obj, ok := p.objects[key]
	if !ok {
		return storage.Entry{}, errors.ErrNotFound
	}
	return p.entry(key, obj), nil
}

func (p *Provider) FetchChildren(ctx context.Context, folder storage.Handle) ([]storage.Entry, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	key, obj, err := p.lookup(folder)
	if err != nil {
		return nil, err
	}
	p.listings = append(p.listings, key)
	if err := p.listErrs[key]; err != nil {
		return nil, err
	}
	if !obj.folder {
		return nil, fmt.Errorf("%s is not a folder", key)
	}

	var keys []string
	for child := range p.objects {
		if child != key && path.Dir(child) == key {
			keys = append(keys, child)
		}
	}
	sort.Strings(keys)

	entries := make([]storage.Entry, 0, len(keys))
	for _, child := range keys {
		entries = append(entries, p.entry(child, p.objects[child]))
	}
	return entries, nil
}

func (p *Provider) CreateFolder(ctx context.Context, parent storage.Handle, name string) (storage.Entry, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	key, _, err := p.lookup(parent)
	if err != nil {
		return storage.Entry{}, err
	}
	target := path.Join(key, name)
	if _, ok := p.objects[target]; ok {
		return storage.Entry{}, errors.ErrConflict
	}
	obj := &object{id: target, folder: true}
	p.objects[target] = obj
	return p.entry(target, obj), nil
}

func (p *Provider) Delete(ctx context.Context, h storage.Handle) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	key, _, err := p.lookup(h)
	if err != nil {
		return err
	}
	p.removeLocked(key)
	return nil
}

func (p *Provider) copyLocked(src, dst string) {
	copies := map[string]*object{}
	for key, obj := range p.objects {
		if key == src || strings.HasPrefix(key, src+"/") {
			target := dst + key[len(src):]
			copies[target] = &object{id: target, folder: obj.folder, contents: obj.contents}
		}
	}
	for key, obj := range copies {
		p.objects[key] = obj
	}
}

func (p *Provider) Copy(ctx context.Context, h storage.Handle, destParent storage.Handle, name string) (storage.Entry, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	src, _, err := p.lookup(h)
	if err != nil {
		return storage.Entry{}, err
	}
	dir, _, err := p.lookup(destParent)
	if err != nil {
		return storage.Entry{}, err
	}
	dst := path.Join(dir, name)
	p.copyLocked(src, dst)
	return p.entry(dst, p.objects[dst]), nil
}

func (p *Provider) Move(ctx context.Context, h storage.Handle, destParent storage.Handle, name string) (storage.Entry, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	src, _, err := p.lookup(h)
	if err != nil {
		return storage.Entry{}, err
	}
	dir, _, err := p.lookup(destParent)
	if err != nil {
		return storage.Entry{}, err
	}
	dst := path.Join(dir, name)
	p.copyLocked(src, dst)
	p.removeLocked(src)
	return p.entry(dst, p.objects[dst]), nil
}

func (p *Provider) Rename(ctx context.Context, h storage.Handle, name string) (storage.Entry, error) {
	key, ok := h.(string)
	if !ok {
		return storage.Entry{}, fmt.Errorf("unexpected handle %T", h)
	}
	return p.Move(ctx, h, path.Dir(key), name)
}

// await registers the transfer and, when holding, blocks until it is
// finished or cancelled.
func (p *Provider) await(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch := make(chan error, 1)
	p.lock.Lock()
	p.running[id] = ch
	hold := p.hold
	p.lock.Unlock()

	defer func() {
		p.lock.Lock()
		delete(p.running, id)
		p.lock.Unlock()
	}()

	p.started <- id
	if !hold {
		return nil
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Provider) StartDownload(ctx context.Context, transferID string, h storage.Handle, destPath string, sink storage.ProgressSink) (storage.Entry, error) {
	p.lock.Lock()
	_, obj, err := p.lookup(h)
	p.lock.Unlock()
	if err != nil {
		return storage.Entry{}, err
	}

	if err := p.await(ctx, transferID); err != nil {
		return storage.Entry{}, err
	}

	if err := afero.WriteFile(p.Local, destPath, obj.contents, 0644); err != nil {
		return storage.Entry{}, err
	}
	total := int64(len(obj.contents))
	if sink != nil {
		sink(total, total)
	}
	return storage.Entry{
		ID:     destPath,
		Name:   path.Base(destPath),
		Path:   destPath,
		Size:   total,
		Handle: destPath,
	}, nil
}

func (p *Provider) StartUpload(ctx context.Context, transferID string, localPath string, parent storage.Handle, name string, sink storage.ProgressSink) (storage.Entry, error) {
	contents, err := afero.ReadFile(p.Local, localPath)
	if err != nil {
		return storage.Entry{}, err
	}

	p.lock.Lock()
	dir, _, err := p.lookup(parent)
	p.lock.Unlock()
	if err != nil {
		return storage.Entry{}, err
	}

	if err := p.await(ctx, transferID); err != nil {
		return storage.Entry{}, err
	}

	total := int64(len(contents))
	if sink != nil {
		sink(total, total)
	}

	p.lock.Lock()
	defer p.lock.Unlock()
	target := path.Join(dir, name)
	obj := &object{id: target, contents: contents}
	p.objects[target] = obj
	return p.entry(target, obj), nil
}

func (p *Provider) Cancel(transferID string) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if !p.canCancel {
		return errors.ErrUnsupported
	}
	if ch, ok := p.running[transferID]; ok {
		select {
		case ch <- context.Canceled:
		default:
		}
	}
	return nil
}

func (p *Provider) FreeSpace(ctx context.Context) (int64, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.free < 0 {
		return 0, errors.ErrUnsupported
	}
	return p.free, nil
}
