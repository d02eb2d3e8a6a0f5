package virtualfs

import (
	"fmt"
	"io"
	"weak"

	"github.com/dustin/go-humanize"

	"rpucella.net/vhd-sync/internal/storage"
)

// File is a leaf of the tree.
type File struct {
	node
	mediaType string
	mirror    weak.Pointer[File]
}

func (f *File) IsFolder() bool {
	return false
}

func (f *File) MediaType() string {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.mediaType
}

func (f *File) Mirror() Container {
	if m := f.MirrorFile(); m != nil {
		return m
	}
	return nil
}

// MirrorFile returns the linked file on the other side, if it is still
// alive.
func (f *File) MirrorFile() *File {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.mirror.Value()
}

func (f *File) setMirror(m *File) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.mirror = weak.Make(m)
}

// Bind attaches the file to the store object described by e, such as the
// file a download produced.
func (f *File) Bind(e storage.Entry) {
	f.rekey(func() { f.update(e) })
	if e.MediaType != "" {
		f.lock.Lock()
		f.mediaType = e.MediaType
		f.lock.Unlock()
	}
}

// RefreshFromMemory recomputes the path from the parent's path.
func (f *File) RefreshFromMemory() {
	parent := f.Parent()
	if parent == nil {
		return
	}
	path := f.factory.join(parent.Path(), f.Name())

	f.lock.Lock()
	defer f.lock.Unlock()
	f.path = path
}

// Describe writes a short description of the file, one field per line.
func (f *File) Describe(w io.Writer) {
	fmt.Fprintf(w, "Name:        %s\n", f.Name())
	fmt.Fprintf(w, "Path:        %s\n", f.Path())
	fmt.Fprintf(w, "ID:          %s\n", f.ID())
	fmt.Fprintf(w, "Size:        %s\n", humanize.Bytes(uint64(f.Size())))
	fmt.Fprintf(w, "Type:        %s\n", f.MediaType())
	if !f.Modified().IsZero() {
		fmt.Fprintf(w, "Modified:    %s\n", humanize.Time(f.Modified()))
	}
	if m := f.MirrorFile(); m != nil {
		fmt.Fprintf(w, "Mirror:      %s\n", m.Path())
	}
}
