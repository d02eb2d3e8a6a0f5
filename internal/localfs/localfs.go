// Package localfs walks local directory trees. The copy, move, delete and
// size helpers are all visitors driven by Walk.
package localfs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"rpucella.net/vhd-sync/internal/errors"
)

// Visitor is called by Walk for every node of a tree.
type Visitor interface {
	// PreVisitDirectory runs before a directory's children are visited.
	PreVisitDirectory(path string, info os.FileInfo) error
	VisitFile(path string, info os.FileInfo) error
	// PostVisitDirectory runs once every child has been visited.
	PostVisitDirectory(path string, info os.FileInfo) error
}

// Walk visits root depth-first. Children of a directory are visited in
// lexical order.
func Walk(fs afero.Fs, root string, v Visitor) error {
	info, err := fs.Stat(root)
	if err != nil {
		return errors.WithContext(err, fmt.Sprintf("stat %s", root))
	}
	return walk(fs, root, info, v)
}

func walk(fs afero.Fs, path string, info os.FileInfo, v Visitor) error {
	if !info.IsDir() {
		return v.VisitFile(path, info)
	}

	if err := v.PreVisitDirectory(path, info); err != nil {
		return err
	}

	children, err := afero.ReadDir(fs, path)
	if err != nil {
		return errors.WithContext(err, fmt.Sprintf("read dir %s", path))
	}
	for _, child := range children {
		if err := walk(fs, filepath.Join(path, child.Name()), child, v); err != nil {
			return err
		}
	}

	return v.PostVisitDirectory(path, info)
}

type copier struct {
	fs       afero.Fs
	src, dst string
}

func (c copier) target(path string) string {
	rel, err := filepath.Rel(c.src, path)
	if err != nil || rel == "." {
		return c.dst
	}
	return filepath.Join(c.dst, rel)
}

func (c copier) PreVisitDirectory(path string, info os.FileInfo) error {
	return c.fs.MkdirAll(c.target(path), info.Mode().Perm()|0700)
}

func (c copier) VisitFile(path string, info os.FileInfo) error {
	return CopyFile(context.Background(), c.fs, path, c.target(path), nil)
}

func (copier) PostVisitDirectory(string, os.FileInfo) error {
	return nil
}

// CopyTree copies the file or directory at src to dst.
func CopyTree(fs afero.Fs, src, dst string) error {
	return Walk(fs, src, copier{fs, src, dst})
}

type deleter struct {
	fs afero.Fs
}

func (deleter) PreVisitDirectory(string, os.FileInfo) error {
	return nil
}

func (d deleter) VisitFile(path string, _ os.FileInfo) error {
	if err := d.fs.Remove(path); err != nil {
		return errors.WithContext(err, fmt.Sprintf("remove %s", path))
	}
	return nil
}

// Directories are removed on the way out, once they are empty.
func (d deleter) PostVisitDirectory(path string, _ os.FileInfo) error {
	if err := d.fs.Remove(path); err != nil {
		return errors.WithContext(err, fmt.Sprintf("remove %s", path))
	}
	return nil
}

// DeleteTree removes the file or directory at root and everything below it.
func DeleteTree(fs afero.Fs, root string) error {
	return Walk(fs, root, deleter{fs})
}

// MoveTree moves src to dst. A plain rename is tried first; when that fails
// (e.g. across devices) the tree is copied and the source deleted.
func MoveTree(fs afero.Fs, src, dst string) error {
	if err := fs.Rename(src, dst); err == nil {
		return nil
	}
	if err := CopyTree(fs, src, dst); err != nil {
		return err
	}
	return DeleteTree(fs, src)
}

type sizer struct {
	total int64
}

func (*sizer) PreVisitDirectory(string, os.FileInfo) error {
	return nil
}

func (s *sizer) VisitFile(_ string, info os.FileInfo) error {
	s.total += info.Size()
	return nil
}

func (*sizer) PostVisitDirectory(string, os.FileInfo) error {
	return nil
}

// Size returns the number of bytes held by the files below root.
func Size(fs afero.Fs, root string) (int64, error) {
	s := &sizer{}
	if err := Walk(fs, root, s); err != nil {
		return 0, err
	}
	return s.total, nil
}

// CopyFile copies a single file, reporting progress to onWrite after each
// chunk. It stops early when ctx is cancelled and removes the partial
// destination.
func CopyFile(ctx context.Context, fs afero.Fs, src, dst string, onWrite func(written, total int64)) error {
	in, err := fs.Open(src)
	if err != nil {
		return errors.WithContext(err, fmt.Sprintf("open %s", src))
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return errors.WithContext(err, fmt.Sprintf("stat %s", src))
	}

	out, err := fs.Create(dst)
	if err != nil {
		return errors.WithContext(err, fmt.Sprintf("create %s", dst))
	}

	_, err = io.Copy(out, &contextReader{ctx: ctx, r: in, total: info.Size(), onRead: onWrite})
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		fs.Remove(dst)
		return errors.WithContext(err, fmt.Sprintf("copy %s to %s", src, dst))
	}
	return nil
}

type contextReader struct {
	ctx    context.Context
	r      io.Reader
	read   int64
	total  int64
	onRead func(read, total int64)
}

func (cr *contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := cr.r.Read(p)
	cr.read += int64(n)
	if n > 0 && cr.onRead != nil {
		cr.onRead(cr.read, cr.total)
	}
	return n, err
}
