package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/spf13/afero"

	"rpucella.net/vhd-sync/internal/errors"
	"rpucella.net/vhd-sync/internal/localfs"
)

// LocalFileSystem serves a directory tree of an afero filesystem. It backs
// the local side of every orchestrator, and also works as a provider in its
// own right (e.g. a mounted network share).
//
// Handles are absolute paths. Ids are the same paths, so they are unique
// within the tree.
type LocalFileSystem struct {
	fs        afero.Fs
	root      string
	transfers Transfers
}

// NewLocalFileSystem serves root from the operating system's filesystem.
func NewLocalFileSystem(root string) *LocalFileSystem {
	return NewLocalFileSystemFs(afero.NewOsFs(), root)
}

// NewLocalFileSystemFs serves root from fs.
func NewLocalFileSystemFs(fs afero.Fs, root string) *LocalFileSystem {
	return &LocalFileSystem{fs: fs, root: filepath.Clean(root)}
}

func (s *LocalFileSystem) Name() string {
	return fmt.Sprintf("local::%s", s.root)
}

// Fs returns the filesystem the store reads from.
func (s *LocalFileSystem) Fs() afero.Fs {
	return s.fs
}

func (s *LocalFileSystem) Root(ctx context.Context) (Entry, error) {
	return s.Stat(ctx, s.root)
}

func (s *LocalFileSystem) Stat(ctx context.Context, path string) (Entry, error) {
	path = filepath.Clean(path)
	info, err := s.fs.Stat(path)
	if os.IsNotExist(err) {
		return Entry{}, errors.ErrNotFound
	} else if err != nil {
		return Entry{}, errors.WithContext(err, fmt.Sprintf("stat %s", path))
	}
	entry := s.entry(path, info)
	if !entry.IsFolder {
		entry.MediaType = s.detect(path)
	}
	return entry, nil
}

func (s *LocalFileSystem) entry(path string, info os.FileInfo) Entry {
	entry := Entry{
		ID:       path,
		Name:     info.Name(),
		Path:     path,
		IsFolder: info.IsDir(),
		Modified: info.ModTime(),
		Handle:   path,
	}
	if !entry.IsFolder {
		entry.Size = info.Size()
	}
	if path == s.root {
		entry.Name = filepath.Base(path)
	}
	return entry
}

// detect sniffs the content type from the first bytes of the file. An empty
// string leaves the decision to the caller.
func (s *LocalFileSystem) detect(path string) string {
	f, err := s.fs.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	mtype, err := mimetype.DetectReader(f)
	if err != nil {
		return ""
	}
	return mtype.String()
}

func (s *LocalFileSystem) path(h Handle) (string, error) {
	path, ok := h.(string)
	if !ok {
		return "", fmt.Errorf("unexpected handle %T", h)
	}
	return path, nil
}

func (s *LocalFileSystem) FetchChildren(ctx context.Context, folder Handle) ([]Entry, error) {
	dir, err := s.path(folder)
	if err != nil {
		return nil, err
	}

	infos, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		return nil, errors.WithContext(err, fmt.Sprintf("read dir %s", dir))
	}

	entries := make([]Entry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, s.entry(filepath.Join(dir, info.Name()), info))
	}
	return entries, nil
}

func (s *LocalFileSystem) CreateFolder(ctx context.Context, parent Handle, name string) (Entry, error) {
	dir, err := s.path(parent)
	if err != nil {
		return Entry{}, err
	}

	target := filepath.Join(dir, name)
	if exists, _ := afero.Exists(s.fs, target); exists {
		return Entry{}, errors.ErrConflict
	}
	if err := s.fs.Mkdir(target, 0755); err != nil {
		return Entry{}, errors.WithContext(err, fmt.Sprintf("mkdir %s", target))
	}
	return s.Stat(ctx, target)
}

func (s *LocalFileSystem) Delete(ctx context.Context, h Handle) error {
	path, err := s.path(h)
	if err != nil {
		return err
	}
	return localfs.DeleteTree(s.fs, path)
}

func (s *LocalFileSystem) Move(ctx context.Context, h Handle, destParent Handle, name string) (Entry, error) {
	src, err := s.path(h)
	if err != nil {
		return Entry{}, err
	}
	dir, err := s.path(destParent)
	if err != nil {
		return Entry{}, err
	}

	dst := filepath.Join(dir, name)
	if err := localfs.MoveTree(s.fs, src, dst); err != nil {
		return Entry{}, err
	}
	return s.Stat(ctx, dst)
}

func (s *LocalFileSystem) Rename(ctx context.Context, h Handle, name string) (Entry, error) {
	src, err := s.path(h)
	if err != nil {
		return Entry{}, err
	}
	return s.Move(ctx, h, filepath.Dir(src), name)
}

func (s *LocalFileSystem) Copy(ctx context.Context, h Handle, destParent Handle, name string) (Entry, error) {
	src, err := s.path(h)
	if err != nil {
		return Entry{}, err
	}
	dir, err := s.path(destParent)
	if err != nil {
		return Entry{}, err
	}

	dst := filepath.Join(dir, name)
	if err := localfs.CopyTree(s.fs, src, dst); err != nil {
		return Entry{}, err
	}
	return s.Stat(ctx, dst)
}

// StartDownload copies the file at h to destPath on the same filesystem.
func (s *LocalFileSystem) StartDownload(ctx context.Context, transferID string, h Handle, destPath string, sink ProgressSink) (Entry, error) {
	src, err := s.path(h)
	if err != nil {
		return Entry{}, err
	}

	ctx, done := s.transfers.Track(ctx, transferID)
	defer done()

	if err := localfs.CopyFile(ctx, s.fs, src, destPath, sink); err != nil {
		return Entry{}, err
	}
	return s.Stat(ctx, destPath)
}

// StartUpload copies localPath into the folder parent.
func (s *LocalFileSystem) StartUpload(ctx context.Context, transferID string, localPath string, parent Handle, name string, sink ProgressSink) (Entry, error) {
	dir, err := s.path(parent)
	if err != nil {
		return Entry{}, err
	}

	ctx, done := s.transfers.Track(ctx, transferID)
	defer done()

	dst := filepath.Join(dir, name)
	if err := localfs.CopyFile(ctx, s.fs, localPath, dst, sink); err != nil {
		return Entry{}, err
	}
	return s.Stat(ctx, dst)
}

func (s *LocalFileSystem) Cancel(transferID string) error {
	return s.transfers.Cancel(transferID)
}

// FreeSpace reports the free bytes of the volume holding the root. Only the
// OS filesystem has a notion of free space.
func (s *LocalFileSystem) FreeSpace(ctx context.Context) (int64, error) {
	if _, ok := s.fs.(*afero.OsFs); !ok {
		return 0, errors.ErrUnsupported
	}

	usage, err := disk.UsageWithContext(ctx, s.root)
	if err != nil {
		return 0, errors.WithContext(err, fmt.Sprintf("disk usage %s", s.root))
	}
	return int64(usage.Free), nil
}
