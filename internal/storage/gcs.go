package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"rpucella.net/vhd-sync/internal/errors"
)

const (
	// Uploads are sent in resumable chunks of this size.
	CHUNK_SIZE = 16 * 1024 * 1024
	// Bound on a single metadata call.
	CALL_TIMEOUT = 30 * time.Second
)

// GoogleCloud serves a Cloud Storage bucket. Folders are key prefixes; see
// FolderKey. Handles are object keys.
type GoogleCloud struct {
	client    *storage.Client
	bucket    string
	local     afero.Fs
	transfers Transfers
}

// NewGoogleCloud connects to bucket. Credentials come from opts, or from the
// application default credentials when none are given.
func NewGoogleCloud(ctx context.Context, bucket string, opts ...option.ClientOption) (*GoogleCloud, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.WithContext(err, "storage.NewClient")
	}
	return &GoogleCloud{
		client: client,
		bucket: bucket,
		local:  afero.NewOsFs(),
	}, nil
}

func (s *GoogleCloud) Name() string {
	return fmt.Sprintf("gcs::%s", s.bucket)
}

// Close releases the underlying client.
func (s *GoogleCloud) Close() error {
	return s.client.Close()
}

func (s *GoogleCloud) objects() *storage.BucketHandle {
	return s.client.Bucket(s.bucket)
}

func (s *GoogleCloud) key(h Handle) (string, error) {
	key, ok := h.(string)
	if !ok {
		return "", fmt.Errorf("unexpected handle %T", h)
	}
	return key, nil
}

func objectEntry(attrs *storage.ObjectAttrs) Entry {
	if attrs.Prefix != "" {
		return Entry{
			ID:       attrs.Prefix,
			Name:     KeyName(attrs.Prefix),
			Path:     KeyPath(attrs.Prefix),
			IsFolder: true,
			Handle:   attrs.Prefix,
		}
	}
	return Entry{
		ID:        attrs.Name,
		Name:      KeyName(attrs.Name),
		Path:      KeyPath(attrs.Name),
		Size:      attrs.Size,
		IsFolder:  IsFolderKey(attrs.Name),
		MediaType: attrs.ContentType,
		Modified:  attrs.Updated,
		Handle:    attrs.Name,
	}
}

func (s *GoogleCloud) Root(ctx context.Context) (Entry, error) {
	return Entry{ID: "/", Name: s.bucket, Path: "/", IsFolder: true, Handle: ""}, nil
}

func (s *GoogleCloud) Stat(ctx context.Context, path string) (Entry, error) {
	if ObjectKey(path) == "" {
		return s.Root(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, CALL_TIMEOUT)
	defer cancel()

	attrs, err := s.objects().Object(ObjectKey(path)).Attrs(ctx)
	if err == nil {
		return objectEntry(attrs), nil
	}
	if err != storage.ErrObjectNotExist {
		return Entry{}, errors.WithContext(err, fmt.Sprintf("Object(%q).Attrs", path))
	}

	// No object; it may still be a folder with or without a placeholder.
	prefix := FolderKey(path)
	it := s.objects().Objects(ctx, &storage.Query{Prefix: prefix})
	if _, err := it.Next(); err == iterator.Done {
		return Entry{}, errors.ErrNotFound
	} else if err != nil {
		return Entry{}, errors.WithContext(err, fmt.Sprintf("Bucket(%q).Objects", s.bucket))
	}
	return Entry{
		ID:       prefix,
		Name:     KeyName(prefix),
		Path:     KeyPath(prefix),
		IsFolder: true,
		Handle:   prefix,
	}, nil
}

func (s *GoogleCloud) FetchChildren(ctx context.Context, folder Handle) ([]Entry, error) {
	prefix, err := s.key(folder)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, CALL_TIMEOUT)
	defer cancel()

	var entries []Entry
	it := s.objects().Objects(ctx, &storage.Query{Prefix: prefix, Delimiter: "/"})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, errors.WithContext(err, fmt.Sprintf("Bucket(%q).Objects", s.bucket))
		}
		if attrs.Name == prefix && attrs.Prefix == "" {
			// The folder's own placeholder.
			continue
		}
		entries = append(entries, objectEntry(attrs))
	}
	return entries, nil
}

func (s *GoogleCloud) CreateFolder(ctx context.Context, parent Handle, name string) (Entry, error) {
	prefix, err := s.key(parent)
	if err != nil {
		return Entry{}, err
	}
	key := ChildKey(prefix, name, true)

	ctx, cancel := context.WithTimeout(ctx, CALL_TIMEOUT)
	defer cancel()

	if _, err := s.Stat(ctx, KeyPath(key)); err == nil {
		return Entry{}, errors.ErrConflict
	}

	wc := s.objects().Object(key).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	if err := wc.Close(); err != nil {
		return Entry{}, errors.WithContext(err, fmt.Sprintf("create placeholder %q", key))
	}
	return objectEntry(wc.Attrs()), nil
}

// each calls fn with every object key under prefix.
func (s *GoogleCloud) each(ctx context.Context, prefix string, fn func(key string) error) error {
	it := s.objects().Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return errors.WithContext(err, fmt.Sprintf("Bucket(%q).Objects", s.bucket))
		}
		if err := fn(attrs.Name); err != nil {
			return err
		}
	}
}

func (s *GoogleCloud) Delete(ctx context.Context, h Handle) error {
	key, err := s.key(h)
	if err != nil {
		return err
	}

	remove := func(key string) error {
		err := s.objects().Object(key).Delete(ctx)
		if err != nil && err != storage.ErrObjectNotExist {
			return errors.WithContext(err, fmt.Sprintf("Object(%q).Delete", key))
		}
		return nil
	}
	if !IsFolderKey(key) {
		return remove(key)
	}
	if key == "" {
		return fmt.Errorf("refusing to delete the bucket root")
	}
	return s.each(ctx, key, remove)
}

func (s *GoogleCloud) copyObject(ctx context.Context, src, dst string) error {
	from := s.objects().Object(src)
	if _, err := s.objects().Object(dst).CopierFrom(from).Run(ctx); err != nil {
		return errors.WithContext(err, fmt.Sprintf("copy %q to %q", src, dst))
	}
	return nil
}

func (s *GoogleCloud) Copy(ctx context.Context, h Handle, destParent Handle, name string) (Entry, error) {
	src, err := s.key(h)
	if err != nil {
		return Entry{}, err
	}
	prefix, err := s.key(destParent)
	if err != nil {
		return Entry{}, err
	}

	folder := IsFolderKey(src)
	dst := ChildKey(prefix, name, folder)
	if !folder {
		if err := s.copyObject(ctx, src, dst); err != nil {
			return Entry{}, err
		}
		return s.Stat(ctx, KeyPath(dst))
	}

	err = s.each(ctx, src, func(key string) error {
		return s.copyObject(ctx, key, dst+key[len(src):])
	})
	if err != nil {
		return Entry{}, err
	}
	return s.Stat(ctx, KeyPath(dst))
}

// Cloud Storage has no rename: a move is a copy followed by a delete.
func (s *GoogleCloud) Move(ctx context.Context, h Handle, destParent Handle, name string) (Entry, error) {
	entry, err := s.Copy(ctx, h, destParent, name)
	if err != nil {
		return Entry{}, err
	}
	if err := s.Delete(ctx, h); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

func (s *GoogleCloud) Rename(ctx context.Context, h Handle, name string) (Entry, error) {
	key, err := s.key(h)
	if err != nil {
		return Entry{}, err
	}
	return s.Move(ctx, h, FolderKey(parentPath(KeyPath(key))), name)
}

func (s *GoogleCloud) StartDownload(ctx context.Context, transferID string, h Handle, destPath string, sink ProgressSink) (Entry, error) {
	key, err := s.key(h)
	if err != nil {
		return Entry{}, err
	}

	ctx, done := s.transfers.Track(ctx, transferID)
	defer done()

	log.WithField("object", key).Debug("Starting download")
	rc, err := s.objects().Object(key).NewReader(ctx)
	if err != nil {
		return Entry{}, errors.WithContext(err, fmt.Sprintf("Object(%q).NewReader", key))
	}
	defer rc.Close()

	f, err := s.local.Create(destPath)
	if err != nil {
		return Entry{}, errors.WithContext(err, fmt.Sprintf("create %s", destPath))
	}

	pw := &progressWriter{sink: sink, total: rc.Attrs.Size}
	_, err = io.Copy(io.MultiWriter(f, pw), rc)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		s.local.Remove(destPath)
		return Entry{}, errors.WithContext(err, fmt.Sprintf("download %q", key))
	}

	info, err := s.local.Stat(destPath)
	if err != nil {
		return Entry{}, errors.WithContext(err, fmt.Sprintf("stat %s", destPath))
	}
	return Entry{
		ID:       destPath,
		Name:     info.Name(),
		Path:     destPath,
		Size:     info.Size(),
		Modified: info.ModTime(),
		Handle:   destPath,
	}, nil
}

// StartUpload writes localPath to a new object and checks the CRC32C the
// service computed against the one computed while sending.
func (s *GoogleCloud) StartUpload(ctx context.Context, transferID string, localPath string, parent Handle, name string, sink ProgressSink) (Entry, error) {
	prefix, err := s.key(parent)
	if err != nil {
		return Entry{}, err
	}
	target := ChildKey(prefix, name, false)

	f, err := s.local.Open(localPath)
	if err != nil {
		return Entry{}, errors.WithContext(err, fmt.Sprintf("open %s", localPath))
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Entry{}, errors.WithContext(err, fmt.Sprintf("stat %s", localPath))
	}

	ctx, done := s.transfers.Track(ctx, transferID)
	defer done()

	log.WithField("object", target).Debug("Starting upload")
	wc := s.objects().Object(target).NewWriter(ctx)
	wc.ChunkSize = CHUNK_SIZE
	total := info.Size()
	wc.ProgressFunc = func(written int64) {
		if sink != nil {
			sink(written, total)
		}
	}

	crcw := NewCRCWriter(wc)
	if _, err := io.Copy(crcw, f); err != nil {
		return Entry{}, errors.WithContext(err, fmt.Sprintf("upload %q", target))
	}
	if err := wc.Close(); err != nil {
		return Entry{}, errors.WithContext(err, "Writer.Close")
	}

	attrs := wc.Attrs()
	log.WithField("object", target).Debugf("Checking CRC32C = %x", crcw.Sum())
	if crcw.Sum() != attrs.CRC32C {
		return Entry{}, fmt.Errorf("crc32c of uploaded object %q different from %x", target, crcw.Sum())
	}
	return objectEntry(attrs), nil
}

func (s *GoogleCloud) Cancel(transferID string) error {
	return s.transfers.Cancel(transferID)
}

// FreeSpace is unsupported: buckets have no quota.
func (s *GoogleCloud) FreeSpace(ctx context.Context) (int64, error) {
	return 0, errors.ErrUnsupported
}
