package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"rpucella.net/vhd-sync/internal/errors"
)

// S3Config locates an S3 compatible bucket. Endpoint is optional and is set
// for MinIO and other self-hosted services.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
}

// S3 serves an S3 bucket with the same folder convention as GoogleCloud.
type S3 struct {
	client    *s3.Client
	bucket    string
	local     afero.Fs
	transfers Transfers
}

// NewS3 builds a client for cfg. Static keys are used when given, otherwise
// the default AWS credential chain applies.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.WithContext(err, "load aws config")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3{
		client: client,
		bucket: cfg.Bucket,
		local:  afero.NewOsFs(),
	}, nil
}

func (s *S3) Name() string {
	return fmt.Sprintf("s3::%s", s.bucket)
}

func (s *S3) key(h Handle) (string, error) {
	key, ok := h.(string)
	if !ok {
		return "", fmt.Errorf("unexpected handle %T", h)
	}
	return key, nil
}

func (s *S3) Root(ctx context.Context) (Entry, error) {
	return Entry{ID: "/", Name: s.bucket, Path: "/", IsFolder: true, Handle: ""}, nil
}

func prefixEntry(prefix string) Entry {
	return Entry{
		ID:       prefix,
		Name:     KeyName(prefix),
		Path:     KeyPath(prefix),
		IsFolder: true,
		Handle:   prefix,
	}
}

func s3Entry(obj types.Object) Entry {
	key := aws.ToString(obj.Key)
	return Entry{
		ID:       key,
		Name:     KeyName(key),
		Path:     KeyPath(key),
		Size:     aws.ToInt64(obj.Size),
		IsFolder: IsFolderKey(key),
		Modified: aws.ToTime(obj.LastModified),
		Handle:   key,
	}
}

func (s *S3) Stat(ctx context.Context, path string) (Entry, error) {
	key := ObjectKey(path)
	if key == "" {
		return s.Root(ctx)
	}

	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return Entry{
			ID:        key,
			Name:      KeyName(key),
			Path:      KeyPath(key),
			Size:      aws.ToInt64(head.ContentLength),
			MediaType: aws.ToString(head.ContentType),
			Modified:  aws.ToTime(head.LastModified),
			Handle:    key,
		}, nil
	}

	prefix := FolderKey(path)
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return Entry{}, errors.WithContext(err, fmt.Sprintf("list %s", prefix))
	}
	if len(out.Contents) == 0 {
		return Entry{}, errors.ErrNotFound
	}
	return prefixEntry(prefix), nil
}

func (s *S3) FetchChildren(ctx context.Context, folder Handle) ([]Entry, error) {
	prefix, err := s.key(folder)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, errors.WithContext(err, fmt.Sprintf("list %s", prefix))
		}
		for _, common := range page.CommonPrefixes {
			entries = append(entries, prefixEntry(aws.ToString(common.Prefix)))
		}
		for _, obj := range page.Contents {
			if aws.ToString(obj.Key) == prefix {
				continue
			}
			entries = append(entries, s3Entry(obj))
		}
	}
	return entries, nil
}

func (s *S3) CreateFolder(ctx context.Context, parent Handle, name string) (Entry, error) {
	prefix, err := s.key(parent)
	if err != nil {
		return Entry{}, err
	}
	key := ChildKey(prefix, name, true)

	if _, err := s.Stat(ctx, KeyPath(key)); err == nil {
		return Entry{}, errors.ErrConflict
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		ContentLength: aws.Int64(0),
	})
	if err != nil {
		return Entry{}, errors.WithContext(err, fmt.Sprintf("put object %s", key))
	}
	return prefixEntry(key), nil
}

func (s *S3) each(ctx context.Context, prefix string, fn func(key string) error) error {
	pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return errors.WithContext(err, fmt.Sprintf("list %s", prefix))
		}
		for _, obj := range page.Contents {
			if err := fn(aws.ToString(obj.Key)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *S3) deleteObject(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return errors.WithContext(err, fmt.Sprintf("delete object %s", key))
	}
	return nil
}

func (s *S3) Delete(ctx context.Context, h Handle) error {
	key, err := s.key(h)
	if err != nil {
		return err
	}
	if !IsFolderKey(key) {
		return s.deleteObject(ctx, key)
	}
	if key == "" {
		return fmt.Errorf("refusing to delete the bucket root")
	}
	return s.each(ctx, key, func(key string) error {
		return s.deleteObject(ctx, key)
	})
}

func (s *S3) copyObject(ctx context.Context, src, dst string) error {
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(dst),
		CopySource: aws.String(s.bucket + "/" + src),
	})
	if err != nil {
		return errors.WithContext(err, fmt.Sprintf("copy %s -> %s", src, dst))
	}
	return nil
}

func (s *S3) Copy(ctx context.Context, h Handle, destParent Handle, name string) (Entry, error) {
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
	return prefixEntry(dst), nil
}

func (s *S3) Move(ctx context.Context, h Handle, destParent Handle, name string) (Entry, error) {
	entry, err := s.Copy(ctx, h, destParent, name)
	if err != nil {
		return Entry{}, err
	}
	if err := s.Delete(ctx, h); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

func (s *S3) Rename(ctx context.Context, h Handle, name string) (Entry, error) {
	key, err := s.key(h)
	if err != nil {
		return Entry{}, err
	}
	return s.Move(ctx, h, FolderKey(parentPath(KeyPath(key))), name)
}

func (s *S3) StartDownload(ctx context.Context, transferID string, h Handle, destPath string, sink ProgressSink) (Entry, error) {
	key, err := s.key(h)
	if err != nil {
		return Entry{}, err
	}

	ctx, done := s.transfers.Track(ctx, transferID)
	defer done()

	log.WithField("key", key).Debug("Starting download")
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return Entry{}, errors.WithContext(err, fmt.Sprintf("get object %s", key))
	}
	defer out.Body.Close()

	f, err := s.local.Create(destPath)
	if err != nil {
		return Entry{}, errors.WithContext(err, fmt.Sprintf("create %s", destPath))
	}

	total := int64(-1)
	if out.ContentLength != nil {
		total = *out.ContentLength
	}
	_, err = io.Copy(io.MultiWriter(f, &progressWriter{sink: sink, total: total}), out.Body)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		s.local.Remove(destPath)
		return Entry{}, errors.WithContext(err, fmt.Sprintf("download %s", key))
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

type progressReader struct {
	r io.Reader
	w progressWriter
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	pr.w.Write(p[:n])
	return n, err
}

func (s *S3) StartUpload(ctx context.Context, transferID string, localPath string, parent Handle, name string, sink ProgressSink) (Entry, error) {
	prefix, err := s.key(parent)
	if err != nil {
		return Entry{}, err
	}
	key := ChildKey(prefix, name, false)

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

	log.WithField("key", key).Debug("Starting upload")
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          &progressReader{r: f, w: progressWriter{sink: sink, total: info.Size()}},
		ContentLength: aws.Int64(info.Size()),
	})
	if err != nil {
		return Entry{}, errors.WithContext(err, fmt.Sprintf("put object %s", key))
	}
	return s.Stat(ctx, KeyPath(key))
}

func (s *S3) Cancel(transferID string) error {
	return s.transfers.Cancel(transferID)
}

// FreeSpace is unsupported: buckets have no quota.
func (s *S3) FreeSpace(ctx context.Context) (int64, error) {
	return 0, errors.ErrUnsupported
}
