package csp

import (
	"context"

	"rpucella.net/vhd-sync/internal/errors"
	"rpucella.net/vhd-sync/internal/transfer"
	"rpucella.net/vhd-sync/internal/virtualfs"
)

// makeRoom makes room for name in dest. A child of that name is deleted when
// overwrite is set; otherwise a Creation error wrapping errors.ErrConflict
// is returned.
func makeRoom(ctx context.Context, op string, dest *virtualfs.Folder, name string, overwrite bool) error {
	existing := dest.SearchByName(name, false, false)
	if len(existing) == 0 {
		return nil
	}
	target := dest.Factory().Join(dest.Path(), name)
	if !overwrite {
		return errors.CreationError(op, target, errors.ErrConflict)
	}
	for _, c := range existing {
		if err := c.Delete(ctx); err != nil {
			return err
		}
	}
	return nil
}

// DownloadFile queues the download of the remote file into the local folder
// dest and returns the job without waiting for it.
func (o *Orchestrator) DownloadFile(ctx context.Context, file *virtualfs.File, dest *virtualfs.Folder, overwrite bool) (*transfer.Job, error) {
	if err := expectSide("download", file, virtualfs.Remote); err != nil {
		return nil, err
	}
	if err := expectSide("download", dest, virtualfs.Local); err != nil {
		return nil, err
	}
	if err := makeRoom(ctx, "download", dest, file.Name(), overwrite); err != nil {
		return nil, err
	}

	local := o.local.Unbound(file.Name(), o.local.Join(dest.Path(), file.Name()))
	j := transfer.NewDownload(file, dest, local, overwrite)
	o.downloads.Submit(j)
	o.log.WithField("path", file.Path()).WithField("job", j.ID).Info("Download queued")
	return j, nil
}

// UploadFile queues the upload of the local file into the remote folder
// dest and returns the job without waiting for it.
func (o *Orchestrator) UploadFile(ctx context.Context, file *virtualfs.File, dest *virtualfs.Folder, overwrite bool) (*transfer.Job, error) {
	if err := expectSide("upload", file, virtualfs.Local); err != nil {
		return nil, err
	}
	if err := expectSide("upload", dest, virtualfs.Remote); err != nil {
		return nil, err
	}
	if err := makeRoom(ctx, "upload", dest, file.Name(), overwrite); err != nil {
		return nil, err
	}

	j := transfer.NewUpload(file, dest, overwrite)
	o.uploads.Submit(j)
	o.log.WithField("path", file.Path()).WithField("job", j.ID).Info("Upload queued")
	return j, nil
}

// mirrorFolder returns the folder called name in dest, creating it if dest
// has none. A file of that name is a conflict.
func mirrorFolder(ctx context.Context, dest *virtualfs.Folder, name string) (*virtualfs.Folder, error) {
	for _, c := range dest.SearchByName(name, false, false) {
		if folder, ok := c.(*virtualfs.Folder); ok {
			if err := folder.BuildTree(ctx, 0); err != nil {
				return nil, err
			}
			return folder, nil
		}
	}
	return dest.CreateFolder(ctx, name)
}

type fileTransfer func(ctx context.Context, file *virtualfs.File, dest *virtualfs.Folder, overwrite bool) (*transfer.Job, error)

// transferFolder mirrors source into dest: it ensures a linked folder of
// the same name in dest, queues one job per file and recurses into
// sub-folders. The jobs queued so far are returned along with any error.
func transferFolder(ctx context.Context, source, dest *virtualfs.Folder, overwrite bool, each fileTransfer) ([]*transfer.Job, error) {
	if err := source.BuildTree(ctx, 0); err != nil {
		return nil, err
	}
	mirror, err := mirrorFolder(ctx, dest, source.Name())
	if err != nil {
		return nil, err
	}
	virtualfs.Link(source, mirror)

	var jobs []*transfer.Job
	for _, file := range source.Files() {
		j, err := each(ctx, file, mirror, overwrite)
		if err != nil {
			return jobs, err
		}
		jobs = append(jobs, j)
	}
	for _, sub := range source.Folders() {
		more, err := transferFolder(ctx, sub, mirror, overwrite, each)
		jobs = append(jobs, more...)
		if err != nil {
			return jobs, err
		}
	}
	return jobs, nil
}

// DownloadFolder mirrors the remote folder into the local folder dest. It
// returns every job it queued, without waiting for any of them.
func (o *Orchestrator) DownloadFolder(ctx context.Context, folder, dest *virtualfs.Folder, overwrite bool) ([]*transfer.Job, error) {
	if err := expectSide("download", folder, virtualfs.Remote); err != nil {
		return nil, err
	}
	if err := expectSide("download", dest, virtualfs.Local); err != nil {
		return nil, err
	}
	return transferFolder(ctx, folder, dest, overwrite, o.DownloadFile)
}

// UploadFolder mirrors the local folder into the remote folder dest.
func (o *Orchestrator) UploadFolder(ctx context.Context, folder, dest *virtualfs.Folder, overwrite bool) ([]*transfer.Job, error) {
	if err := expectSide("upload", folder, virtualfs.Local); err != nil {
		return nil, err
	}
	if err := expectSide("upload", dest, virtualfs.Remote); err != nil {
		return nil, err
	}
	return transferFolder(ctx, folder, dest, overwrite, o.UploadFile)
}

// CurrentDownload returns the running download, or nil.
func (o *Orchestrator) CurrentDownload() *transfer.Job {
	return o.downloads.Current()
}

// CurrentUpload returns the running upload, or nil.
func (o *Orchestrator) CurrentUpload() *transfer.Job {
	return o.uploads.Current()
}

// PendingDownloads returns the downloads waiting to run.
func (o *Orchestrator) PendingDownloads() []*transfer.Job {
	return o.downloads.Pending()
}

// PendingUploads returns the uploads waiting to run.
func (o *Orchestrator) PendingUploads() []*transfer.Job {
	return o.uploads.Pending()
}

// CancelDownload cancels the running download. The next queued download
// starts once it has stopped.
func (o *Orchestrator) CancelDownload() error {
	return o.downloads.Cancel()
}

// CancelUpload cancels the running upload.
func (o *Orchestrator) CancelUpload() error {
	return o.uploads.Cancel()
}

// CancelJob cancels j whether it is running or still queued.
func (o *Orchestrator) CancelJob(j *transfer.Job) error {
	if j.Direction == transfer.Download {
		return o.downloads.CancelJob(j)
	}
	return o.uploads.CancelJob(j)
}

// Wait blocks until both queues are empty or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	if err := o.downloads.Wait(ctx); err != nil {
		return err
	}
	return o.uploads.Wait(ctx)
}
