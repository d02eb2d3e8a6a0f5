// Package transfer holds transfer jobs and the single-flight queues that run
// them, one queue per direction.
package transfer

import (
	"context"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"rpucella.net/vhd-sync/internal/errors"
	"rpucella.net/vhd-sync/internal/listener"
	"rpucella.net/vhd-sync/internal/metrics"
	"rpucella.net/vhd-sync/internal/storage"
	"rpucella.net/vhd-sync/internal/virtualfs"
)

// Direction of a transfer, seen from the local side.
type Direction int

const (
	Download Direction = iota
	Upload
)

func (d Direction) String() string {
	if d == Download {
		return "download"
	}
	return "upload"
}

func (d Direction) operation() listener.Operation {
	if d == Download {
		return listener.Download
	}
	return listener.Upload
}

// Job is one file transfer. Its state moves from INITIALISED to IN_PROGRESS
// and ends in COMPLETED, FAILED or CANCELLED. Terminal states are final: once
// one is reached, further hook calls are ignored and the listeners are
// dropped.
type Job struct {
	ID        uuid.UUID
	Direction Direction
	Overwrite bool
	// TransferID is the handle the provider knows the transfer by.
	TransferID string

	lock      sync.Mutex
	local     *virtualfs.File
	remote    *virtualfs.File
	dest      *virtualfs.Folder
	state     listener.State
	progress  float64
	err       error
	bytes     int64
	listeners listener.Registry
	queue     *Queue
	// stop aborts the provider call of a running job.
	stop context.CancelFunc
	// claimed is set once Success has taken the job; other endings are
	// refused from then on.
	claimed bool
}

func newJob(direction Direction, local, remote *virtualfs.File, dest *virtualfs.Folder, overwrite bool) *Job {
	id := uuid.New()
	return &Job{
		ID:         id,
		Direction:  direction,
		Overwrite:  overwrite,
		TransferID: id.String(),
		local:      local,
		remote:     remote,
		dest:       dest,
		state:      listener.Initialised,
	}
}

// NewDownload describes copying the remote file source into the local
// folder dest. local is the not yet existing file the download produces.
func NewDownload(source *virtualfs.File, dest *virtualfs.Folder, local *virtualfs.File, overwrite bool) *Job {
	return newJob(Download, local, source, dest, overwrite)
}

// NewUpload describes copying local into the remote folder dest.
func NewUpload(local *virtualfs.File, dest *virtualfs.Folder, overwrite bool) *Job {
	return newJob(Upload, local, nil, dest, overwrite)
}

// LocalFile is the local side of the transfer.
func (j *Job) LocalFile() *virtualfs.File {
	j.lock.Lock()
	defer j.lock.Unlock()
	return j.local
}

// RemoteFile is the source of a download, or the file an upload created
// once it completed.
func (j *Job) RemoteFile() *virtualfs.File {
	j.lock.Lock()
	defer j.lock.Unlock()
	return j.remote
}

// Destination is the folder the transferred file lands in.
func (j *Job) Destination() *virtualfs.Folder {
	return j.dest
}

func (j *Job) State() listener.State {
	j.lock.Lock()
	defer j.lock.Unlock()
	return j.state
}

func (j *Job) Progress() float64 {
	j.lock.Lock()
	defer j.lock.Unlock()
	return j.progress
}

// Err is the failure cause of a FAILED job.
func (j *Job) Err() error {
	j.lock.Lock()
	defer j.lock.Unlock()
	return j.err
}

func (j *Job) Listeners() *listener.Registry {
	return &j.listeners
}

func (j *Job) attach(q *Queue) {
	j.lock.Lock()
	defer j.lock.Unlock()
	j.queue = q
}

func (j *Job) notify(state listener.State, progress float64, err error) {
	j.listeners.Notify(listener.Event{
		Subject:   j,
		Operation: j.Direction.operation(),
		State:     state,
		Progress:  progress,
		Err:       err,
	})
}

// start moves an INITIALISED job to IN_PROGRESS and returns the context its
// transfer runs with. It fails if the job ended before it got to run.
func (j *Job) start(ctx context.Context) (context.Context, bool) {
	j.lock.Lock()
	if j.state != listener.Initialised {
		j.lock.Unlock()
		return nil, false
	}
	ctx, j.stop = context.WithCancel(ctx)
	j.state = listener.InProgress
	j.lock.Unlock()

	j.notify(listener.InProgress, 0, nil)
	return ctx, true
}

// ReportProgress records the completed fraction of the transfer. It is
// ignored unless the job is running.
func (j *Job) ReportProgress(p float64) {
	j.lock.Lock()
	if j.state != listener.InProgress {
		j.lock.Unlock()
		return
	}
	j.progress = p
	j.lock.Unlock()

	j.notify(listener.InProgress, p, nil)
}

// finish moves the job to a terminal state, tells the listeners, drops them
// and takes the job off its queue. Only the first call has any effect, and
// once Success has claimed the job only its own call (owner) does.
func (j *Job) finish(state listener.State, err error, owner bool) bool {
	j.lock.Lock()
	if j.state.Terminal() || (j.claimed && !owner) {
		j.lock.Unlock()
		return false
	}
	j.state = state
	j.err = err
	if state == listener.Completed {
		j.progress = 1
	}
	progress := j.progress
	stop := j.stop
	queue := j.queue
	bytes := j.bytes
	j.lock.Unlock()

	if stop != nil {
		stop()
	}
	j.notify(state, progress, err)
	j.listeners.Clear()

	metrics.RecordTransfer(j.Direction.String(), state.String(), bytes)
	entry := log.WithField("job", j.ID).WithField("direction", j.Direction)
	if err != nil {
		entry.WithError(err).Warn("Transfer failed")
	} else {
		entry.Debugf("Transfer %s", state)
	}

	if queue != nil {
		queue.dequeue(j)
	}
	return true
}

// claim reserves the COMPLETED ending for Success. It fails unless the job
// is running and nobody claimed it yet.
func (j *Job) claim() bool {
	j.lock.Lock()
	defer j.lock.Unlock()
	if j.state != listener.InProgress || j.claimed {
		return false
	}
	j.claimed = true
	return true
}

// Success completes the job with the entry the provider returned. A download
// is bound to the file it produced, linked to its source and added to the
// local destination; an upload becomes a new remote file, linked to the
// local one and added to the remote destination. The job is claimed before
// the tree is touched, so a concurrent cancel or failure is refused.
func (j *Job) Success(ctx context.Context, entry storage.Entry) {
	if !j.claim() {
		return
	}

	switch j.Direction {
	case Download:
		local, err := j.dest.Factory().Store().Stat(ctx, entry.Path)
		if err != nil {
			j.finish(listener.Failed, errors.TransferError("download", entry.Path, err), true)
			return
		}
		j.local.Bind(local)
		virtualfs.Link(j.local, j.remote)
		j.dest.Add(j.local)
	case Upload:
		remote := j.dest.Factory().NewFile(entry)
		virtualfs.Link(j.local, remote)
		j.dest.Add(remote)
		j.lock.Lock()
		j.remote = remote
		j.lock.Unlock()
	}

	j.lock.Lock()
	j.bytes = entry.Size
	j.lock.Unlock()
	j.finish(listener.Completed, nil, true)
}

// Failure ends the job as FAILED. Jobs are never retried; resubmit instead.
func (j *Job) Failure(err error) {
	j.finish(listener.Failed, err, false)
}

// Cancel cancels the job. A submitted job is cancelled through its queue, so
// a running transfer is stopped at the provider first. It returns
// errors.ErrJobFinished when the job already ended.
func (j *Job) Cancel() error {
	j.lock.Lock()
	q := j.queue
	j.lock.Unlock()
	if q != nil {
		return q.CancelJob(j)
	}
	return j.cancel()
}

func (j *Job) cancel() error {
	if !j.finish(listener.Cancelled, nil, false) {
		return errors.ErrJobFinished
	}
	return nil
}

// run performs the transfer through provider. It returns once the provider
// call has, even when the job was cancelled or failed meanwhile.
func (j *Job) run(ctx context.Context, provider storage.Provider) {
	ctx, ok := j.start(ctx)
	if !ok {
		return
	}

	sink := func(done, total int64) {
		if total > 0 {
			j.ReportProgress(float64(done) / float64(total))
		}
	}

	var entry storage.Entry
	var err error
	switch j.Direction {
	case Download:
		entry, err = provider.StartDownload(ctx, j.TransferID, j.remote.Handle(), j.local.Path(), sink)
	case Upload:
		entry, err = provider.StartUpload(ctx, j.TransferID, j.local.Path(), j.dest.Handle(), j.local.Name(), sink)
	}
	if err != nil {
		j.Failure(errors.TransferError(j.Direction.String(), j.local.Path(), err))
		return
	}
	j.Success(ctx, entry)
}
