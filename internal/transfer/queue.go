package transfer

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"rpucella.net/vhd-sync/internal/errors"
	"rpucella.net/vhd-sync/internal/metrics"
	"rpucella.net/vhd-sync/internal/storage"
)

// Queue runs the jobs of one direction in submission order, one at a time.
// The active job runs on its own goroutine; Submit never blocks on it.
//
// When the active job ends, whether it completed, failed or was cancelled,
// the next queued job is started. The slot is only given up once the
// provider call of the active job has returned.
type Queue struct {
	direction Direction
	provider  storage.Provider
	ctx       context.Context
	log       log.FieldLogger

	lock    sync.Mutex
	pending []*Job
	current *Job
	waiters []chan struct{}
}

// NewQueue returns an empty queue. Jobs run with ctx, so cancelling it
// aborts whatever is in flight.
func NewQueue(ctx context.Context, direction Direction, provider storage.Provider) *Queue {
	return &Queue{
		direction: direction,
		provider:  provider,
		ctx:       ctx,
		log:       log.WithField("queue", direction.String()),
	}
}

// Submit appends j to the queue and starts it if nothing else is running.
func (q *Queue) Submit(j *Job) {
	j.attach(q)

	q.lock.Lock()
	q.pending = append(q.pending, j)
	metrics.SetQueueLength(q.direction.String(), len(q.pending))
	q.lock.Unlock()

	q.log.WithField("job", j.ID).Debug("Job queued")
	q.schedule()
}

// schedule starts the oldest job that has not ended yet, unless a job is
// already active.
func (q *Queue) schedule() {
	q.lock.Lock()
	if q.current != nil {
		q.lock.Unlock()
		return
	}
	var next *Job
	for next == nil && len(q.pending) > 0 {
		j := q.pending[0]
		q.pending = q.pending[1:]
		if !j.State().Terminal() {
			next = j
		}
	}
	metrics.SetQueueLength(q.direction.String(), len(q.pending))
	if next == nil {
		q.wakeLocked()
		q.lock.Unlock()
		return
	}
	q.current = next
	q.lock.Unlock()

	q.log.WithField("job", next.ID).Debug("Job started")
	go q.execute(next)
}

// execute runs j and hands the slot to the next job.
func (q *Queue) execute(j *Job) {
	j.run(q.ctx, q.provider)

	q.lock.Lock()
	if q.current == j {
		q.current = nil
	}
	q.lock.Unlock()
	q.schedule()
}

// dequeue drops j from the pending jobs. Every job submitted here calls it
// when it ends.
func (q *Queue) dequeue(j *Job) {
	q.lock.Lock()
	defer q.lock.Unlock()
	for i, queued := range q.pending {
		if queued == j {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			metrics.SetQueueLength(q.direction.String(), len(q.pending))
			break
		}
	}
	if q.current == nil && len(q.pending) == 0 {
		q.wakeLocked()
	}
}

func (q *Queue) wakeLocked() {
	for _, w := range q.waiters {
		close(w)
	}
	q.waiters = nil
}

// Current returns the active job, or nil. A job that was just cancelled
// stays active until its provider call returns.
func (q *Queue) Current() *Job {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.current
}

// Pending returns the queued jobs, oldest first, not counting the active
// one.
func (q *Queue) Pending() []*Job {
	q.lock.Lock()
	defer q.lock.Unlock()
	return append([]*Job(nil), q.pending...)
}

// Cancel cancels the active job. The provider is asked to stop the transfer
// first; if it cannot, the error is returned and the job keeps running.
func (q *Queue) Cancel() error {
	j := q.Current()
	if j == nil {
		return errors.ErrJobFinished
	}
	return q.CancelJob(j)
}

// CancelJob cancels j, which may be active or still queued. Cancelling the
// active job also aborts the context its transfer runs with, which covers a
// transfer the provider has not registered yet.
func (q *Queue) CancelJob(j *Job) error {
	q.lock.Lock()
	active := q.current == j
	q.lock.Unlock()

	if active && !j.State().Terminal() {
		if err := q.provider.Cancel(j.TransferID); err != nil {
			return errors.TransferError("cancel", j.LocalFile().Path(), err)
		}
	}
	return j.cancel()
}

// Wait blocks until no job is active or queued, or ctx is done.
func (q *Queue) Wait(ctx context.Context) error {
	q.lock.Lock()
	if q.current == nil && len(q.pending) == 0 {
		q.lock.Unlock()
		return nil
	}
	w := make(chan struct{})
	q.waiters = append(q.waiters, w)
	q.lock.Unlock()

	select {
	case <-w:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
