// Package sched provides the scheduling resource used by tree builds: a
// counting limiter that bounds concurrent provider listings, and a fan-out
// runner that joins on child tasks.
package sched

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// DefaultListingLimit is the number of folders that may be listed from a
// provider at the same time.
const DefaultListingLimit = 2

// Scheduler throttles listing calls and runs fan-out work.
type Scheduler interface {
	// Acquire blocks until a listing slot is free or ctx is done.
	Acquire(ctx context.Context) error
	// Release returns a slot taken by Acquire.
	Release()
	// FanOut runs every task and waits for all of them. It returns the first
	// error encountered; a failing task never stops the others.
	FanOut(tasks ...func() error) error
}

type pooled struct {
	sem *semaphore.Weighted
}

// New returns a Scheduler allowing up to limit concurrent listings. Fan-out
// tasks each run on their own goroutine. A non-positive limit falls back to
// DefaultListingLimit.
func New(limit int) Scheduler {
	if limit <= 0 {
		limit = DefaultListingLimit
	}
	return &pooled{sem: semaphore.NewWeighted(int64(limit))}
}

func (p *pooled) Acquire(ctx context.Context) error {
	return p.sem.Acquire(ctx, 1)
}

func (p *pooled) Release() {
	p.sem.Release(1)
}

func (p *pooled) FanOut(tasks ...func() error) error {
	// Deliberately not errgroup.WithContext: a failed subtree must not cancel
	// its siblings.
	var g errgroup.Group
	for _, task := range tasks {
		g.Go(task)
	}
	return g.Wait()
}

type serial struct{}

// NewSerial returns a Scheduler that runs fan-out tasks one after the other
// on the calling goroutine, in order. Listing slots are always available.
func NewSerial() Scheduler {
	return serial{}
}

func (serial) Acquire(ctx context.Context) error {
	return ctx.Err()
}

func (serial) Release() {}

func (serial) FanOut(tasks ...func() error) error {
	var first error
	for _, task := range tasks {
		if err := task(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
