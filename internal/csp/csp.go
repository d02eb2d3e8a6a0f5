// Package csp holds the orchestrator for one storage account: the local and
// remote trees, a download queue, an upload queue and the last known free
// space of the remote store.
package csp

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"rpucella.net/vhd-sync/internal/auth"
	"rpucella.net/vhd-sync/internal/errors"
	"rpucella.net/vhd-sync/internal/sched"
	"rpucella.net/vhd-sync/internal/storage"
	"rpucella.net/vhd-sync/internal/transfer"
	"rpucella.net/vhd-sync/internal/virtualfs"
)

// Options configure New. Either Provider or Connect must be set.
type Options struct {
	// Provider is the remote store.
	Provider storage.Provider
	// Connect builds the remote store from the authorised credentials. It is
	// used when Provider is nil.
	Connect func(ctx context.Context, ts oauth2.TokenSource) (storage.Provider, error)
	// Local is the local side of the mirror.
	Local storage.Store
	// Authoriser defaults to auth.None.
	Authoriser auth.Authoriser
	// TreeConcurrency bounds concurrent folder listings. Zero means
	// sched.DefaultListingLimit.
	TreeConcurrency int
	// Scheduler overrides TreeConcurrency.
	Scheduler sched.Scheduler
	Logger    log.FieldLogger
}

// Orchestrator drives one account. It lives for the whole process.
type Orchestrator struct {
	provider storage.Provider
	local    *virtualfs.Factory
	remote   *virtualfs.Factory
	token    oauth2.TokenSource
	log      log.FieldLogger

	downloads *transfer.Queue
	uploads   *transfer.Queue

	lock       sync.Mutex
	localRoot  *virtualfs.Folder
	remoteRoot *virtualfs.Folder
	freeSpace  int64
}

// New authorises and builds an orchestrator. Any failure is returned as a
// Build error. Transfers run with ctx; cancelling it aborts them.
func New(ctx context.Context, opts Options) (*Orchestrator, error) {
	if opts.Local == nil {
		return nil, errors.BuildError("new", errors.New("no local store"))
	}
	if opts.Authoriser == nil {
		opts.Authoriser = auth.None()
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}

	token, err := opts.Authoriser.Authorise(ctx)
	if err != nil {
		return nil, errors.BuildError("authorise", err)
	}

	provider := opts.Provider
	if provider == nil {
		if opts.Connect == nil {
			return nil, errors.BuildError("new", errors.New("no provider"))
		}
		if provider, err = opts.Connect(ctx, token); err != nil {
			return nil, errors.BuildError("connect", err)
		}
	}

	scheduler := opts.Scheduler
	if scheduler == nil {
		limit := opts.TreeConcurrency
		if limit <= 0 {
			limit = sched.DefaultListingLimit
		}
		scheduler = sched.New(limit)
	}

	o := &Orchestrator{
		provider:  provider,
		local:     virtualfs.NewFactory(opts.Local, virtualfs.Local, scheduler),
		remote:    virtualfs.NewFactory(provider, virtualfs.Remote, scheduler),
		token:     token,
		log:       opts.Logger.WithField("provider", provider.Name()),
		downloads: transfer.NewQueue(ctx, transfer.Download, provider),
		uploads:   transfer.NewQueue(ctx, transfer.Upload, provider),
	}
	o.log.Debug("Orchestrator ready")
	return o, nil
}

// Provider returns the remote store.
func (o *Orchestrator) Provider() storage.Provider {
	return o.provider
}

// TokenSource returns the credentials obtained at construction, or nil.
func (o *Orchestrator) TokenSource() oauth2.TokenSource {
	return o.token
}

// LocalRoot returns the root of the local tree, resolving it on first use.
// Its children are not loaded; see BuildLocalTree.
func (o *Orchestrator) LocalRoot(ctx context.Context) (*virtualfs.Folder, error) {
	o.lock.Lock()
	defer o.lock.Unlock()
	if o.localRoot == nil {
		root, err := o.local.Root(ctx)
		if err != nil {
			return nil, err
		}
		o.localRoot = root
	}
	return o.localRoot, nil
}

// RemoteRoot returns the root of the remote tree, resolving it on first use.
func (o *Orchestrator) RemoteRoot(ctx context.Context) (*virtualfs.Folder, error) {
	o.lock.Lock()
	defer o.lock.Unlock()
	if o.remoteRoot == nil {
		root, err := o.remote.Root(ctx)
		if err != nil {
			return nil, err
		}
		o.remoteRoot = root
	}
	return o.remoteRoot, nil
}

// BuildLocalTree loads the local tree down to depth and returns its root.
func (o *Orchestrator) BuildLocalTree(ctx context.Context, depth int) (*virtualfs.Folder, error) {
	root, err := o.LocalRoot(ctx)
	if err != nil {
		return nil, err
	}
	return root, root.BuildTree(ctx, depth)
}

// BuildRemoteTree loads the remote tree down to depth and returns its root.
func (o *Orchestrator) BuildRemoteTree(ctx context.Context, depth int) (*virtualfs.Folder, error) {
	root, err := o.RemoteRoot(ctx)
	if err != nil {
		return nil, err
	}
	return root, root.BuildTree(ctx, depth)
}

// CreateRemoteFolder creates name inside parent on the remote side. It
// fails with a Creation error wrapping errors.ErrConflict if parent already
// holds a child of that name.
func (o *Orchestrator) CreateRemoteFolder(ctx context.Context, parent *virtualfs.Folder, name string) (*virtualfs.Folder, error) {
	if err := expectSide("create folder", parent, virtualfs.Remote); err != nil {
		return nil, err
	}
	return parent.CreateFolder(ctx, name)
}

// CalculateFreeSpace asks the provider for the free space of the remote
// store and caches the answer. A provider without a quota API yields an
// Operation error wrapping errors.ErrUnsupported.
func (o *Orchestrator) CalculateFreeSpace(ctx context.Context) (int64, error) {
	n, err := o.provider.FreeSpace(ctx)
	if err != nil {
		return 0, errors.OperationError("free space", o.provider.Name(), err)
	}

	o.lock.Lock()
	o.freeSpace = n
	o.lock.Unlock()
	return n, nil
}

// FreeSpace returns the value cached by the last CalculateFreeSpace.
func (o *Orchestrator) FreeSpace() int64 {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.freeSpace
}

func expectSide(op string, c virtualfs.Container, side virtualfs.Side) error {
	if c.Side() != side {
		return errors.OperationError(op, c.Path(), fmt.Errorf("expected a %s container", side))
	}
	return nil
}
