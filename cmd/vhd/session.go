package main

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/option"

	"rpucella.net/vhd-sync/internal/auth"
	"rpucella.net/vhd-sync/internal/catalog"
	"rpucella.net/vhd-sync/internal/csp"
	"rpucella.net/vhd-sync/internal/errors"
	"rpucella.net/vhd-sync/internal/storage"
	"rpucella.net/vhd-sync/internal/transfer"
	"rpucella.net/vhd-sync/internal/virtualfs"
)

const (
	authAttempts = 3
	authBackoff  = time.Second
)

// session is an orchestrator for the selected account.
type session struct {
	account catalog.Account
	orch    *csp.Orchestrator
}

func (g *globals) catalog() (catalog.Catalog, error) {
	return catalog.Open(g.cfg.Catalog)
}

// selectAccount returns the account named by --account, or the only
// configured account.
func (g *globals) selectAccount() (catalog.Account, error) {
	cat, err := g.catalog()
	if err != nil {
		return catalog.Account{}, err
	}
	if g.account != "" {
		return cat.Account(g.account)
	}
	accounts, err := cat.Accounts()
	if err != nil {
		return catalog.Account{}, err
	}
	switch len(accounts) {
	case 0:
		return catalog.Account{}, fmt.Errorf("no account configured, see `vhd account add`")
	case 1:
		return accounts[0], nil
	default:
		return catalog.Account{}, fmt.Errorf("several accounts configured, pick one with --account")
	}
}

func authoriser(a catalog.Account) auth.Authoriser {
	if a.Type != catalog.TypeGCS {
		return auth.None()
	}
	if a.KeyFile != "" {
		return auth.Retry(auth.ServiceAccount(a.KeyFile, auth.StorageScope), authAttempts, authBackoff)
	}
	return auth.Retry(auth.GoogleDefault(auth.StorageScope), authAttempts, authBackoff)
}

func connect(a catalog.Account) func(ctx context.Context, ts oauth2.TokenSource) (storage.Provider, error) {
	return func(ctx context.Context, ts oauth2.TokenSource) (storage.Provider, error) {
		switch a.Type {
		case catalog.TypeGCS:
			return storage.NewGoogleCloud(ctx, a.Location, option.WithTokenSource(ts))
		case catalog.TypeS3:
			return storage.NewS3(ctx, storage.S3Config{
				Endpoint: a.Endpoint,
				Bucket:   a.Location,
				Region:   a.Region,
			})
		case catalog.TypeLocal:
			return storage.NewLocalFileSystem(a.Location), nil
		}
		return nil, fmt.Errorf("unknown account type %q", a.Type)
	}
}

func (g *globals) open(ctx context.Context) (*session, error) {
	account, err := g.selectAccount()
	if err != nil {
		return nil, err
	}
	localRoot := account.LocalRoot
	if localRoot == "" {
		localRoot = g.cfg.DownloadDir
	}

	orch, err := csp.New(ctx, csp.Options{
		Connect:         connect(account),
		Local:           storage.NewLocalFileSystem(localRoot),
		Authoriser:      authoriser(account),
		TreeConcurrency: g.cfg.TreeConcurrency,
	})
	if err != nil {
		return nil, err
	}
	return &session{account: account, orch: orch}, nil
}

// resolve finds p below from, listing each folder on the way. Absolute paths
// start at the root of from's tree.
func resolve(ctx context.Context, from *virtualfs.Folder, p string) (virtualfs.Container, error) {
	var found virtualfs.Container = from
	if strings.HasPrefix(p, "/") {
		found = virtualfs.FindRoot(from)
	}
	for _, elem := range virtualfs.DecomposePath(strings.TrimPrefix(p, "/")) {
		if elem == "" {
			continue
		}
		folder, ok := found.(*virtualfs.Folder)
		if !ok {
			return nil, fmt.Errorf("not a folder: %s", found.Name())
		}
		if err := folder.BuildTree(ctx, 0); err != nil {
			return nil, err
		}
		if next, err := virtualfs.Navigate(folder, elem); err == nil {
			found = next
			continue
		}
		file, err := virtualfs.NavigateFile(folder, elem)
		if err != nil {
			return nil, err
		}
		found = file
	}
	return found, nil
}

func resolveFolder(ctx context.Context, from *virtualfs.Folder, p string) (*virtualfs.Folder, error) {
	c, err := resolve(ctx, from, p)
	if err != nil {
		return nil, err
	}
	folder, ok := c.(*virtualfs.Folder)
	if !ok {
		return nil, fmt.Errorf("not a folder: %s", p)
	}
	return folder, nil
}

// splitPath separates the folder part of p from its last element.
func splitPath(p string) (string, string) {
	dir, name := path.Split(strings.TrimSuffix(p, "/"))
	if dir == "" {
		dir = "."
	}
	return dir, name
}

// get downloads the remote container at p into the local folder dest.
func (s *session) get(ctx context.Context, from *virtualfs.Folder, p string, dest *virtualfs.Folder, overwrite bool) ([]*transfer.Job, error) {
	c, err := resolve(ctx, from, p)
	if err != nil {
		return nil, err
	}
	switch c := c.(type) {
	case *virtualfs.Folder:
		return s.orch.DownloadFolder(ctx, c, dest, overwrite)
	case *virtualfs.File:
		if err := dest.BuildTree(ctx, 0); err != nil {
			return nil, err
		}
		j, err := s.orch.DownloadFile(ctx, c, dest, overwrite)
		if err != nil {
			return nil, err
		}
		return []*transfer.Job{j}, nil
	}
	return nil, fmt.Errorf("cannot download %s", p)
}

// put uploads the local container at p into the remote folder dest.
func (s *session) put(ctx context.Context, from *virtualfs.Folder, p string, dest *virtualfs.Folder, overwrite bool) ([]*transfer.Job, error) {
	c, err := resolve(ctx, from, p)
	if err != nil {
		return nil, err
	}
	switch c := c.(type) {
	case *virtualfs.Folder:
		return s.orch.UploadFolder(ctx, c, dest, overwrite)
	case *virtualfs.File:
		if err := dest.BuildTree(ctx, 0); err != nil {
			return nil, err
		}
		j, err := s.orch.UploadFile(ctx, c, dest, overwrite)
		if err != nil {
			return nil, err
		}
		return []*transfer.Job{j}, nil
	}
	return nil, fmt.Errorf("cannot upload %s", p)
}

// summarise prints the outcome of each job.
func summarise(jobs []*transfer.Job) {
	for _, j := range jobs {
		name := j.LocalFile().Name()
		if err := j.Err(); err != nil {
			fmt.Printf("%s %s: %s (%s)\n", j.Direction, name, j.State(), err)
		} else {
			fmt.Printf("%s %s: %s\n", j.Direction, name, j.State())
		}
	}
}

// wait blocks until the queued transfers are done. Interrupting it cancels
// the running ones.
func (s *session) wait(ctx context.Context) error {
	if err := s.orch.Wait(ctx); err != nil {
		for _, cancel := range []func() error{s.orch.CancelDownload, s.orch.CancelUpload} {
			if err := cancel(); err != nil && !errors.Is(err, errors.ErrJobFinished) {
				return err
			}
		}
		return err
	}
	return nil
}
