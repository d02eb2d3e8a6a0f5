// Package auth supplies credentials to an orchestrator. An Authoriser hands
// back a token source that is already known to work; refreshing an expired
// token afterwards is the token source's business.
package auth

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"rpucella.net/vhd-sync/internal/errors"
)

// Read-write access to Cloud Storage.
const StorageScope = "https://www.googleapis.com/auth/devstorage.read_write"

var fs = afero.NewOsFs()

// Authoriser acquires credentials. Authorise may be called again after a
// failure.
type Authoriser interface {
	Authorise(ctx context.Context) (oauth2.TokenSource, error)
}

// Func adapts a function to an Authoriser.
type Func func(ctx context.Context) (oauth2.TokenSource, error)

func (f Func) Authorise(ctx context.Context) (oauth2.TokenSource, error) {
	return f(ctx)
}

// None is for stores that carry their own credentials, such as the local
// filesystem or an S3 endpoint configured with static keys. It returns a
// nil token source.
func None() Authoriser {
	return Func(func(ctx context.Context) (oauth2.TokenSource, error) {
		return nil, nil
	})
}

// Static always hands out the same access token.
func Static(token string) Authoriser {
	return Func(func(ctx context.Context) (oauth2.TokenSource, error) {
		if token == "" {
			return nil, errors.AuthorisationError("static", errors.New("empty access token"))
		}
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}), nil
	})
}

// GoogleDefault uses the application default credentials.
func GoogleDefault(scopes ...string) Authoriser {
	return Func(func(ctx context.Context) (oauth2.TokenSource, error) {
		ts, err := google.DefaultTokenSource(ctx, scopes...)
		if err != nil {
			return nil, errors.AuthorisationError("default credentials", err)
		}
		return check(ts, "default credentials")
	})
}

// ServiceAccount reads a service account JSON key file.
func ServiceAccount(keyFile string, scopes ...string) Authoriser {
	return Func(func(ctx context.Context) (oauth2.TokenSource, error) {
		key, err := afero.ReadFile(fs, keyFile)
		if err != nil {
			return nil, errors.AuthorisationError("service account", errors.WithContext(err, "read key file"))
		}
		conf, err := google.JWTConfigFromJSON(key, scopes...)
		if err != nil {
			return nil, errors.AuthorisationError("service account", err)
		}
		return check(conf.TokenSource(ctx), "service account")
	})
}

// check fetches a first token so that a bad credential fails here rather
// than on the first provider call.
func check(ts oauth2.TokenSource, op string) (oauth2.TokenSource, error) {
	ts = oauth2.ReuseTokenSource(nil, ts)
	if _, err := ts.Token(); err != nil {
		return nil, errors.AuthorisationError(op, err)
	}
	return ts, nil
}

// Retry calls a up to attempts times, waiting backoff after the first
// failure and doubling the wait after each further one.
func Retry(a Authoriser, attempts int, backoff time.Duration) Authoriser {
	return Func(func(ctx context.Context) (oauth2.TokenSource, error) {
		var err error
		wait := backoff
		for i := 0; i < attempts; i++ {
			var ts oauth2.TokenSource
			if ts, err = a.Authorise(ctx); err == nil {
				return ts, nil
			}
			if i == attempts-1 {
				break
			}
			log.WithError(err).WithField("attempt", i+1).Debug("Authorisation failed, retrying")
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, errors.AuthorisationError("retry", ctx.Err())
			}
			wait *= 2
		}
		return nil, err
	})
}
