package auth

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"rpucella.net/vhd-sync/internal/errors"
)

func TestStatic(t *testing.T) {
	ts, err := Static("secret").Authorise(context.Background())
	require.NoError(t, err)
	token, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "secret", token.AccessToken)

	_, err = Static("").Authorise(context.Background())
	assert.True(t, errors.IsKind(err, errors.Authorisation))
}

func TestNone(t *testing.T) {
	ts, err := None().Authorise(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, ts)
}

func TestRetry(t *testing.T) {
	calls := 0
	flaky := Func(func(ctx context.Context) (oauth2.TokenSource, error) {
		calls++
		if calls < 3 {
			return nil, errors.AuthorisationError("flaky", errors.New("expired"))
		}
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "ok"}), nil
	})

	ts, err := Retry(flaky, 3, time.Millisecond).Authorise(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, ts)
	assert.Equal(t, 3, calls)
}

func TestRetryGivesUp(t *testing.T) {
	calls := 0
	broken := Func(func(ctx context.Context) (oauth2.TokenSource, error) {
		calls++
		return nil, errors.AuthorisationError("broken", errors.New("denied"))
	})

	_, err := Retry(broken, 2, time.Millisecond).Authorise(context.Background())
	assert.True(t, errors.IsKind(err, errors.Authorisation))
	assert.Equal(t, 2, calls)
}

func TestRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	broken := Func(func(ctx context.Context) (oauth2.TokenSource, error) {
		return nil, errors.New("denied")
	})

	_, err := Retry(broken, 5, time.Hour).Authorise(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestServiceAccountBadKey(t *testing.T) {
	fs = afero.NewMemMapFs()
	defer func() { fs = afero.NewOsFs() }()

	_, err := ServiceAccount("/missing.json", StorageScope).Authorise(context.Background())
	assert.True(t, errors.IsKind(err, errors.Authorisation))

	require.NoError(t, afero.WriteFile(fs, "/key.json", []byte("not json"), 0600))
	_, err = ServiceAccount("/key.json", StorageScope).Authorise(context.Background())
	assert.True(t, errors.IsKind(err, errors.Authorisation))
}
