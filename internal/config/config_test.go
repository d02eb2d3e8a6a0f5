package config

import (
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mockHome(t *testing.T) {
	fs = afero.NewMemMapFs()
	expand := homedirExpand
	homedirExpand = func(path string) (string, error) {
		return strings.Replace(path, "~", "/home/user", 1), nil
	}
	t.Cleanup(func() {
		fs = afero.NewOsFs()
		homedirExpand = expand
	})
}

func TestParseDefaults(t *testing.T) {
	mockHome(t)

	cfg, err := Parse()
	require.NoError(t, err)
	assert.Equal(t, Config{
		LogLevel:        "info",
		TreeConcurrency: 2,
		Catalog:         "/home/user/.vhd/catalog.db",
		DownloadDir:     "/home/user/Downloads",
	}, cfg)

	info, err := fs.Stat("/home/user/.vhd")
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestParseFile(t *testing.T) {
	mockHome(t)
	require.NoError(t, afero.WriteFile(fs, "/home/user/.vhd/config.yml", []byte(`
logLevel: debug
treeConcurrency: 8
catalog: ~/data/accounts.db
metricsAddr: ":9102"
`), 0600))

	cfg, err := Parse()
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.TreeConcurrency)
	assert.Equal(t, "/home/user/data/accounts.db", cfg.Catalog)
	assert.Equal(t, "/home/user/Downloads", cfg.DownloadDir)
	assert.Equal(t, ":9102", cfg.MetricsAddr)

	level, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, log.DebugLevel, level)
}

func TestParseBadFile(t *testing.T) {
	mockHome(t)
	require.NoError(t, afero.WriteFile(fs, "/home/user/.vhd/config.yml", []byte("treeConcurrency: [1"), 0600))

	_, err := Parse()
	assert.Error(t, err)
}

func TestConfigFolderIsFile(t *testing.T) {
	mockHome(t)
	require.NoError(t, afero.WriteFile(fs, "/home/user/.vhd", []byte{}, 0600))

	_, err := ConfigFolder()
	assert.Error(t, err)
}

func TestWriteThenParse(t *testing.T) {
	mockHome(t)
	cfg, err := Default()
	require.NoError(t, err)
	cfg.TreeConcurrency = 4
	cfg.LogLevel = "warn"

	require.NoError(t, Write(cfg))
	parsed, err := Parse()
	require.NoError(t, err)
	assert.Equal(t, cfg, parsed)
}

func TestBadLevel(t *testing.T) {
	_, err := Config{LogLevel: "loud"}.Level()
	assert.Error(t, err)
}
