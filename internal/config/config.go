// Package config reads the user configuration kept in ~/.vhd.
package config

import (
	"os"
	"path/filepath"

	homedir "github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"rpucella.net/vhd-sync/internal/errors"
	"rpucella.net/vhd-sync/internal/sched"
)

const (
	// CONFIG_FOLDER holds the configuration and the account catalog.
	CONFIG_FOLDER = "~/.vhd"
	CONFIG_FILE   = "config.yml"
	CATALOG_FILE  = "catalog.db"
)

var fs = afero.NewOsFs()

// homedirExpand is swapped in tests.
var homedirExpand = homedir.Expand

// Config is the content of config.yml.
type Config struct {
	LogLevel string `yaml:"logLevel"`
	// TreeConcurrency bounds concurrent folder listings during tree builds.
	TreeConcurrency int `yaml:"treeConcurrency"`
	// Catalog is the path of the account database.
	Catalog string `yaml:"catalog"`
	// DownloadDir is the local folder used when an account has none.
	DownloadDir string `yaml:"downloadDir"`
	// MetricsAddr enables the Prometheus endpoint when set, e.g. ":9102".
	MetricsAddr string `yaml:"metricsAddr"`
}

// Default returns the configuration used when there is no file.
func Default() (Config, error) {
	folder, err := homedirExpand(CONFIG_FOLDER)
	if err != nil {
		return Config{}, errors.WithContext(err, "expand config folder")
	}
	downloads, err := homedirExpand("~/Downloads")
	if err != nil {
		return Config{}, errors.WithContext(err, "expand download folder")
	}
	return Config{
		LogLevel:        "info",
		TreeConcurrency: sched.DefaultListingLimit,
		Catalog:         filepath.Join(folder, CATALOG_FILE),
		DownloadDir:     downloads,
	}, nil
}

// ConfigFolder returns the configuration folder, creating it if needed.
func ConfigFolder() (string, error) {
	folder, err := homedirExpand(CONFIG_FOLDER)
	if err != nil {
		return "", errors.WithContext(err, "expand config folder")
	}
	info, err := fs.Stat(folder)
	if os.IsNotExist(err) {
		if err := fs.MkdirAll(folder, 0700); err != nil {
			return "", errors.WithContext(err, "create config folder")
		}
		return folder, nil
	} else if err != nil {
		return "", errors.WithContext(err, "stat config folder")
	} else if !info.IsDir() {
		return "", errors.New("config folder " + folder + " is not a directory")
	}
	return folder, nil
}

// ConfigFile returns the path of name inside the configuration folder.
func ConfigFile(name string) (string, error) {
	folder, err := ConfigFolder()
	if err != nil {
		return "", err
	}
	return filepath.Join(folder, name), nil
}

// Parse reads config.yml. Fields missing from the file, or the whole file,
// take their default value.
func Parse() (Config, error) {
	cfg, err := Default()
	if err != nil {
		return Config{}, err
	}

	path, err := ConfigFile(CONFIG_FILE)
	if err != nil {
		return Config{}, err
	}
	data, err := afero.ReadFile(fs, path)
	if os.IsNotExist(err) {
		return cfg, nil
	} else if err != nil {
		return Config{}, errors.WithContext(err, "read config")
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.WithContext(err, "parse config")
	}
	if cfg.TreeConcurrency <= 0 {
		cfg.TreeConcurrency = sched.DefaultListingLimit
	}
	if cfg.Catalog, err = homedirExpand(cfg.Catalog); err != nil {
		return Config{}, errors.WithContext(err, "expand catalog path")
	}
	if cfg.DownloadDir, err = homedirExpand(cfg.DownloadDir); err != nil {
		return Config{}, errors.WithContext(err, "expand download folder")
	}
	return cfg, nil
}

// Write stores cfg in config.yml.
func Write(cfg Config) error {
	path, err := ConfigFile(CONFIG_FILE)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.WithContext(err, "marshal config")
	}
	if err := afero.WriteFile(fs, path, data, 0600); err != nil {
		return errors.WithContext(err, "write config")
	}
	return nil
}

// Level parses LogLevel.
func (c Config) Level() (log.Level, error) {
	if c.LogLevel == "" {
		return log.InfoLevel, nil
	}
	return log.ParseLevel(c.LogLevel)
}
