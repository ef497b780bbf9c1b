package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/mirrorbox/mirrorbox/internal/utils"
)

var (
	home, _           = os.UserHomeDir()
	DefaultConfigPath = filepath.Join(home, ".mirrorbox", "config.json")
	DefaultDataDir    = filepath.Join(home, "MirrorBox")
)

const (
	DefaultParallelism = 6
)

type Config struct {
	// DataDir is the root of the synced tree.
	DataDir string `json:"data_dir"`

	// RemoteURL is the base URL of the remote file store API.
	RemoteURL string `json:"remote_url"`

	// AccessToken is the bearer token used by the remote client.
	AccessToken string `json:"access_token"`

	// Parallelism bounds the apply worker pool.
	Parallelism int `json:"parallelism,omitempty"`

	// ExcludedPaths holds selective-sync excluded remote roots.
	ExcludedPaths []string `json:"excluded_paths,omitempty"`

	// MignorePath points to the user's ignore pattern file. Defaults to
	// <DataDir>/.mignore when empty.
	MignorePath string `json:"mignore_path,omitempty"`

	Path string `json:"-"`
}

func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}

	resolved, err := utils.ResolvePath(c.DataDir)
	if err != nil {
		return fmt.Errorf("data_dir: %w", err)
	}
	c.DataDir = resolved

	if c.RemoteURL == "" {
		return errors.New("remote_url is required")
	}
	if _, err := url.Parse(c.RemoteURL); err != nil {
		return fmt.Errorf("remote_url: %w", err)
	}

	if c.Parallelism <= 0 {
		c.Parallelism = DefaultParallelism
	}

	if c.MignorePath == "" {
		c.MignorePath = filepath.Join(c.DataDir, ".mignore")
	}

	return nil
}

func (c *Config) Save(path string) error {
	if err := utils.EnsureParent(path); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.Path = path
	return &cfg, nil
}
