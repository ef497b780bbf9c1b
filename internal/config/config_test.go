package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	t.Run("missing data dir", func(t *testing.T) {
		cfg := &Config{RemoteURL: "https://api.example.com"}
		assert.Error(t, cfg.Validate())
	})

	t.Run("missing remote url", func(t *testing.T) {
		cfg := &Config{DataDir: t.TempDir()}
		assert.Error(t, cfg.Validate())
	})

	t.Run("defaults applied", func(t *testing.T) {
		dir := t.TempDir()
		cfg := &Config{DataDir: dir, RemoteURL: "https://api.example.com"}
		require.NoError(t, cfg.Validate())

		assert.Equal(t, DefaultParallelism, cfg.Parallelism)
		assert.Equal(t, filepath.Join(dir, ".mignore"), cfg.MignorePath)
	})
}

func TestConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := &Config{
		DataDir:       "/tmp/mb",
		RemoteURL:     "https://api.example.com",
		AccessToken:   "tok",
		Parallelism:   4,
		ExcludedPaths: []string{"/excluded"},
	}
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.DataDir, loaded.DataDir)
	assert.Equal(t, cfg.AccessToken, loaded.AccessToken)
	assert.Equal(t, cfg.ExcludedPaths, loaded.ExcludedPaths)
	assert.Equal(t, path, loaded.Path)
}
