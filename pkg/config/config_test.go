package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Run("loads an explicit config file and creates the layout", func(t *testing.T) {
		dir := t.TempDir()
		home := filepath.Join(dir, "data")

		path := filepath.Join(dir, "config.json")

		data, err := json.Marshal(map[string]string{
			"home":       home,
			"repository": "example/fork",
		})
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, data, 0644))

		t.Setenv("PENV_CONFIG", path)
		t.Setenv("PENV_HOME", "")
		t.Setenv("PENV_REPOSITORY", "")

		cfg, err := LoadConfig()
		require.NoError(t, err)

		assert.Equal(t, home, cfg.Home)
		assert.Equal(t, "example/fork", cfg.Repository)

		for _, sub := range []string{
			cfg.VersionsPath(), cfg.StagingPath(), cfg.LocksPath(),
			cfg.CheckoutsPath(), cfg.EnvironmentsPath(),
		} {
			fi, err := os.Stat(sub)
			require.NoError(t, err, sub)
			assert.True(t, fi.IsDir())
		}
	})

	t.Run("environment overrides win over the file", func(t *testing.T) {
		dir := t.TempDir()

		path := filepath.Join(dir, "config.json")
		require.NoError(t, os.WriteFile(path, []byte("{}"), 0644))

		override := filepath.Join(dir, "override")

		t.Setenv("PENV_CONFIG", path)
		t.Setenv("PENV_HOME", override)
		t.Setenv("PENV_REPOSITORY", "other/repo")

		cfg, err := LoadConfig()
		require.NoError(t, err)

		assert.Equal(t, override, cfg.Home)
		assert.Equal(t, "other/repo", cfg.Repository)
	})

	t.Run("paths derive from home", func(t *testing.T) {
		cfg := &Config{Home: "/data/penv"}

		assert.Equal(t, "/data/penv/versions", cfg.VersionsPath())
		assert.Equal(t, "/data/penv/bin", cfg.BinPath())
		assert.Equal(t, "/data/penv/cache.json", cfg.CacheIndexPath())
		assert.Equal(t, "/data/penv/active.json", cfg.ActiveStatePath())
	})
}
