package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/mitchellh/go-homedir"
	"github.com/shirou/gopsutil/v3/host"
)

// Config holds the on-disk layout for everything penv manages: the cache
// of installed versions, git checkouts, configured environments, and the
// active-state file the shell hook reads.
type Config struct {
	path      string
	configDir string

	// Actual Config
	Home       string `json:"home"`
	Repository string `json:"repository"`
}

const (
	DefaultConfigPath = "~/.config/penv/config.json"
	DefaultHome       = "~/.local/share/penv"
	DefaultRepository = "penumbra-zone/penumbra"
)

func LoadConfig() (*Config, error) {
	if loc := os.Getenv("PENV_CONFIG"); loc != "" {
		return loadFile(loc)
	}

	path, err := homedir.Expand(DefaultConfigPath)
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(path); err == nil {
		return loadFile(path)
	}

	dir := filepath.Dir(path)

	err = os.MkdirAll(dir, 0755)
	if err != nil {
		return nil, err
	}

	home, err := homedir.Expand(DefaultHome)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		path:      path,
		configDir: dir,

		Home:       home,
		Repository: DefaultRepository,
	}

	return updateFromEnv(cfg)
}

func loadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	defer f.Close()

	var cfg Config

	err = json.NewDecoder(f).Decode(&cfg)
	if err != nil {
		return nil, err
	}

	cfg.path = path
	cfg.configDir = filepath.Dir(path)

	if cfg.Home == "" {
		home, err := homedir.Expand(DefaultHome)
		if err != nil {
			return nil, err
		}

		cfg.Home = home
	}

	if cfg.Repository == "" {
		cfg.Repository = DefaultRepository
	}

	return updateFromEnv(&cfg)
}

func updateFromEnv(cfg *Config) (*Config, error) {
	if path := os.Getenv("PENV_HOME"); path != "" {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return nil, err
		}

		cfg.Home = expanded
	}

	if repo := os.Getenv("PENV_REPOSITORY"); repo != "" {
		cfg.Repository = repo
	}

	return ensureDirs(cfg)
}

func ensureDirs(cfg *Config) (*Config, error) {
	dirs := []string{
		cfg.Home,
		cfg.VersionsPath(),
		cfg.StagingPath(),
		cfg.LocksPath(),
		cfg.CheckoutsPath(),
		cfg.EnvironmentsPath(),
	}

	for _, dir := range dirs {
		fi, err := os.Stat(dir)
		if err != nil {
			if os.IsNotExist(err) {
				err = os.MkdirAll(dir, 0755)
				if err != nil {
					return nil, err
				}
			}
		} else if !fi.IsDir() {
			return nil, fmt.Errorf("path is not a directory: %s", dir)
		}
	}

	return cfg, nil
}

func (c *Config) ConfigDir() string {
	return c.configDir
}

func (c *Config) VersionsPath() string {
	return filepath.Join(c.Home, "versions")
}

func (c *Config) StagingPath() string {
	return filepath.Join(c.Home, "staging")
}

func (c *Config) LocksPath() string {
	return filepath.Join(c.Home, "locks")
}

func (c *Config) CheckoutsPath() string {
	return filepath.Join(c.Home, "checkouts")
}

func (c *Config) EnvironmentsPath() string {
	return filepath.Join(c.Home, "environments")
}

// BinPath is the stable "current binaries" location the shell hook puts on
// PATH. It is a symlink that the activation controller repoints atomically.
func (c *Config) BinPath() string {
	return filepath.Join(c.Home, "bin")
}

func (c *Config) CacheIndexPath() string {
	return filepath.Join(c.Home, "cache.json")
}

func (c *Config) CheckoutIndexPath() string {
	return filepath.Join(c.Home, "checkouts.json")
}

func (c *Config) RegistryPath() string {
	return filepath.Join(c.Home, "environments.json")
}

func (c *Config) ActiveStatePath() string {
	return filepath.Join(c.Home, "active.json")
}

// PlatformTriple reports the release-asset triple for the running host,
// e.g. "x86_64-unknown-linux-gnu" or "aarch64-apple-darwin". Release
// archives are published per triple.
func PlatformTriple() (string, error) {
	arch, err := host.KernelArch()
	if err != nil {
		return "", err
	}

	switch arch {
	case "x86_64", "amd64":
		arch = "x86_64"
	case "arm64", "aarch64":
		arch = "aarch64"
	}

	switch runtime.GOOS {
	case "linux":
		return arch + "-unknown-linux-gnu", nil
	case "darwin":
		return arch + "-apple-darwin", nil
	default:
		return "", fmt.Errorf("unsupported platform: %s/%s", runtime.GOOS, arch)
	}
}
