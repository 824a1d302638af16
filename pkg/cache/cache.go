// Package cache owns the local store of installed versions: the on-disk
// version directories plus the JSON index describing them. Install is
// two-phase; a version directory only appears under versions/ once every
// binary in it has been downloaded and verified.
package cache

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"
	"lab47.dev/penv/pkg/config"
	"lab47.dev/penv/pkg/lockfile"
)

// ErrVersionNotInstalled is returned when an operation names a version
// that is not in the cache.
var ErrVersionNotInstalled = errors.New("version not installed")

// Entry records one installed version: where each binary lives relative to
// the version directory, and the archive digests it was verified against.
type Entry struct {
	Version     string            `json:"version"`
	Binaries    map[string]string `json:"binaries"`
	Digests     map[string]string `json:"digests"`
	InstalledAt time.Time         `json:"installed_at"`
}

// Cache is the installed-version index. All mutation goes through load,
// mutate, persist; persist writes a temp file and renames it over the
// index so readers never see a partial write.
type Cache struct {
	common

	cfg *config.Config
}

func New(cfg *config.Config) *Cache {
	return &Cache{cfg: cfg}
}

type index struct {
	Entries []Entry `json:"entries"`
}

// lock serializes read-modify-write cycles on the index across processes.
// Concurrent installs of different versions hold different install locks
// but share this one for the index append itself.
func (c *Cache) lock(ctx context.Context) (func(), error) {
	return lockfile.TakeNamed(ctx, c.cfg.LocksPath(), "cache-index", func() {
		c.L().Info("waiting on cache index lock")
	})
}

func (c *Cache) load() (*index, error) {
	var idx index

	f, err := os.Open(c.cfg.CacheIndexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return &idx, nil
		}

		return nil, errors.WithStack(err)
	}

	defer f.Close()

	err = json.NewDecoder(f).Decode(&idx)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %s", c.cfg.CacheIndexPath())
	}

	return &idx, nil
}

func (c *Cache) persist(idx *index) error {
	sort.Slice(idx.Entries, func(i, j int) bool {
		return entryLess(idx.Entries[i], idx.Entries[j])
	})

	path := c.cfg.CacheIndexPath()
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return errors.WithStack(err)
	}

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")

	err = enc.Encode(idx)
	if err != nil {
		f.Close()
		return errors.WithStack(err)
	}

	err = f.Close()
	if err != nil {
		return errors.WithStack(err)
	}

	return errors.WithStack(os.Rename(tmp, path))
}

func entryLess(a, b Entry) bool {
	av, aerr := semver.NewVersion(a.Version)
	bv, berr := semver.NewVersion(b.Version)

	if aerr != nil || berr != nil {
		return a.Version < b.Version
	}

	return av.LessThan(bv)
}

// Entries returns all installed versions, oldest version first.
func (c *Cache) Entries() ([]Entry, error) {
	idx, err := c.load()
	if err != nil {
		return nil, err
	}

	return idx.Entries, nil
}

// Versions returns just the installed version strings.
func (c *Cache) Versions() ([]string, error) {
	entries, err := c.Entries()
	if err != nil {
		return nil, err
	}

	var out []string

	for _, e := range entries {
		out = append(out, e.Version)
	}

	return out, nil
}

// Lookup returns the entry for version, or ErrVersionNotInstalled.
func (c *Cache) Lookup(version string) (Entry, error) {
	idx, err := c.load()
	if err != nil {
		return Entry{}, err
	}

	for _, e := range idx.Entries {
		if e.Version == version {
			return e, nil
		}
	}

	return Entry{}, errors.Wrapf(ErrVersionNotInstalled, "version %q", version)
}

func (c *Cache) IsInstalled(version string) (bool, error) {
	_, err := c.Lookup(version)
	if err != nil {
		if errors.Is(err, ErrVersionNotInstalled) {
			return false, nil
		}

		return false, err
	}

	return true, nil
}

// VersionDir is where a version's files live once committed.
func (c *Cache) VersionDir(version string) string {
	return filepath.Join(c.cfg.VersionsPath(), version)
}

// BinaryPath resolves an installed binary to its absolute path.
func (c *Cache) BinaryPath(version, binary string) (string, error) {
	e, err := c.Lookup(version)
	if err != nil {
		return "", err
	}

	rel, ok := e.Binaries[binary]
	if !ok {
		return "", errors.Errorf("version %s has no binary %q", version, binary)
	}

	return filepath.Join(c.VersionDir(version), rel), nil
}

// Verify checks that every binary the index claims for version is present
// and executable on disk.
func (c *Cache) Verify(version string) error {
	e, err := c.Lookup(version)
	if err != nil {
		return err
	}

	for bin, rel := range e.Binaries {
		path := filepath.Join(c.VersionDir(version), rel)

		fi, err := os.Stat(path)
		if err != nil {
			return errors.Wrapf(err, "binary %q missing", bin)
		}

		if fi.Mode()&0111 == 0 {
			return errors.Errorf("binary %q is not executable: %s", bin, path)
		}
	}

	return nil
}

// Add records a version whose files are already on disk. Install is the
// normal path; Add exists for callers that stage files themselves.
func (c *Cache) Add(ctx context.Context, e Entry) error {
	unlock, err := c.lock(ctx)
	if err != nil {
		return err
	}

	defer unlock()

	idx, err := c.load()
	if err != nil {
		return err
	}

	for _, existing := range idx.Entries {
		if existing.Version == e.Version {
			return nil
		}
	}

	idx.Entries = append(idx.Entries, e)

	return c.persist(idx)
}

// Delete removes a version's directory and index entry. Deleting a version
// that is not installed is an error.
func (c *Cache) Delete(ctx context.Context, version string) error {
	unlock, err := c.lock(ctx)
	if err != nil {
		return err
	}

	defer unlock()

	idx, err := c.load()
	if err != nil {
		return err
	}

	found := -1

	for i, e := range idx.Entries {
		if e.Version == version {
			found = i
			break
		}
	}

	if found == -1 {
		return errors.Wrapf(ErrVersionNotInstalled, "version %q", version)
	}

	err = os.RemoveAll(c.VersionDir(version))
	if err != nil {
		return errors.WithStack(err)
	}

	idx.Entries = append(idx.Entries[:found], idx.Entries[found+1:]...)

	return c.persist(idx)
}

// Reset removes every installed version and the index itself.
func (c *Cache) Reset(ctx context.Context) error {
	unlock, err := c.lock(ctx)
	if err != nil {
		return err
	}

	defer unlock()

	idx, err := c.load()
	if err != nil {
		return err
	}

	for _, e := range idx.Entries {
		err = os.RemoveAll(c.VersionDir(e.Version))
		if err != nil {
			return errors.WithStack(err)
		}
	}

	err = os.Remove(c.cfg.CacheIndexPath())
	if err != nil && !os.IsNotExist(err) {
		return errors.WithStack(err)
	}

	return nil
}

// DiskUsage sums the size of a version's files.
func (c *Cache) DiskUsage(version string) (int64, error) {
	var total int64

	err := filepath.Walk(c.VersionDir(version), func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if fi.Mode().IsRegular() {
			total += fi.Size()
		}

		return nil
	})
	if err != nil {
		return 0, errors.WithStack(err)
	}

	return total, nil
}
