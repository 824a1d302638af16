// Package active tracks which environment is current and switches the
// stable bin symlink between environments. Switching is atomic: either
// the previous environment stays fully in effect or the new one does.
package active

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"lab47.dev/penv/pkg/config"
	"lab47.dev/penv/pkg/env"
	"lab47.dev/penv/pkg/lockfile"
)

// ErrActivationFailed means the target environment could not be verified
// or switched to. The previously active environment is untouched.
var ErrActivationFailed = errors.New("activation failed")

// State is the persisted record of the active environment.
type State struct {
	Alias string    `json:"alias"`
	Since time.Time `json:"since"`
}

// Store reads and writes the active-state file. A missing file is the
// inactive state.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Load() (State, error) {
	var st State

	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}

		return st, errors.WithStack(err)
	}

	defer f.Close()

	err = json.NewDecoder(f).Decode(&st)
	if err != nil {
		return State{}, errors.Wrapf(err, "decoding %s", s.path)
	}

	return st, nil
}

func (s *Store) Save(st State) error {
	tmp := s.path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return errors.WithStack(err)
	}

	err = json.NewEncoder(f).Encode(&st)
	if err != nil {
		f.Close()
		return errors.WithStack(err)
	}

	err = f.Close()
	if err != nil {
		return errors.WithStack(err)
	}

	return errors.WithStack(os.Rename(tmp, s.path))
}

func (s *Store) Clear() error {
	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return errors.WithStack(err)
	}

	return nil
}

// Controller performs activation switches.
type Controller struct {
	common

	cfg   *config.Config
	store *Store
	envs  *env.Registry
}

func NewController(cfg *config.Config, store *Store, envs *env.Registry) *Controller {
	return &Controller{cfg: cfg, store: store, envs: envs}
}

// Use makes alias the active environment. The target's binaries are
// verified before anything changes; any failure leaves both the symlink
// and the state file exactly as they were.
func (c *Controller) Use(ctx context.Context, alias string) (*env.Environment, error) {
	e, err := c.envs.Get(alias)
	if err != nil {
		return nil, err
	}

	unlock, err := lockfile.TakeNamed(ctx, c.cfg.LocksPath(), "activate", func() {
		c.L().Info("waiting on activation lock")
	})
	if err != nil {
		return nil, err
	}

	defer unlock()

	// verified under the lock so nothing can delete the binaries between
	// the check and the swap
	err = c.verify(e)
	if err != nil {
		return nil, errors.Wrapf(ErrActivationFailed, "environment %q: %v", alias, err)
	}

	prev, _ := os.Readlink(c.cfg.BinPath())

	err = c.point(e.BinDir(c.cfg))
	if err != nil {
		return nil, errors.Wrapf(ErrActivationFailed, "environment %q: %v", alias, err)
	}

	err = c.store.Save(State{Alias: alias, Since: time.Now().UTC()})
	if err != nil {
		c.restore(prev)
		return nil, errors.Wrapf(ErrActivationFailed, "environment %q: %v", alias, err)
	}

	c.L().Info("activated environment", "alias", alias)

	return e, nil
}

// restore points the bin symlink back at where it was before a failed
// switch, or removes it when there was no previous target.
func (c *Controller) restore(prev string) {
	var err error

	if prev == "" {
		err = os.Remove(c.cfg.BinPath())
		if err != nil && os.IsNotExist(err) {
			err = nil
		}
	} else {
		err = c.point(prev)
	}

	if err != nil {
		c.L().Error("unable to restore previous bin link", "target", prev, "error", err)
	}
}

// verify checks every binary the environment exposes resolves to a real
// executable, following symlinks.
func (c *Controller) verify(e *env.Environment) error {
	for _, bin := range e.Binaries() {
		path := filepath.Join(e.BinDir(c.cfg), bin)

		fi, err := os.Stat(path)
		if err != nil {
			return errors.Wrapf(err, "binary %q", bin)
		}

		if fi.Mode()&0111 == 0 {
			return errors.Errorf("binary %q is not executable", bin)
		}
	}

	return nil
}

// point repoints the stable bin symlink at dir. The new link is created
// under a scratch name and renamed over the old one so PATH never sees a
// missing or half-made entry.
func (c *Controller) point(dir string) error {
	bin := c.cfg.BinPath()
	next := bin + ".next"

	err := os.Remove(next)
	if err != nil && !os.IsNotExist(err) {
		return errors.WithStack(err)
	}

	err = os.Symlink(dir, next)
	if err != nil {
		return errors.WithStack(err)
	}

	fi, err := os.Lstat(bin)
	if err == nil && fi.Mode()&os.ModeSymlink == 0 {
		// a real directory is squatting on the link location
		err = os.RemoveAll(bin)
		if err != nil {
			return errors.WithStack(err)
		}
	}

	return errors.WithStack(os.Rename(next, bin))
}

// Deactivate removes the bin symlink and clears the state file.
func (c *Controller) Deactivate(ctx context.Context) error {
	unlock, err := lockfile.TakeNamed(ctx, c.cfg.LocksPath(), "activate", func() {
		c.L().Info("waiting on activation lock")
	})
	if err != nil {
		return err
	}

	defer unlock()

	fi, err := os.Lstat(c.cfg.BinPath())
	if err == nil && fi.Mode()&os.ModeSymlink != 0 {
		err = os.Remove(c.cfg.BinPath())
		if err != nil {
			return errors.WithStack(err)
		}
	}

	return c.store.Clear()
}

// Current resolves the active environment. A state file naming an alias
// that no longer exists reads as inactive rather than an error.
func (c *Controller) Current() (*env.Environment, error) {
	st, err := c.store.Load()
	if err != nil {
		return nil, err
	}

	if st.Alias == "" {
		return nil, nil
	}

	e, err := c.envs.Get(st.Alias)
	if err != nil {
		if errors.Is(err, env.ErrUnknownAlias) {
			c.L().Debug("active state names a missing environment", "alias", st.Alias)
			return nil, nil
		}

		return nil, err
	}

	return e, nil
}
