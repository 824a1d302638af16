// Package checkout manages local git clones used in place of released
// versions. Each remote URL maps to one content-addressed directory under
// checkouts/, shared by every environment that references it and removed
// when the last reference goes away.
package checkout

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
	"lab47.dev/penv/pkg/config"
	"lab47.dev/penv/pkg/lockfile"
)

// ErrCheckoutInUse is returned when a checkout still has referencing
// environments and cannot be removed.
var ErrCheckoutInUse = errors.New("checkout still referenced")

// Checkout is one cloned repository.
type Checkout struct {
	URL         string    `json:"url"`
	Address     string    `json:"address"`
	LastFetched time.Time `json:"last_fetched"`

	// Refs are the aliases of environments using this checkout.
	Refs []string `json:"refs"`
}

// Registry tracks checkouts in a JSON index next to the clone directories.
type Registry struct {
	common

	cfg *config.Config
}

func NewRegistry(cfg *config.Config) *Registry {
	return &Registry{cfg: cfg}
}

// Address derives the stable directory name for a remote URL.
func Address(url string) string {
	sum := blake2b.Sum256([]byte(url))
	return base58.Encode(sum[:])
}

// Dir is where the clone for a URL lives.
func (r *Registry) Dir(url string) string {
	return filepath.Join(r.cfg.CheckoutsPath(), Address(url))
}

type index struct {
	Checkouts map[string]*Checkout `json:"checkouts"`
}

// lock serializes read-modify-write cycles on the checkout index across
// processes.
func (r *Registry) lock(ctx context.Context) (func(), error) {
	return lockfile.TakeNamed(ctx, r.cfg.LocksPath(), "checkouts-index", func() {
		r.L().Info("waiting on checkout index lock")
	})
}

func (r *Registry) load() (*index, error) {
	idx := &index{Checkouts: make(map[string]*Checkout)}

	f, err := os.Open(r.cfg.CheckoutIndexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return idx, nil
		}

		return nil, errors.WithStack(err)
	}

	defer f.Close()

	err = json.NewDecoder(f).Decode(idx)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %s", r.cfg.CheckoutIndexPath())
	}

	return idx, nil
}

func (r *Registry) persist(idx *index) error {
	path := r.cfg.CheckoutIndexPath()
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

// Ensure clones url if no checkout for it exists yet and records alias as
// a referencer. Repeat calls for the same url share the clone. An empty
// alias ensures the clone without taking a reference.
func (r *Registry) Ensure(ctx context.Context, url, alias string) (*Checkout, error) {
	unlock, err := r.lock(ctx)
	if err != nil {
		return nil, err
	}

	defer unlock()

	idx, err := r.load()
	if err != nil {
		return nil, err
	}

	addr := Address(url)

	co, ok := idx.Checkouts[addr]
	if !ok {
		dir := r.Dir(url)

		r.L().Info("cloning repository", "url", url, "dir", dir)

		_, err = git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
			URL: url,
		})
		if err != nil {
			os.RemoveAll(dir)
			return nil, errors.Wrapf(err, "cloning %s", url)
		}

		co = &Checkout{
			URL:         url,
			Address:     addr,
			LastFetched: time.Now().UTC(),
		}

		idx.Checkouts[addr] = co
	}

	if alias != "" {
		co.Refs = addRef(co.Refs, alias)
	}

	err = r.persist(idx)
	if err != nil {
		return nil, err
	}

	return co, nil
}

// Refresh fetches new history for an existing checkout.
func (r *Registry) Refresh(ctx context.Context, url string) error {
	unlock, err := r.lock(ctx)
	if err != nil {
		return err
	}

	defer unlock()

	idx, err := r.load()
	if err != nil {
		return err
	}

	co, ok := idx.Checkouts[Address(url)]
	if !ok {
		return errors.Errorf("no checkout for %s", url)
	}

	repo, err := git.PlainOpen(r.Dir(url))
	if err != nil {
		return errors.Wrapf(err, "opening checkout for %s", url)
	}

	err = repo.FetchContext(ctx, &git.FetchOptions{})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return errors.Wrapf(err, "fetching %s", url)
	}

	co.LastFetched = time.Now().UTC()

	return r.persist(idx)
}

// Release drops alias's reference on url. When the last reference goes,
// the clone directory and index entry are removed as well.
func (r *Registry) Release(ctx context.Context, url, alias string) error {
	unlock, err := r.lock(ctx)
	if err != nil {
		return err
	}

	defer unlock()

	idx, err := r.load()
	if err != nil {
		return err
	}

	addr := Address(url)

	co, ok := idx.Checkouts[addr]
	if !ok {
		return nil
	}

	co.Refs = removeRef(co.Refs, alias)

	if len(co.Refs) == 0 {
		err = os.RemoveAll(r.Dir(url))
		if err != nil {
			return errors.WithStack(err)
		}

		delete(idx.Checkouts, addr)
	}

	return r.persist(idx)
}

// Remove deletes a checkout outright. It refuses while references remain.
func (r *Registry) Remove(ctx context.Context, url string) error {
	unlock, err := r.lock(ctx)
	if err != nil {
		return err
	}

	defer unlock()

	idx, err := r.load()
	if err != nil {
		return err
	}

	addr := Address(url)

	co, ok := idx.Checkouts[addr]
	if !ok {
		return nil
	}

	if len(co.Refs) > 0 {
		return errors.Wrapf(ErrCheckoutInUse, "%s used by %v", url, co.Refs)
	}

	err = os.RemoveAll(r.Dir(url))
	if err != nil {
		return errors.WithStack(err)
	}

	delete(idx.Checkouts, addr)

	return r.persist(idx)
}

// Lookup returns the checkout for url, if any.
func (r *Registry) Lookup(url string) (*Checkout, bool, error) {
	idx, err := r.load()
	if err != nil {
		return nil, false, err
	}

	co, ok := idx.Checkouts[Address(url)]

	return co, ok, nil
}

// List returns all checkouts ordered by URL.
func (r *Registry) List() ([]*Checkout, error) {
	idx, err := r.load()
	if err != nil {
		return nil, err
	}

	var out []*Checkout

	for _, co := range idx.Checkouts {
		out = append(out, co)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].URL < out[j].URL
	})

	return out, nil
}

func addRef(refs []string, alias string) []string {
	for _, r := range refs {
		if r == alias {
			return refs
		}
	}

	refs = append(refs, alias)
	sort.Strings(refs)

	return refs
}

func removeRef(refs []string, alias string) []string {
	out := refs[:0]

	for _, r := range refs {
		if r != alias {
			out = append(out, r)
		}
	}

	return out
}
