// Package env manages named environments: an alias bound to a resolved
// version (or git checkout), a gRPC endpoint, and an isolated home
// directory tree for each managed binary.
package env

import (
	"context"
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"
	"lab47.dev/penv/pkg/cache"
	"lab47.dev/penv/pkg/checkout"
	"lab47.dev/penv/pkg/config"
	"lab47.dev/penv/pkg/lockfile"
	"lab47.dev/penv/pkg/release"
)

var (
	// ErrDuplicateAlias is returned when creating an environment under a
	// name that already exists.
	ErrDuplicateAlias = errors.New("alias already exists")

	// ErrUnknownAlias is returned when an operation names an environment
	// that does not exist.
	ErrUnknownAlias = errors.New("unknown alias")
)

// Environment is one configured environment. Requirement is kept as
// written; the version it resolved to at creation or upgrade time is
// pinned separately so resolution never silently shifts underneath an
// environment.
type Environment struct {
	Alias         string    `json:"alias"`
	Requirement   string    `json:"requirement"`
	PinnedVersion string    `json:"pinned_version,omitempty"`
	CheckoutURL   string    `json:"checkout_url,omitempty"`
	GrpcURL       string    `json:"grpc_url"`
	JoinURL       string    `json:"join_url,omitempty"`
	IncludeNode   bool      `json:"include_node"`

	// GenerateNetwork marks node environments that bootstrap their own
	// network instead of joining an existing one.
	GenerateNetwork bool `json:"generate_network,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Binaries are the executables this environment exposes on PATH.
func (e *Environment) Binaries() []string {
	bins := []string{"pcli", "pclientd"}

	if e.IncludeNode {
		bins = append(bins, "pd")
	}

	return bins
}

// IsCheckout reports whether the environment tracks a git checkout rather
// than a released version.
func (e *Environment) IsCheckout() bool {
	return e.CheckoutURL != ""
}

// RootDir is the environment's directory under environments/.
func (e *Environment) RootDir(cfg *config.Config) string {
	return filepath.Join(cfg.EnvironmentsPath(), e.Alias)
}

// BinDir holds the binaries (symlinks or wrappers) for this environment.
func (e *Environment) BinDir(cfg *config.Config) string {
	return filepath.Join(e.RootDir(cfg), "bin")
}

func (e *Environment) PcliHome(cfg *config.Config) string {
	return filepath.Join(e.RootDir(cfg), "pcli")
}

func (e *Environment) PclientdHome(cfg *config.Config) string {
	return filepath.Join(e.RootDir(cfg), "pclientd")
}

func (e *Environment) PdHome(cfg *config.Config) string {
	return filepath.Join(e.RootDir(cfg), "network_data", "node0", "pd")
}

func (e *Environment) CometbftHome(cfg *config.Config) string {
	return filepath.Join(e.RootDir(cfg), "network_data", "node0", "cometbft")
}

// CreateOptions is the user-facing surface of Create.
type CreateOptions struct {
	Alias           string
	Requirement     string
	GrpcURL         string
	JoinURL         string
	IncludeNode     bool
	GenerateNetwork bool
}

// Registry stores environments in a JSON file and lays out their
// directories.
type Registry struct {
	common

	cfg       *config.Config
	cache     *cache.Cache
	checkouts *checkout.Registry
}

func NewRegistry(cfg *config.Config, c *cache.Cache, co *checkout.Registry) *Registry {
	return &Registry{cfg: cfg, cache: c, checkouts: co}
}

type index struct {
	Environments map[string]*Environment `json:"environments"`
}

// lock serializes read-modify-write cycles on the registry across
// processes. The duplicate-alias check is only sound while it is held.
func (r *Registry) lock(ctx context.Context) (func(), error) {
	return lockfile.TakeNamed(ctx, r.cfg.LocksPath(), "environments-index", func() {
		r.L().Info("waiting on environment registry lock")
	})
}

func (r *Registry) load() (*index, error) {
	idx := &index{Environments: make(map[string]*Environment)}

	f, err := os.Open(r.cfg.RegistryPath())
	if err != nil {
		if os.IsNotExist(err) {
			return idx, nil
		}

		return nil, errors.WithStack(err)
	}

	defer f.Close()

	err = json.NewDecoder(f).Decode(idx)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %s", r.cfg.RegistryPath())
	}

	return idx, nil
}

func (r *Registry) persist(idx *index) error {
	path := r.cfg.RegistryPath()
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

// Create resolves opts against what is installed locally and materializes
// the environment. Version requirements only consider installed versions;
// a requirement nothing installed satisfies is an error telling the user
// to install first. Git requirements clone (or share) a checkout.
func (r *Registry) Create(ctx context.Context, opts CreateOptions) (*Environment, error) {
	req, err := release.ParseRequirement(opts.Requirement)
	if err != nil {
		return nil, err
	}

	if opts.GrpcURL == "" {
		return nil, errors.New("a gRPC URL is required")
	}

	unlock, err := r.lock(ctx)
	if err != nil {
		return nil, err
	}

	defer unlock()

	idx, err := r.load()
	if err != nil {
		return nil, err
	}

	if _, ok := idx.Environments[opts.Alias]; ok {
		return nil, errors.Wrapf(ErrDuplicateAlias, "alias %q", opts.Alias)
	}

	e := &Environment{
		Alias:           opts.Alias,
		Requirement:     opts.Requirement,
		GrpcURL:         opts.GrpcURL,
		JoinURL:         opts.JoinURL,
		IncludeNode:     opts.IncludeNode,
		GenerateNetwork: opts.GenerateNetwork && opts.IncludeNode,
		CreatedAt:       time.Now().UTC(),
	}

	if e.IncludeNode && !e.GenerateNetwork && e.JoinURL == "" {
		e.JoinURL, err = deriveJoinURL(opts.GrpcURL)
		if err != nil {
			return nil, err
		}
	}

	if req.Kind() == release.KindRepo {
		_, err = r.checkouts.Ensure(ctx, req.RepoURL(), opts.Alias)
		if err != nil {
			return nil, err
		}

		e.CheckoutURL = req.RepoURL()
	} else {
		installed, err := r.cache.Versions()
		if err != nil {
			return nil, err
		}

		version, err := release.Resolve(req, installed)
		if err != nil {
			if errors.Is(err, release.ErrNotFound) || errors.Is(err, release.ErrNoReleases) {
				return nil, errors.Wrapf(cache.ErrVersionNotInstalled,
					"no installed version satisfies %q, run install first", opts.Requirement)
			}

			return nil, err
		}

		e.PinnedVersion = version
	}

	err = r.materialize(e)
	if err != nil {
		r.teardown(ctx, e)
		return nil, err
	}

	idx.Environments[opts.Alias] = e

	err = r.persist(idx)
	if err != nil {
		r.teardown(ctx, e)
		return nil, err
	}

	r.L().Info("created environment",
		"alias", e.Alias, "version", e.PinnedVersion, "checkout", e.CheckoutURL)

	return e, nil
}

// Get returns the environment for alias, or ErrUnknownAlias.
func (r *Registry) Get(alias string) (*Environment, error) {
	idx, err := r.load()
	if err != nil {
		return nil, err
	}

	e, ok := idx.Environments[alias]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownAlias, "alias %q", alias)
	}

	return e, nil
}

// List returns all environments sorted by alias.
func (r *Registry) List() ([]*Environment, error) {
	idx, err := r.load()
	if err != nil {
		return nil, err
	}

	var out []*Environment

	for _, e := range idx.Environments {
		out = append(out, e)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Alias < out[j].Alias
	})

	return out, nil
}

// PinnedBy lists the aliases pinning version, for refusing cache deletes.
func (r *Registry) PinnedBy(version string) ([]string, error) {
	idx, err := r.load()
	if err != nil {
		return nil, err
	}

	var out []string

	for alias, e := range idx.Environments {
		if e.PinnedVersion == version {
			out = append(out, alias)
		}
	}

	sort.Strings(out)

	return out, nil
}

// Delete removes an environment: its directory tree, its checkout
// reference if any, and its registry entry. The caller is responsible for
// deactivating first if the environment is active.
func (r *Registry) Delete(ctx context.Context, alias string) error {
	unlock, err := r.lock(ctx)
	if err != nil {
		return err
	}

	defer unlock()

	idx, err := r.load()
	if err != nil {
		return err
	}

	e, ok := idx.Environments[alias]
	if !ok {
		return errors.Wrapf(ErrUnknownAlias, "alias %q", alias)
	}

	if e.IsCheckout() {
		err = r.checkouts.Release(ctx, e.CheckoutURL, alias)
		if err != nil {
			return err
		}
	}

	err = os.RemoveAll(e.RootDir(r.cfg))
	if err != nil {
		return errors.WithStack(err)
	}

	delete(idx.Environments, alias)

	return r.persist(idx)
}

// Upgrade re-resolves the environment's requirement against the installed
// set and relinks when that lands on a strictly newer version. Wallet and
// node state directories are left exactly as they are; no data migration
// happens here. Checkout environments fetch new history instead.
func (r *Registry) Upgrade(ctx context.Context, alias string) (from, to string, changed bool, err error) {
	unlock, err := r.lock(ctx)
	if err != nil {
		return "", "", false, err
	}

	defer unlock()

	idx, err := r.load()
	if err != nil {
		return "", "", false, err
	}

	e, ok := idx.Environments[alias]
	if !ok {
		return "", "", false, errors.Wrapf(ErrUnknownAlias, "alias %q", alias)
	}

	if e.IsCheckout() {
		err = r.checkouts.Refresh(ctx, e.CheckoutURL)
		return e.CheckoutURL, e.CheckoutURL, err == nil, err
	}

	req, err := release.ParseRequirement(e.Requirement)
	if err != nil {
		return "", "", false, err
	}

	installed, err := r.cache.Versions()
	if err != nil {
		return "", "", false, err
	}

	resolved, err := release.Resolve(req, installed)
	if err != nil {
		return "", "", false, err
	}

	if !newerThan(resolved, e.PinnedVersion) {
		return e.PinnedVersion, e.PinnedVersion, false, nil
	}

	from = e.PinnedVersion
	e.PinnedVersion = resolved

	err = r.relink(e)
	if err != nil {
		return "", "", false, err
	}

	err = r.persist(idx)
	if err != nil {
		return "", "", false, err
	}

	r.L().Info("upgraded environment", "alias", alias, "from", from, "to", resolved)

	return from, resolved, true, nil
}

func newerThan(a, b string) bool {
	av, aerr := semver.NewVersion(a)
	bv, berr := semver.NewVersion(b)

	if aerr != nil || berr != nil {
		return a != b
	}

	return av.GreaterThan(bv)
}

// deriveJoinURL defaults the node join URL to the gRPC host on the
// standard cometbft port.
func deriveJoinURL(grpcURL string) (string, error) {
	u, err := url.Parse(grpcURL)
	if err != nil {
		return "", errors.Wrapf(err, "parsing gRPC URL %q", grpcURL)
	}

	if u.Hostname() == "" {
		return "", errors.Errorf("gRPC URL %q has no host", grpcURL)
	}

	return "http://" + u.Hostname() + ":26657", nil
}
