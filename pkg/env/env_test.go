package env

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lab47.dev/penv/pkg/cache"
	"lab47.dev/penv/pkg/checkout"
	"lab47.dev/penv/pkg/config"
)

type fixture struct {
	cfg       *config.Config
	cache     *cache.Cache
	checkouts *checkout.Registry
	reg       *Registry
}

func setup(t *testing.T) *fixture {
	t.Helper()

	cfg := &config.Config{Home: t.TempDir()}

	for _, dir := range []string{
		cfg.VersionsPath(), cfg.CheckoutsPath(), cfg.EnvironmentsPath(),
	} {
		require.NoError(t, os.MkdirAll(dir, 0755))
	}

	c := cache.New(cfg)
	co := checkout.NewRegistry(cfg)

	return &fixture{
		cfg:       cfg,
		cache:     c,
		checkouts: co,
		reg:       NewRegistry(cfg, c, co),
	}
}

// initRepo builds a local repository that can be cloned over the file
// transport.
func initRepo(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()

	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "README.md"), []byte("penumbra\n"), 0644))

	wt, err := repo.Worktree()
	require.NoError(t, err)

	_, err = wt.Add("README.md")
	require.NoError(t, err)

	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{
			Name:  "test",
			Email: "test@example.com",
			When:  time.Now(),
		},
	})
	require.NoError(t, err)

	return "file://" + dir
}

// installFake places binaries on disk and indexes them without a network.
func (f *fixture) installFake(t *testing.T, version string) {
	t.Helper()

	dir := filepath.Join(f.cache.VersionDir(version), "bin")
	require.NoError(t, os.MkdirAll(dir, 0755))

	e := cache.Entry{
		Version:     version,
		Binaries:    make(map[string]string),
		Digests:     make(map[string]string),
		InstalledAt: time.Now().UTC(),
	}

	for _, bin := range []string{"pcli", "pclientd", "pd"} {
		path := filepath.Join(dir, bin)
		require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0755))

		e.Binaries[bin] = filepath.Join("bin", bin)
	}

	require.NoError(t, f.cache.Add(context.Background(), e))
}

const grpc = "https://grpc.testnet.penumbra.zone"

func TestCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("pins the best installed version and lays out dirs", func(t *testing.T) {
		f := setup(t)
		f.installFake(t, "0.79.1")
		f.installFake(t, "0.79.2")
		f.installFake(t, "0.80.0")

		e, err := f.reg.Create(ctx, CreateOptions{
			Alias:       "testnet",
			Requirement: "^0.79",
			GrpcURL:     grpc,
		})
		require.NoError(t, err)

		assert.Equal(t, "0.79.2", e.PinnedVersion)

		for _, bin := range []string{"pcli", "pclientd"} {
			link := filepath.Join(e.BinDir(f.cfg), bin)

			dest, err := os.Readlink(link)
			require.NoError(t, err)

			expect, err := f.cache.BinaryPath("0.79.2", bin)
			require.NoError(t, err)
			assert.Equal(t, expect, dest)
		}

		// client-only env gets no pd link and no node dirs
		_, err = os.Lstat(filepath.Join(e.BinDir(f.cfg), "pd"))
		assert.True(t, os.IsNotExist(err))

		_, err = os.Stat(e.PdHome(f.cfg))
		assert.True(t, os.IsNotExist(err))

		for _, dir := range []string{e.PcliHome(f.cfg), e.PclientdHome(f.cfg)} {
			fi, err := os.Stat(dir)
			require.NoError(t, err)
			assert.True(t, fi.IsDir())
		}
	})

	t.Run("node env derives a join url and node homes", func(t *testing.T) {
		f := setup(t)
		f.installFake(t, "0.80.0")

		e, err := f.reg.Create(ctx, CreateOptions{
			Alias:       "node",
			Requirement: "latest",
			GrpcURL:     grpc,
			IncludeNode: true,
		})
		require.NoError(t, err)

		assert.Equal(t, "http://grpc.testnet.penumbra.zone:26657", e.JoinURL)

		_, err = os.Lstat(filepath.Join(e.BinDir(f.cfg), "pd"))
		require.NoError(t, err)

		fi, err := os.Stat(e.CometbftHome(f.cfg))
		require.NoError(t, err)
		assert.True(t, fi.IsDir())
	})

	t.Run("generated network skips the join url", func(t *testing.T) {
		f := setup(t)
		f.installFake(t, "0.80.0")

		e, err := f.reg.Create(ctx, CreateOptions{
			Alias:           "devnet",
			Requirement:     "latest",
			GrpcURL:         grpc,
			IncludeNode:     true,
			GenerateNetwork: true,
		})
		require.NoError(t, err)

		assert.True(t, e.GenerateNetwork)
		assert.Empty(t, e.JoinURL)
	})

	t.Run("duplicate alias", func(t *testing.T) {
		f := setup(t)
		f.installFake(t, "0.80.0")

		opts := CreateOptions{Alias: "a", Requirement: "latest", GrpcURL: grpc}

		_, err := f.reg.Create(ctx, opts)
		require.NoError(t, err)

		_, err = f.reg.Create(ctx, opts)
		assert.True(t, errors.Is(err, ErrDuplicateAlias))
	})

	t.Run("requirement with nothing installed", func(t *testing.T) {
		f := setup(t)
		f.installFake(t, "0.79.0")

		_, err := f.reg.Create(ctx, CreateOptions{
			Alias:       "next",
			Requirement: "^0.80",
			GrpcURL:     grpc,
		})
		assert.True(t, errors.Is(err, cache.ErrVersionNotInstalled))

		// nothing half-created left behind
		_, err = f.reg.Get("next")
		assert.True(t, errors.Is(err, ErrUnknownAlias))
	})

	t.Run("checkout requirement clones and writes wrappers", func(t *testing.T) {
		f := setup(t)

		url := initRepo(t)

		e, err := f.reg.Create(ctx, CreateOptions{
			Alias: "dev", Requirement: url, GrpcURL: grpc,
		})
		require.NoError(t, err)

		assert.True(t, e.IsCheckout())
		assert.Empty(t, e.PinnedVersion)

		co, ok, err := f.checkouts.Lookup(url)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []string{"dev"}, co.Refs)

		wrapper := filepath.Join(e.BinDir(f.cfg), "pcli")

		data, err := os.ReadFile(wrapper)
		require.NoError(t, err)
		assert.Contains(t, string(data), f.checkouts.Dir(url))
	})

	t.Run("failed create releases the checkout reference", func(t *testing.T) {
		f := setup(t)

		url := initRepo(t)

		// a file squatting on the environment root makes materialize
		// fail after the checkout was ensured
		require.NoError(t, os.WriteFile(
			filepath.Join(f.cfg.EnvironmentsPath(), "dev"), nil, 0644))

		_, err := f.reg.Create(ctx, CreateOptions{
			Alias: "dev", Requirement: url, GrpcURL: grpc,
		})
		require.Error(t, err)

		_, ok, err := f.checkouts.Lookup(url)
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = os.Stat(f.checkouts.Dir(url))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("grpc url is required", func(t *testing.T) {
		f := setup(t)
		f.installFake(t, "0.80.0")

		_, err := f.reg.Create(ctx, CreateOptions{Alias: "a", Requirement: "latest"})
		require.Error(t, err)
	})
}

func TestDelete(t *testing.T) {
	ctx := context.Background()

	f := setup(t)
	f.installFake(t, "0.80.0")

	e, err := f.reg.Create(ctx, CreateOptions{
		Alias: "gone", Requirement: "latest", GrpcURL: grpc,
	})
	require.NoError(t, err)

	require.NoError(t, f.reg.Delete(ctx, "gone"))

	_, err = os.Stat(e.RootDir(f.cfg))
	assert.True(t, os.IsNotExist(err))

	_, err = f.reg.Get("gone")
	assert.True(t, errors.Is(err, ErrUnknownAlias))

	err = f.reg.Delete(ctx, "gone")
	assert.True(t, errors.Is(err, ErrUnknownAlias))
}

func TestUpgrade(t *testing.T) {
	ctx := context.Background()

	t.Run("relinks to a strictly newer version", func(t *testing.T) {
		f := setup(t)
		f.installFake(t, "0.79.1")

		e, err := f.reg.Create(ctx, CreateOptions{
			Alias: "testnet", Requirement: "^0.79", GrpcURL: grpc,
		})
		require.NoError(t, err)
		require.Equal(t, "0.79.1", e.PinnedVersion)

		f.installFake(t, "0.79.2")

		from, to, changed, err := f.reg.Upgrade(ctx, "testnet")
		require.NoError(t, err)

		assert.True(t, changed)
		assert.Equal(t, "0.79.1", from)
		assert.Equal(t, "0.79.2", to)

		link := filepath.Join(e.BinDir(f.cfg), "pcli")
		dest, err := os.Readlink(link)
		require.NoError(t, err)

		expect, err := f.cache.BinaryPath("0.79.2", "pcli")
		require.NoError(t, err)
		assert.Equal(t, expect, dest)

		got, err := f.reg.Get("testnet")
		require.NoError(t, err)
		assert.Equal(t, "0.79.2", got.PinnedVersion)
	})

	t.Run("no newer version is a no-op", func(t *testing.T) {
		f := setup(t)
		f.installFake(t, "0.79.2")

		_, err := f.reg.Create(ctx, CreateOptions{
			Alias: "testnet", Requirement: "^0.79", GrpcURL: grpc,
		})
		require.NoError(t, err)

		from, to, changed, err := f.reg.Upgrade(ctx, "testnet")
		require.NoError(t, err)

		assert.False(t, changed)
		assert.Equal(t, from, to)
	})
}

func TestPinnedBy(t *testing.T) {
	ctx := context.Background()

	f := setup(t)
	f.installFake(t, "0.79.2")
	f.installFake(t, "0.80.0")

	_, err := f.reg.Create(ctx, CreateOptions{
		Alias: "a", Requirement: "^0.79", GrpcURL: grpc,
	})
	require.NoError(t, err)

	_, err = f.reg.Create(ctx, CreateOptions{
		Alias: "b", Requirement: "latest", GrpcURL: grpc,
	})
	require.NoError(t, err)

	pinned, err := f.reg.PinnedBy("0.79.2")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, pinned)

	pinned, err = f.reg.PinnedBy("0.78.0")
	require.NoError(t, err)
	assert.Empty(t, pinned)
}
