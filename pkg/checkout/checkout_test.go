package checkout

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lab47.dev/penv/pkg/config"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()

	cfg := &config.Config{Home: t.TempDir()}
	require.NoError(t, os.MkdirAll(cfg.CheckoutsPath(), 0755))

	return NewRegistry(cfg)
}

// seed writes an index entry with a fake clone dir, skipping the network.
func seed(t *testing.T, r *Registry, url string, refs ...string) {
	t.Helper()

	idx, err := r.load()
	require.NoError(t, err)

	dir := r.Dir(url)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("x"), 0644))

	idx.Checkouts[Address(url)] = &Checkout{
		URL:     url,
		Address: Address(url),
		Refs:    refs,
	}

	require.NoError(t, r.persist(idx))
}

func TestAddress(t *testing.T) {
	a := Address("https://github.com/penumbra-zone/penumbra")
	b := Address("https://github.com/penumbra-zone/penumbra.git")

	assert.NotEqual(t, a, b)
	assert.Equal(t, a, Address("https://github.com/penumbra-zone/penumbra"))
	assert.NotContains(t, a, "/")
}

func TestRegistryRefs(t *testing.T) {
	const url = "https://github.com/penumbra-zone/penumbra"

	ctx := context.Background()

	t.Run("release drops the clone with the last ref", func(t *testing.T) {
		r := testRegistry(t)
		seed(t, r, url, "devnet", "testnet")

		require.NoError(t, r.Release(ctx, url, "devnet"))

		co, ok, err := r.Lookup(url)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []string{"testnet"}, co.Refs)

		require.NoError(t, r.Release(ctx, url, "testnet"))

		_, ok, err = r.Lookup(url)
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = os.Stat(r.Dir(url))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("release of unknown ref or url is a no-op", func(t *testing.T) {
		r := testRegistry(t)
		seed(t, r, url, "devnet")

		require.NoError(t, r.Release(ctx, url, "other"))
		require.NoError(t, r.Release(ctx, "https://example.com/nope", "devnet"))

		co, ok, err := r.Lookup(url)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []string{"devnet"}, co.Refs)
	})

	t.Run("remove refuses while referenced", func(t *testing.T) {
		r := testRegistry(t)
		seed(t, r, url, "devnet")

		err := r.Remove(ctx, url)
		assert.True(t, errors.Is(err, ErrCheckoutInUse))

		require.NoError(t, r.Release(ctx, url, "devnet"))
		require.NoError(t, r.Remove(ctx, url))
	})

	t.Run("list orders by url", func(t *testing.T) {
		r := testRegistry(t)
		seed(t, r, "https://b.example/repo", "x")
		seed(t, r, "https://a.example/repo", "y")

		list, err := r.List()
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "https://a.example/repo", list[0].URL)
	})
}
