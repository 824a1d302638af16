package release

import (
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequirement(t *testing.T) {
	t.Run("parses latest case-insensitively", func(t *testing.T) {
		for _, s := range []string{"latest", "Latest", "LATEST"} {
			req, err := ParseRequirement(s)
			require.NoError(t, err)

			assert.Equal(t, KindLatest, req.Kind())
		}
	})

	t.Run("parses semver ranges", func(t *testing.T) {
		for _, s := range []string{"0.79", "^0.79", "~0.79.1", ">=0.79, <0.81", "0.80.0"} {
			req, err := ParseRequirement(s)
			require.NoError(t, err, s)

			assert.Equal(t, KindRange, req.Kind(), s)
		}
	})

	t.Run("parses git remotes", func(t *testing.T) {
		for _, s := range []string{
			"https://github.com/penumbra-zone/penumbra",
			"git@github.com:penumbra-zone/penumbra.git",
			"ssh://git@example.com/fork.git",
			"file:///srv/git/penumbra",
		} {
			req, err := ParseRequirement(s)
			require.NoError(t, err, s)

			assert.Equal(t, KindRepo, req.Kind(), s)
			assert.Equal(t, s, req.RepoURL())
		}
	})

	t.Run("rejects garbage", func(t *testing.T) {
		_, err := ParseRequirement("not a requirement")
		require.Error(t, err)

		_, err = ParseRequirement("")
		require.Error(t, err)
	})
}

func TestRequirementMatches(t *testing.T) {
	mv := func(s string) *semver.Version {
		v, err := semver.NewVersion(s)
		require.NoError(t, err)
		return v
	}

	t.Run("bare version behaves as wildcard range", func(t *testing.T) {
		req, err := ParseRequirement("0.79")
		require.NoError(t, err)

		assert.True(t, req.Matches(mv("0.79.2"), nil))
		assert.False(t, req.Matches(mv("0.80.0"), nil))
	})

	t.Run("prereleases need a prerelease range", func(t *testing.T) {
		stable, err := ParseRequirement("^0.79")
		require.NoError(t, err)

		assert.False(t, stable.Matches(mv("0.79.3-alpha.1"), nil))

		pre, err := ParseRequirement(">=0.79.3-alpha")
		require.NoError(t, err)

		assert.True(t, pre.Matches(mv("0.79.3-alpha.1"), nil))
	})

	t.Run("latest matches only the newest stable", func(t *testing.T) {
		req, err := ParseRequirement("latest")
		require.NoError(t, err)

		latest := mv("0.80.0")

		assert.True(t, req.Matches(mv("0.80.0"), latest))
		assert.False(t, req.Matches(mv("0.79.2"), latest))
		assert.False(t, req.Matches(mv("0.81.0-rc.1"), latest))
	})
}
