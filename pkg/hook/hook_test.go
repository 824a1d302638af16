package hook

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lab47.dev/penv/pkg/config"
	"lab47.dev/penv/pkg/env"
)

func testEnv(includeNode bool) (*env.Environment, *config.Config) {
	cfg := &config.Config{Home: "/home/u/.local/share/penv"}

	e := &env.Environment{
		Alias:       "testnet",
		GrpcURL:     "https://grpc.testnet.penumbra.zone",
		JoinURL:     "http://grpc.testnet.penumbra.zone:26657",
		IncludeNode: includeNode,
	}

	return e, cfg
}

func TestEmit(t *testing.T) {
	t.Run("activation exports the client vars", func(t *testing.T) {
		e, cfg := testEnv(false)

		var buf bytes.Buffer
		require.NoError(t, Emit(&buf, "", e, cfg))

		out := buf.String()

		assert.Contains(t, out, "export PENV_ACTIVE='testnet'\n")
		assert.Contains(t, out, "export PENV_PCLI_HOME='/home/u/.local/share/penv/environments/testnet/pcli'\n")
		assert.Contains(t, out, "export PENV_GRPC_URL='https://grpc.testnet.penumbra.zone'\n")

		// client-only envs keep node vars unset
		assert.Contains(t, out, "unset PENV_PD_HOME\n")
		assert.Contains(t, out, "unset PENV_COMETBFT_HOME\n")
		assert.Contains(t, out, "unset PENV_PD_JOIN_URL\n")
	})

	t.Run("node env exports node vars", func(t *testing.T) {
		e, cfg := testEnv(true)

		var buf bytes.Buffer
		require.NoError(t, Emit(&buf, "", e, cfg))

		out := buf.String()

		assert.Contains(t, out, "export PENV_PD_HOME=")
		assert.Contains(t, out, "export PENV_COMETBFT_HOME=")
		assert.Contains(t, out, "export PENV_PD_JOIN_URL='http://grpc.testnet.penumbra.zone:26657'\n")
		assert.NotContains(t, out, "unset PENV_PD_HOME")
	})

	t.Run("unchanged state emits nothing", func(t *testing.T) {
		e, cfg := testEnv(false)

		var buf bytes.Buffer
		require.NoError(t, Emit(&buf, "testnet", e, cfg))
		assert.Empty(t, buf.String())

		buf.Reset()
		require.NoError(t, Emit(&buf, "", nil, cfg))
		assert.Empty(t, buf.String())
	})

	t.Run("deactivation unsets everything", func(t *testing.T) {
		_, cfg := testEnv(false)

		var buf bytes.Buffer
		require.NoError(t, Emit(&buf, "testnet", nil, cfg))

		for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
			assert.True(t, strings.HasPrefix(line, "unset PENV_"), line)
		}

		assert.Contains(t, buf.String(), "unset PENV_ACTIVE\n")
	})

	t.Run("switching aliases re-exports", func(t *testing.T) {
		e, cfg := testEnv(false)

		var buf bytes.Buffer
		require.NoError(t, Emit(&buf, "other", e, cfg))

		assert.Contains(t, buf.String(), "export PENV_ACTIVE='testnet'\n")
	})
}

func TestQuote(t *testing.T) {
	assert.Equal(t, "'plain'", quote("plain"))
	assert.Equal(t, `'it'\''s'`, quote("it's"))
	assert.Equal(t, "''", quote(""))
}

func TestScript(t *testing.T) {
	_, cfg := testEnv(false)

	for _, shell := range []string{"bash", "zsh"} {
		out, err := Script(shell, cfg)
		require.NoError(t, err)

		assert.Contains(t, out, cfg.BinPath())
		assert.Contains(t, out, "_penv_hook")
		assert.Contains(t, out, ` export --from `)
	}

	_, err := Script("fish", cfg)
	require.Error(t, err)
}
