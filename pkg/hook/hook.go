// Package hook implements the shell integration: the rc-file snippet that
// installs a prompt hook, and the export lines that hook evals to keep the
// shell's PENV_* variables in step with the active environment.
package hook

import (
	"bytes"
	"embed"
	"fmt"
	"io"
	"os"
	"sort"
	"text/template"

	"github.com/pkg/errors"
	"lab47.dev/penv/pkg/config"
	"lab47.dev/penv/pkg/env"
)

//go:embed files/*.tmpl
var hookFiles embed.FS

var scripts = template.Must(template.ParseFS(hookFiles, "files/*.tmpl"))

// Shell variables managed by the hook. Everything penv exports lives in
// this namespace so deactivation can unset precisely what it set.
const (
	VarActive       = "PENV_ACTIVE"
	VarPcliHome     = "PENV_PCLI_HOME"
	VarPclientdHome = "PENV_PCLIENTD_HOME"
	VarPdHome       = "PENV_PD_HOME"
	VarCometbftHome = "PENV_COMETBFT_HOME"
	VarGrpcURL      = "PENV_GRPC_URL"
	VarJoinURL      = "PENV_PD_JOIN_URL"
)

var allVars = []string{
	VarActive, VarPcliHome, VarPclientdHome,
	VarPdHome, VarCometbftHome, VarGrpcURL, VarJoinURL,
}

// Emit writes the export/unset lines for the transition from prevAlias
// (the shell's current PENV_ACTIVE) to cur (nil when nothing is active).
// When nothing changed, nothing is written; the hook runs on every prompt
// and must be a no-op at rest.
func Emit(w io.Writer, prevAlias string, cur *env.Environment, cfg *config.Config) error {
	if cur == nil {
		if prevAlias == "" {
			return nil
		}

		for _, v := range allVars {
			fmt.Fprintf(w, "unset %s\n", v)
		}

		return nil
	}

	if prevAlias == cur.Alias {
		return nil
	}

	exports := map[string]string{
		VarActive:       cur.Alias,
		VarPcliHome:     cur.PcliHome(cfg),
		VarPclientdHome: cur.PclientdHome(cfg),
		VarGrpcURL:      cur.GrpcURL,
	}

	if cur.IncludeNode {
		exports[VarPdHome] = cur.PdHome(cfg)
		exports[VarCometbftHome] = cur.CometbftHome(cfg)

		if cur.JoinURL != "" {
			exports[VarJoinURL] = cur.JoinURL
		}
	}

	keys := make([]string, 0, len(exports))

	for k := range exports {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		fmt.Fprintf(w, "export %s=%s\n", k, quote(exports[k]))
	}

	for _, v := range allVars {
		if _, ok := exports[v]; !ok {
			fmt.Fprintf(w, "unset %s\n", v)
		}
	}

	return nil
}

// quote single-quotes a value for sh eval, escaping embedded quotes.
func quote(s string) string {
	out := "'"

	for _, r := range s {
		if r == '\'' {
			out += `'\''`
			continue
		}

		out += string(r)
	}

	return out + "'"
}

type scriptData struct {
	Exe    string
	BinDir string
}

// Script renders the rc-file snippet for the named shell. The snippet puts
// the stable bin dir on PATH and installs a prompt hook that evals the
// export lines.
func Script(shell string, cfg *config.Config) (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", errors.WithStack(err)
	}

	var name string

	switch shell {
	case "bash":
		name = "bash-hook.sh.tmpl"
	case "zsh":
		name = "zsh-hook.sh.tmpl"
	default:
		return "", errors.Errorf("unsupported shell %q, use bash or zsh", shell)
	}

	var buf bytes.Buffer

	err = scripts.ExecuteTemplate(&buf, name, scriptData{
		Exe:    exe,
		BinDir: cfg.BinPath(),
	})
	if err != nil {
		return "", errors.WithStack(err)
	}

	return buf.String(), nil
}
