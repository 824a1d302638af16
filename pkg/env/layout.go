package env

import (
	"context"
	"embed"
	"os"
	"path/filepath"
	"text/template"

	"github.com/pkg/errors"
)

//go:embed files/wrapper.sh.tmpl
var layoutFiles embed.FS

var wrapperTmpl = template.Must(
	template.ParseFS(layoutFiles, "files/wrapper.sh.tmpl"))

// materialize creates the environment's directory tree and populates its
// bin dir: symlinks into the cache for pinned versions, cargo wrapper
// scripts for checkouts.
func (r *Registry) materialize(e *Environment) error {
	dirs := []string{
		e.BinDir(r.cfg),
		e.PcliHome(r.cfg),
		e.PclientdHome(r.cfg),
	}

	if e.IncludeNode {
		dirs = append(dirs, e.PdHome(r.cfg), e.CometbftHome(r.cfg))
	}

	for _, dir := range dirs {
		err := os.MkdirAll(dir, 0755)
		if err != nil {
			return errors.WithStack(err)
		}
	}

	return r.relink(e)
}

// relink rebuilds the environment's bin dir for its current pin. Existing
// entries are replaced so upgrade can reuse it.
func (r *Registry) relink(e *Environment) error {
	binDir := e.BinDir(r.cfg)

	for _, bin := range e.Binaries() {
		target := filepath.Join(binDir, bin)

		err := os.Remove(target)
		if err != nil && !os.IsNotExist(err) {
			return errors.WithStack(err)
		}

		if e.IsCheckout() {
			err = r.writeWrapper(target, bin, r.checkouts.Dir(e.CheckoutURL))
		} else {
			err = r.linkCached(target, e.PinnedVersion, bin)
		}

		if err != nil {
			return err
		}
	}

	return nil
}

func (r *Registry) linkCached(target, version, bin string) error {
	src, err := r.cache.BinaryPath(version, bin)
	if err != nil {
		return err
	}

	return errors.WithStack(os.Symlink(src, target))
}

type wrapperData struct {
	Binary      string
	CheckoutDir string
}

// writeWrapper emits a shell script that builds and runs the binary from
// the checkout on each invocation.
func (r *Registry) writeWrapper(target, bin, checkoutDir string) error {
	f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0755)
	if err != nil {
		return errors.WithStack(err)
	}

	err = wrapperTmpl.Execute(f, wrapperData{
		Binary:      bin,
		CheckoutDir: checkoutDir,
	})
	if err != nil {
		f.Close()
		return errors.Wrapf(err, "writing wrapper for %s", bin)
	}

	return errors.WithStack(f.Close())
}

// teardown undoes a partially created environment: the directory tree and
// any checkout reference Create took before the failure.
func (r *Registry) teardown(ctx context.Context, e *Environment) {
	os.RemoveAll(e.RootDir(r.cfg))

	if e.IsCheckout() {
		err := r.checkouts.Release(ctx, e.CheckoutURL, e.Alias)
		if err != nil {
			r.L().Error("unable to release checkout reference",
				"url", e.CheckoutURL, "alias", e.Alias, "error", err)
		}
	}
}
