package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-getter"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"lab47.dev/penv/pkg/config"
	"lab47.dev/penv/pkg/lockfile"
	"lab47.dev/penv/pkg/progress"
	"lab47.dev/penv/pkg/release"
)

// ErrChecksumMismatch means a downloaded archive did not hash to the value
// published next to it. Nothing from the download is committed.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// Installer downloads, verifies, and commits releases into the cache.
type Installer struct {
	common

	cfg      *config.Config
	cache    *Cache
	source   release.Source
	platform string
}

func NewInstaller(cfg *config.Config, c *Cache, src release.Source, platform string) *Installer {
	return &Installer{
		cfg:      cfg,
		cache:    c,
		source:   src,
		platform: platform,
	}
}

type fetched struct {
	binary string
	digest string
	err    error
}

// Install downloads every binary of rel for the installer's platform into
// a staging directory, verifies each archive against its published sha256,
// and only then renames the staging directory into versions/. A version
// that is already installed and still verifies on disk is returned as-is;
// an entry whose files have gone missing is dropped and reinstalled.
//
// Concurrent installs of the same version serialize on a per-version lock;
// whichever process wins does the work and the loser observes the
// committed entry when it reacquires.
func (i *Installer) Install(ctx context.Context, rel *release.Release) (Entry, error) {
	version := rel.Version.Original()

	unlock, err := lockfile.TakeNamed(ctx, i.cfg.LocksPath(), "install-"+version, func() {
		i.L().Info("waiting on install lock", "version", version)
	})
	if err != nil {
		return Entry{}, err
	}

	defer unlock()

	if e, err := i.cache.Lookup(version); err == nil {
		verr := i.cache.Verify(version)
		if verr == nil {
			i.L().Debug("version already installed", "version", version)
			return e, nil
		}

		i.L().Warn("installed version failed verification, reinstalling",
			"version", version, "error", verr)

		err = i.cache.Delete(ctx, version)
		if err != nil {
			return Entry{}, err
		}
	}

	if !rel.SupportsPlatform(i.platform) {
		return Entry{}, errors.Errorf(
			"release %s has no complete asset set for %s", version, i.platform)
	}

	assets := rel.AssetsFor(i.platform)

	stage := filepath.Join(i.cfg.StagingPath(),
		fmt.Sprintf("%s-%d", version, os.Getpid()))

	err = os.MkdirAll(filepath.Join(stage, "bin"), 0755)
	if err != nil {
		return Entry{}, errors.WithStack(err)
	}

	defer os.RemoveAll(stage)

	results := make(chan fetched, len(release.Binaries))

	for _, bin := range release.Binaries {
		go func(bin string, asset release.Asset) {
			digest, err := i.fetchBinary(ctx, stage, bin, asset)
			results <- fetched{binary: bin, digest: digest, err: err}
		}(bin, assets[bin])
	}

	entry := Entry{
		Version:     version,
		Binaries:    make(map[string]string),
		Digests:     make(map[string]string),
		InstalledAt: time.Now().UTC(),
	}

	var merr error

	for range release.Binaries {
		res := <-results
		if res.err != nil {
			merr = multierror.Append(merr, errors.Wrapf(res.err, "binary %s", res.binary))
			continue
		}

		entry.Binaries[res.binary] = filepath.Join("bin", res.binary)
		entry.Digests[res.binary] = res.digest
	}

	if merr != nil {
		return Entry{}, merr
	}

	err = os.Rename(stage, i.cache.VersionDir(version))
	if err != nil {
		return Entry{}, errors.WithStack(err)
	}

	err = i.cache.Add(ctx, entry)
	if err != nil {
		return Entry{}, err
	}

	i.L().Info("installed version", "version", version, "platform", i.platform)

	return entry, nil
}

// fetchBinary downloads one archive, verifies it, and unpacks the binary
// into <stage>/bin. The returned digest is the archive's sha256.
func (i *Installer) fetchBinary(ctx context.Context, stage, bin string, asset release.Asset) (string, error) {
	want, err := i.fetchChecksum(ctx, asset.ChecksumURL)
	if err != nil {
		return "", err
	}

	archive := filepath.Join(stage, asset.Name)

	got, err := i.download(ctx, asset, archive)
	if err != nil {
		return "", err
	}

	if got != want {
		return "", errors.Wrapf(ErrChecksumMismatch,
			"%s: expected %s, got %s", asset.Name, want, got)
	}

	unpack := filepath.Join(stage, bin+".unpack")

	err = getter.Decompressors["tar.gz"].Decompress(unpack, archive, true, 0)
	if err != nil {
		return "", errors.Wrapf(err, "unable to decompress %s", asset.Name)
	}

	err = i.placeBinary(unpack, filepath.Join(stage, "bin", bin), bin)
	if err != nil {
		return "", err
	}

	os.RemoveAll(unpack)
	os.Remove(archive)

	return got, nil
}

// fetchChecksum reads a published ".sha256" file. These are "sha256sum"
// output, so the digest is the first whitespace-delimited field.
func (i *Installer) fetchChecksum(ctx context.Context, url string) (string, error) {
	body, _, err := i.source.Fetch(ctx, url)
	if err != nil {
		return "", err
	}

	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, 1024))
	if err != nil {
		return "", errors.WithStack(err)
	}

	fields := strings.Fields(string(data))
	if len(fields) == 0 || len(fields[0]) != 64 {
		return "", errors.Errorf("malformed checksum file at %s", url)
	}

	return strings.ToLower(fields[0]), nil
}

func (i *Installer) download(ctx context.Context, asset release.Asset, dest string) (string, error) {
	body, size, err := i.source.Fetch(ctx, asset.URL)
	if err != nil {
		return "", err
	}

	defer body.Close()

	f, err := os.Create(dest)
	if err != nil {
		return "", errors.WithStack(err)
	}

	defer f.Close()

	bar := progress.Bytes(ctx, size, asset.Name)
	defer bar.Close()

	h := sha256.New()

	_, err = io.Copy(io.MultiWriter(f, h, bar), body)
	if err != nil {
		return "", errors.Wrapf(err, "downloading %s", asset.Name)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// placeBinary finds the named executable in an unpacked archive tree and
// moves it to dest. Archives sometimes nest the binary in a directory.
func (i *Installer) placeBinary(unpack, dest, bin string) error {
	var found string

	err := filepath.Walk(unpack, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if fi.Mode().IsRegular() && fi.Name() == bin {
			found = path
			return filepath.SkipAll
		}

		return nil
	})
	if err != nil {
		return errors.WithStack(err)
	}

	if found == "" {
		return errors.Errorf("archive did not contain a %q binary", bin)
	}

	err = os.Rename(found, dest)
	if err != nil {
		return errors.WithStack(err)
	}

	return errors.WithStack(os.Chmod(dest, 0755))
}
