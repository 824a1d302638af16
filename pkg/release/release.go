// Package release models the remote release index: the versions published
// upstream, their per-binary archives, and the requirement grammar used to
// select among them.
package release

import (
	"context"
	"io"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"
)

var (
	// ErrNotFound means no candidate satisfied the requirement.
	ErrNotFound = errors.New("no version satisfies the requirement")

	// ErrNoReleases means the candidate set itself was empty, which calls
	// for different user messaging than a requirement that merely missed.
	ErrNoReleases = errors.New("no releases available")

	// ErrFetchFailed is returned once transient network retries are
	// exhausted.
	ErrFetchFailed = errors.New("fetch failed")
)

// Binaries are the managed executables shipped in every release.
var Binaries = []string{"pcli", "pclientd", "pd"}

// Asset is one downloadable archive plus the URL of its checksum file.
type Asset struct {
	Name        string `json:"name"`
	Binary      string `json:"binary"`
	Platform    string `json:"platform"`
	URL         string `json:"url"`
	ChecksumURL string `json:"checksum_url"`
}

// Release is remote metadata for a single published version. Releases are
// re-fetched on every index query and never persisted.
type Release struct {
	Version *semver.Version
	Name    string
	Assets  []Asset
}

// AssetsFor returns the per-binary assets for the given platform triple.
func (r *Release) AssetsFor(platform string) map[string]Asset {
	out := make(map[string]Asset)

	for _, a := range r.Assets {
		if a.Platform == platform {
			out[a.Binary] = a
		}
	}

	return out
}

// SupportsPlatform reports whether every managed binary has an archive and
// a checksum file for the platform.
func (r *Release) SupportsPlatform(platform string) bool {
	assets := r.AssetsFor(platform)

	for _, bin := range Binaries {
		a, ok := assets[bin]
		if !ok || a.ChecksumURL == "" {
			return false
		}
	}

	return true
}

// Source is the capability boundary to the remote release host. The
// installer and resolver consume it; tests inject fakes.
type Source interface {
	// List returns all published releases, newest state each call.
	List(ctx context.Context) ([]*Release, error)

	// Fetch opens the body of a release asset. The returned size is -1
	// when unknown.
	Fetch(ctx context.Context, url string) (io.ReadCloser, int64, error)
}
