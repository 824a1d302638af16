package release

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

const (
	githubAPI     = "https://api.github.com"
	githubAccept  = "application/vnd.github+json"
	githubVersion = "2022-11-28"

	maxRetries = 4
)

// GitHubSource lists releases from the GitHub releases API for a single
// owner/name repository.
type GitHubSource struct {
	common

	// Repository is "owner/name".
	Repository string

	Client *http.Client
}

func NewGitHubSource(repository string) *GitHubSource {
	return &GitHubSource{
		Repository: repository,
		Client: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}
}

type ghAsset struct {
	Name        string `json:"name"`
	DownloadURL string `json:"browser_download_url"`
	Size        int64  `json:"size"`
}

type ghRelease struct {
	TagName    string    `json:"tag_name"`
	Name       string    `json:"name"`
	Draft      bool      `json:"draft"`
	Prerelease bool      `json:"prerelease"`
	Assets     []ghAsset `json:"assets"`
}

// List fetches every page of the repository's releases and converts them to
// the index model. Draft releases and tags that do not parse as versions
// are skipped.
func (g *GitHubSource) List(ctx context.Context) ([]*Release, error) {
	var out []*Release

	for page := 1; ; page++ {
		url := fmt.Sprintf("%s/repos/%s/releases?per_page=100&page=%d",
			githubAPI, g.Repository, page)

		body, _, err := g.get(ctx, url)
		if err != nil {
			return nil, err
		}

		var raw []ghRelease

		err = json.NewDecoder(body).Decode(&raw)
		body.Close()

		if err != nil {
			return nil, errors.Wrapf(err, "decoding releases for %s", g.Repository)
		}

		for _, gr := range raw {
			if gr.Draft {
				continue
			}

			rel, ok := g.convert(gr)
			if !ok {
				continue
			}

			out = append(out, rel)
		}

		if len(raw) < 100 {
			break
		}
	}

	return out, nil
}

func (g *GitHubSource) convert(gr ghRelease) (*Release, bool) {
	ver, err := semver.NewVersion(strings.TrimPrefix(gr.TagName, "v"))
	if err != nil {
		g.L().Debug("skipping unparsable release tag", "tag", gr.TagName)
		return nil, false
	}

	checksums := make(map[string]string)

	for _, a := range gr.Assets {
		if strings.HasSuffix(a.Name, ".sha256") {
			checksums[strings.TrimSuffix(a.Name, ".sha256")] = a.DownloadURL
		}
	}

	rel := &Release{
		Version: ver,
		Name:    gr.Name,
	}

	for _, a := range gr.Assets {
		bin, platform, ok := splitAssetName(a.Name)
		if !ok {
			continue
		}

		rel.Assets = append(rel.Assets, Asset{
			Name:        a.Name,
			Binary:      bin,
			Platform:    platform,
			URL:         a.DownloadURL,
			ChecksumURL: checksums[a.Name],
		})
	}

	return rel, true
}

// splitAssetName decomposes "<binary>-<platform-triple>.tar.gz".
func splitAssetName(name string) (bin, platform string, ok bool) {
	if !strings.HasSuffix(name, ".tar.gz") {
		return "", "", false
	}

	stem := strings.TrimSuffix(name, ".tar.gz")

	for _, b := range Binaries {
		if strings.HasPrefix(stem, b+"-") {
			return b, strings.TrimPrefix(stem, b+"-"), true
		}
	}

	return "", "", false
}

// Fetch opens an asset body. Only the request is retried; once a body is
// handed back, the stream belongs to the caller.
func (g *GitHubSource) Fetch(ctx context.Context, url string) (io.ReadCloser, int64, error) {
	body, size, err := g.get(ctx, url)
	if err != nil {
		return nil, 0, err
	}

	return body, size, nil
}

func (g *GitHubSource) get(ctx context.Context, url string) (io.ReadCloser, int64, error) {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)

	var (
		body io.ReadCloser
		size int64
	)

	err := backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}

		req.Header.Set("Accept", githubAccept)
		req.Header.Set("X-GitHub-Api-Version", githubVersion)

		resp, err := g.Client.Do(req)
		if err != nil {
			g.L().Debug("request failed, retrying", "url", url, "error", err)
			return err
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			body = resp.Body
			size = resp.ContentLength
			return nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			resp.Body.Close()
			g.L().Debug("server error, retrying", "url", url, "status", resp.StatusCode)
			return errors.Errorf("status %d", resp.StatusCode)
		default:
			resp.Body.Close()
			return backoff.Permanent(errors.Errorf("status %d", resp.StatusCode))
		}
	}, policy)

	if err != nil {
		return nil, 0, errors.Wrapf(ErrFetchFailed, "GET %s: %v", url, err)
	}

	return body, size, nil
}
