package release

import (
	"sort"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"
)

// Resolve picks the highest version among candidates that satisfies req.
// candidates are plain version strings, typically the locally installed
// set. KindRepo requirements resolve to themselves.
func Resolve(req Requirement, candidates []string) (string, error) {
	if req.Kind() == KindRepo {
		return req.RepoURL(), nil
	}

	if len(candidates) == 0 {
		return "", errors.WithStack(ErrNoReleases)
	}

	var versions []*semver.Version

	for _, c := range candidates {
		v, err := semver.NewVersion(c)
		if err != nil {
			continue
		}

		versions = append(versions, v)
	}

	best := pick(req, versions)
	if best == nil {
		return "", errors.Wrapf(ErrNotFound, "requirement %q", req)
	}

	return best.Original(), nil
}

// Select picks the release with the highest version satisfying req.
func Select(req Requirement, releases []*Release) (*Release, error) {
	if len(releases) == 0 {
		return nil, errors.WithStack(ErrNoReleases)
	}

	var versions []*semver.Version

	byVersion := make(map[string]*Release)

	for _, rel := range releases {
		if rel.Version == nil {
			continue
		}

		versions = append(versions, rel.Version)
		byVersion[rel.Version.Original()] = rel
	}

	best := pick(req, versions)
	if best == nil {
		return nil, errors.Wrapf(ErrNotFound, "requirement %q", req)
	}

	return byVersion[best.Original()], nil
}

// Filter keeps the releases whose version satisfies req, preserving order.
func Filter(req Requirement, releases []*Release) []*Release {
	var versions []*semver.Version

	for _, rel := range releases {
		if rel.Version != nil {
			versions = append(versions, rel.Version)
		}
	}

	latest := maxStable(versions)

	var out []*Release

	for _, rel := range releases {
		if rel.Version != nil && req.Matches(rel.Version, latest) {
			out = append(out, rel)
		}
	}

	return out
}

// FilterVersions keeps the version strings satisfying req.
func FilterVersions(req Requirement, candidates []string) []string {
	var versions []*semver.Version

	byOriginal := make(map[string]*semver.Version)

	for _, c := range candidates {
		v, err := semver.NewVersion(c)
		if err != nil {
			continue
		}

		versions = append(versions, v)
		byOriginal[c] = v
	}

	latest := maxStable(versions)

	var out []string

	for _, c := range candidates {
		v, ok := byOriginal[c]
		if ok && req.Matches(v, latest) {
			out = append(out, c)
		}
	}

	return out
}

func pick(req Requirement, versions []*semver.Version) *semver.Version {
	sort.Sort(semver.Collection(versions))

	latest := maxStable(versions)

	var best *semver.Version

	for _, v := range versions {
		if req.Matches(v, latest) {
			best = v
		}
	}

	return best
}

// maxStable is the newest version without a prerelease tag.
func maxStable(versions []*semver.Version) *semver.Version {
	var max *semver.Version

	for _, v := range versions {
		if v.Prerelease() != "" {
			continue
		}

		if max == nil || v.GreaterThan(max) {
			max = v
		}
	}

	return max
}
