package release

import (
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"
)

// Kind classifies a parsed requirement.
type Kind int

const (
	// KindRange selects released versions by semver constraint.
	KindRange Kind = iota

	// KindLatest selects the newest stable release.
	KindLatest

	// KindRepo tracks a git repository instead of the release index.
	KindRepo
)

// scp-style remotes, e.g. git@github.com:org/repo.git.
var scpLike = regexp.MustCompile(`^([a-zA-Z0-9-_.]+)@([a-zA-Z0-9-_.]+):(.*?)(\.git)?$`)

// Requirement is a parsed version requirement: a semver range, the literal
// "latest", or a git remote.
type Requirement struct {
	raw  string
	kind Kind
	rng  *semver.Constraints
}

// ParseRequirement parses a requirement string. "latest" wins first, then
// any valid semver constraint; anything else is treated as a git remote,
// each remote being its own version space.
func ParseRequirement(s string) (Requirement, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Requirement{}, errors.New("empty version requirement")
	}

	if strings.EqualFold(s, "latest") {
		return Requirement{raw: "latest", kind: KindLatest}, nil
	}

	if rng, err := semver.NewConstraint(s); err == nil {
		return Requirement{raw: s, kind: KindRange, rng: rng}, nil
	}

	if isRemote(s) {
		return Requirement{raw: s, kind: KindRepo}, nil
	}

	return Requirement{}, errors.Errorf("not a version range or git remote: %q", s)
}

func isRemote(s string) bool {
	for _, prefix := range []string{"http://", "https://", "ssh://", "git://", "file://"} {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}

	return scpLike.MatchString(s)
}

func (r Requirement) Kind() Kind {
	return r.kind
}

func (r Requirement) String() string {
	return r.raw
}

// RepoURL returns the git remote for KindRepo requirements.
func (r Requirement) RepoURL() string {
	if r.kind != KindRepo {
		return ""
	}

	return r.raw
}

// Matches reports whether version v satisfies the requirement. For
// KindLatest the caller passes the newest known stable version as latest.
// Prereleases only match a range that itself names a prerelease.
func (r Requirement) Matches(v, latest *semver.Version) bool {
	switch r.kind {
	case KindLatest:
		return latest != nil && v.Equal(latest)
	case KindRange:
		return r.rng.Check(v)
	default:
		return false
	}
}
