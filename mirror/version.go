package mirror

import (
	"regexp"
	"strings"

	"golang.org/x/xerrors"

	"github.com/quay/pypimirror/pkg/pep440"
)

// archiveExt matches the file extensions a release archive basename may
// carry, longest-first so "tar.gz" is preferred over a bare "gz" match.
var archiveExt = regexp.MustCompile(`(?i)\.(tar\.gz|tar\.bz2|tar\.xz|tar\.z|tgz|zip|whl|egg|exe|msi)$`)

// wheelName splits a wheel basename's dash-delimited fields; PEP 427 fixes
// the second field as the version regardless of how many dashes the project
// name itself contains.
var wheelName = regexp.MustCompile(`^([^-]+)-([^-]+)-`)

// ParseArchiveVersion recovers a PEP 440 version from a release archive's
// basename, e.g. "requests-2.31.0.tar.gz" -> "2.31.0".
//
// Sdist names are ambiguous: both the project name and the version may
// contain dashes, so the version is recovered by stripping the extension and
// the longest known-name prefix is not attempted here -- callers are
// expected to pass the already-known project name so it can be stripped.
func ParseArchiveVersion(projectName, basename string) (pep440.Version, error) {
	stem := archiveExt.ReplaceAllString(basename, "")
	if stem == basename {
		return pep440.Version{}, xerrors.Errorf("mirror: unrecognized archive extension: %q", basename)
	}

	if m := wheelName.FindStringSubmatch(stem); m != nil && strings.EqualFold(normalizeDash(m[1]), normalizeDash(projectName)) {
		v, err := pep440.Parse(m[2])
		if err != nil {
			return v, xerrors.Errorf("mirror: parsing wheel version in %q: %w", basename, err)
		}
		return v, nil
	}

	prefix := normalizeDash(projectName) + "-"
	normStem := normalizeDash(stem)
	if !strings.HasPrefix(normStem, prefix) {
		return pep440.Version{}, xerrors.Errorf("mirror: basename %q does not start with project name %q", basename, projectName)
	}
	// Walk the original stem forward by the same number of runes the
	// normalized prefix consumed; project names and their normalized forms
	// are the same length modulo separator characters, which are single
	// runes in both representations.
	rest := stem[len(projectName)+1:]
	v, err := pep440.Parse(rest)
	if err != nil {
		return v, xerrors.Errorf("mirror: parsing version in %q: %w", basename, err)
	}
	return v, nil
}

func normalizeDash(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '_', '.':
			return '-'
		}
		if r >= 'A' && r <= 'Z' {
			return r - 'A' + 'a'
		}
		return r
	}, s)
}
