// Package mirror implements the caching core of a private PyPI mirror: a
// read-through, serial-consistent cache of upstream release-link lists,
// backed by an XML-RPC change-log feed and a one-hop HTML crawl of the
// upstream simple index.
package mirror

// Serial is an upstream PyPI change-log serial number. Serials are
// monotonically increasing and are used both as a per-project freshness
// watermark and as the registry's global high-water mark.
type Serial int64

// ReleaseLink is a single link found on a project's simple-index page: an
// sdist, wheel, or other archive, or an "egg=" fragment link left over from
// setuptools' `dependency_links` era.
//
// Two ReleaseLinks with the same Basename are the same release artifact
// published under possibly different URLs (e.g. after a CDN migration); see
// mergeIfBetter in mirror/simpleindex for the rule used to pick a winner.
type ReleaseLink struct {
	// Basename is the final path segment of URL, stripped of any URL
	// fragment. It's the cache key used for merge-if-better.
	Basename string
	// URL is the absolute link target, including any "#egg=" or
	// "#sha256=..." fragment found in the source HTML.
	URL string
	// DigestName and DigestValue hold a "#<name>=<value>" hash fragment,
	// if present. A link with a digest always wins a merge against one
	// without, regardless of discovery order.
	DigestName  string
	DigestValue string
	// RequiresPython is the value of a data-requires-python attribute on
	// the source <a> tag, if present.
	RequiresPython string
	// Yanked records a PEP 592 data-yanked attribute: true if present at
	// all, with Reason holding its value if non-empty.
	Yanked       bool
	YankedReason string
	// EggFragment is the fragment of an "#egg=name-version" link with no
	// usable basename. Non-empty only for egg-links; such links are
	// ordered before every real archive, most recently discovered first,
	// and are never merged with one another.
	EggFragment string
	// Version is the PEP 440 version string recovered from Basename by
	// ParseArchiveVersion, empty if it could not be parsed.
	Version string
}

// IsEggLink reports whether l was discovered via a "#egg=" fragment rather
// than a real archive basename.
func (l ReleaseLink) IsEggLink() bool {
	return l.EggFragment != ""
}

// Entry is a ReleaseLink as returned to a caller of Stage.GetReleaseLinks:
// the ordering here is the order the caller should render or serve links in.
type Entry = ReleaseLink

// ProjectCacheRecord is the unit of storage in a ProjectCache: one project's
// worth of cached release links plus the bookkeeping needed to decide
// whether they're still fresh.
type ProjectCacheRecord struct {
	// Name is the canonical (non-normalized) project name as last seen from
	// upstream.
	Name string
	// Serial is the serial this record was computed as of.
	Serial Serial
	// LatestSerial is the highest serial the change-log loop has observed
	// for this project, which may be newer than Serial if a refresh hasn't
	// run yet.
	LatestSerial Serial
	// Entries is the cached, ordered release-link list.
	Entries []Entry
}

// Fresh reports whether the record's Serial is caught up with the newest
// serial the change-log loop has observed for the project.
func (r ProjectCacheRecord) Fresh() bool {
	return r.Serial >= r.LatestSerial
}
