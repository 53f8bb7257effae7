// Package simpleindex implements the PyPI "simple index" HTML format: link
// extraction (IndexParser) and the one-hop crawl that follows same-page
// rel="..." links found while parsing it (Crawler).
package simpleindex

import (
	"io"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/quay/pypimirror/mirror"
	"github.com/quay/pypimirror/pkg/pep440"
)

// Parser accumulates the release links found across one or more simple-index
// pages for a single project. The zero value is ready to use.
//
// A Parser is not safe for concurrent use.
type Parser struct {
	projectName string

	basename2link map[string]mirror.ReleaseLink
	eggLinks      []mirror.ReleaseLink
	crawlLinks    map[string]struct{}
}

// NewParser returns a Parser that will classify egg-link fragments against
// the normalized form of projectName.
func NewParser(projectName string) *Parser {
	return &Parser{
		projectName:   projectName,
		basename2link: make(map[string]mirror.ReleaseLink),
		crawlLinks:    make(map[string]struct{}),
	}
}

// ParseIndex reads one HTML page and merges the archive and egg links it
// finds into the accumulated result. base is the URL the page was fetched
// from, used to resolve relative hrefs. If scrape is true, links carrying a
// rel="homepage" or rel="download" attribute that don't look like a release
// archive or egg-link are collected as crawl candidates (CrawlLinks); every
// other non-archive link is discarded.
func (p *Parser) ParseIndex(base *url.URL, r io.Reader, scrape bool) error {
	z := html.NewTokenizer(r)
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if err := z.Err(); err != io.EOF {
				return err
			}
			return nil
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			if tok.DataAtom != atom.A {
				continue
			}
			p.handleAnchor(base, tok, scrape)
		}
	}
}

func (p *Parser) handleAnchor(base *url.URL, tok html.Token, scrape bool) {
	var href, requiresPython string
	var yanked bool
	var yankedReason string
	var rel string
	for _, a := range tok.Attr {
		switch a.Key {
		case "href":
			href = a.Val
		case "data-requires-python":
			requiresPython = a.Val
		case "data-yanked":
			yanked = true
			yankedReason = a.Val
		case "rel":
			rel = a.Val
		}
	}
	if href == "" {
		return
	}
	u, err := url.Parse(href)
	if err != nil {
		return
	}
	resolved := base.ResolveReference(u)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return
	}

	if resolved.Fragment != "" && strings.HasPrefix(resolved.Fragment, "egg=") {
		p.handleEggLink(resolved, resolved.Fragment[len("egg="):], requiresPython, yanked, yankedReason)
		return
	}

	path := resolved.Path
	basename := path
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		basename = path[i+1:]
	}
	if version, err := mirror.ParseArchiveVersion(p.projectName, basename); err == nil {
		digestName, digestValue := splitDigestFragment(resolved.Fragment)
		withoutFragment := *resolved
		withoutFragment.Fragment = ""
		link := mirror.ReleaseLink{
			Basename:       basename,
			URL:            withoutFragment.String() + fragmentSuffix(resolved.Fragment),
			DigestName:     digestName,
			DigestValue:    digestValue,
			RequiresPython: requiresPython,
			Yanked:         yanked,
			YankedReason:   yankedReason,
			Version:        version.String(),
		}
		p.mergeIfBetter(link)
		return
	}

	if scrape && isRelLink(rel) {
		clean := *resolved
		clean.Fragment = ""
		p.crawlLinks[clean.String()] = struct{}{}
	}
}

// handleEggLink records an "#egg=" link. If the egg fragment's normalized
// prefix names this project, the link is front-inserted into EggLinks (so
// the most recently discovered egg-link comes first), and egg-links are
// served ahead of every release archive; otherwise it's skipped.
// This front-insertion, and the fact that egg-links are never merged with
// one another the way archive links are, is preserved verbatim from the
// implementation this package was ported from.
func (p *Parser) handleEggLink(u *url.URL, fragment, requiresPython string, yanked bool, yankedReason string) {
	name := fragment
	if i := strings.IndexAny(fragment, "-["); i >= 0 {
		name = fragment[:i]
	}
	if mirror.ProjectName(name).Normalize() != mirror.ProjectName(p.projectName).Normalize() {
		return
	}
	clean := *u
	clean.Fragment = ""
	p.eggLinks = append([]mirror.ReleaseLink{{
		EggFragment:    fragment,
		URL:            clean.String() + "#egg=" + fragment,
		RequiresPython: requiresPython,
		Yanked:         yanked,
		YankedReason:   yankedReason,
	}}, p.eggLinks...)
}

// mergeIfBetter records link as the current winner for its basename unless
// an existing link for the same basename already carries a digest and link
// doesn't: a digest-bearing link is always preferred over a bare one,
// independent of discovery order, since it lets the caller verify content
// after download.
func (p *Parser) mergeIfBetter(link mirror.ReleaseLink) {
	existing, ok := p.basename2link[link.Basename]
	if ok && existing.DigestValue != "" && link.DigestValue == "" {
		return
	}
	p.basename2link[link.Basename] = link
}

// ReleaseLinks returns the accumulated links in final serving order:
// egg-links first, most recently discovered first, followed by archive links sorted by
// descending parsed version (ties broken by basename, ascending, for
// determinism).
func (p *Parser) ReleaseLinks() []mirror.ReleaseLink {
	out := make([]mirror.ReleaseLink, 0, len(p.eggLinks)+len(p.basename2link))
	out = append(out, p.eggLinks...)

	archives := make([]mirror.ReleaseLink, 0, len(p.basename2link))
	for _, l := range p.basename2link {
		archives = append(archives, l)
	}
	sort.Slice(archives, func(i, j int) bool {
		vi, ei := pep440.Parse(archives[i].Version)
		vj, ej := pep440.Parse(archives[j].Version)
		switch {
		case ei == nil && ej == nil:
			if c := vi.Compare(&vj); c != 0 {
				return c > 0
			}
		case ei == nil:
			return true
		case ej == nil:
			return false
		}
		return archives[i].Basename < archives[j].Basename
	})
	return append(out, archives...)
}

// CrawlLinks returns the set of same-page links collected as crawl
// candidates during a scrape=true ParseIndex call, deduplicated, in no
// particular order.
func (p *Parser) CrawlLinks() []string {
	out := make([]string, 0, len(p.crawlLinks))
	for u := range p.crawlLinks {
		out = append(out, u)
	}
	return out
}

func isRelLink(rel string) bool {
	for _, f := range strings.Fields(rel) {
		if f == "homepage" || f == "download" {
			return true
		}
	}
	return false
}

func splitDigestFragment(fragment string) (name, value string) {
	i := strings.IndexByte(fragment, '=')
	if i < 0 {
		return "", ""
	}
	return fragment[:i], fragment[i+1:]
}

func fragmentSuffix(fragment string) string {
	if fragment == "" {
		return ""
	}
	return "#" + fragment
}
