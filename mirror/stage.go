package mirror

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/quay/zlog"

	"github.com/quay/pypimirror/datastore"
	"github.com/quay/pypimirror/mirror/registry"
	"github.com/quay/pypimirror/mirror/simpleindex"
	"github.com/quay/pypimirror/pkg/tracing"
)

// defaultSimpleIndexURL is the base upstream URL used to build a project's
// simple-index page URL when Config.BaseURL is unset.
const defaultSimpleIndexURL = "https://pypi.org/simple/"

// Config wires a Stage's collaborators. It's built by the embedder (there's
// no config-file parsing here; see DESIGN.md): a plain struct passed to a
// constructor rather than a shared, cyclically-referenced context object.
type Config struct {
	// HTTP is the client used for upstream simple-index fetches. If nil,
	// http.DefaultClient is used.
	HTTP *http.Client
	// BaseURL is the upstream simple-index root, e.g.
	// "https://pypi.org/simple/" for a primary, or a peer primary's own
	// simple-index root for a replica. Defaults to defaultSimpleIndexURL.
	BaseURL string
	// Replica marks this Stage as serving reads behind a primary: upstream
	// responses are expected to carry an X-DEVPI-SERIAL header, and a
	// cache miss is resolved by waiting on Notifier rather than by staleness
	// comparison against Registry.
	Replica bool

	Registry *registry.MirrorRegistry
	Cache    datastore.ProjectCache
	// Notifier is required when Replica is true; it's ignored otherwise.
	Notifier datastore.Notifier
	Crawler  *simpleindex.Crawler
}

// Stage is the public facade: read-through access to a project's cached
// release links, refreshing from upstream on a cache miss or staleness, per
// the consistency rules in the package design notes.
type Stage struct {
	cfg Config
}

// NewStage constructs a Stage from cfg. It does not itself open any network
// connections or database handles; those are the caller's responsibility to
// construct and pass in, keeping Stage free of the cyclic ownership the
// implementation it's modeled on is flagged for.
func NewStage(cfg Config) *Stage {
	if cfg.HTTP == nil {
		cfg.HTTP = http.DefaultClient
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultSimpleIndexURL
	}
	if cfg.Crawler == nil {
		cfg.Crawler = &simpleindex.Crawler{HTTP: cfg.HTTP}
	}
	return &Stage{cfg: cfg}
}

// GetReleaseLinks returns the ordered release-link list for name, refreshing
// from upstream as needed. See ResultKind's documentation for the meaning
// of each non-entries outcome.
func (s *Stage) GetReleaseLinks(ctx context.Context, name string) (Result, error) {
	ctx, span := tracing.Start(ctx, "Stage.GetReleaseLinks")
	defer span.End()

	rec, found, err := s.cfg.Cache.Load(ctx, name)
	if err != nil {
		return Result{}, err
	}
	if found && rec.Fresh() {
		return Result{Kind: ResultEntries, Entries: rec.Entries}, nil
	}

	norm := ProjectName(name).Normalize()
	if _, known := s.cfg.Registry.Serial(name); !known {
		return Result{Kind: ResultNotFound}, nil
	}
	// Resolve to the canonical raw name the registry last saw from upstream
	// (e.g. "Flask-Login" for a request of "flask_login"), so the upstream
	// fetch and the stored cache record both key on the same spelling.
	canonical, ok := s.cfg.Registry.CanonicalName(norm)
	if !ok {
		canonical = name
	}

	resp, err := s.fetchIndex(ctx, canonical)
	if err != nil {
		zlog.Warn(ctx).Err(err).Str("project", canonical).Msg("upstream simple-index fetch failed")
		return Result{Kind: ResultUpstreamUnavailable}, nil
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotFound:
		return Result{Kind: ResultNotFound}, nil
	case http.StatusOK:
	default:
		return Result{Kind: ResultUpstreamUnavailable}, nil
	}

	if s.cfg.Replica {
		return s.replicaRefresh(ctx, canonical, resp)
	}
	return s.primaryRefresh(ctx, canonical, resp)
}

func (s *Stage) fetchIndex(ctx context.Context, name string) (*http.Response, error) {
	u, err := url.Parse(s.cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	u = u.JoinPath(name + "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return s.cfg.HTTP.Do(req)
}

// replicaRefresh implements the replica branch: wait for the local
// applied-transaction serial to catch up to the primary's X-DEVPI-SERIAL,
// then retry the cache load once. A timed-out wait reports ResultBadGateway
// (502), matching the upstream sentinel for "the primary never caught us
// up".
func (s *Stage) replicaRefresh(ctx context.Context, name string, resp *http.Response) (Result, error) {
	serial, err := headerSerial(resp, "X-Devpi-Serial")
	if err != nil {
		return Result{}, err
	}
	if s.cfg.Notifier != nil {
		if err := s.cfg.Notifier.WaitAppliedSerial(ctx, serial); err != nil {
			return Result{Kind: ResultBadGateway}, nil
		}
	}
	rec, found, err := s.cfg.Cache.Load(ctx, name)
	if err != nil {
		return Result{}, err
	}
	if found && rec.Fresh() {
		return Result{Kind: ResultEntries, Entries: rec.Entries}, nil
	}
	return Result{Kind: ResultBadGateway}, nil
}

// primaryRefresh implements the primary branch: compare upstream's
// X-PyPI-Last-Serial against the registry's record for name, bail out with
// ResultStale (-2) if upstream is behind what the registry already knows
// (the change-log loop will catch it up shortly), otherwise parse and crawl
// the fetched page and write the result back to the cache under the
// upstream-reported serial.
func (s *Stage) primaryRefresh(ctx context.Context, name string, resp *http.Response) (Result, error) {
	upstreamSerial, err := headerSerial(resp, "X-Pypi-Last-Serial")
	registrySerial, known := s.cfg.Registry.Serial(name)
	if err == nil {
		if known && upstreamSerial < registrySerial {
			return Result{Kind: ResultStale}, nil
		}
	} else {
		// No usable upstream serial to record; fall back to what the
		// registry already knows rather than stamping the cache record
		// with a bogus zero serial.
		upstreamSerial = registrySerial
	}

	p := simpleindex.NewParser(name)
	if err := p.ParseIndex(resp.Request.URL, resp.Body, true); err != nil {
		return Result{}, err
	}
	if crawlLinks := p.CrawlLinks(); len(crawlLinks) > 0 {
		if err := s.cfg.Crawler.Crawl(ctx, p, crawlLinks); err != nil {
			zlog.Warn(ctx).Err(err).Str("project", name).Msg("crawl step failed, serving links found on the index page only")
		}
	}

	entries := p.ReleaseLinks()
	rec := ProjectCacheRecord{
		Name:         name,
		Serial:       upstreamSerial,
		LatestSerial: upstreamSerial,
		Entries:      entries,
	}
	if _, err := s.cfg.Cache.Store(ctx, rec); err != nil {
		return Result{}, err
	}
	return Result{Kind: ResultEntries, Entries: entries}, nil
}

// ProjectConfig is the derived getprojectconfig operation: release links
// grouped by version string, egg-links grouped under their own
// "egg=<fragment>" pseudo-version key, each mapping a basename to the URL
// (with any digest fragment) for that file.
type ProjectConfig struct {
	Name     string
	Versions map[string]VersionFiles
}

// VersionFiles is one ProjectConfig version group.
type VersionFiles struct {
	Name    string
	Version string
	Files   map[string]string // basename -> URL
}

// ProjectConfig builds the grouped-by-version view of a project's release
// links, reusing whatever GetReleaseLinks returns (so it shares its
// freshness/refresh semantics) without a second network round trip.
func (s *Stage) ProjectConfig(ctx context.Context, name string) (ProjectConfig, Result, error) {
	res, err := s.GetReleaseLinks(ctx, name)
	if err != nil || !res.Ok() {
		return ProjectConfig{}, res, err
	}

	pc := ProjectConfig{Name: name, Versions: make(map[string]VersionFiles)}
	for _, l := range res.Entries {
		key := l.Version
		if l.IsEggLink() {
			key = "egg=" + l.EggFragment
		}
		vf, ok := pc.Versions[key]
		if !ok {
			vf = VersionFiles{Name: name, Version: key, Files: make(map[string]string)}
		}
		vf.Files[l.Basename] = l.URL
		pc.Versions[key] = vf
	}
	return pc, res, nil
}

func headerSerial(resp *http.Response, header string) (Serial, error) {
	v := resp.Header.Get(header)
	if v == "" {
		return 0, &Error{Op: "headerSerial", Kind: ErrPrecondition, Message: "missing " + header + " header"}
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, &Error{Op: "headerSerial", Kind: ErrInvalid, Inner: err}
	}
	return Serial(n), nil
}
