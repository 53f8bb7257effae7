package mirror

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/quay/pypimirror/mirror/registry"
)

type stubCache struct {
	records map[string]ProjectCacheRecord
	stores  int
}

func newStubCache() *stubCache { return &stubCache{records: make(map[string]ProjectCacheRecord)} }

func (c *stubCache) Load(ctx context.Context, name string) (ProjectCacheRecord, bool, error) {
	rec, ok := c.records[ProjectName(name).Normalize()]
	return rec, ok, nil
}

func (c *stubCache) Store(ctx context.Context, rec ProjectCacheRecord) (uuid.UUID, error) {
	c.stores++
	c.records[ProjectName(rec.Name).Normalize()] = rec
	return uuid.New(), nil
}

func (c *stubCache) BumpLatest(ctx context.Context, name string, serial Serial) error {
	norm := ProjectName(name).Normalize()
	rec := c.records[norm]
	rec.Name = name
	if serial > rec.LatestSerial {
		rec.LatestSerial = serial
	}
	c.records[norm] = rec
	return nil
}

func TestGetReleaseLinksCacheHit(t *testing.T) {
	reg, err := registry.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	reg.Set("requests", Serial(5))
	cache := newStubCache()
	cache.records["requests"] = ProjectCacheRecord{Name: "requests", Serial: 5, LatestSerial: 5, Entries: []Entry{{Basename: "requests-1.0.tar.gz"}}}

	s := NewStage(Config{Registry: reg, Cache: cache})
	res, err := s.GetReleaseLinks(context.Background(), "requests")
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != ResultEntries || len(res.Entries) != 1 {
		t.Fatalf("got %+v", res)
	}
}

func TestGetReleaseLinksUnknownProject(t *testing.T) {
	reg, err := registry.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s := NewStage(Config{Registry: reg, Cache: newStubCache()})
	res, err := s.GetReleaseLinks(context.Background(), "nope")
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != ResultNotFound {
		t.Fatalf("got %+v, want ResultNotFound", res)
	}
}

func TestGetReleaseLinksPrimaryRefresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Pypi-Last-Serial", "5")
		w.Write([]byte(`<a href="../../packages/requests-2.31.0.tar.gz">requests-2.31.0.tar.gz</a>`))
	}))
	defer srv.Close()

	reg, err := registry.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	reg.Set("requests", Serial(5))
	cache := newStubCache()

	s := NewStage(Config{Registry: reg, Cache: cache, BaseURL: srv.URL + "/"})
	res, err := s.GetReleaseLinks(context.Background(), "requests")
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != ResultEntries || len(res.Entries) != 1 {
		t.Fatalf("got %+v", res)
	}
	if cache.stores != 1 {
		t.Errorf("expected a cache write, got %d", cache.stores)
	}
}

func TestGetReleaseLinksPrimaryStale(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Pypi-Last-Serial", "5")
		w.Write([]byte(`<a href="../../packages/requests-2.31.0.tar.gz">requests-2.31.0.tar.gz</a>`))
	}))
	defer srv.Close()

	reg, err := registry.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	reg.Set("requests", Serial(999)) // upstream's response header trails the registry
	cache := newStubCache()

	s := NewStage(Config{Registry: reg, Cache: cache, BaseURL: srv.URL + "/"})
	res, err := s.GetReleaseLinks(context.Background(), "requests")
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != ResultStale {
		t.Fatalf("got %+v, want ResultStale", res)
	}
	if cache.stores != 0 {
		t.Errorf("expected no cache write on stale, got %d", cache.stores)
	}
}

func TestGetReleaseLinksPrimaryRefreshStoresUpstreamSerial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Pypi-Last-Serial", "999")
		w.Write([]byte(`<a href="../../packages/requests-2.31.0.tar.gz">requests-2.31.0.tar.gz</a>`))
	}))
	defer srv.Close()

	reg, err := registry.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	reg.Set("requests", Serial(5)) // upstream leads the registry; not stale
	cache := newStubCache()

	s := NewStage(Config{Registry: reg, Cache: cache, BaseURL: srv.URL + "/"})
	res, err := s.GetReleaseLinks(context.Background(), "requests")
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != ResultEntries {
		t.Fatalf("got %+v, want ResultEntries", res)
	}
	stored := cache.records["requests"]
	if stored.Serial != 999 || stored.LatestSerial != 999 {
		t.Fatalf("got %+v, want Serial/LatestSerial=999", stored)
	}
}

func TestGetReleaseLinksUsesCanonicalRawName(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("X-Pypi-Last-Serial", "5")
		w.Write([]byte(`<a href="../../packages/Flask-Login-0.6.3.tar.gz">Flask-Login-0.6.3.tar.gz</a>`))
	}))
	defer srv.Close()

	reg, err := registry.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	reg.Set("Flask-Login", Serial(5))
	cache := newStubCache()

	s := NewStage(Config{Registry: reg, Cache: cache, BaseURL: srv.URL + "/"})
	res, err := s.GetReleaseLinks(context.Background(), "flask_login")
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != ResultEntries {
		t.Fatalf("got %+v, want ResultEntries", res)
	}
	if gotPath != "/Flask-Login/" {
		t.Errorf("got request path %q, want %q", gotPath, "/Flask-Login/")
	}
	if _, ok := cache.records["flask-login"]; !ok {
		t.Fatal("expected cache write keyed by normalized name")
	}
	if cache.records["flask-login"].Name != "Flask-Login" {
		t.Errorf("got cached Name %q, want %q", cache.records["flask-login"].Name, "Flask-Login")
	}
}

func TestGetReleaseLinksUpstreamUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	reg, err := registry.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	reg.Set("requests", Serial(5))
	s := NewStage(Config{Registry: reg, Cache: newStubCache(), BaseURL: srv.URL + "/"})
	res, err := s.GetReleaseLinks(context.Background(), "requests")
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != ResultUpstreamUnavailable {
		t.Fatalf("got %+v, want ResultUpstreamUnavailable", res)
	}
}

func TestProjectConfigGroupsByVersion(t *testing.T) {
	reg, err := registry.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	reg.Set("requests", Serial(5))
	cache := newStubCache()
	cache.records["requests"] = ProjectCacheRecord{
		Name: "requests", Serial: 5, LatestSerial: 5,
		Entries: []Entry{
			{Basename: "requests-2.31.0.tar.gz", URL: "https://example/requests-2.31.0.tar.gz", Version: "2.31.0"},
			{Basename: "requests-2.31.0-py3-none-any.whl", URL: "https://example/requests-2.31.0-py3-none-any.whl", Version: "2.31.0"},
		},
	}

	s := NewStage(Config{Registry: reg, Cache: cache})
	pc, res, err := s.ProjectConfig(context.Background(), "requests")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Ok() {
		t.Fatalf("got %+v", res)
	}
	vf, ok := pc.Versions["2.31.0"]
	if !ok || len(vf.Files) != 2 {
		t.Fatalf("got %+v", pc.Versions)
	}
}
