package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/quay/pypimirror/mirror"
)

type stubClient struct {
	serials map[string]int64
	ok      bool
}

func (s stubClient) ListPackagesWithSerial(ctx context.Context) (map[string]int64, bool) {
	return s.serials, s.ok
}

func TestSetAndSerial(t *testing.T) {
	r, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	r.Set("Requests", mirror.Serial(10))
	if s, ok := r.Serial("requests"); !ok || s != 10 {
		t.Errorf("got %d, %v, want 10, true", s, ok)
	}
	if name, ok := r.CanonicalName("requests"); !ok || name != "Requests" {
		t.Errorf("got %q, %v, want %q, true", name, ok, "Requests")
	}
	if got := r.MaxSerial(); got != 10 {
		t.Errorf("got %d, want 10", got)
	}
}

func TestCanonicalNameSparseForAlreadyNormalized(t *testing.T) {
	r, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	r.Set("requests", mirror.Serial(1))
	if name, ok := r.CanonicalName("requests"); !ok || name != "requests" {
		t.Errorf("got %q, %v, want %q, true", name, ok, "requests")
	}
	if _, ok := r.normname2name["requests"]; ok {
		t.Error("expected no reverse-index entry for an already-normalized name")
	}
	if _, ok := r.CanonicalName("nope"); ok {
		t.Error("expected ok=false for an unknown project")
	}
}

func TestPersistAndReload(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	r.Set("Flask", mirror.Serial(5))
	r.Set("requests", mirror.Serial(42))
	if err := r.Persist(); err != nil {
		t.Fatal(err)
	}

	r2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got := r2.MaxSerial(); got != 42 {
		t.Errorf("got %d, want 42", got)
	}
}

func TestBootstrapFatalWithoutUpstream(t *testing.T) {
	r, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	err = r.Bootstrap(context.Background(), stubClient{ok: false})
	if err == nil {
		t.Fatal("expected error bootstrapping an empty registry with no upstream")
	}
}

func TestBootstrapFromUpstream(t *testing.T) {
	r, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	err = r.Bootstrap(context.Background(), stubClient{ok: true, serials: map[string]int64{"requests": 99}})
	if err != nil {
		t.Fatal(err)
	}
	if s, ok := r.Serial("requests"); !ok || s != 99 {
		t.Errorf("got %d, %v, want 99, true", s, ok)
	}
}

func TestVersionMismatchPurges(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, versionFilename), []byte("0.1.0"), 0o644); err != nil {
		t.Fatal(err)
	}
	sentinel := filepath.Join(dir, "stale-file")
	if err := os.WriteFile(sentinel, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(dir); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(sentinel); !os.IsNotExist(err) {
		t.Error("expected stale on-disk layout to be purged")
	}
}
