// Package registry implements the MirrorRegistry: the in-memory
// project-name -> serial table the change-log loop maintains, periodically
// persisted to disk so a restart doesn't require a full re-bootstrap from
// upstream.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Masterminds/semver"
	"github.com/quay/zlog"

	"github.com/quay/pypimirror/mirror"
)

// onDiskVersion is compared against the ".mirrorversion" file in a
// registry's base directory at Open time. Bumping it invalidates every
// existing on-disk layout: a "wrong generation, wipe and start over"
// behavior, using a version range check (versionConstraint) instead of a
// bare string compare.
const onDiskVersion = "1.0.0"

// versionConstraint is the tilde range "~onDiskVersion": it accepts an
// on-disk layout at or above onDiskVersion within the same major.minor
// version. An older version, a different major or minor version, or an
// unparseable one fails the check.
var versionConstraint = func() semver.Constraints {
	c, err := semver.NewConstraint(fmt.Sprintf("~%s", onDiskVersion))
	if err != nil {
		panic(err)
	}
	return c
}()

const (
	versionFilename = ".mirrorversion"
	blobFilename    = "registry.json"
)

// XMLRPCClient is the subset of pkg/xmlrpc.Client the registry needs to
// bootstrap from upstream when no on-disk blob is present.
type XMLRPCClient interface {
	ListPackagesWithSerial(ctx context.Context) (map[string]int64, bool)
}

// MirrorRegistry is the name2serials / normname2name table described in the
// data model: a sparse reverse index from a normalized project name to its
// last-seen canonical spelling, alongside the serial upstream reported for
// it, and the one upstream-wide maximum serial value derived from it.
//
// A MirrorRegistry is safe for concurrent use.
type MirrorRegistry struct {
	dir string

	mu            sync.RWMutex
	name2serial   map[string]mirror.Serial
	normname2name map[string]string
}

// Open prepares a MirrorRegistry backed by dir, purging dir's contents if
// its ".mirrorversion" file (absent counts as "0") doesn't satisfy
// versionConstraint, then loading any registry.json blob that remains.
func Open(dir string) (*MirrorRegistry, error) {
	if err := checkVersion(dir); err != nil {
		return nil, fmt.Errorf("registry: checking on-disk version: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("registry: creating base dir: %w", err)
	}

	r := &MirrorRegistry{
		dir:           dir,
		name2serial:   make(map[string]mirror.Serial),
		normname2name: make(map[string]string),
	}
	if err := r.load(); err != nil {
		return nil, fmt.Errorf("registry: loading blob: %w", err)
	}
	return r, nil
}

func checkVersion(dir string) error {
	vf := filepath.Join(dir, versionFilename)
	raw, err := os.ReadFile(vf)
	var onDisk string
	switch {
	case err == nil:
		onDisk = string(raw)
	case os.IsNotExist(err):
		onDisk = "0.0.0"
	default:
		return err
	}
	v, err := semver.NewVersion(onDisk)
	if err != nil || !versionConstraint.Check(v) {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("purging stale layout: %w", err)
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(vf, []byte(onDiskVersion), 0o644)
}

func (r *MirrorRegistry) blobPath() string {
	return filepath.Join(r.dir, blobFilename)
}

type diskRecord struct {
	Name   string       `json:"name"`
	Serial mirror.Serial `json:"serial"`
}

func (r *MirrorRegistry) load() error {
	raw, err := os.ReadFile(r.blobPath())
	switch {
	case err == nil:
	case os.IsNotExist(err):
		return nil
	default:
		return err
	}
	var records []diskRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		norm := mirror.ProjectName(rec.Name).Normalize()
		r.name2serial[norm] = rec.Serial
		if rec.Name != norm {
			r.normname2name[norm] = rec.Name
		}
	}
	return nil
}

// Persist atomically rewrites the registry.json blob via
// write-temp-then-rename, so a crash mid-write never leaves a half-written
// file in its place.
func (r *MirrorRegistry) Persist() error {
	r.mu.RLock()
	records := make([]diskRecord, 0, len(r.name2serial))
	for norm, serial := range r.name2serial {
		name, ok := r.normname2name[norm]
		if !ok {
			name = norm
		}
		records = append(records, diskRecord{Name: name, Serial: serial})
	}
	r.mu.RUnlock()

	raw, err := json.Marshal(records)
	if err != nil {
		return err
	}

	f, err := os.CreateTemp(r.dir, "registry-*.json.tmp")
	if err != nil {
		return err
	}
	tmpName := f.Name()
	if _, err := f.Write(raw); err != nil {
		f.Close()
		os.Remove(tmpName)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpName)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, r.blobPath())
}

// Bootstrap populates the registry from upstream if it's empty: the
// fallback used when no on-disk state survives a restart. It returns an
// error if the registry is empty and upstream can't be reached either: an
// empty, unbootstrapped registry must never be mistaken for "upstream has
// no packages".
func (r *MirrorRegistry) Bootstrap(ctx context.Context, client XMLRPCClient) error {
	r.mu.RLock()
	empty := len(r.name2serial) == 0
	r.mu.RUnlock()
	if !empty {
		return nil
	}

	serials, ok := client.ListPackagesWithSerial(ctx)
	if !ok {
		return fmt.Errorf("registry: bootstrap: upstream list_packages_with_serial unavailable")
	}
	r.mu.Lock()
	for name, serial := range serials {
		norm := mirror.ProjectName(name).Normalize()
		r.name2serial[norm] = mirror.Serial(serial)
		if name != norm {
			r.normname2name[norm] = name
		}
	}
	r.mu.Unlock()
	zlog.Info(ctx).Int("count", len(serials)).Msg("bootstrapped registry from upstream")
	return r.Persist()
}

// Set records serial as the last-seen serial for name, remembering name's
// canonical spelling under its normalized form. The reverse index entry is
// only kept when name's raw spelling differs from its normalized form; a
// project whose raw name is already normalized needs no reverse lookup.
func (r *MirrorRegistry) Set(name string, serial mirror.Serial) {
	norm := mirror.ProjectName(name).Normalize()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.name2serial[norm] = serial
	if name != norm {
		r.normname2name[norm] = name
	} else {
		delete(r.normname2name, norm)
	}
}

// Serial returns the last recorded serial for name, normalized, and whether
// the project is known to the registry at all.
func (r *MirrorRegistry) Serial(name string) (mirror.Serial, bool) {
	norm := mirror.ProjectName(name).Normalize()
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.name2serial[norm]
	return s, ok
}

// MaxSerial returns the highest serial recorded across every known project,
// the change-log loop's cursor into the upstream feed.
func (r *MirrorRegistry) MaxSerial() mirror.Serial {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var max mirror.Serial
	for _, s := range r.name2serial {
		if s > max {
			max = s
		}
	}
	return max
}

// CanonicalName returns the last-seen canonical (raw) spelling of a
// normalized project name, if the project is known at all. normname2name is
// sparse (see Set), so a project whose raw name was already normalized
// falls back to returning normalized itself.
func (r *MirrorRegistry) CanonicalName(normalized string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, known := r.name2serial[normalized]; !known {
		return "", false
	}
	if name, ok := r.normname2name[normalized]; ok {
		return name, true
	}
	return normalized, true
}
