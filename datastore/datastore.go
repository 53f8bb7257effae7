// Package datastore defines the storage interfaces the mirror core is built
// against: a per-project cache of release links (ProjectCache) and a
// replica-side wait primitive (Notifier) used to implement the
// read-after-write consistency a replica promises a caller.
package datastore

import (
	"context"

	"github.com/google/uuid"

	"github.com/quay/pypimirror/mirror"
)

// ProjectCache is the transactional KV store's mirror-facing surface: load
// and store one project's worth of cached release links, and bump the
// "latest known serial" watermark the change-log loop maintains
// independently of a full cache refresh.
//
// Implementations must make Load and Store individually atomic; the mirror
// package is responsible for sequencing read-then-maybe-write-then-read
// across calls (see mirror.Stage.GetReleaseLinks).
type ProjectCache interface {
	// Load returns the cached record for name, normalized. found is false
	// if the project has never been cached.
	Load(ctx context.Context, name string) (rec mirror.ProjectCacheRecord, found bool, err error)
	// Store writes rec, keyed by the normalized form of rec.Name, and
	// returns a reference identifying the write (analogous to an
	// update_operation id): useful for audit logging, not required for
	// correctness.
	Store(ctx context.Context, rec mirror.ProjectCacheRecord) (ref uuid.UUID, err error)
	// BumpLatest raises the stored LatestSerial watermark for name to
	// serial if serial is higher than what's already recorded, creating a
	// bare record (no Entries) if none exists yet. It must never lower an
	// existing watermark.
	BumpLatest(ctx context.Context, name string, serial mirror.Serial) error
}

// Notifier lets a replica block until the applied transaction serial it
// tracks locally has caught up to a serial value demanded by an upstream
// response header.
type Notifier interface {
	// WaitAppliedSerial blocks until the locally applied serial is at
	// least serial, or ctx is canceled, whichever happens first. It
	// returns an error on a canceled context or when the wait itself
	// cannot be set up; there's no separate timeout concept here, the
	// caller's context carries one.
	WaitAppliedSerial(ctx context.Context, serial mirror.Serial) error
}
