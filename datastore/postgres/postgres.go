// Package postgres is the ProjectCache and Notifier reference
// implementation, backed by github.com/jackc/pgx/v5.
package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/quay/zlog"

	"github.com/quay/pypimirror/mirror"
)

var (
	storeCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pypimirror",
		Subsystem: "projectcache",
		Name:      "store_total",
		Help:      "Count of ProjectCache.Store calls, partitioned by success.",
	}, []string{"success"})
	storeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pypimirror",
		Subsystem: "projectcache",
		Name:      "store_duration_seconds",
		Help:      "Duration of ProjectCache.Store calls.",
	}, []string{"success"})
)

// Store implements datastore.ProjectCache (and, in notifier.go,
// mirror/updates.AppliedNotifier) against a project_cache table:
//
//	CREATE TABLE project_cache (
//		normalized_name text PRIMARY KEY,
//		name             text NOT NULL,
//		serial           bigint NOT NULL,
//		latest_serial    bigint NOT NULL,
//		entries          jsonb NOT NULL,
//		ref              uuid NOT NULL,
//		updated_at       timestamptz NOT NULL DEFAULT now()
//	);
type Store struct {
	Pool *pgxpool.Pool
}

// Load implements datastore.ProjectCache.
func (s *Store) Load(ctx context.Context, name string) (mirror.ProjectCacheRecord, bool, error) {
	const query = `SELECT name, serial, latest_serial, entries FROM project_cache WHERE normalized_name = $1`
	norm := mirror.ProjectName(name).Normalize()

	var rec mirror.ProjectCacheRecord
	var entries []byte
	row := s.Pool.QueryRow(ctx, query, norm)
	switch err := row.Scan(&rec.Name, &rec.Serial, &rec.LatestSerial, &entries); err {
	case nil:
	case pgx.ErrNoRows:
		return mirror.ProjectCacheRecord{}, false, nil
	default:
		return mirror.ProjectCacheRecord{}, false, &mirror.Error{Op: "postgres.Load", Kind: mirror.ErrInternal, Inner: err}
	}
	if err := json.Unmarshal(entries, &rec.Entries); err != nil {
		return mirror.ProjectCacheRecord{}, false, &mirror.Error{Op: "postgres.Load", Kind: mirror.ErrInternal, Inner: err}
	}
	return rec, true, nil
}

// Store implements datastore.ProjectCache.
func (s *Store) Store(ctx context.Context, rec mirror.ProjectCacheRecord) (ref uuid.UUID, err error) {
	start := time.Now()
	ref = uuid.New()
	defer func() {
		success := "true"
		if err != nil {
			success = "false"
		}
		storeCounter.WithLabelValues(success).Inc()
		storeDuration.WithLabelValues(success).Observe(time.Since(start).Seconds())
	}()

	entries, err := json.Marshal(rec.Entries)
	if err != nil {
		return uuid.Nil, &mirror.Error{Op: "postgres.Store", Kind: mirror.ErrInternal, Inner: err}
	}

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, &mirror.Error{Op: "postgres.Store", Kind: mirror.ErrTransient, Inner: err}
	}
	defer tx.Rollback(ctx)

	const upsert = `
		INSERT INTO project_cache (normalized_name, name, serial, latest_serial, entries, ref)
		VALUES ($1, $2, $3, GREATEST($4, $3), $5, $6)
		ON CONFLICT (normalized_name) DO UPDATE SET
			name = EXCLUDED.name,
			serial = EXCLUDED.serial,
			latest_serial = GREATEST(project_cache.latest_serial, EXCLUDED.serial),
			entries = EXCLUDED.entries,
			ref = EXCLUDED.ref,
			updated_at = now()`
	norm := mirror.ProjectName(rec.Name).Normalize()
	if _, err := tx.Exec(ctx, upsert, norm, rec.Name, rec.Serial, rec.LatestSerial, entries, ref); err != nil {
		return uuid.Nil, &mirror.Error{Op: "postgres.Store", Kind: mirror.ErrInternal, Inner: err}
	}
	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, &mirror.Error{Op: "postgres.Store", Kind: mirror.ErrTransient, Inner: err}
	}
	zlog.Debug(ctx).Str("project", rec.Name).Stringer("ref", ref).Msg("stored project cache record")
	return ref, nil
}

// BumpLatest implements datastore.ProjectCache.
func (s *Store) BumpLatest(ctx context.Context, name string, serial mirror.Serial) error {
	const upsert = `
		INSERT INTO project_cache (normalized_name, name, serial, latest_serial, entries, ref)
		VALUES ($1, $2, 0, $3, '[]'::jsonb, $4)
		ON CONFLICT (normalized_name) DO UPDATE SET
			latest_serial = GREATEST(project_cache.latest_serial, EXCLUDED.latest_serial)`
	norm := mirror.ProjectName(name).Normalize()
	if _, err := s.Pool.Exec(ctx, upsert, norm, name, serial, uuid.New()); err != nil {
		return &mirror.Error{Op: "postgres.BumpLatest", Kind: mirror.ErrInternal, Inner: err}
	}
	return nil
}
