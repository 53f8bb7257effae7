// Package updates implements the ChangelogLoop: the primary-side background
// process that polls the upstream XML-RPC change-log feed, advances the
// MirrorRegistry's serial watermark, and invalidates cached project records
// that have fallen behind.
package updates

import (
	"context"
	"time"

	"github.com/quay/zlog"

	"github.com/quay/pypimirror/datastore"
	"github.com/quay/pypimirror/mirror"
	"github.com/quay/pypimirror/mirror/registry"
	"github.com/quay/pypimirror/pkg/distlock"
)

// XMLRPCClient is the subset of pkg/xmlrpc.Client the loop needs.
type XMLRPCClient interface {
	ChangelogSinceSerial(ctx context.Context, since int64) ([]ChangeEntry, bool)
}

// ChangeEntry mirrors pkg/xmlrpc.ChangeEntry, named separately here so this
// package doesn't force every caller to import pkg/xmlrpc just to supply a
// stub in tests.
type ChangeEntry struct {
	Name      string
	Version   string
	Action    string
	Timestamp int64
	Serial    int64
}

// AppliedNotifier is called once per successful batch apply so replicas
// blocked in datastore.Notifier.WaitAppliedSerial can wake up.
type AppliedNotifier interface {
	NotifyApplied(ctx context.Context, serial mirror.Serial) error
}

// Loop is the ChangelogLoop: a cancellable ticker that keeps Registry caught
// up with upstream and invalidates Cache records that fall behind.
//
// Run by exactly one primary at a time; Lock (typically a Postgres advisory
// lock) guards against a misconfigured multi-primary deployment running two
// loops against the same registry concurrently.
type Loop struct {
	Registry *registry.MirrorRegistry
	Client   XMLRPCClient
	Cache    datastore.ProjectCache
	Notifier AppliedNotifier // optional; nil disables replica wake-ups
	Lock     distlock.Locker
	// LockKey identifies this registry's advisory lock; distinct mirrored
	// indexes must use distinct keys.
	LockKey string
	// Interval is the polling period. Defaults to 10s if zero.
	Interval time.Duration
}

func (l *Loop) interval() time.Duration {
	if l.Interval > 0 {
		return l.Interval
	}
	return 10 * time.Second
}

// Start runs an initial poll immediately, then polls every Interval until
// ctx is canceled.
func (l *Loop) Start(ctx context.Context) {
	zlog.Info(ctx).Msg("starting changelog loop")
	if err := l.runOnce(ctx); err != nil {
		zlog.Error(ctx).Err(err).Msg("initial changelog poll failed")
	}

	t := time.NewTicker(l.interval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			zlog.Info(ctx).Msg("changelog loop stopping")
			return
		case <-t.C:
			if err := l.runOnce(ctx); err != nil {
				zlog.Error(ctx).Err(err).Msg("changelog poll failed")
			}
		}
	}
}

// runOnce takes the distributed lock, if configured, and performs one poll.
// Failure to acquire the lock is not an error: it means another primary is
// already running the loop, and this call is a no-op.
func (l *Loop) runOnce(ctx context.Context) error {
	if l.Lock != nil {
		ok, err := l.Lock.TryLock(ctx, l.LockKey)
		if err != nil {
			return err
		}
		if !ok {
			zlog.Debug(ctx).Msg("changelog lock held elsewhere, skipping")
			return nil
		}
		defer l.Lock.Unlock()
	}
	return l.poll(ctx)
}

// poll fetches every change-log entry since the registry's current maximum
// serial and applies it.
func (l *Loop) poll(ctx context.Context) error {
	since := l.Registry.MaxSerial()
	changes, ok := l.Client.ChangelogSinceSerial(ctx, int64(since))
	if !ok {
		zlog.Warn(ctx).Msg("upstream changelog unavailable this poll")
		return nil
	}
	if len(changes) == 0 {
		return nil
	}

	applied := l.processChangelog(ctx, changes)

	if err := l.Registry.Persist(); err != nil {
		return err
	}
	if l.Notifier != nil && applied > since {
		if err := l.Notifier.NotifyApplied(ctx, applied); err != nil {
			zlog.Warn(ctx).Err(err).Msg("notifying replicas of applied serial failed")
		}
	}
	return nil
}

// processChangelog applies a batch of change-log entries to the registry
// and to each project's cache watermark, in order, and returns the highest
// serial actually applied.
//
// It preserves a quirk of the upstream changelog-apply sequence it follows:
// if a project's cached record already has a LatestSerial at or past the
// incoming entry's serial, the whole batch-apply loop returns immediately
// instead of continuing on to the remaining entries. That's very likely a
// bug in the original (a `continue` was probably intended), but later
// entries in the same batch are for the same or other projects that a
// subsequent poll will pick up anyway once their own serial is the new
// high-water mark, so the practical effect is an occasional extra poll
// cycle rather than a correctness problem, and the behavior is reproduced
// here verbatim rather than silently "fixed".
func (l *Loop) processChangelog(ctx context.Context, changes []ChangeEntry) mirror.Serial {
	var applied mirror.Serial
	for _, c := range changes {
		serial := mirror.Serial(c.Serial)
		l.Registry.Set(c.Name, serial)

		rec, found, err := l.Cache.Load(ctx, c.Name)
		if err != nil {
			zlog.Error(ctx).Err(err).Str("project", c.Name).Msg("loading cache record during changelog apply")
			return applied
		}
		if found && rec.LatestSerial >= serial {
			return applied
		}
		if err := l.Cache.BumpLatest(ctx, c.Name, serial); err != nil {
			zlog.Error(ctx).Err(err).Str("project", c.Name).Msg("bumping cache watermark during changelog apply")
			return applied
		}
		applied = serial
	}
	return applied
}
