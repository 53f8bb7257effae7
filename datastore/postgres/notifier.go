package postgres

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/quay/zlog"

	"github.com/quay/pypimirror/mirror"
)

// NotifyApplied implements mirror/updates.AppliedNotifier on *Store, so the
// same pool used for cache reads and writes can also publish the
// change-log loop's progress to replicas.
func (s *Store) NotifyApplied(ctx context.Context, serial mirror.Serial) error {
	return NotifyApplied(ctx, s.Pool, serial)
}

// NotifyApplied publishes serial on appliedSerialChannel so any replica
// blocked in WaitAppliedSerial can wake up and re-check. Called by the
// change-log loop after each batch-apply transaction commits.
func NotifyApplied(ctx context.Context, pool *pgxpool.Pool, serial mirror.Serial) error {
	_, err := pool.Exec(ctx, fmt.Sprintf("NOTIFY %s, '%d'", appliedSerialChannel, serial))
	return err
}

// appliedSerialChannel is the Postgres NOTIFY channel the change-log loop
// publishes to after each batch-apply transaction commits.
const appliedSerialChannel = "pypimirror_applied_serial"

// Notifier implements datastore.Notifier via LISTEN/NOTIFY on a dedicated
// connection, acquired fresh for each wait so it doesn't compete with the
// pool's transactional work.
type Notifier struct {
	Pool *pgxpool.Pool
}

// WaitAppliedSerial implements datastore.Notifier.
//
// It polls the current applied serial once before listening (the notify may
// already have happened), then blocks on LISTEN until a notification payload
// parses as a serial >= serial or ctx is done.
func (n *Notifier) WaitAppliedSerial(ctx context.Context, serial mirror.Serial) error {
	conn, err := n.Pool.Acquire(ctx)
	if err != nil {
		return &mirror.Error{Op: "postgres.WaitAppliedSerial", Kind: mirror.ErrTransient, Inner: err}
	}
	defer conn.Release()

	var cur int64
	if err := conn.QueryRow(ctx, "SELECT COALESCE(MAX(latest_serial), 0) FROM project_cache").Scan(&cur); err == nil && mirror.Serial(cur) >= serial {
		return nil
	}

	if _, err := conn.Exec(ctx, "LISTEN "+appliedSerialChannel); err != nil {
		return &mirror.Error{Op: "postgres.WaitAppliedSerial", Kind: mirror.ErrInternal, Inner: err}
	}
	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return &mirror.Error{Op: "postgres.WaitAppliedSerial", Kind: mirror.ErrTransient, Inner: err}
		}
		got, err := strconv.ParseInt(notification.Payload, 10, 64)
		if err != nil {
			zlog.Warn(ctx).Str("payload", notification.Payload).Msg("unparseable applied-serial notification")
			continue
		}
		if mirror.Serial(got) >= serial {
			return nil
		}
	}
}
