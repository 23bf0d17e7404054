package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mailgrove/mailgrove/consts"
	"github.com/mailgrove/mailgrove/logger"
)

// PollLock holds the session-level advisory lock that guarantees a single
// poller instance per database. The lock lives on a dedicated connection
// pinned for its lifetime; releasing it returns the connection to the pool.
type PollLock struct {
	conn *pgxpool.Conn
}

// AcquirePollLock tries to take the poller advisory lock. Returns nil when
// another instance already holds it.
func (db *Database) AcquirePollLock(ctx context.Context) (*PollLock, error) {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", consts.PollerAdvisoryLockID).Scan(&acquired); err != nil {
		conn.Release()
		return nil, err
	}
	if !acquired {
		conn.Release()
		return nil, nil
	}
	return &PollLock{conn: conn}, nil
}

// Release gives up the advisory lock and returns its connection to the pool.
func (l *PollLock) Release(ctx context.Context) {
	if l == nil || l.conn == nil {
		return
	}
	var released bool
	if err := l.conn.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", consts.PollerAdvisoryLockID).Scan(&released); err != nil {
		logger.Warnf("failed to release poller advisory lock: %v", err)
	} else if !released {
		logger.Warnf("poller advisory lock was not held at time of release")
	}
	l.conn.Release()
	l.conn = nil
}
