package lease

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/nextaction/internal/domain"
	"github.com/rs/zerolog"
)

// SQLiteGuard stores leases in the job_leases table so that several
// processes sharing one database exclude each other. A lease expires after
// ttl unless its holder renews it; a running holder renews every ttl/3, so
// ttl only bounds how long a crashed holder blocks the job.
type SQLiteGuard struct {
	db  *sql.DB
	ttl time.Duration
	log zerolog.Logger
	now func() time.Time
}

// NewSQLiteGuard creates a guard on the job_leases table
func NewSQLiteGuard(db *sql.DB, ttl time.Duration, log zerolog.Logger) *SQLiteGuard {
	return &SQLiteGuard{
		db:  db,
		ttl: ttl,
		log: log.With().Str("component", "sqlite_lease").Logger(),
		now: time.Now,
	}
}

// TryAcquire implements Guard
func (g *SQLiteGuard) TryAcquire(ctx context.Context, name string) (Release, error) {
	holder := newHolderID()
	now := g.now()

	// Insert, or take over an expired lease
	result, err := g.db.ExecContext(ctx, `
		INSERT INTO job_leases (name, holder, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		WHERE job_leases.expires_at <= ?
	`, name, holder, g.expiry(now), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease %s: %w", name, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease %s: %w", name, err)
	}
	if n == 0 {
		return nil, domain.ErrTickInProgress
	}

	stop := heartbeat(name, g.ttl, func(ctx context.Context) (bool, error) {
		return g.renew(ctx, name, holder)
	}, g.log)

	return once(func() {
		stop()
		// Background context: release must run even when the tick's context is done
		if _, err := g.db.ExecContext(context.Background(),
			`DELETE FROM job_leases WHERE name = ? AND holder = ?`, name, holder); err != nil {
			g.log.Error().Err(err).Str("lease", name).Msg("Failed to release lease")
		}
	}), nil
}

func (g *SQLiteGuard) renew(ctx context.Context, name, holder string) (bool, error) {
	result, err := g.db.ExecContext(ctx,
		`UPDATE job_leases SET expires_at = ? WHERE name = ? AND holder = ?`,
		g.expiry(g.now()), name, holder)
	if err != nil {
		return false, fmt.Errorf("failed to renew lease %s: %w", name, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to renew lease %s: %w", name, err)
	}
	return n > 0, nil
}

// expiry rounds up to the next whole second so a lease never expires before
// now+ttl
func (g *SQLiteGuard) expiry(now time.Time) int64 {
	at := now.Add(g.ttl)
	if at.Truncate(time.Second).Equal(at) {
		return at.Unix()
	}
	return at.Unix() + 1
}
