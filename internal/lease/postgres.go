package lease

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/biz-doublej/rangu.fam-sub002/internal/wiki"
)

// PostgresBackend keeps the lease in the lock_* columns of the pages row,
// so keys are page ids and only live pages can be leased.
type PostgresBackend struct {
	db *sql.DB
}

func NewPostgresBackend(db *sql.DB) *PostgresBackend {
	return &PostgresBackend{db: db}
}

func (b *PostgresBackend) Acquire(ctx context.Context, key, holder, reason string, now time.Time, ttl time.Duration) (wiki.Lease, error) {
	// A release can slip in between the failed update and the read below;
	// one retry covers it.
	for attempt := 0; attempt < 2; attempt++ {
		var lease wiki.Lease
		err := b.db.QueryRowContext(ctx, `
			WITH prev AS (
				SELECT id, COALESCE(lock_holder=$2 AND lock_expires_at > $3, false) AS renewing
				FROM pages
				WHERE id=$1 AND NOT is_deleted
				FOR UPDATE
			)
			UPDATE pages p
			SET lock_holder=$2,
				lock_reason=CASE WHEN prev.renewing AND $4='' THEN p.lock_reason ELSE NULLIF($4, '') END,
				lock_started_at=CASE WHEN prev.renewing THEN p.lock_started_at ELSE $3 END,
				lock_expires_at=$5
			FROM prev
			WHERE p.id=prev.id
				AND (p.lock_holder IS NULL OR p.lock_expires_at <= $3 OR p.lock_holder=$2)
			RETURNING p.lock_holder, COALESCE(p.lock_reason, ''), p.lock_started_at, p.lock_expires_at, prev.renewing
		`, key, holder, now, reason, now.Add(ttl)).Scan(&lease.Holder, &lease.Reason, &lease.StartedAt, &lease.ExpiresAt, &lease.Renewed)
		if err == nil {
			lease.Key = key
			return lease, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return wiki.Lease{}, fmt.Errorf("acquire lease: %w", err)
		}

		current, found, err := b.read(ctx, key)
		if err != nil {
			return wiki.Lease{}, err
		}
		if !found {
			return wiki.Lease{}, wiki.NotFound("page " + key)
		}
		if current.Live(now) && current.Holder != holder {
			return wiki.Lease{}, lockHeld(current)
		}
	}
	return wiki.Lease{}, fmt.Errorf("acquire lease on %s: lost race twice", key)
}

func (b *PostgresBackend) Release(ctx context.Context, key, holder string, now time.Time) error {
	result, err := b.db.ExecContext(ctx, `
		UPDATE pages
		SET lock_holder=NULL, lock_reason=NULL, lock_started_at=NULL, lock_expires_at=NULL
		WHERE id=$1 AND lock_holder IS NOT NULL AND (lock_holder=$2 OR lock_expires_at <= $3)
	`, key, holder, now)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("release lease rows: %w", err)
	}
	if affected > 0 {
		return nil
	}

	current, found, err := b.read(ctx, key)
	if err != nil {
		return err
	}
	if !found || !current.Live(now) || current.Holder == holder {
		return nil
	}
	return notHolder(current)
}

func (b *PostgresBackend) Get(ctx context.Context, key string, now time.Time) (wiki.Lease, bool, error) {
	current, found, err := b.read(ctx, key)
	if err != nil || !found || !current.Live(now) {
		return wiki.Lease{}, false, err
	}
	return current, true, nil
}

func (b *PostgresBackend) Sweep(ctx context.Context, now time.Time) (int, error) {
	result, err := b.db.ExecContext(ctx, `
		UPDATE pages
		SET lock_holder=NULL, lock_reason=NULL, lock_started_at=NULL, lock_expires_at=NULL
		WHERE lock_holder IS NOT NULL AND lock_expires_at <= $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("sweep leases: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep leases rows: %w", err)
	}
	return int(affected), nil
}

// read returns the stored lock columns; found is false when no live page has the id.
func (b *PostgresBackend) read(ctx context.Context, key string) (wiki.Lease, bool, error) {
	var (
		holder    sql.NullString
		reason    sql.NullString
		startedAt sql.NullTime
		expiresAt sql.NullTime
		deleted   bool
	)
	err := b.db.QueryRowContext(ctx, `
		SELECT lock_holder, lock_reason, lock_started_at, lock_expires_at, is_deleted
		FROM pages
		WHERE id=$1
	`, key).Scan(&holder, &reason, &startedAt, &expiresAt, &deleted)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && deleted) {
		return wiki.Lease{}, false, nil
	}
	if err != nil {
		return wiki.Lease{}, false, fmt.Errorf("read lease: %w", err)
	}
	lease := wiki.Lease{Key: key, Holder: holder.String, Reason: reason.String}
	if startedAt.Valid {
		lease.StartedAt = startedAt.Time
	}
	if expiresAt.Valid {
		lease.ExpiresAt = expiresAt.Time
	}
	return lease, true, nil
}
