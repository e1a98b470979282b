package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pubmatrix/internal/publish"
)

// Tx exposes the write and dedup-read surface inside one transaction.
// Batch creation runs its duplicate checks and inserts here so the
// check-then-insert window closes under SQLite's single writer.
type Tx struct {
	tx *sql.Tx
}

// WithTx runs fn inside a transaction, committing on nil and rolling
// back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(&Tx{tx: dbtx}); err != nil {
		_ = dbtx.Rollback()
		return err
	}
	return dbtx.Commit()
}

func (t *Tx) InsertJob(ctx context.Context, j *publish.Job) error {
	return insertJob(ctx, t.tx, j)
}

func (t *Tx) InsertBatch(ctx context.Context, b *publish.Batch) error {
	return insertBatch(ctx, t.tx, b)
}

func (t *Tx) LatestInFlight(ctx context.Context, platform, accountID, contentID string, since time.Time) (*publish.Job, error) {
	return latestInFlight(ctx, t.tx, platform, accountID, contentID, since)
}

func (t *Tx) LatestSuccess(ctx context.Context, platform, accountID, contentID string, since time.Time) (*publish.Job, error) {
	return latestSuccess(ctx, t.tx, platform, accountID, contentID, since)
}

// LatestInFlight returns the newest pending or running job with the
// triple created at or after since, or nil.
func (s *Store) LatestInFlight(ctx context.Context, platform, accountID, contentID string, since time.Time) (*publish.Job, error) {
	return latestInFlight(ctx, s.db, platform, accountID, contentID, since)
}

// LatestSuccess returns the newest job with the triple that succeeded
// at or after since, or nil.
func (s *Store) LatestSuccess(ctx context.Context, platform, accountID, contentID string, since time.Time) (*publish.Job, error) {
	return latestSuccess(ctx, s.db, platform, accountID, contentID, since)
}

func latestInFlight(ctx context.Context, q querier, platform, accountID, contentID string, since time.Time) (*publish.Job, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+jobCols+` FROM jobs
		 WHERE platform = ? AND account_id = ? AND content_id = ?
		   AND status IN (?,?) AND created_at >= ?
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		platform, accountID, contentID,
		string(publish.StatusPending), string(publish.StatusRunning), since.UnixMilli(),
	)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

func latestSuccess(ctx context.Context, q querier, platform, accountID, contentID string, since time.Time) (*publish.Job, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+jobCols+` FROM jobs
		 WHERE platform = ? AND account_id = ? AND content_id = ?
		   AND status = ? AND completed_at IS NOT NULL AND completed_at >= ?
		 ORDER BY completed_at DESC, id DESC LIMIT 1`,
		platform, accountID, contentID,
		string(publish.StatusSucceeded), since.UnixMilli(),
	)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

func insertBatch(ctx context.Context, q querier, b *publish.Batch) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO batches(id, kind, strategy, total, skipped, created_at)
		 VALUES(?,?,?,?,?,?)`,
		b.ID, string(b.Kind), b.Strategy, b.Total, b.Skipped, b.CreatedAt.UnixMilli(),
	)
	return err
}

// GetBatch loads a batch row with live counters aggregated from its jobs.
func (s *Store) GetBatch(ctx context.Context, id string) (*publish.BatchStatus, error) {
	var (
		b         publish.Batch
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, kind, strategy, total, skipped, created_at FROM batches WHERE id = ?`, id,
	).Scan(&b.ID, (*string)(&b.Kind), &b.Strategy, &b.Total, &b.Skipped, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: batch %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	b.CreatedAt = time.UnixMilli(createdAt)

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM jobs WHERE batch_id = ? GROUP BY status`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[publish.Status]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[publish.Status(st)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &publish.BatchStatus{Batch: b, Counts: counts}, nil
}
