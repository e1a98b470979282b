package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"pubmatrix/internal/publish"
)

const jobCols = `id, batch_id, kind, platform, account_id, content_id, payload,
	priority, not_before, status, retry_count, max_retries, allow_duplicate,
	last_error, escalation, verification_url, verification_value, interrupted,
	created_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*publish.Job, error) {
	var (
		j           publish.Job
		payload     string
		allowDup    int
		notBefore   sql.NullInt64
		lastErr     sql.NullString
		escalation  sql.NullString
		verifyURL   sql.NullString
		verifyValue sql.NullString
		createdAt   int64
		startedAt   sql.NullInt64
		completedAt sql.NullInt64
	)
	err := row.Scan(
		&j.ID, &j.BatchID, (*string)(&j.Kind), &j.Platform, &j.AccountID, &j.ContentID, &payload,
		&j.Priority, &notBefore, (*string)(&j.Status), &j.RetryCount, &j.MaxRetries, &allowDup,
		&lastErr, &escalation, &verifyURL, &verifyValue, &j.Interrupted,
		&createdAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &j.Payload); err != nil {
		return nil, fmt.Errorf("store: decode payload for job %s: %w", j.ID, err)
	}
	j.AllowDuplicate = allowDup != 0
	j.NotBefore = msTime(notBefore)
	j.LastError = lastErr.String
	j.Escalation = escalation.String
	j.VerificationURL = verifyURL.String
	j.VerificationValue = verifyValue.String
	j.CreatedAt = time.UnixMilli(createdAt)
	j.StartedAt = msTime(startedAt)
	j.CompletedAt = msTime(completedAt)
	return &j, nil
}

func insertJob(ctx context.Context, q querier, j *publish.Job) error {
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return fmt.Errorf("store: encode payload for job %s: %w", j.ID, err)
	}
	allowDup := 0
	if j.AllowDuplicate {
		allowDup = 1
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO jobs(`+jobCols+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.BatchID, string(j.Kind), j.Platform, j.AccountID, j.ContentID, string(payload),
		j.Priority, msOrNil(j.NotBefore), string(j.Status), j.RetryCount, j.MaxRetries, allowDup,
		nullStr(j.LastError), nullStr(j.Escalation), nullStr(j.VerificationURL), nullStr(j.VerificationValue), j.Interrupted,
		j.CreatedAt.UnixMilli(), msOrNil(j.StartedAt), msOrNil(j.CompletedAt),
	)
	return err
}

// GetJob loads one job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*publish.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, id)
	}
	return j, err
}

// Filter narrows ListJobs. Zero-value fields are ignored.
type Filter struct {
	BatchID   string
	Kind      publish.Kind
	Platform  string
	AccountID string
	Statuses  []publish.Status
	Limit     int
	Offset    int
}

// ListJobs returns matching jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, f Filter) ([]*publish.Job, error) {
	var where []string
	var args []any
	if f.BatchID != "" {
		where = append(where, "batch_id = ?")
		args = append(args, f.BatchID)
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.Platform != "" {
		where = append(where, "platform = ?")
		args = append(args, f.Platform)
	}
	if f.AccountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, f.AccountID)
	}
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(ph, ",")+")")
	}

	q := `SELECT ` + jobCols + ` FROM jobs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*publish.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// CountByStatus aggregates jobs of one kind into per-status counters.
func (s *Store) CountByStatus(ctx context.Context, kind publish.Kind) (map[publish.Status]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM jobs WHERE kind = ? GROUP BY status`, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[publish.Status]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[publish.Status(st)] = n
	}
	return out, rows.Err()
}

// guarded runs a transition update and turns "zero rows touched" into
// ErrNotFound or ErrConflict depending on whether the job exists.
func (s *Store) guarded(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var cur string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: job %s", ErrNotFound, id)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s is %s", ErrConflict, id, cur)
}

// MarkRunning moves a dequeued job into running. Allowed from pending,
// retry_pending and needs_verification only.
func (s *Store) MarkRunning(ctx context.Context, id string, at time.Time) error {
	return s.guarded(ctx, id,
		`UPDATE jobs SET status = ?, started_at = COALESCE(started_at, ?)
		 WHERE id = ? AND status IN (?,?,?)`,
		string(publish.StatusRunning), at.UnixMilli(), id,
		string(publish.StatusPending), string(publish.StatusRetryPending), string(publish.StatusNeedsVerification),
	)
}

// MarkSucceeded finishes a running job.
func (s *Store) MarkSucceeded(ctx context.Context, id string, at time.Time) error {
	return s.guarded(ctx, id,
		`UPDATE jobs SET status = ?, completed_at = ?, last_error = NULL, escalation = NULL
		 WHERE id = ? AND status = ?`,
		string(publish.StatusSucceeded), at.UnixMilli(), id, string(publish.StatusRunning),
	)
}

// MarkRetryPending schedules another attempt after a retryable failure.
// retryCount is the new value; notBefore gates the next dequeue.
func (s *Store) MarkRetryPending(ctx context.Context, id string, retryCount int, notBefore time.Time, lastErr string) error {
	return s.guarded(ctx, id,
		`UPDATE jobs SET status = ?, retry_count = ?, not_before = ?, last_error = ?
		 WHERE id = ? AND status = ?`,
		string(publish.StatusRetryPending), retryCount, msOrNil(notBefore), nullStr(lastErr),
		id, string(publish.StatusRunning),
	)
}

// MarkNeedsVerification parks a running job until a human supplies
// input. Any stale verification value from an earlier round is cleared
// so the job does not instantly requeue.
func (s *Store) MarkNeedsVerification(ctx context.Context, id, reason, url, lastErr string) error {
	return s.guarded(ctx, id,
		`UPDATE jobs SET status = ?, escalation = ?, verification_url = ?,
		        verification_value = NULL, last_error = ?
		 WHERE id = ? AND status = ?`,
		string(publish.StatusNeedsVerification), nullStr(reason), nullStr(url), nullStr(lastErr),
		id, string(publish.StatusRunning),
	)
}

// MarkFailed ends a job for good. retryCount is persisted as handed in;
// callers clamp it to the budget.
func (s *Store) MarkFailed(ctx context.Context, id string, retryCount int, lastErr, escalation string, at time.Time) error {
	return s.guarded(ctx, id,
		`UPDATE jobs SET status = ?, retry_count = ?, completed_at = ?, last_error = ?, escalation = ?
		 WHERE id = ? AND status NOT IN (?,?,?)`,
		string(publish.StatusFailed), retryCount, at.UnixMilli(), nullStr(lastErr), nullStr(escalation),
		id, string(publish.StatusSucceeded), string(publish.StatusFailed), string(publish.StatusCancelled),
	)
}

// CancelQueued cancels a job that is not currently executing.
func (s *Store) CancelQueued(ctx context.Context, id string, at time.Time) error {
	return s.guarded(ctx, id,
		`UPDATE jobs SET status = ?, completed_at = ?
		 WHERE id = ? AND status IN (?,?,?)`,
		string(publish.StatusCancelled), at.UnixMilli(), id,
		string(publish.StatusPending), string(publish.StatusRetryPending), string(publish.StatusNeedsVerification),
	)
}

// CancelRunning force-cancels an executing job. The executor call is
// signalled separately; this only settles the record.
func (s *Store) CancelRunning(ctx context.Context, id string, at time.Time) error {
	return s.guarded(ctx, id,
		`UPDATE jobs SET status = ?, completed_at = ?
		 WHERE id = ? AND status = ?`,
		string(publish.StatusCancelled), at.UnixMilli(), id, string(publish.StatusRunning),
	)
}

// SetVerificationValue records the human-supplied input for a parked job.
func (s *Store) SetVerificationValue(ctx context.Context, id, value string) error {
	return s.guarded(ctx, id,
		`UPDATE jobs SET verification_value = ? WHERE id = ? AND status = ?`,
		value, id, string(publish.StatusNeedsVerification),
	)
}

// RecoverInterrupted sweeps jobs left running by a crashed process.
// Each gets one retry charged and an interruption annotation; jobs whose
// budget is already spent go straight to failed. Returns how many were
// requeued and how many failed.
func (s *Store) RecoverInterrupted(ctx context.Context, kind publish.Kind, note string, at time.Time) (requeued, failed int, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, retry_count = MIN(retry_count + 1, max_retries),
		        interrupted = interrupted + 1, last_error = ?, escalation = ?, completed_at = ?
		 WHERE kind = ? AND status = ? AND retry_count + 1 >= max_retries`,
		string(publish.StatusFailed), note, "interrupted", at.UnixMilli(),
		string(kind), string(publish.StatusRunning),
	)
	if err != nil {
		return 0, 0, err
	}
	nf, err := res.RowsAffected()
	if err != nil {
		return 0, 0, err
	}

	res, err = tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, retry_count = retry_count + 1,
		        interrupted = interrupted + 1, last_error = ?, not_before = NULL
		 WHERE kind = ? AND status = ?`,
		string(publish.StatusRetryPending), note,
		string(kind), string(publish.StatusRunning),
	)
	if err != nil {
		return 0, 0, err
	}
	nr, err := res.RowsAffected()
	if err != nil {
		return 0, 0, err
	}

	if err = tx.Commit(); err != nil {
		return 0, 0, err
	}
	return int(nr), int(nf), nil
}

// LoadRunnable returns the jobs of one kind that belong in the
// in-process queues: pending, retry_pending, and parked jobs whose
// verification input has already arrived. Oldest first.
func (s *Store) LoadRunnable(ctx context.Context, kind publish.Kind) ([]*publish.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobCols+` FROM jobs
		 WHERE kind = ? AND (status IN (?,?)
		    OR (status = ? AND verification_value IS NOT NULL AND verification_value <> ''))
		 ORDER BY created_at ASC, id ASC`,
		string(kind), string(publish.StatusPending), string(publish.StatusRetryPending),
		string(publish.StatusNeedsVerification),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*publish.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// PruneTerminal deletes terminal jobs completed before the cutoff, then
// drops batches left without any jobs. Only retention calls this; the
// schedulers never delete.
func (s *Store) PruneTerminal(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status IN (?,?,?) AND completed_at IS NOT NULL AND completed_at < ?`,
		string(publish.StatusSucceeded), string(publish.StatusFailed), string(publish.StatusCancelled),
		olderThan.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM batches WHERE created_at < ?
		   AND NOT EXISTS (SELECT 1 FROM jobs WHERE jobs.batch_id = batches.id)`,
		olderThan.UnixMilli(),
	)
	return n, err
}
