package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/docworker/pkg/models"
)

const jobColumns = `id, tenant_id, kind, status, document_id, strategy_hint, priority,
	retry_count, max_retries, worker_id, lease_token, locked_at, lock_expires_at,
	started_at, completed_at, processing_time_ms, strategy, result, error_message,
	error_details, created_at, updated_at`

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		j      models.Job
		result []byte
	)
	err := row.Scan(&j.ID, &j.TenantID, &j.Kind, &j.Status, &j.DocumentID, &j.StrategyHint,
		&j.Priority, &j.RetryCount, &j.MaxRetries, &j.WorkerID, &j.LeaseToken, &j.LockedAt,
		&j.LockExpiresAt, &j.StartedAt, &j.CompletedAt, &j.ProcessingTimeMs, &j.Strategy,
		&result, &j.ErrorMessage, &j.ErrorDetails, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if result != nil {
		j.Result = json.RawMessage(result)
	}
	return &j, nil
}

// EnqueueJob inserts job in pending state. Missing ID and timestamps are
// filled in; the referenced document must exist.
func (s *PostgresStore) EnqueueJob(ctx context.Context, job *models.Job) error {
	now, err := s.now(ctx, s.pool)
	if err != nil {
		return err
	}
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = job.CreatedAt
	job.Status = models.JobStatusPending

	_, err = s.pool.Exec(ctx,
		`INSERT INTO processing_jobs (id, tenant_id, kind, status, document_id, strategy_hint,
		   priority, retry_count, max_retries, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10)`,
		job.ID, job.TenantID, job.Kind, job.Status, job.DocumentID, job.StrategyHint,
		job.Priority, job.MaxRetries, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		switch {
		case isDuplicateKeyError(err):
			return ErrDuplicateKey
		case isForeignKeyError(err):
			return ErrNotFound
		}
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// abandonedMessage is recorded on a job whose last allowed attempt lost its
// lease without a report.
const abandonedMessage = "lease expired before the worker reported a result"

// ClaimJob leases at most one eligible job to workerID. Eligible means
// pending, or processing with an expired (or missing) lease. Rows locked by
// a concurrent claim are skipped rather than waited on. The referenced
// document is moved to processing in the same transaction. Returns
// (nil, nil) when nothing is eligible.
//
// Reclaiming an abandoned job consumes one attempt. Abandoned jobs with no
// attempts left are failed instead of reclaimed.
func (s *PostgresStore) ClaimJob(ctx context.Context, workerID string, leaseDuration time.Duration) (*models.Job, error) {
	token := uuid.New()

	var job *models.Job
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		now, err := s.now(ctx, tx)
		if err != nil {
			return err
		}
		if err := failAbandoned(ctx, tx, now); err != nil {
			return err
		}

		row := tx.QueryRow(ctx,
			`WITH next AS (
			   SELECT id AS next_id FROM processing_jobs
			   WHERE status = 'pending'
			      OR (status = 'processing'
			          AND (lock_expires_at IS NULL OR lock_expires_at < $1)
			          AND retry_count + 1 < max_retries)
			   ORDER BY priority DESC, created_at ASC
			   LIMIT 1
			   FOR UPDATE SKIP LOCKED
			 )
			 UPDATE processing_jobs SET
			   retry_count = CASE WHEN processing_jobs.status = 'processing'
			                      THEN processing_jobs.retry_count + 1
			                      ELSE processing_jobs.retry_count END,
			   status = 'processing',
			   worker_id = $2,
			   lease_token = $3,
			   locked_at = $1,
			   lock_expires_at = $4,
			   started_at = $1,
			   completed_at = NULL,
			   updated_at = $1
			 FROM next
			 WHERE processing_jobs.id = next.next_id
			 RETURNING `+jobColumns,
			now, workerID, token, now.Add(leaseDuration))

		claimed, err := scanJob(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("claim job: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE documents SET status = 'processing', processing_started_at = $2,
			   processing_completed_at = NULL, updated_at = $2
			 WHERE id = $1`, claimed.DocumentID, now); err != nil {
			return fmt.Errorf("mark document processing: %w", err)
		}

		job = claimed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// failAbandoned fails every processing job whose lease expired on its last
// allowed attempt, together with its document.
func failAbandoned(ctx context.Context, tx pgx.Tx, now time.Time) error {
	rows, err := tx.Query(ctx,
		`WITH dead AS (
		   SELECT id AS dead_id FROM processing_jobs
		   WHERE status = 'processing'
		     AND (lock_expires_at IS NULL OR lock_expires_at < $1)
		     AND retry_count + 1 >= max_retries
		   FOR UPDATE SKIP LOCKED
		 )
		 UPDATE processing_jobs SET
		   status = 'failed',
		   retry_count = max_retries,
		   completed_at = $1,
		   processing_time_ms = (EXTRACT(EPOCH FROM ($1::timestamptz - started_at)) * 1000)::bigint,
		   error_message = $2,
		   lease_token = NULL,
		   lock_expires_at = NULL,
		   updated_at = $1
		 FROM dead
		 WHERE processing_jobs.id = dead.dead_id
		 RETURNING processing_jobs.document_id`,
		now, abandonedMessage)
	if err != nil {
		return fmt.Errorf("fail abandoned jobs: %w", err)
	}
	documentIDs, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return fmt.Errorf("fail abandoned jobs: %w", err)
	}

	message := abandonedMessage
	for _, id := range documentIDs {
		if err := markDocumentFailed(ctx, tx, id, &message, now); err != nil {
			return err
		}
	}
	return nil
}

// CompleteJob records a successful run for the holder of lease and applies
// the extraction result to the document atomically. Returns ErrLeaseLost
// when lease is no longer the job's active lease.
func (s *PostgresStore) CompleteJob(ctx context.Context, lease models.Lease, result *models.JobResult) error {
	if result == nil {
		result = &models.JobResult{}
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode job result: %w", err)
	}
	fields, err := marshalFields(result.Fields)
	if err != nil {
		return err
	}

	return s.inTx(ctx, func(tx pgx.Tx) error {
		now, err := s.now(ctx, tx)
		if err != nil {
			return err
		}
		var documentID uuid.UUID
		err = tx.QueryRow(ctx,
			`UPDATE processing_jobs SET
			   status = 'completed',
			   completed_at = $4,
			   processing_time_ms = (EXTRACT(EPOCH FROM ($4::timestamptz - started_at)) * 1000)::bigint,
			   strategy = $5,
			   result = $6,
			   error_message = NULL,
			   error_details = NULL,
			   lease_token = NULL,
			   lock_expires_at = NULL,
			   updated_at = $4
			 WHERE id = $1 AND status = 'processing' AND worker_id = $2 AND lease_token = $3
			 RETURNING document_id`,
			lease.JobID, lease.WorkerID, lease.Token, now, nullString(result.Strategy), payload,
		).Scan(&documentID)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrLeaseLost
		}
		if err != nil {
			return fmt.Errorf("complete job: %w", err)
		}

		return applyExtractionResult(ctx, tx, documentID, result, fields, now)
	})
}

// FailJob records a failed attempt for the holder of lease. The retry
// counter is incremented; the job returns to pending while attempts remain
// and becomes failed once retry_count reaches max_retries or the failure is
// permanent. Returns the resulting job status.
func (s *PostgresStore) FailJob(ctx context.Context, lease models.Lease, failure models.JobFailure) (string, error) {
	var status string

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		now, err := s.now(ctx, tx)
		if err != nil {
			return err
		}
		var (
			documentID uuid.UUID
			message    *string
		)
		err = tx.QueryRow(ctx,
			`UPDATE processing_jobs SET
			   retry_count = retry_count + 1,
			   status = CASE WHEN $4::boolean OR retry_count + 1 >= max_retries
			                 THEN 'failed' ELSE 'pending' END,
			   completed_at = CASE WHEN $4::boolean OR retry_count + 1 >= max_retries
			                       THEN $5::timestamptz ELSE NULL END,
			   processing_time_ms = CASE WHEN $4::boolean OR retry_count + 1 >= max_retries
			                             THEN (EXTRACT(EPOCH FROM ($5::timestamptz - started_at)) * 1000)::bigint
			                             ELSE NULL END,
			   worker_id = CASE WHEN $4::boolean OR retry_count + 1 >= max_retries
			                    THEN worker_id ELSE NULL END,
			   strategy = $6,
			   error_message = $7,
			   error_details = $8,
			   lease_token = NULL,
			   lock_expires_at = NULL,
			   updated_at = $5
			 WHERE id = $1 AND status = 'processing' AND worker_id = $2 AND lease_token = $3
			 RETURNING status, document_id, error_message`,
			lease.JobID, lease.WorkerID, lease.Token, failure.Permanent, now,
			nullString(failure.Strategy), failure.Message, nullString(failure.Details),
		).Scan(&status, &documentID, &message)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrLeaseLost
		}
		if err != nil {
			return fmt.Errorf("fail job: %w", err)
		}

		if status == models.JobStatusFailed {
			return markDocumentFailed(ctx, tx, documentID, message, now)
		}
		return markDocumentPending(ctx, tx, documentID, now)
	})
	if err != nil {
		return "", err
	}
	return status, nil
}

// CancelJob moves a pending or processing job to cancelled and drops its
// lease. It does not interrupt a worker already running the job; that
// worker's report is rejected with ErrLeaseLost. Returns false when the job
// is already terminal.
func (s *PostgresStore) CancelJob(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (bool, error) {
	now, err := s.now(ctx, s.pool)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE processing_jobs SET
		   status = 'cancelled',
		   completed_at = $3,
		   lease_token = NULL,
		   lock_expires_at = NULL,
		   updated_at = $3
		 WHERE id = $1 AND tenant_id = $2 AND status IN ('pending', 'processing')`,
		id, tenantID, now)
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM processing_jobs WHERE id = $1 AND tenant_id = $2)`,
		id, tenantID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check job: %w", err)
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM processing_jobs WHERE id = $1 AND tenant_id = $2`, id, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListJobs returns one page of a tenant's jobs, newest first, plus the total
// number of matches.
func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error) {
	where := sq.And{sq.Eq{"tenant_id": filter.TenantID}}
	if filter.Status != "" {
		where = append(where, sq.Eq{"status": filter.Status})
	}
	if filter.Kind != "" {
		where = append(where, sq.Eq{"kind": filter.Kind})
	}
	if filter.DocumentID != uuid.Nil {
		where = append(where, sq.Eq{"document_id": filter.DocumentID})
	}

	countSQL, countArgs, err := psql.Select("COUNT(*)").From("processing_jobs").Where(where).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build count query: %w", err)
	}
	var total int
	if err := s.pool.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	dataSQL, dataArgs, err := psql.Select(jobColumns).From("processing_jobs").Where(where).
		OrderBy("created_at DESC").Limit(uint64(limit)).Offset(uint64(offset)).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build list query: %w", err)
	}

	rows, err := s.pool.Query(ctx, dataSQL, dataArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*models.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, total, rows.Err()
}

// CountJobsByStatus returns a count for every job status, zero-filled.
func (s *PostgresStore) CountJobsByStatus(ctx context.Context, tenantID uuid.UUID) (map[string]int, error) {
	counts := make(map[string]int, len(models.JobStatuses))
	for _, st := range models.JobStatuses {
		counts[st] = 0
	}

	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM processing_jobs WHERE tenant_id = $1 GROUP BY status`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("count jobs by status: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
