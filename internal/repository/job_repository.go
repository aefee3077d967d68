package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/digkill/CreatorBot/internal/models"
)

// ErrJobTransition is returned when a status change would revisit or skip a state.
var ErrJobTransition = errors.New("job status transition not allowed")

type JobRepository struct {
	db *sql.DB
}

func NewJobRepository(db *sql.DB) *JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) Create(ctx context.Context, job *models.Job) error {
	const query = `
INSERT INTO jobs (tg_id, kind, status, payload_json)
VALUES (?, ?, ?, ?)`
	payload := string(job.Payload)
	if payload == "" {
		payload = "{}"
	}
	res, err := r.db.ExecContext(ctx, query, job.OwnerID, job.Kind, models.JobSubmitted, payload)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("job last insert id: %w", err)
	}
	job.ID = id
	job.Status = models.JobSubmitted
	return nil
}

// MarkPolling stores the provider's request id and moves the job out of submitted.
func (r *JobRepository) MarkPolling(ctx context.Context, id int64, requestID string) error {
	const query = `
UPDATE jobs SET request_id = ?, status = ?, updated_at = NOW()
WHERE id = ? AND status = ?`
	return r.transition(ctx, query, requestID, models.JobPolling, id, models.JobSubmitted)
}

// Finish records a terminal status. Only the first terminal write for a job succeeds.
func (r *JobRepository) Finish(ctx context.Context, id int64, status models.JobStatus, detail string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrJobTransition, status)
	}
	const query = `
UPDATE jobs SET status = ?, detail = NULLIF(?, ''), updated_at = NOW()
WHERE id = ? AND status IN (?, ?)`
	return r.transition(ctx, query, status, detail, id, models.JobSubmitted, models.JobPolling)
}

func (r *JobRepository) transition(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("job rows affected: %w", err)
	}
	if affected == 0 {
		return ErrJobTransition
	}
	return nil
}

const selectJob = `
SELECT id, tg_id, kind, COALESCE(request_id, ''), status, COALESCE(payload_json, ''), COALESCE(detail, ''), created_at, updated_at
FROM jobs`

func scanJob(row rowScanner) (*models.Job, error) {
	var j models.Job
	var payload string
	if err := row.Scan(&j.ID, &j.OwnerID, &j.Kind, &j.RequestID, &j.Status, &payload, &j.Detail, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	if payload != "" {
		j.Payload = []byte(payload)
	}
	return &j, nil
}

func (r *JobRepository) Get(ctx context.Context, id int64) (*models.Job, error) {
	j, err := scanJob(r.db.QueryRowContext(ctx, selectJob+` WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return j, nil
}

// ListStale returns polling jobs of a kind not updated for at least age. The cutoff is
// computed by the server so it shares the time zone updated_at was written in.
func (r *JobRepository) ListStale(ctx context.Context, kind models.JobKind, age time.Duration, limit int) ([]models.Job, error) {
	rows, err := r.db.QueryContext(ctx, selectJob+`
WHERE status = ? AND kind = ? AND updated_at < NOW() - INTERVAL ? SECOND
ORDER BY id ASC
LIMIT ?`, models.JobPolling, kind, int64(age/time.Second), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}
