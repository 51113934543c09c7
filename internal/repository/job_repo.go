package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aditya/tow-dispatch/internal/models"
	"github.com/aditya/tow-dispatch/pkg/utils"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

type jobRepository struct {
	db *sqlx.DB
}

func NewJobRepository(db *sqlx.DB) JobRepository {
	return &jobRepository{db: db}
}

func (r *jobRepository) Create(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		job.ID = utils.GenerateID()
	}
	now := time.Now().UTC().Truncate(time.Microsecond)
	job.CreatedAt = now
	job.UpdatedAt = now
	job.Status = models.JobStatusPending
	job.DriverID = nil

	query := `
		INSERT INTO jobs (id, status, pickup_lat, pickup_lng, pickup_address,
			dropoff_lat, dropoff_lng, dropoff_address, source, category_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := r.db.ExecContext(ctx, query,
		job.ID, job.Status, job.PickupLat, job.PickupLng, job.PickupAddress,
		job.DropoffLat, job.DropoffLng, job.DropoffAddress, job.Source, job.CategoryID,
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (r *jobRepository) GetByID(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	err := r.db.GetContext(ctx, &job, `SELECT * FROM jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return &job, nil
}

func (r *jobRepository) List(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	query := `SELECT * FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}
	if filter.DriverID != "" {
		query += fmt.Sprintf(" AND driver_id = $%d", argIdx)
		args = append(args, filter.DriverID)
		argIdx++
	}

	query += " ORDER BY created_at ASC, id ASC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
	}

	var jobs []*models.Job
	if err := r.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

func (r *jobRepository) GetActiveByDriverID(ctx context.Context, driverID string) (*models.Job, error) {
	var job models.Job
	query := `
		SELECT * FROM jobs
		WHERE driver_id = $1 AND status = ANY($2)
		ORDER BY updated_at DESC
		LIMIT 1
	`
	err := r.db.GetContext(ctx, &job, query, driverID, pq.Array(models.ActiveJobStatuses))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active job for driver %s: %w", driverID, err)
	}
	return &job, nil
}

func (r *jobRepository) CountActiveByDriverID(ctx context.Context, driverID string) (int, error) {
	var n int
	query := `SELECT COUNT(*) FROM jobs WHERE driver_id = $1 AND status = ANY($2)`
	if err := r.db.GetContext(ctx, &n, query, driverID, pq.Array(models.ActiveJobStatuses)); err != nil {
		return 0, fmt.Errorf("count active jobs for driver %s: %w", driverID, err)
	}
	return n, nil
}

func (r *jobRepository) Counts(ctx context.Context) (JobCounts, error) {
	var c JobCounts
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = $1) AS pending,
			COUNT(DISTINCT driver_id) FILTER (WHERE status = ANY($2)) AS busy_drivers
		FROM jobs
	`
	if err := r.db.GetContext(ctx, &c, query, models.JobStatusPending, pq.Array(models.ActiveJobStatuses)); err != nil {
		return JobCounts{}, fmt.Errorf("count jobs: %w", err)
	}
	return c, nil
}

func (r *jobRepository) Dispatch(ctx context.Context, id, driverID string, at time.Time) (*models.Job, error) {
	query := `
		UPDATE jobs
		SET status = $1, driver_id = $2, dispatched_at = $3, accepted_at = NULL, updated_at = $3
		WHERE id = $4 AND status = $5
		  AND EXISTS (
			SELECT 1 FROM driver_presence p WHERE p.driver_id = $2 AND p.is_online
		  )
		  AND NOT EXISTS (
			SELECT 1 FROM jobs a WHERE a.driver_id = $2 AND a.status = ANY($6)
		  )
		RETURNING *
	`
	return r.conditional(ctx, "dispatch", query,
		models.JobStatusDispatched, driverID, at, id, models.JobStatusPending,
		pq.Array(models.ActiveJobStatuses))
}

func (r *jobRepository) Accept(ctx context.Context, id, driverID string, offeredAfter, at time.Time) (*models.Job, error) {
	query := `
		UPDATE jobs
		SET status = $1, accepted_at = $2, updated_at = $2
		WHERE id = $3 AND status = $4 AND driver_id = $5 AND dispatched_at > $6
		RETURNING *
	`
	return r.conditional(ctx, "accept", query,
		models.JobStatusAccepted, at, id, models.JobStatusDispatched, driverID, offeredAfter)
}

func (r *jobRepository) Release(ctx context.Context, id, driverID string, dispatchedAt *time.Time, at time.Time) (*models.Job, error) {
	query := `
		UPDATE jobs
		SET status = $1, driver_id = NULL, updated_at = $2
		WHERE id = $3 AND status = $4 AND driver_id = $5
		  AND ($6::timestamptz IS NULL OR dispatched_at = $6)
		RETURNING *
	`
	return r.conditional(ctx, "release", query,
		models.JobStatusPending, at, id, models.JobStatusDispatched, driverID, dispatchedAt)
}

func (r *jobRepository) Advance(ctx context.Context, id, from, to string, at time.Time) (*models.Job, error) {
	query := `
		UPDATE jobs
		SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4
		RETURNING *
	`
	return r.conditional(ctx, "advance", query, to, at, id, from)
}

func (r *jobRepository) Cancel(ctx context.Context, id, from string, driverID *string, reason string, at time.Time) (*models.Job, error) {
	query := `
		UPDATE jobs
		SET status = $1, driver_id = NULL, cancel_reason = NULLIF($2, ''), updated_at = $3
		WHERE id = $4 AND status = $5 AND driver_id IS NOT DISTINCT FROM $6
		RETURNING *
	`
	return r.conditional(ctx, "cancel", query, models.JobStatusCancelled, reason, at, id, from, driverID)
}

// conditional runs a guarded UPDATE ... RETURNING and translates "no row"
// and the one-active-job-per-driver index into repository errors.
func (r *jobRepository) conditional(ctx context.Context, op, query string, args ...interface{}) (*models.Job, error) {
	var job models.Job
	err := r.db.GetContext(ctx, &job, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStaleWrite
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return nil, ErrDriverBusy
	}
	if err != nil {
		return nil, fmt.Errorf("%s job: %w", op, err)
	}
	return &job, nil
}
