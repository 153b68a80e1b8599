package repository

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/maheshrc27/postflow/internal/models"
)

// PublishJobRepository owns every state change of a publish job. Each
// transition is a conditional UPDATE on the current state and reports
// whether it applied, so concurrent writers can never both win.
type PublishJobRepository interface {
	CreateBatch(ctx context.Context, tx *sqlx.Tx, jobs []*models.PublishJob) error
	GetByID(ctx context.Context, id int64) (*models.PublishJob, error)
	ListByPost(ctx context.Context, postID int64) ([]*models.PublishJob, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]int64, error)
	Claim(ctx context.Context, id int64, now time.Time) (bool, error)
	ReleaseStale(ctx context.Context, claimedBefore time.Time) (int64, error)
	Reschedule(ctx context.Context, id int64, dueAt time.Time, kind, message string) (bool, error)
	MarkAccepted(ctx context.Context, tx *sqlx.Tx, id int64, remoteID string) (bool, error)
	Complete(ctx context.Context, id int64, remoteID, permalink string) (bool, error)
	Fail(ctx context.Context, id int64, kind, message string) (bool, error)
	Cancel(ctx context.Context, id int64) (bool, error)
	CancelPending(ctx context.Context, tx *sqlx.Tx, postID int64) (int64, error)
	FailPendingForAccount(ctx context.Context, userID int64, platform, kind, message string) ([]*models.PublishJob, error)
}

type publishJobRepository struct {
	db *sqlx.DB
}

func NewPublishJobRepository(db *sqlx.DB) PublishJobRepository {
	return &publishJobRepository{db: db}
}

const jobColumns = `id, post_id, user_id, platform, state, due_at, attempts, retry_count, last_error_kind, last_error,
	remote_id, permalink, idempotency_key, claimed_at, completed_at, created_at, updated_at`

func (r *publishJobRepository) CreateBatch(ctx context.Context, tx *sqlx.Tx, jobs []*models.PublishJob) error {
	query := `
		INSERT INTO publish_jobs (post_id, user_id, platform, state, due_at, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`
	q := ext(r.db, tx)
	for _, job := range jobs {
		if job.State == "" {
			job.State = models.JobStatePending
		}
		err := q.QueryRowxContext(ctx, query, job.PostID, job.UserID, job.Platform, job.State, job.DueAt, job.IdempotencyKey).
			Scan(&job.ID, &job.CreatedAt)
		if err != nil {
			slog.Error("insert publish job failed", "post_id", job.PostID, "platform", job.Platform, "error", err)
			return err
		}
	}
	return nil
}

func (r *publishJobRepository) GetByID(ctx context.Context, id int64) (*models.PublishJob, error) {
	var job models.PublishJob
	err := r.db.GetContext(ctx, &job, `SELECT `+jobColumns+` FROM publish_jobs WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		slog.Error("get publish job failed", "job_id", id, "error", err)
		return nil, err
	}
	return &job, nil
}

func (r *publishJobRepository) ListByPost(ctx context.Context, postID int64) ([]*models.PublishJob, error) {
	var jobs []*models.PublishJob
	err := r.db.SelectContext(ctx, &jobs, `SELECT `+jobColumns+` FROM publish_jobs WHERE post_id = $1 ORDER BY platform`, postID)
	if err != nil {
		slog.Error("list publish jobs failed", "post_id", postID, "error", err)
		return nil, err
	}
	return jobs, nil
}

func (r *publishJobRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	query := `
		SELECT id FROM publish_jobs
		WHERE state = 'pending' AND due_at <= $1
		ORDER BY due_at, id
		LIMIT $2
	`
	var ids []int64
	if err := r.db.SelectContext(ctx, &ids, query, now, limit); err != nil {
		slog.Error("list due jobs failed", "error", err)
		return nil, err
	}
	return ids, nil
}

// Claim moves a due pending job to dispatching. Exactly one caller can win.
func (r *publishJobRepository) Claim(ctx context.Context, id int64, now time.Time) (bool, error) {
	query := `
		UPDATE publish_jobs
		SET state = 'dispatching', claimed_at = $2, attempts = attempts + 1, updated_at = $2
		WHERE id = $1 AND state = 'pending' AND due_at <= $2
	`
	return r.applied(ctx, nil, "claim", id, query, id, now)
}

// ReleaseStale returns jobs whose worker died mid-dispatch to pending.
func (r *publishJobRepository) ReleaseStale(ctx context.Context, claimedBefore time.Time) (int64, error) {
	query := `
		UPDATE publish_jobs
		SET state = 'pending', claimed_at = NULL, updated_at = NOW()
		WHERE state = 'dispatching' AND claimed_at < $1
	`
	res, err := r.db.ExecContext(ctx, query, claimedBefore)
	if err != nil {
		slog.Error("release stale jobs failed", "error", err)
		return 0, err
	}
	return res.RowsAffected()
}

func (r *publishJobRepository) Reschedule(ctx context.Context, id int64, dueAt time.Time, kind, message string) (bool, error) {
	query := `
		UPDATE publish_jobs
		SET state = 'pending', due_at = $2, retry_count = retry_count + 1,
			last_error_kind = $3, last_error = $4, claimed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND state = 'dispatching'
	`
	return r.applied(ctx, nil, "reschedule", id, query, id, dueAt, kind, message)
}

func (r *publishJobRepository) MarkAccepted(ctx context.Context, tx *sqlx.Tx, id int64, remoteID string) (bool, error) {
	query := `
		UPDATE publish_jobs
		SET state = 'accepted_async', remote_id = $2, updated_at = NOW()
		WHERE id = $1 AND state = 'dispatching'
	`
	return r.applied(ctx, tx, "accept", id, query, id, remoteID)
}

func (r *publishJobRepository) Complete(ctx context.Context, id int64, remoteID, permalink string) (bool, error) {
	query := `
		UPDATE publish_jobs
		SET state = 'completed', remote_id = $2, permalink = $3,
			last_error_kind = '', last_error = '', completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND state IN ('dispatching', 'accepted_async')
	`
	return r.applied(ctx, nil, "complete", id, query, id, remoteID, permalink)
}

func (r *publishJobRepository) Fail(ctx context.Context, id int64, kind, message string) (bool, error) {
	query := `
		UPDATE publish_jobs
		SET state = 'failed_terminal', last_error_kind = $2, last_error = $3,
			completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND state IN ('dispatching', 'accepted_async')
	`
	return r.applied(ctx, nil, "fail", id, query, id, kind, message)
}

func (r *publishJobRepository) Cancel(ctx context.Context, id int64) (bool, error) {
	query := `
		UPDATE publish_jobs
		SET state = 'cancelled', claimed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND state IN ('pending', 'dispatching')
	`
	return r.applied(ctx, nil, "cancel", id, query, id)
}

func (r *publishJobRepository) CancelPending(ctx context.Context, tx *sqlx.Tx, postID int64) (int64, error) {
	query := `
		UPDATE publish_jobs
		SET state = 'cancelled', updated_at = NOW()
		WHERE post_id = $1 AND state = 'pending'
	`
	res, err := ext(r.db, tx).ExecContext(ctx, query, postID)
	if err != nil {
		slog.Error("cancel pending jobs failed", "post_id", postID, "error", err)
		return 0, err
	}
	return res.RowsAffected()
}

// FailPendingForAccount fails every pending job of an account that can no
// longer publish and returns the jobs it changed.
func (r *publishJobRepository) FailPendingForAccount(ctx context.Context, userID int64, platform, kind, message string) ([]*models.PublishJob, error) {
	query := `
		UPDATE publish_jobs
		SET state = 'failed_terminal', last_error_kind = $3, last_error = $4,
			completed_at = NOW(), updated_at = NOW()
		WHERE user_id = $1 AND platform = $2 AND state = 'pending'
		RETURNING ` + jobColumns
	var jobs []*models.PublishJob
	if err := sqlx.SelectContext(ctx, r.db, &jobs, query, userID, platform, kind, message); err != nil {
		slog.Error("fail pending jobs failed", "user_id", userID, "platform", platform, "error", err)
		return nil, err
	}
	return jobs, nil
}

func (r *publishJobRepository) applied(ctx context.Context, tx *sqlx.Tx, op string, id int64, query string, args ...any) (bool, error) {
	res, err := ext(r.db, tx).ExecContext(ctx, query, args...)
	if err != nil {
		slog.Error("publish job transition failed", "op", op, "job_id", id, "error", err)
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
