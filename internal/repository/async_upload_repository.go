package repository

import (
	"context"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/maheshrc27/postflow/internal/models"
)

type AsyncUploadRepository interface {
	Create(ctx context.Context, tx *sqlx.Tx, au *models.AsyncUpload) (int64, error)
	ListAll(ctx context.Context) ([]*models.AsyncUpload, error)
	Touch(ctx context.Context, id int64, polls int, at time.Time) error
	DeleteByJob(ctx context.Context, jobID int64) error
}

type asyncUploadRepository struct {
	db *sqlx.DB
}

func NewAsyncUploadRepository(db *sqlx.DB) AsyncUploadRepository {
	return &asyncUploadRepository{db: db}
}

func (r *asyncUploadRepository) Create(ctx context.Context, tx *sqlx.Tx, au *models.AsyncUpload) (int64, error) {
	query := `
		INSERT INTO async_uploads (job_id, user_id, platform, remote_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (job_id) DO UPDATE SET remote_id = EXCLUDED.remote_id
		RETURNING id, created_at
	`
	err := ext(r.db, tx).QueryRowxContext(ctx, query, au.JobID, au.UserID, au.Platform, au.RemoteID).Scan(&au.ID, &au.CreatedAt)
	if err != nil {
		slog.Error("insert async upload failed", "job_id", au.JobID, "error", err)
		return 0, err
	}
	return au.ID, nil
}

func (r *asyncUploadRepository) ListAll(ctx context.Context) ([]*models.AsyncUpload, error) {
	query := `
		SELECT id, job_id, user_id, platform, remote_id, polls, last_polled_at, created_at
		FROM async_uploads
		ORDER BY created_at
	`
	var out []*models.AsyncUpload
	if err := r.db.SelectContext(ctx, &out, query); err != nil {
		slog.Error("list async uploads failed", "error", err)
		return nil, err
	}
	return out, nil
}

func (r *asyncUploadRepository) Touch(ctx context.Context, id int64, polls int, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE async_uploads SET polls = $2, last_polled_at = $3 WHERE id = $1`, id, polls, at)
	if err != nil {
		slog.Error("touch async upload failed", "id", id, "error", err)
		return err
	}
	return nil
}

func (r *asyncUploadRepository) DeleteByJob(ctx context.Context, jobID int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM async_uploads WHERE job_id = $1`, jobID); err != nil {
		slog.Error("delete async upload failed", "job_id", jobID, "error", err)
		return err
	}
	return nil
}
