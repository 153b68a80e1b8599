package repository

import (
	"context"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/maheshrc27/postflow/internal/models"
)

type PostingHistoryRepository interface {
	Create(ctx context.Context, ph *models.PostingHistory) (int64, error)
	ListByPostID(ctx context.Context, postID int64) ([]*models.PostingHistory, error)
}

type postingHistoryRepository struct {
	db *sqlx.DB
}

func NewPostingHistoryRepository(db *sqlx.DB) PostingHistoryRepository {
	return &postingHistoryRepository{db: db}
}

func (r *postingHistoryRepository) Create(ctx context.Context, ph *models.PostingHistory) (int64, error) {
	query := `
		INSERT INTO posting_history (user_id, post_id, job_id, platform, attempt, outcome, error_kind, error_message, remote_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`
	var id int64
	err := r.db.QueryRowContext(ctx, query,
		ph.UserID, ph.PostID, ph.JobID, ph.Platform, ph.Attempt, ph.Outcome, ph.ErrorKind, ph.ErrorMessage, ph.RemoteID,
	).Scan(&id)
	if err != nil {
		slog.Error("insert posting history failed", "job_id", ph.JobID, "error", err)
		return 0, err
	}
	return id, nil
}

func (r *postingHistoryRepository) ListByPostID(ctx context.Context, postID int64) ([]*models.PostingHistory, error) {
	query := `
		SELECT id, user_id, post_id, job_id, platform, attempt, outcome, error_kind, error_message, remote_id, created_at
		FROM posting_history
		WHERE post_id = $1
		ORDER BY created_at, id
	`
	var out []*models.PostingHistory
	if err := r.db.SelectContext(ctx, &out, query, postID); err != nil {
		slog.Error("list posting history failed", "post_id", postID, "error", err)
		return nil, err
	}
	return out, nil
}
