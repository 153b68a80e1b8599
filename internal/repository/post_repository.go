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

type PostRepository interface {
	GetByID(ctx context.Context, id int64) (*models.Post, error)
	Create(ctx context.Context, tx *sqlx.Tx, post *models.Post) (int64, error)
	GetByUserID(ctx context.Context, userID int64, limit, offset int) ([]*models.Post, error)
	UpdatePostStatus(ctx context.Context, status string, postID int64) error
	MarkCancelled(ctx context.Context, tx *sqlx.Tx, postID int64) error
	Remove(ctx context.Context, tx *sqlx.Tx, id int64) error
}

type postRepository struct {
	db *sqlx.DB
}

func NewPostRepository(db *sqlx.DB) PostRepository {
	return &postRepository{db: db}
}

const postColumns = `id, user_id, post_type, caption, title, scheduled_time, status, cancelled_at, created_at, updated_at`

func (r *postRepository) Create(ctx context.Context, tx *sqlx.Tx, post *models.Post) (int64, error) {
	query := `
		INSERT INTO posts (user_id, post_type, caption, title, scheduled_time, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`

	err := ext(r.db, tx).QueryRowxContext(ctx, query,
		post.UserID, post.PostType, post.Caption, post.Title, post.ScheduledTime, post.Status,
	).Scan(&post.ID)
	if err != nil {
		slog.Error("insert post failed", "error", err)
		return 0, err
	}
	return post.ID, nil
}

func (r *postRepository) GetByID(ctx context.Context, id int64) (*models.Post, error) {
	var post models.Post
	err := r.db.GetContext(ctx, &post, `SELECT `+postColumns+` FROM posts WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		slog.Error("get post failed", "post_id", id, "error", err)
		return nil, err
	}
	return &post, nil
}

func (r *postRepository) GetByUserID(ctx context.Context, userID int64, limit, offset int) ([]*models.Post, error) {
	if limit <= 0 {
		limit = 50
	}
	var posts []*models.Post
	err := r.db.SelectContext(ctx, &posts,
		`SELECT `+postColumns+` FROM posts WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		slog.Error("list posts failed", "user_id", userID, "error", err)
		return nil, err
	}
	return posts, nil
}

// UpdatePostStatus writes a recomputed aggregate. A cancelled post keeps its
// status.
func (r *postRepository) UpdatePostStatus(ctx context.Context, status string, postID int64) error {
	query := `
		UPDATE posts
		SET status = $1,
			updated_at = $2
		WHERE id = $3 AND status <> 'cancelled'
	`
	_, err := r.db.ExecContext(ctx, query, status, time.Now(), postID)
	if err != nil {
		slog.Error("update post status failed", "post_id", postID, "error", err)
		return err
	}
	return nil
}

func (r *postRepository) MarkCancelled(ctx context.Context, tx *sqlx.Tx, postID int64) error {
	query := `
		UPDATE posts
		SET status = 'cancelled',
			cancelled_at = $1,
			updated_at = $1
		WHERE id = $2
	`
	_, err := ext(r.db, tx).ExecContext(ctx, query, time.Now(), postID)
	if err != nil {
		slog.Error("cancel post failed", "post_id", postID, "error", err)
		return err
	}
	return nil
}

func (r *postRepository) Remove(ctx context.Context, tx *sqlx.Tx, id int64) error {
	_, err := ext(r.db, tx).ExecContext(ctx, `DELETE FROM posts WHERE id = $1`, id)
	if err != nil {
		slog.Error("delete post failed", "post_id", id, "error", err)
		return err
	}
	return nil
}
