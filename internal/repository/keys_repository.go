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

type ApiKeyRepository interface {
	GetByHash(ctx context.Context, keyHash string) (*models.ApiKey, error)
	GetByUserID(ctx context.Context, userID int64) ([]*models.ApiKey, error)
	Create(ctx context.Context, apiKey *models.ApiKey) (int64, error)
	Touch(ctx context.Context, id int64, at time.Time) error
	// Remove reports false when no key with that id belongs to the user.
	Remove(ctx context.Context, id, userID int64) (bool, error)
}

type apiKeyRepository struct {
	db *sqlx.DB
}

func NewApiKeyRepository(db *sqlx.DB) ApiKeyRepository {
	return &apiKeyRepository{db: db}
}

func (r *apiKeyRepository) GetByHash(ctx context.Context, keyHash string) (*models.ApiKey, error) {
	var key models.ApiKey
	query := `SELECT id, user_id, prefix, key_hash, last_used_at, created_at FROM api_keys WHERE key_hash = $1`
	err := r.db.GetContext(ctx, &key, query, keyHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		slog.Error("get api key failed", "error", err)
		return nil, err
	}
	return &key, nil
}

func (r *apiKeyRepository) GetByUserID(ctx context.Context, userID int64) ([]*models.ApiKey, error) {
	var keys []*models.ApiKey
	query := `SELECT id, user_id, prefix, key_hash, last_used_at, created_at FROM api_keys WHERE user_id = $1 ORDER BY id`
	if err := r.db.SelectContext(ctx, &keys, query, userID); err != nil {
		slog.Error("list api keys failed", "user_id", userID, "error", err)
		return nil, err
	}
	return keys, nil
}

func (r *apiKeyRepository) Create(ctx context.Context, apiKey *models.ApiKey) (int64, error) {
	query := "INSERT INTO api_keys (user_id, prefix, key_hash) VALUES ($1, $2, $3) RETURNING id, created_at"
	err := r.db.QueryRowxContext(ctx, query, apiKey.UserID, apiKey.Prefix, apiKey.KeyHash).Scan(&apiKey.ID, &apiKey.CreatedAt)
	if err != nil {
		slog.Error("create api key failed", "user_id", apiKey.UserID, "error", err)
		return 0, err
	}
	return apiKey.ID, nil
}

func (r *apiKeyRepository) Touch(ctx context.Context, id int64, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		slog.Error("touch api key failed", "id", id, "error", err)
		return err
	}
	return nil
}

func (r *apiKeyRepository) Remove(ctx context.Context, id, userID int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		slog.Error("remove api key failed", "id", id, "error", err)
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
