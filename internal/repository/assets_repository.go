package repository

import (
	"context"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/maheshrc27/postflow/internal/models"
)

type MediaAssetRepository interface {
	// ListOwned returns the assets among ids that belong to userID.
	ListOwned(ctx context.Context, userID int64, ids []int64) ([]*models.MediaAsset, error)
	// ListByPost returns a post's assets in display order.
	ListByPost(ctx context.Context, postID int64) ([]*models.MediaAsset, error)
}

type mediaAssetRepository struct {
	db *sqlx.DB
}

func NewMediaAssetRepository(db *sqlx.DB) MediaAssetRepository {
	return &mediaAssetRepository{db: db}
}

const assetColumns = `ma.id, ma.user_id, ma.file_name, ma.file_type, ma.file_size, ma.file_url, ma.thumbnail_url, ma.created_at`

func (r *mediaAssetRepository) ListOwned(ctx context.Context, userID int64, ids []int64) ([]*models.MediaAsset, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + assetColumns + ` FROM media_assets ma WHERE ma.user_id = $1 AND ma.id = ANY($2)`
	var out []*models.MediaAsset
	if err := r.db.SelectContext(ctx, &out, query, userID, pq.Array(ids)); err != nil {
		slog.Error("list owned assets failed", "user_id", userID, "error", err)
		return nil, err
	}
	return out, nil
}

func (r *mediaAssetRepository) ListByPost(ctx context.Context, postID int64) ([]*models.MediaAsset, error) {
	query := `
		SELECT ` + assetColumns + `
		FROM post_media pm
		JOIN media_assets ma ON ma.id = pm.asset_id
		WHERE pm.post_id = $1
		ORDER BY pm.display_order
	`
	var out []*models.MediaAsset
	if err := r.db.SelectContext(ctx, &out, query, postID); err != nil {
		slog.Error("list post assets failed", "post_id", postID, "error", err)
		return nil, err
	}
	return out, nil
}
