package repository

import (
	"context"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/maheshrc27/postflow/internal/models"
)

type PostMediaRepository interface {
	Create(ctx context.Context, tx *sqlx.Tx, pm *models.PostMedia) error
}

type postMediaRepository struct {
	db *sqlx.DB
}

func NewPostMediaRepository(db *sqlx.DB) PostMediaRepository {
	return &postMediaRepository{db: db}
}

func (r *postMediaRepository) Create(ctx context.Context, tx *sqlx.Tx, pm *models.PostMedia) error {
	query := `
		INSERT INTO post_media (post_id, asset_id, display_order)
		VALUES ($1, $2, $3)
	`
	_, err := ext(r.db, tx).ExecContext(ctx, query, pm.PostID, pm.AssetID, pm.DisplayOrder)
	if err != nil {
		slog.Error("insert post media failed", "post_id", pm.PostID, "error", err)
		return err
	}
	return nil
}
