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

// ErrTokenChanged is returned by SetToken when another writer replaced the
// token first.
var ErrTokenChanged = errors.New("access token changed concurrently")

type SocialAccountRepository interface {
	GetByUserAndPlatform(ctx context.Context, userID int64, platform string) (*models.SocialAccount, error)
	// ListExpiring returns active accounts whose token expires before the
	// given time.
	ListExpiring(ctx context.Context, before time.Time) ([]*models.SocialAccount, error)
	SetToken(ctx context.Context, userID int64, platform, oldAccessToken string, sa *models.SocialAccount) error
	Expire(ctx context.Context, userID int64, platform string, at time.Time) error
	SetStatus(ctx context.Context, userID int64, platform, status, reason string) error
}

type socialAccountRepository struct {
	db *sqlx.DB
}

func NewSocialAccountRepository(db *sqlx.DB) SocialAccountRepository {
	return &socialAccountRepository{db: db}
}

const accountColumns = `id, user_id, platform, account_id, account_name, account_username, profile_picture_url,
	access_token, refresh_token, token_secret, token_expires_at, account_status, status_reason, created_at, updated_at`

func (r *socialAccountRepository) GetByUserAndPlatform(ctx context.Context, userID int64, platform string) (*models.SocialAccount, error) {
	var sa models.SocialAccount
	err := r.db.GetContext(ctx, &sa,
		`SELECT `+accountColumns+` FROM social_accounts WHERE user_id = $1 AND platform = $2`, userID, platform)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		slog.Error("get social account failed", "user_id", userID, "platform", platform, "error", err)
		return nil, err
	}
	return &sa, nil
}

func (r *socialAccountRepository) ListExpiring(ctx context.Context, before time.Time) ([]*models.SocialAccount, error) {
	query := `SELECT ` + accountColumns + `
		FROM social_accounts
		WHERE account_status = 'active'
			AND token_expires_at IS NOT NULL
			AND token_expires_at < $1
		ORDER BY token_expires_at`

	var accounts []*models.SocialAccount
	if err := r.db.SelectContext(ctx, &accounts, query, before); err != nil {
		slog.Error("list expiring accounts failed", "error", err)
		return nil, err
	}
	return accounts, nil
}

// SetToken stores refreshed tokens only if the access token is still the one
// the caller refreshed from. Empty fields keep their stored value.
func (r *socialAccountRepository) SetToken(ctx context.Context, userID int64, platform, oldAccessToken string, sa *models.SocialAccount) error {
	query := `
		UPDATE social_accounts
		SET
			access_token = COALESCE(NULLIF($4, ''), access_token),
			refresh_token = COALESCE(NULLIF($5, ''), refresh_token),
			token_expires_at = COALESCE($6, token_expires_at),
			account_status = 'active',
			status_reason = '',
			updated_at = CURRENT_TIMESTAMP
		WHERE user_id = $1 AND platform = $2 AND access_token = $3
	`
	result, err := r.db.ExecContext(ctx, query, userID, platform, oldAccessToken, sa.AccessToken, sa.RefreshToken, sa.TokenExpiresAt)
	if err != nil {
		slog.Error("set token failed", "user_id", userID, "platform", platform, "error", err)
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		return ErrTokenChanged
	}
	return nil
}

// Expire marks the stored token as expired without touching its value, so
// the next resolve goes through refresh.
func (r *socialAccountRepository) Expire(ctx context.Context, userID int64, platform string, at time.Time) error {
	query := `
		UPDATE social_accounts
		SET token_expires_at = $3, updated_at = CURRENT_TIMESTAMP
		WHERE user_id = $1 AND platform = $2
	`
	if _, err := r.db.ExecContext(ctx, query, userID, platform, at); err != nil {
		slog.Error("expire token failed", "user_id", userID, "platform", platform, "error", err)
		return err
	}
	return nil
}

func (r *socialAccountRepository) SetStatus(ctx context.Context, userID int64, platform, status, reason string) error {
	query := `
		UPDATE social_accounts
		SET account_status = $3, status_reason = $4, updated_at = CURRENT_TIMESTAMP
		WHERE user_id = $1 AND platform = $2
	`
	if _, err := r.db.ExecContext(ctx, query, userID, platform, status, reason); err != nil {
		slog.Error("set account status failed", "user_id", userID, "platform", platform, "error", err)
		return err
	}
	return nil
}
