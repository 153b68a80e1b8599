package models

import (
	"time"
)

// SocialAccount is the stored credential of one user on one platform. Token
// fields hold AES-GCM ciphertext.
type SocialAccount struct {
	ID              int64      `db:"id" json:"id"`
	UserID          int64      `db:"user_id" json:"user_id"`
	Platform        string     `db:"platform" json:"platform"`
	AccountID       string     `db:"account_id" json:"account_id"`
	AccountName     string     `db:"account_name" json:"account_name"`
	AccountUsername string     `db:"account_username" json:"account_username"`
	ProfilePicture  string     `db:"profile_picture_url" json:"profile_picture"`
	AccessToken     string     `db:"access_token" json:"-"`
	RefreshToken    string     `db:"refresh_token" json:"-"`
	TokenSecret     string     `db:"token_secret" json:"-"`
	TokenExpiresAt  *time.Time `db:"token_expires_at" json:"token_expires_at,omitempty"`
	AccountStatus   string     `db:"account_status" json:"account_status"`
	StatusReason    string     `db:"status_reason" json:"status_reason,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

const (
	AccountStatusActive         = "active"
	AccountStatusNeedsReconnect = "needs_reconnect"
	AccountStatusRevoked        = "revoked"
)
