package models

import "time"

// ApiKey authenticates programmatic callers of the posts API. Only a hash
// of the key is stored; Prefix lets users tell their keys apart.
type ApiKey struct {
	ID         int64      `db:"id" json:"id"`
	UserID     int64      `db:"user_id" json:"user_id"`
	Prefix     string     `db:"prefix" json:"prefix"`
	KeyHash    string     `db:"key_hash" json:"-"`
	LastUsedAt *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
}
