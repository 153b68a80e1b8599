package models

import "time"

// PostingHistory is the append-only audit trail of publish attempts.
type PostingHistory struct {
	ID           int64     `db:"id" json:"id"`
	UserID       int64     `db:"user_id" json:"user_id"`
	PostID       int64     `db:"post_id" json:"post_id"`
	JobID        int64     `db:"job_id" json:"job_id"`
	Platform     string    `db:"platform" json:"platform"`
	Attempt      int       `db:"attempt" json:"attempt"`
	Outcome      string    `db:"outcome" json:"outcome"`
	ErrorKind    string    `db:"error_kind" json:"error_kind,omitempty"`
	ErrorMessage string    `db:"error_message" json:"error_message,omitempty"`
	RemoteID     string    `db:"remote_id" json:"remote_id,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

const (
	OutcomeCompleted = "completed"
	OutcomeAccepted  = "accepted"
	OutcomeRetry     = "retry_scheduled"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)
