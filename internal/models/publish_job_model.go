package models

import "time"

// PublishJob is the unit of work publishing one post to one platform.
type PublishJob struct {
	ID             int64      `db:"id" json:"id"`
	PostID         int64      `db:"post_id" json:"post_id"`
	UserID         int64      `db:"user_id" json:"user_id"`
	Platform       string     `db:"platform" json:"platform"`
	State          string     `db:"state" json:"state"`
	DueAt          time.Time  `db:"due_at" json:"due_at"`
	Attempts       int        `db:"attempts" json:"attempts"`
	RetryCount     int        `db:"retry_count" json:"retry_count"`
	LastErrorKind  string     `db:"last_error_kind" json:"last_error_kind,omitempty"`
	LastError      string     `db:"last_error" json:"last_error,omitempty"`
	RemoteID       string     `db:"remote_id" json:"remote_id,omitempty"`
	Permalink      string     `db:"permalink" json:"permalink,omitempty"`
	IdempotencyKey string     `db:"idempotency_key" json:"-"`
	ClaimedAt      *time.Time `db:"claimed_at" json:"claimed_at,omitempty"`
	CompletedAt    *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

const (
	JobStatePending       = "pending"
	JobStateDispatching   = "dispatching"
	JobStateAcceptedAsync = "accepted_async"
	JobStateCompleted     = "completed"
	JobStateFailed        = "failed_terminal"
	JobStateCancelled     = "cancelled"
)

// IsTerminal reports whether no automatic transition leaves state.
func IsTerminal(state string) bool {
	switch state {
	case JobStateCompleted, JobStateFailed, JobStateCancelled:
		return true
	}
	return false
}

// AsyncUpload links a job to the tracking id a platform issued while it
// processes media out-of-band.
type AsyncUpload struct {
	ID           int64      `db:"id" json:"id"`
	JobID        int64      `db:"job_id" json:"job_id"`
	UserID       int64      `db:"user_id" json:"user_id"`
	Platform     string     `db:"platform" json:"platform"`
	RemoteID     string     `db:"remote_id" json:"remote_id"`
	Polls        int        `db:"polls" json:"polls"`
	LastPolledAt *time.Time `db:"last_polled_at" json:"last_polled_at,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
}
