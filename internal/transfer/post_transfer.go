package transfer

import "time"

// PostCreation is the inbound "submit post" payload.
type PostCreation struct {
	Caption     string    `json:"caption"`
	Title       string    `json:"title"`
	Platforms   []string  `json:"platforms"`
	MediaIDs    []int64   `json:"media_ids"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

type JobStatus struct {
	JobID      int64      `json:"job_id"`
	Platform   string     `json:"platform"`
	State      string     `json:"state"`
	RetryCount int        `json:"retry_count"`
	ErrorKind  string     `json:"error_kind,omitempty"`
	Error      string     `json:"error,omitempty"`
	RemoteID   string     `json:"remote_id,omitempty"`
	Permalink  string     `json:"permalink,omitempty"`
	DueAt      time.Time  `json:"due_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	Completed  *time.Time `json:"completed_at,omitempty"`
}

type PostStatusResponse struct {
	PostID    int64       `json:"post_id"`
	Status    string      `json:"status"`
	Summary   string      `json:"summary"`
	Published int         `json:"published"`
	Failed    int         `json:"failed"`
	Pending   int         `json:"pending"`
	Jobs      []JobStatus `json:"jobs"`
	Attempts  []Attempt   `json:"attempts"`
}

// Attempt is one row of a post's publish history, oldest first.
type Attempt struct {
	JobID     int64     `json:"job_id"`
	Platform  string    `json:"platform"`
	Attempt   int       `json:"attempt"`
	Outcome   string    `json:"outcome"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`
	RemoteID  string    `json:"remote_id,omitempty"`
	At        time.Time `json:"at"`
}

type PostCreated struct {
	PostID int64       `json:"post_id"`
	Status string      `json:"status"`
	Jobs   []JobStatus `json:"jobs"`
}
