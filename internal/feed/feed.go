// Package feed publishes publish outcomes and reconnect alerts for the
// analytics and notification consumers.
package feed

import (
	"context"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	TypeOutcome           = "publish.outcome"
	TypeReconnectRequired = "account.reconnect_required"
)

type Event struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	UserID       int64     `json:"user_id"`
	PostID       int64     `json:"post_id,omitempty"`
	JobID        int64     `json:"job_id,omitempty"`
	Platform     string    `json:"platform"`
	Outcome      string    `json:"outcome,omitempty"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	RemoteID     string    `json:"remote_id,omitempty"`
	Permalink    string    `json:"permalink,omitempty"`
	Attempt      int       `json:"attempt,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// RoutingKey is publish.<outcome> for outcomes and the type itself otherwise.
func (e Event) RoutingKey() string {
	if e.Type == TypeOutcome && e.Outcome != "" {
		return "publish." + e.Outcome
	}
	return e.Type
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// stamp fills the id and timestamp of an event that has none.
func stamp(e *Event) error {
	if e.ID == "" {
		id, err := gonanoid.New()
		if err != nil {
			return err
		}
		e.ID = id
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	return nil
}

// Noop drops every event. It is used when no broker is configured.
type Noop struct{}

func (Noop) Publish(ctx context.Context, e Event) error { return nil }

func (Noop) Close() error { return nil }
