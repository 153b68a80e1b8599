// Package platform holds one adapter per social network behind a small set of
// capability interfaces. Adapters translate a PostRequest into the network's
// HTTP calls and normalise the answer; they never touch the database.
package platform

import (
	"context"
	"time"
)

const (
	Facebook  = "facebook"
	Instagram = "instagram"
	Threads   = "threads"
	Bluesky   = "bluesky"
	TikTok    = "tiktok"
	Pinterest = "pinterest"
	YouTube   = "youtube"
	Twitter   = "twitter"
)

// Credential is a decrypted, ready to use token set for one account.
type Credential struct {
	UserID       int64
	Platform     string
	AccountID    string
	Username     string
	AccessToken  string
	RefreshToken string
	TokenSecret  string
	ExpiresAt    time.Time
}

type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
)

type Media struct {
	URL      string
	MIMEType string
	Kind     MediaKind
	AltText  string
}

// PostRequest is the platform-neutral content of one publish attempt.
type PostRequest struct {
	JobID          int64
	PostID         int64
	Caption        string
	Title          string
	Media          []Media
	IdempotencyKey string
	Attempt        int
	CreatedAt      time.Time
}

func (r PostRequest) Images() []Media { return r.mediaOf(MediaImage) }

func (r PostRequest) Videos() []Media { return r.mediaOf(MediaVideo) }

func (r PostRequest) mediaOf(kind MediaKind) []Media {
	var out []Media
	for _, m := range r.Media {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

type ResultState string

const (
	ResultAccepted  ResultState = "accepted"
	ResultCompleted ResultState = "completed"
)

// Result is a successful Publish outcome. Rejections are returned as
// *PublishError instead.
type Result struct {
	State     ResultState
	RemoteID  string
	Permalink string
}

func Accepted(remoteID string) Result {
	return Result{State: ResultAccepted, RemoteID: remoteID}
}

func Completed(remoteID, permalink string) Result {
	return Result{State: ResultCompleted, RemoteID: remoteID, Permalink: permalink}
}

type StatusState string

const (
	StatusPending   StatusState = "pending"
	StatusCompleted StatusState = "completed"
	StatusFailed    StatusState = "failed"
)

type Status struct {
	State     StatusState
	RemoteID  string
	Permalink string
	Reason    string
}

// Token is the outcome of a refresh. Empty fields keep their stored value.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Adapter publishes content to one platform.
type Adapter interface {
	Platform() string
	Publish(ctx context.Context, cred Credential, req PostRequest) (Result, error)
}

// StatusChecker is implemented by adapters whose publish completes out-of-band.
type StatusChecker interface {
	CheckStatus(ctx context.Context, cred Credential, remoteID string) (Status, error)
}

// Refresher is implemented by adapters whose tokens can be renewed without the user.
type Refresher interface {
	Refresh(ctx context.Context, cred Credential) (*Token, error)
}
