package service

import (
	"errors"
	"fmt"

	"github.com/maheshrc27/postflow/internal/platform"
)

var (
	ErrNoPlatforms        = errors.New("at least one platform is required")
	ErrUnknownPlatform    = errors.New("unsupported platform")
	ErrDuplicatePlatform  = errors.New("platform listed more than once")
	ErrEmptyContent       = errors.New("caption is required when no media is attached")
	ErrPostNotFound       = errors.New("post not found")
	ErrPostNotCancellable = errors.New("post has no pending jobs to cancel")
	ErrPostInFlight       = errors.New("post has jobs in flight")
	ErrMediaNotFound      = errors.New("media asset not found")
	ErrUnsupportedMedia   = errors.New("media asset is not a supported image or video")
)

type CredentialErrorKind string

const (
	CredentialNotConnected   CredentialErrorKind = "not_connected"
	CredentialExpired        CredentialErrorKind = "expired"
	CredentialNeedsReconnect CredentialErrorKind = "needs_reconnect"
)

// CredentialError means no usable credential exists for an account. The
// dispatcher fails the job without consuming a retry.
type CredentialError struct {
	Kind     CredentialErrorKind
	Platform string
	Reason   string
}

func (e *CredentialError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s credential %s: %s", e.Platform, e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s credential %s", e.Platform, e.Kind)
}

// PublishError renders the failure in the job error taxonomy.
func (e *CredentialError) PublishError() *platform.PublishError {
	msg := "account is not connected"
	switch e.Kind {
	case CredentialExpired:
		msg = "access token expired"
	case CredentialNeedsReconnect:
		msg = "account needs to be reconnected"
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return &platform.PublishError{Kind: platform.KindReconnectRequired, Message: msg, Err: e}
}

func AsCredentialError(err error) (*CredentialError, bool) {
	var ce *CredentialError
	ok := errors.As(err, &ce)
	return ce, ok
}
