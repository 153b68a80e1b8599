package platform

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/maheshrc27/postflow/internal/transfer"
)

const (
	blueskyPDSURL       = "https://bsky.social"
	blueskyAppURL       = "https://bsky.app"
	blueskyCollection   = "app.bsky.feed.post"
	blueskyTextLimit    = 300
	blueskyImageMax     = 4
	blueskyBlobMaxBytes = 1_000_000
	blueskySessionTTL   = 2 * time.Hour
)

type BlueskyConfig struct {
	PDSURL string
	HTTP   HTTPConfig
}

// BlueskyAdapter writes app.bsky.feed.post records to the account's PDS. The
// credential's AccountID is the DID, the access token an accessJwt and the
// refresh token a refreshJwt.
type BlueskyAdapter struct {
	r      requester
	pdsURL string
}

func NewBlueskyAdapter(cfg BlueskyConfig) *BlueskyAdapter {
	if cfg.PDSURL == "" {
		cfg.PDSURL = blueskyPDSURL
	}
	return &BlueskyAdapter{
		r:      newRequester(cfg.HTTP, decodeBlueskyError),
		pdsURL: strings.TrimRight(cfg.PDSURL, "/"),
	}
}

func decodeBlueskyError(status int, body []byte) *PublishError {
	var e transfer.BlueskyError
	if err := json.Unmarshal(body, &e); err != nil || e.Error == "" {
		return nil
	}
	kind := KindForStatus(status)
	switch e.Error {
	case "ExpiredToken", "InvalidToken":
		kind = KindAuthExpired
	case "AccountTakedown", "AccountDeactivated", "AuthMissing":
		kind = KindReconnectRequired
	case "RateLimitExceeded":
		kind = KindRateLimited
	case "RecordNotFound":
		kind = KindContentRejected
	}
	msg := e.Error
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return &PublishError{Kind: kind, Message: msg}
}

func (a *BlueskyAdapter) xrpc(method string) string {
	return a.pdsURL + "/xrpc/" + method
}

func (a *BlueskyAdapter) Platform() string { return Bluesky }

func (a *BlueskyAdapter) Publish(ctx context.Context, cred Credential, req PostRequest) (Result, error) {
	text := plainText(req.Caption, blueskyTextLimit)
	images := req.Images()
	switch {
	case len(req.Videos()) > 0:
		return Result{}, Errorf(KindContentRejected, "bluesky video posts are not supported")
	case len(images) > blueskyImageMax:
		return Result{}, Errorf(KindContentRejected, "bluesky posts allow at most %d images", blueskyImageMax)
	case text == "" && len(images) == 0:
		return Result{}, Errorf(KindContentRejected, "bluesky posts need text or images")
	}

	rkey := RecordKey(req.CreatedAt, req.JobID)
	if req.Attempt > 1 {
		// an earlier attempt may have written the record before failing to
		// read the response
		exists, err := a.recordExists(ctx, cred, rkey)
		if err != nil {
			return Result{}, err
		}
		if exists {
			return Completed(rkey, blueskyPermalink(cred, rkey)), nil
		}
	}

	record := transfer.BlueskyPostRecord{
		Type:      blueskyCollection,
		Text:      text,
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if len(images) > 0 {
		embed := &transfer.BlueskyImagesEmbed{Type: "app.bsky.embed.images"}
		for _, img := range images {
			blob, err := a.uploadBlob(ctx, cred, img)
			if err != nil {
				return Result{}, err
			}
			embed.Images = append(embed.Images, transfer.BlueskyImage{Alt: img.AltText, Image: blob})
		}
		record.Embed = embed
	}

	var ref transfer.BlueskyRecordRef
	err := a.r.postJSON(ctx, a.xrpc("com.atproto.repo.createRecord"), bearer(cred.AccessToken), transfer.BlueskyCreateRecordRequest{
		Repo:       cred.AccountID,
		Collection: blueskyCollection,
		RKey:       rkey,
		Record:     record,
	}, false, &ref)
	if err != nil {
		return Result{}, err
	}
	return Completed(rkey, blueskyPermalink(cred, rkey)), nil
}

func (a *BlueskyAdapter) uploadBlob(ctx context.Context, cred Credential, m Media) (transfer.BlueskyBlob, error) {
	body, contentType, err := a.r.fetch(ctx, m.URL, blueskyBlobMaxBytes)
	if err != nil {
		return transfer.BlueskyBlob{}, err
	}
	if m.MIMEType != "" {
		contentType = m.MIMEType
	}
	var out transfer.BlueskyUploadBlobResponse
	if err := a.r.postRaw(ctx, a.xrpc("com.atproto.repo.uploadBlob"), bearer(cred.AccessToken), contentType, body, true, &out); err != nil {
		return transfer.BlueskyBlob{}, err
	}
	return out.Blob, nil
}

func (a *BlueskyAdapter) recordExists(ctx context.Context, cred Credential, rkey string) (bool, error) {
	q := url.Values{"repo": {cred.AccountID}, "collection": {blueskyCollection}, "rkey": {rkey}}
	var ref transfer.BlueskyRecordRef
	err := a.r.getJSON(ctx, a.xrpc("com.atproto.repo.getRecord")+"?"+q.Encode(), bearer(cred.AccessToken), &ref)
	if err == nil {
		return true, nil
	}
	var pe *PublishError
	if errors.As(err, &pe) && (pe.StatusCode == http.StatusBadRequest || pe.StatusCode == http.StatusNotFound) {
		return false, nil
	}
	return false, err
}

func blueskyPermalink(cred Credential, rkey string) string {
	profile := cred.AccountID
	if cred.Username != "" {
		profile = cred.Username
	}
	return blueskyAppURL + "/profile/" + profile + "/post/" + rkey
}

// Refresh trades the refreshJwt for a new session. Both tokens rotate.
func (a *BlueskyAdapter) Refresh(ctx context.Context, cred Credential) (*Token, error) {
	if cred.RefreshToken == "" {
		return nil, Errorf(KindReconnectRequired, "no refresh token stored")
	}
	var out transfer.BlueskySession
	if err := a.r.postRaw(ctx, a.xrpc("com.atproto.server.refreshSession"), bearer(cred.RefreshToken), "application/json", nil, false, &out); err != nil {
		var pe *PublishError
		if errors.As(err, &pe) && pe.Kind == KindAuthExpired {
			pe.Kind = KindReconnectRequired
		}
		return nil, err
	}
	if out.AccessJwt == "" {
		return nil, Errorf(KindReconnectRequired, "bluesky refresh returned no session")
	}
	return &Token{
		AccessToken:  out.AccessJwt,
		RefreshToken: out.RefreshJwt,
		ExpiresAt:    jwtExpiry(out.AccessJwt, time.Now().Add(blueskySessionTTL)),
	}, nil
}

// jwtExpiry reads exp without verifying the signature; the PDS is the only
// party that can verify it.
func jwtExpiry(token string, fallback time.Time) time.Time {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil || claims.ExpiresAt == nil {
		return fallback
	}
	return claims.ExpiresAt.Time
}

const tidAlphabet = "234567abcdefghijklmnopqrstuvwxyz"

// RecordKey derives a stable TID from the job's creation time and id, so
// every attempt of the same job targets the same record.
func RecordKey(createdAt time.Time, jobID int64) string {
	micros := uint64(createdAt.UnixMicro()) & (1<<53 - 1)
	v := micros<<10 | uint64(jobID)&0x3ff
	out := make([]byte, 13)
	for i := 12; i >= 0; i-- {
		out[i] = tidAlphabet[v&0x1f]
		v >>= 5
	}
	return string(out)
}
