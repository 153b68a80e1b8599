package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/maheshrc27/postflow/internal/transfer"
)

const (
	tiktokAPIURL      = "https://open.tiktokapis.com"
	tiktokWebURL      = "https://www.tiktok.com"
	tiktokTitleLimit  = 2200
	tiktokPhotoMax    = 35
	tiktokPublicLevel = "PUBLIC_TO_EVERYONE"
)

type TikTokConfig struct {
	ClientKey    string
	ClientSecret string
	BaseURL      string
	HTTP         HTTPConfig
}

// TikTokAdapter uses the Content Posting API with PULL_FROM_URL sources. Every
// publish is processed by TikTok after init, so Publish always returns
// Accepted with the publish id.
type TikTokAdapter struct {
	r            requester
	baseURL      string
	clientKey    string
	clientSecret string
}

func NewTikTokAdapter(cfg TikTokConfig) *TikTokAdapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = tiktokAPIURL
	}
	return &TikTokAdapter{
		r:            newRequester(cfg.HTTP, decodeTiktokError),
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		clientKey:    cfg.ClientKey,
		clientSecret: cfg.ClientSecret,
	}
}

func decodeTiktokError(status int, body []byte) *PublishError {
	var env struct {
		Error       json.RawMessage `json:"error"`
		Description string          `json:"error_description"`
	}
	if err := json.Unmarshal(body, &env); err != nil || len(env.Error) == 0 {
		return nil
	}
	var nested transfer.TiktokError
	if err := json.Unmarshal(env.Error, &nested); err == nil && nested.Code != "" {
		return &PublishError{Kind: tiktokKind(status, nested.Code), Message: nested.Message}
	}
	// the token endpoint reports errors as a flat string
	var code string
	if err := json.Unmarshal(env.Error, &code); err != nil || code == "" {
		return nil
	}
	kind := KindForStatus(status)
	if code == "invalid_grant" {
		kind = KindReconnectRequired
	}
	return &PublishError{Kind: kind, Message: env.Description}
}

func tiktokKind(status int, code string) ErrorKind {
	switch code {
	case "access_token_invalid", "token_not_authorized_for_specified_deployment":
		return KindAuthExpired
	case "scope_not_authorized", "scope_permission_missed", "unaudited_client_can_only_post_to_private_accounts":
		return KindReconnectRequired
	case "rate_limit_exceeded", "spam_risk_too_many_posts", "spam_risk_too_many_pending_share", "reached_active_user_cap":
		return KindRateLimited
	case "spam_risk_user_banned_from_posting", "privacy_level_option_mismatch", "invalid_params",
		"url_ownership_unverified", "file_format_check_failed", "duration_check_failed", "picture_size_check_failed":
		return KindContentRejected
	case "internal_error":
		return KindTransientNetwork
	}
	return KindForStatus(status)
}

func (a *TikTokAdapter) Platform() string { return TikTok }

func (a *TikTokAdapter) Publish(ctx context.Context, cred Credential, req PostRequest) (Result, error) {
	images, videos := req.Images(), req.Videos()
	switch {
	case len(req.Media) == 0:
		return Result{}, Errorf(KindContentRejected, "tiktok requires a video or photos")
	case len(videos) > 1 || (len(videos) == 1 && len(images) > 0):
		return Result{}, Errorf(KindContentRejected, "tiktok posts support a single video or only photos")
	case len(images) > tiktokPhotoMax:
		return Result{}, Errorf(KindContentRejected, "tiktok photo posts allow at most %d photos", tiktokPhotoMax)
	}

	creator, err := a.creatorInfo(ctx, cred)
	if err != nil {
		return Result{}, err
	}
	privacy := choosePrivacy(creator.PrivacyLevelOptions)
	caption := plainText(req.Caption, tiktokTitleLimit)

	var out transfer.TikTokUploadResponse
	if len(videos) == 1 {
		payload := transfer.VideoUploadRequest{
			PostInfo: transfer.VideoPostInfo{
				Title:                 caption,
				PrivacyLevel:          privacy,
				DisableDuet:           creator.DuetDisabled,
				DisableComment:        creator.CommentDisabled,
				DisableStitch:         creator.StitchDisabled,
				VideoCoverTimestampMs: 1000,
			},
			SourceInfo: transfer.VideoSourceInfo{Source: "PULL_FROM_URL", VideoURL: videos[0].URL},
		}
		err = a.r.postJSON(ctx, a.baseURL+"/v2/post/publish/video/init/", bearer(cred.AccessToken), payload, true, &out)
	} else {
		photos := make([]string, 0, len(images))
		for _, img := range images {
			photos = append(photos, img.URL)
		}
		payload := transfer.PhotoUploadRequest{
			PostInfo: transfer.PhotoPostInfo{
				Title:          truncate(req.Title, 90),
				Description:    caption,
				PrivacyLevel:   privacy,
				DisableComment: creator.CommentDisabled,
				AutoAddMusic:   true,
			},
			SourceInfo: transfer.PhotoSourceInfo{Source: "PULL_FROM_URL", PhotoImages: photos},
			PostMode:   "DIRECT_POST",
			MediaType:  "PHOTO",
		}
		err = a.r.postJSON(ctx, a.baseURL+"/v2/post/publish/content/init/", bearer(cred.AccessToken), payload, true, &out)
	}
	if err != nil {
		return Result{}, err
	}
	if err := tiktokEnvelopeError(out.Error); err != nil {
		return Result{}, err
	}
	if out.Data.PublishID == "" {
		return Result{}, Errorf(KindUnknown, "tiktok returned no publish id")
	}
	return Accepted(out.Data.PublishID), nil
}

// choosePrivacy prefers public posting and falls back to the first level the
// creator allows.
func choosePrivacy(options []string) string {
	for _, o := range options {
		if o == tiktokPublicLevel {
			return o
		}
	}
	if len(options) > 0 {
		return options[0]
	}
	return tiktokPublicLevel
}

func tiktokEnvelopeError(e transfer.TiktokError) error {
	if e.Code == "" || e.Code == "ok" {
		return nil
	}
	return &PublishError{Kind: tiktokKind(200, e.Code), Message: e.Message}
}

func (a *TikTokAdapter) creatorInfo(ctx context.Context, cred Credential) (transfer.TiktokCreatorInfo, error) {
	var out transfer.TiktokCreatorInfoResponse
	err := a.r.postJSON(ctx, a.baseURL+"/v2/post/publish/creator_info/query/", bearer(cred.AccessToken), struct{}{}, false, &out)
	if err != nil {
		return out.Data, err
	}
	if err := tiktokEnvelopeError(out.Error); err != nil {
		return out.Data, err
	}
	return out.Data, nil
}

func (a *TikTokAdapter) CheckStatus(ctx context.Context, cred Credential, publishID string) (Status, error) {
	var out transfer.TiktokStatusResponse
	err := a.r.postJSON(ctx, a.baseURL+"/v2/post/publish/status/fetch/", bearer(cred.AccessToken),
		transfer.TiktokStatusRequest{PublishID: publishID}, false, &out)
	if err != nil {
		return Status{}, err
	}
	if err := tiktokEnvelopeError(out.Error); err != nil {
		return Status{}, err
	}

	switch out.Data.Status {
	case "PUBLISH_COMPLETE", "SEND_TO_USER_INBOX":
		st := Status{State: StatusCompleted, RemoteID: publishID}
		if ids := out.Data.PubliclyAvailablePostIDs; len(ids) > 0 {
			st.RemoteID = strconv.FormatInt(ids[0], 10)
			st.Permalink = tiktokPermalink(cred.Username, st.RemoteID)
		}
		return st, nil
	case "FAILED":
		reason := out.Data.FailReason
		if reason == "" {
			reason = "tiktok could not process the post"
		}
		return Status{State: StatusFailed, Reason: reason}, nil
	}
	return Status{State: StatusPending}, nil
}

func tiktokPermalink(username, postID string) string {
	if username == "" {
		return ""
	}
	return fmt.Sprintf("%s/@%s/video/%s", tiktokWebURL, strings.TrimPrefix(username, "@"), postID)
}

func (a *TikTokAdapter) Refresh(ctx context.Context, cred Credential) (*Token, error) {
	if cred.RefreshToken == "" {
		return nil, Errorf(KindReconnectRequired, "no refresh token stored")
	}
	form := url.Values{}
	form.Set("client_key", a.clientKey)
	form.Set("client_secret", a.clientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", cred.RefreshToken)

	var out transfer.TiktokTokenResponse
	if err := a.r.postForm(ctx, a.baseURL+"/v2/oauth/token/", nil, form, false, &out); err != nil {
		return nil, err
	}
	if out.AccessToken == "" {
		return nil, Errorf(KindReconnectRequired, "tiktok refresh returned no access token")
	}
	return &Token{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(out.ExpiresIn) * time.Second),
	}, nil
}
