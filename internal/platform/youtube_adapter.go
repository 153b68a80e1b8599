package platform

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"
)

const (
	youtubeWatchURL         = "https://youtu.be/"
	youtubeTitleLimit       = 100
	youtubeDescriptionLimit = 5000
	youtubeCategoryPeople   = "22"
)

type YouTubeConfig struct {
	ClientID     string
	ClientSecret string
	// Endpoint and TokenURL override the Google defaults.
	Endpoint string
	TokenURL string
	HTTP     HTTPConfig
}

// YouTubeAdapter uploads one video per post. The upload is streamed from the
// media URL straight into videos.insert; YouTube keeps processing it after the
// call returns.
type YouTubeAdapter struct {
	r        requester
	endpoint string
	oauth    *oauth2.Config
}

func NewYouTubeAdapter(cfg YouTubeConfig) *YouTubeAdapter {
	endpoint := google.Endpoint
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	return &YouTubeAdapter{
		r:        newRequester(cfg.HTTP, nil),
		endpoint: cfg.Endpoint,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       []string{youtube.YoutubeUploadScope, youtube.YoutubeReadonlyScope},
			Endpoint:     endpoint,
		},
	}
}

func (a *YouTubeAdapter) Platform() string { return YouTube }

func (a *YouTubeAdapter) service(ctx context.Context, cred Credential) (*youtube.Service, error) {
	base := context.WithValue(ctx, oauth2.HTTPClient, a.r.hc)
	client := oauth2.NewClient(base, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cred.AccessToken}))
	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if a.endpoint != "" {
		opts = append(opts, option.WithEndpoint(a.endpoint))
	}
	svc, err := youtube.NewService(ctx, opts...)
	if err != nil {
		return nil, &PublishError{Kind: KindUnknown, Message: "create youtube client", Err: err}
	}
	return svc, nil
}

func (a *YouTubeAdapter) Publish(ctx context.Context, cred Credential, req PostRequest) (Result, error) {
	videos := req.Videos()
	if len(videos) != 1 || len(req.Media) != 1 {
		return Result{}, Errorf(KindContentRejected, "youtube posts need exactly one video")
	}

	ctx, cancel := context.WithTimeout(ctx, a.r.mediaTimeout)
	defer cancel()

	src, err := http.NewRequestWithContext(ctx, http.MethodGet, videos[0].URL, nil)
	if err != nil {
		return Result{}, AsPublishError(err)
	}
	resp, err := a.r.hc.Do(src)
	if err != nil {
		return Result{}, AsPublishError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{}, &PublishError{Kind: KindTransientNetwork, Message: "fetch media: " + resp.Status, StatusCode: resp.StatusCode}
	}

	svc, err := a.service(ctx, cred)
	if err != nil {
		return Result{}, err
	}

	title := plainText(req.Title, youtubeTitleLimit)
	if title == "" {
		title = plainText(req.Caption, youtubeTitleLimit)
	}
	video := &youtube.Video{
		Snippet: &youtube.VideoSnippet{
			Title:       title,
			Description: plainText(req.Caption, youtubeDescriptionLimit),
			CategoryId:  youtubeCategoryPeople,
		},
		Status: &youtube.VideoStatus{PrivacyStatus: "public"},
	}

	out, err := svc.Videos.Insert([]string{"snippet", "status"}, video).Media(resp.Body).Context(ctx).Do()
	if err != nil {
		return Result{}, youtubeError(err)
	}
	return Accepted(out.Id), nil
}

func (a *YouTubeAdapter) CheckStatus(ctx context.Context, cred Credential, videoID string) (Status, error) {
	ctx, cancel := context.WithTimeout(ctx, a.r.timeout)
	defer cancel()

	svc, err := a.service(ctx, cred)
	if err != nil {
		return Status{}, err
	}
	out, err := svc.Videos.List([]string{"status", "processingDetails"}).Id(videoID).Context(ctx).Do()
	if err != nil {
		return Status{}, youtubeError(err)
	}
	if len(out.Items) == 0 {
		return Status{State: StatusFailed, Reason: "video not found"}, nil
	}

	v := out.Items[0]
	if v.ProcessingDetails != nil && v.ProcessingDetails.ProcessingStatus == "terminated" {
		return Status{State: StatusFailed, Reason: "youtube stopped processing the video"}, nil
	}
	if v.Status == nil {
		return Status{State: StatusPending}, nil
	}
	switch v.Status.UploadStatus {
	case "processed":
		return Status{State: StatusCompleted, RemoteID: videoID, Permalink: youtubeWatchURL + videoID}, nil
	case "failed":
		return Status{State: StatusFailed, Reason: "upload failed: " + v.Status.FailureReason}, nil
	case "rejected":
		return Status{State: StatusFailed, Reason: "video rejected: " + v.Status.RejectionReason}, nil
	case "deleted":
		return Status{State: StatusFailed, Reason: "video deleted"}, nil
	}
	return Status{State: StatusPending}, nil
}

func (a *YouTubeAdapter) Refresh(ctx context.Context, cred Credential) (*Token, error) {
	return refreshOAuth2(ctx, a.r, a.oauth, cred.RefreshToken)
}

func youtubeError(err error) *PublishError {
	var ge *googleapi.Error
	if !errors.As(err, &ge) {
		return AsPublishError(err)
	}
	pe := &PublishError{Kind: KindForStatus(ge.Code), Message: ge.Message, StatusCode: ge.Code, Err: err}
	for _, item := range ge.Errors {
		switch item.Reason {
		case "quotaExceeded", "rateLimitExceeded", "userRateLimitExceeded", "uploadLimitExceeded":
			pe.Kind = KindRateLimited
		case "insufficientPermissions", "forbidden", "youtubeSignupRequired":
			pe.Kind = KindReconnectRequired
		case "invalidTitle", "invalidDescription", "invalidVideoMetadata", "mediaBodyRequired":
			pe.Kind = KindContentRejected
		case "authError":
			pe.Kind = KindAuthExpired
		}
	}
	if pe.Kind == KindRateLimited {
		pe.RetryAfter = RetryAfter(ge.Header, time.Now())
	}
	if pe.Message == "" {
		pe.Message = strings.TrimSpace(ge.Body)
	}
	return pe
}
