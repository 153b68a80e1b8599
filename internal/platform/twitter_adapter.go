package platform

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/dghubble/oauth1"
	"github.com/maheshrc27/postflow/internal/transfer"
	"golang.org/x/oauth2"
)

const (
	twitterAPIURL       = "https://api.twitter.com"
	twitterUploadURL    = "https://upload.twitter.com"
	twitterWebURL       = "https://x.com/i/web/status/"
	twitterTextLimit    = 280
	twitterImageMax     = 4
	twitterImageMaxSize = 5 << 20
)

type TwitterConfig struct {
	ConsumerKey    string
	ConsumerSecret string
	ClientID       string
	ClientSecret   string
	BaseURL        string
	UploadURL      string
	HTTP           HTTPConfig
}

// TwitterAdapter posts through API v2. Accounts connected with OAuth 1.0a
// carry a token secret and are signed with the consumer keys; the rest use
// OAuth 2.0 bearer tokens.
type TwitterAdapter struct {
	r         requester
	baseURL   string
	uploadURL string
	consumer  *oauth1.Config
	oauth     *oauth2.Config
}

func NewTwitterAdapter(cfg TwitterConfig) *TwitterAdapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = twitterAPIURL
	}
	if cfg.UploadURL == "" {
		cfg.UploadURL = twitterUploadURL
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	return &TwitterAdapter{
		r:         newRequester(cfg.HTTP, decodeTwitterError),
		baseURL:   base,
		uploadURL: strings.TrimRight(cfg.UploadURL, "/"),
		consumer:  oauth1.NewConfig(cfg.ConsumerKey, cfg.ConsumerSecret),
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  base + "/2/oauth2/token",
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
	}
}

func decodeTwitterError(status int, body []byte) *PublishError {
	var e transfer.TwitterErrorResponse
	if err := json.Unmarshal(body, &e); err != nil {
		return nil
	}
	kind := KindForStatus(status)
	msg := e.Detail
	for _, item := range e.Errors {
		if msg == "" {
			msg = item.Message
		}
		switch item.Code {
		case 88:
			kind = KindRateLimited
		case 89, 32:
			kind = KindAuthExpired
		case 64, 326:
			kind = KindReconnectRequired
		case 186, 187, 324:
			kind = KindContentRejected
		}
	}
	if msg == "" && e.Title == "" {
		return nil
	}
	if msg == "" {
		msg = e.Title
	}
	return &PublishError{Kind: kind, Message: msg}
}

func (a *TwitterAdapter) Platform() string { return Twitter }

// client picks the signing scheme for cred. OAuth 1.0a requests carry no
// extra headers; bearer requests get Authorization.
func (a *TwitterAdapter) client(ctx context.Context, cred Credential) (requester, http.Header) {
	if cred.TokenSecret == "" {
		return a.r, bearer(cred.AccessToken)
	}
	ctx = context.WithValue(ctx, oauth1.HTTPClient, a.r.hc)
	hc := a.consumer.Client(ctx, oauth1.NewToken(cred.AccessToken, cred.TokenSecret))
	return a.r.withClient(hc), nil
}

func (a *TwitterAdapter) Publish(ctx context.Context, cred Credential, req PostRequest) (Result, error) {
	text := plainText(req.Caption, twitterTextLimit)
	images := req.Images()
	switch {
	case len(req.Videos()) > 0:
		return Result{}, Errorf(KindContentRejected, "twitter video uploads are not supported")
	case len(images) > twitterImageMax:
		return Result{}, Errorf(KindContentRejected, "tweets allow at most %d images", twitterImageMax)
	case text == "" && len(images) == 0:
		return Result{}, Errorf(KindContentRejected, "tweets need text or images")
	}

	r, headers := a.client(ctx, cred)
	tweet := transfer.TwitterCreateTweet{Text: text}
	if len(images) > 0 {
		ids := make([]string, 0, len(images))
		for _, img := range images {
			id, err := a.uploadImage(ctx, r, headers, img)
			if err != nil {
				return Result{}, err
			}
			ids = append(ids, id)
		}
		tweet.Media = &transfer.TwitterMedia{MediaIDs: ids}
	}

	var out transfer.TwitterTweetResponse
	if err := r.postJSON(ctx, a.baseURL+"/2/tweets", headers, tweet, false, &out); err != nil {
		return Result{}, err
	}
	if out.Data.ID == "" {
		return Result{}, Errorf(KindUnknown, "twitter returned no tweet id")
	}
	return Completed(out.Data.ID, twitterWebURL+out.Data.ID), nil
}

func (a *TwitterAdapter) uploadImage(ctx context.Context, r requester, headers http.Header, img Media) (string, error) {
	body, _, err := a.r.fetch(ctx, img.URL, twitterImageMaxSize)
	if err != nil {
		return "", err
	}
	form := url.Values{"media_data": {base64.StdEncoding.EncodeToString(body)}}
	var out transfer.TwitterMediaUploadResponse
	if err := r.postForm(ctx, a.uploadURL+"/1.1/media/upload.json", headers, form, true, &out); err != nil {
		return "", err
	}
	if out.MediaIDString == "" {
		return "", Errorf(KindUnknown, "twitter returned no media id")
	}
	return out.MediaIDString, nil
}

// Refresh renews OAuth 2.0 tokens. OAuth 1.0a tokens never expire, so a
// rejected one can only be fixed by reconnecting.
func (a *TwitterAdapter) Refresh(ctx context.Context, cred Credential) (*Token, error) {
	if cred.TokenSecret != "" {
		return nil, Errorf(KindReconnectRequired, "oauth1 tokens cannot be refreshed")
	}
	return refreshOAuth2(ctx, a.r, a.oauth, cred.RefreshToken)
}
