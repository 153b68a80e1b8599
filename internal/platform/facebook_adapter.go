package platform

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/maheshrc27/postflow/internal/transfer"
)

const (
	facebookGraphURL    = "https://graph.facebook.com"
	facebookWebURL      = "https://www.facebook.com"
	facebookTextLimit   = 63206
	facebookAttachedMax = 30
)

type FacebookConfig struct {
	AppSecret string
	BaseURL   string
	HTTP      HTTPConfig
}

// FacebookAdapter publishes to a Facebook Page. The credential's AccountID is
// the page id and its access token a page token.
type FacebookAdapter struct {
	graph graphAPI
}

func NewFacebookAdapter(cfg FacebookConfig) *FacebookAdapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = facebookGraphURL
	}
	g := graphAPI{
		r:       newRequester(cfg.HTTP, decodeGraphError),
		baseURL: cfg.BaseURL,
		version: "v21.0",
	}
	if cfg.AppSecret != "" {
		secret := []byte(cfg.AppSecret)
		g.proof = func(token string) string { return appSecretProof(secret, token) }
	}
	return &FacebookAdapter{graph: g}
}

func appSecretProof(secret []byte, token string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *FacebookAdapter) Platform() string { return Facebook }

func (a *FacebookAdapter) Publish(ctx context.Context, cred Credential, req PostRequest) (Result, error) {
	message := plainText(req.Caption, facebookTextLimit)
	images, videos := req.Images(), req.Videos()
	page := cred.AccountID

	switch {
	case len(req.Media) == 0:
		if message == "" {
			return Result{}, Errorf(KindContentRejected, "facebook posts need text or media")
		}
		out, err := a.graph.post(ctx, page+"/feed", cred.AccessToken, url.Values{"message": {message}}, false)
		if err != nil {
			return Result{}, err
		}
		return Completed(out.ID, facebookWebURL+"/"+out.ID), nil
	case len(videos) == 1 && len(images) == 0:
		params := url.Values{"file_url": {videos[0].URL}, "description": {message}}
		if req.Title != "" {
			params.Set("title", req.Title)
		}
		out, err := a.graph.post(ctx, page+"/videos", cred.AccessToken, params, true)
		if err != nil {
			return Result{}, err
		}
		return Accepted(out.ID), nil
	case len(videos) > 0:
		return Result{}, Errorf(KindContentRejected, "facebook posts support a single video or only images")
	case len(images) == 1:
		out, err := a.graph.post(ctx, page+"/photos", cred.AccessToken, url.Values{
			"url":     {images[0].URL},
			"caption": {message},
		}, true)
		if err != nil {
			return Result{}, err
		}
		id := out.PostID
		if id == "" {
			id = out.ID
		}
		return Completed(id, facebookWebURL+"/"+id), nil
	case len(images) > facebookAttachedMax:
		return Result{}, Errorf(KindContentRejected, "facebook posts allow at most %d images", facebookAttachedMax)
	}

	params := url.Values{"message": {message}}
	for i, img := range images {
		photo, err := a.graph.post(ctx, page+"/photos", cred.AccessToken, url.Values{
			"url":       {img.URL},
			"published": {"false"},
		}, true)
		if err != nil {
			return Result{}, err
		}
		attached, _ := json.Marshal(map[string]string{"media_fbid": photo.ID})
		params.Set(fmt.Sprintf("attached_media[%d]", i), string(attached))
	}
	out, err := a.graph.post(ctx, page+"/feed", cred.AccessToken, params, false)
	if err != nil {
		return Result{}, err
	}
	return Completed(out.ID, facebookWebURL+"/"+out.ID), nil
}

func (a *FacebookAdapter) CheckStatus(ctx context.Context, cred Credential, videoID string) (Status, error) {
	var st transfer.GraphVideoStatus
	if err := a.graph.get(ctx, videoID, cred.AccessToken, "status,permalink_url", &st); err != nil {
		return Status{}, err
	}
	switch st.Status.VideoStatus {
	case "ready":
		link := st.PermalinkURL
		if strings.HasPrefix(link, "/") {
			link = facebookWebURL + link
		}
		return Status{State: StatusCompleted, RemoteID: videoID, Permalink: link}, nil
	case "error":
		return Status{State: StatusFailed, Reason: "facebook could not process the video"}, nil
	}
	return Status{State: StatusPending}, nil
}
