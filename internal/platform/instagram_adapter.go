package platform

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/maheshrc27/postflow/internal/transfer"
)

const (
	instagramGraphURL     = "https://graph.instagram.com"
	instagramCaptionLimit = 2200
	instagramCarouselMax  = 10
)

type InstagramConfig struct {
	BaseURL string
	HTTP    HTTPConfig
}

// InstagramAdapter publishes through the Instagram Graph API with Instagram
// Login. Reels are processed asynchronously and published from CheckStatus.
type InstagramAdapter struct {
	graph graphAPI
}

func NewInstagramAdapter(cfg InstagramConfig) *InstagramAdapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = instagramGraphURL
	}
	return &InstagramAdapter{graph: graphAPI{
		r:       newRequester(cfg.HTTP, decodeGraphError),
		baseURL: cfg.BaseURL,
		version: "v21.0",
	}}
}

func (a *InstagramAdapter) Platform() string { return Instagram }

func (a *InstagramAdapter) Publish(ctx context.Context, cred Credential, req PostRequest) (Result, error) {
	caption := plainText(req.Caption, instagramCaptionLimit)
	images, videos := req.Images(), req.Videos()
	mediaPath := cred.AccountID + "/media"

	switch {
	case len(req.Media) == 0:
		return Result{}, Errorf(KindContentRejected, "instagram requires at least one image or video")
	case len(videos) == 1 && len(images) == 0:
		container, err := a.graph.post(ctx, mediaPath, cred.AccessToken, url.Values{
			"media_type": {"REELS"},
			"video_url":  {videos[0].URL},
			"caption":    {caption},
		}, true)
		if err != nil {
			return Result{}, err
		}
		return Accepted(container.ID), nil
	case len(videos) > 0:
		return Result{}, Errorf(KindContentRejected, "instagram posts support a single video or only images")
	case len(images) > instagramCarouselMax:
		return Result{}, Errorf(KindContentRejected, "instagram carousels allow at most %d images", instagramCarouselMax)
	}

	var creationID string
	if len(images) == 1 {
		container, err := a.graph.post(ctx, mediaPath, cred.AccessToken, url.Values{
			"image_url": {images[0].URL},
			"caption":   {caption},
		}, true)
		if err != nil {
			return Result{}, err
		}
		creationID = container.ID
	} else {
		children := make([]string, 0, len(images))
		for _, img := range images {
			child, err := a.graph.post(ctx, mediaPath, cred.AccessToken, url.Values{
				"image_url":        {img.URL},
				"is_carousel_item": {"true"},
			}, true)
			if err != nil {
				return Result{}, err
			}
			children = append(children, child.ID)
		}
		container, err := a.graph.post(ctx, mediaPath, cred.AccessToken, url.Values{
			"media_type": {"CAROUSEL"},
			"caption":    {caption},
			"children":   {strings.Join(children, ",")},
		}, false)
		if err != nil {
			return Result{}, err
		}
		creationID = container.ID
	}

	published, err := a.publishContainer(ctx, cred, creationID)
	if err != nil {
		return Result{}, err
	}
	return Completed(published, a.graph.permalink(ctx, published, cred.AccessToken)), nil
}

func (a *InstagramAdapter) publishContainer(ctx context.Context, cred Credential, creationID string) (string, error) {
	out, err := a.graph.post(ctx, cred.AccountID+"/media_publish", cred.AccessToken, url.Values{
		"creation_id": {creationID},
	}, false)
	if err != nil {
		return "", err
	}
	return out.ID, nil
}

func (a *InstagramAdapter) CheckStatus(ctx context.Context, cred Credential, containerID string) (Status, error) {
	var st transfer.GraphContainerStatus
	if err := a.graph.get(ctx, containerID, cred.AccessToken, "status_code,status", &st); err != nil {
		return Status{}, err
	}
	switch st.StatusCode {
	case "FINISHED":
		mediaID, err := a.publishContainer(ctx, cred, containerID)
		if err != nil {
			return Status{}, err
		}
		return Status{State: StatusCompleted, RemoteID: mediaID, Permalink: a.graph.permalink(ctx, mediaID, cred.AccessToken)}, nil
	case "PUBLISHED":
		return Status{State: StatusCompleted, RemoteID: containerID}, nil
	case "ERROR", "EXPIRED":
		reason := st.Status
		if reason == "" {
			reason = "container " + strings.ToLower(st.StatusCode)
		}
		return Status{State: StatusFailed, Reason: reason}, nil
	}
	return Status{State: StatusPending}, nil
}

// Refresh extends a long-lived token; it only works while the token is still valid.
func (a *InstagramAdapter) Refresh(ctx context.Context, cred Credential) (*Token, error) {
	out, err := a.graph.refresh(ctx, "ig_refresh_token", cred.AccessToken)
	if err != nil {
		return nil, err
	}
	return &Token{
		AccessToken:  out.AccessToken,
		RefreshToken: out.AccessToken,
		ExpiresAt:    time.Now().Add(time.Duration(out.ExpiresIn) * time.Second),
	}, nil
}
