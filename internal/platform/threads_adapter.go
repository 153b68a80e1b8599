package platform

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/maheshrc27/postflow/internal/transfer"
)

const (
	threadsGraphURL    = "https://graph.threads.net"
	threadsTextLimit   = 500
	threadsCarouselMax = 20
)

type ThreadsConfig struct {
	BaseURL string
	HTTP    HTTPConfig
}

type ThreadsAdapter struct {
	graph graphAPI
}

func NewThreadsAdapter(cfg ThreadsConfig) *ThreadsAdapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = threadsGraphURL
	}
	return &ThreadsAdapter{graph: graphAPI{
		r:       newRequester(cfg.HTTP, decodeGraphError),
		baseURL: cfg.BaseURL,
		version: "v1.0",
	}}
}

func (a *ThreadsAdapter) Platform() string { return Threads }

func (a *ThreadsAdapter) Publish(ctx context.Context, cred Credential, req PostRequest) (Result, error) {
	text := plainText(req.Caption, threadsTextLimit)
	images, videos := req.Images(), req.Videos()
	path := cred.AccountID + "/threads"

	params := url.Values{}
	if text != "" {
		params.Set("text", text)
	}

	switch {
	case len(req.Media) == 0:
		if text == "" {
			return Result{}, Errorf(KindContentRejected, "threads posts need text or media")
		}
		params.Set("media_type", "TEXT")
	case len(videos) == 1 && len(images) == 0:
		params.Set("media_type", "VIDEO")
		params.Set("video_url", videos[0].URL)
		container, err := a.graph.post(ctx, path, cred.AccessToken, params, true)
		if err != nil {
			return Result{}, err
		}
		return Accepted(container.ID), nil
	case len(videos) > 0:
		return Result{}, Errorf(KindContentRejected, "threads posts support a single video or only images")
	case len(images) == 1:
		params.Set("media_type", "IMAGE")
		params.Set("image_url", images[0].URL)
	case len(images) > threadsCarouselMax:
		return Result{}, Errorf(KindContentRejected, "threads carousels allow at most %d images", threadsCarouselMax)
	default:
		children := make([]string, 0, len(images))
		for _, img := range images {
			child, err := a.graph.post(ctx, path, cred.AccessToken, url.Values{
				"media_type":       {"IMAGE"},
				"image_url":        {img.URL},
				"is_carousel_item": {"true"},
			}, true)
			if err != nil {
				return Result{}, err
			}
			children = append(children, child.ID)
		}
		params.Set("media_type", "CAROUSEL")
		params.Set("children", strings.Join(children, ","))
	}

	container, err := a.graph.post(ctx, path, cred.AccessToken, params, len(req.Media) > 0)
	if err != nil {
		return Result{}, err
	}
	published, err := a.publishContainer(ctx, cred, container.ID)
	if err != nil {
		return Result{}, err
	}
	return Completed(published, a.graph.permalink(ctx, published, cred.AccessToken)), nil
}

func (a *ThreadsAdapter) publishContainer(ctx context.Context, cred Credential, creationID string) (string, error) {
	out, err := a.graph.post(ctx, cred.AccountID+"/threads_publish", cred.AccessToken, url.Values{
		"creation_id": {creationID},
	}, false)
	if err != nil {
		return "", err
	}
	return out.ID, nil
}

func (a *ThreadsAdapter) CheckStatus(ctx context.Context, cred Credential, containerID string) (Status, error) {
	var st transfer.GraphContainerStatus
	if err := a.graph.get(ctx, containerID, cred.AccessToken, "status,error_message", &st); err != nil {
		return Status{}, err
	}
	switch st.Status {
	case "FINISHED":
		mediaID, err := a.publishContainer(ctx, cred, containerID)
		if err != nil {
			return Status{}, err
		}
		return Status{State: StatusCompleted, RemoteID: mediaID, Permalink: a.graph.permalink(ctx, mediaID, cred.AccessToken)}, nil
	case "PUBLISHED":
		return Status{State: StatusCompleted, RemoteID: containerID}, nil
	case "ERROR", "EXPIRED":
		reason := st.ErrorMessage
		if reason == "" {
			reason = "container " + strings.ToLower(st.Status)
		}
		return Status{State: StatusFailed, Reason: reason}, nil
	}
	return Status{State: StatusPending}, nil
}

func (a *ThreadsAdapter) Refresh(ctx context.Context, cred Credential) (*Token, error) {
	out, err := a.graph.refresh(ctx, "th_refresh_token", cred.AccessToken)
	if err != nil {
		return nil, err
	}
	return &Token{
		AccessToken:  out.AccessToken,
		RefreshToken: out.AccessToken,
		ExpiresAt:    time.Now().Add(time.Duration(out.ExpiresIn) * time.Second),
	}, nil
}
