package platform

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/maheshrc27/postflow/internal/transfer"
	"golang.org/x/oauth2"
)

const (
	pinterestAPIURL           = "https://api.pinterest.com"
	pinterestWebURL           = "https://www.pinterest.com"
	pinterestTitleLimit       = 100
	pinterestDescriptionLimit = 500
	pinterestImageMax         = 5
)

type PinterestConfig struct {
	ClientID     string
	ClientSecret string
	BaseURL      string
	HTTP         HTTPConfig
}

// PinterestAdapter creates pins on the board stored as the credential's
// AccountID.
type PinterestAdapter struct {
	r       requester
	baseURL string
	oauth   *oauth2.Config
}

func NewPinterestAdapter(cfg PinterestConfig) *PinterestAdapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = pinterestAPIURL
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	return &PinterestAdapter{
		r:       newRequester(cfg.HTTP, decodePinterestError),
		baseURL: base,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  base + "/v5/oauth/token",
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
	}
}

func decodePinterestError(status int, body []byte) *PublishError {
	var e transfer.PinterestError
	if err := json.Unmarshal(body, &e); err != nil || (e.Code == 0 && e.Message == "") {
		return nil
	}
	kind := KindForStatus(status)
	switch e.Code {
	case 2, 3:
		kind = KindAuthExpired
	case 29, 8:
		kind = KindRateLimited
	case 1, 4:
		kind = KindReconnectRequired
	}
	return &PublishError{Kind: kind, Message: e.Message}
}

func (a *PinterestAdapter) Platform() string { return Pinterest }

func (a *PinterestAdapter) Publish(ctx context.Context, cred Credential, req PostRequest) (Result, error) {
	images := req.Images()
	switch {
	case len(req.Videos()) > 0:
		return Result{}, Errorf(KindContentRejected, "pinterest video pins are not supported")
	case len(images) == 0:
		return Result{}, Errorf(KindContentRejected, "pinterest pins need an image")
	case len(images) > pinterestImageMax:
		return Result{}, Errorf(KindContentRejected, "pinterest pins allow at most %d images", pinterestImageMax)
	case cred.AccountID == "":
		return Result{}, Errorf(KindReconnectRequired, "no pinterest board selected")
	}

	pin := transfer.PinterestCreatePin{
		BoardID:     cred.AccountID,
		Title:       plainText(req.Title, pinterestTitleLimit),
		Description: plainText(req.Caption, pinterestDescriptionLimit),
		AltText:     images[0].AltText,
	}
	if len(images) == 1 {
		pin.MediaSource = transfer.PinterestMediaSource{SourceType: "image_url", URL: images[0].URL}
	} else {
		pin.MediaSource = transfer.PinterestMediaSource{SourceType: "multiple_image_urls"}
		for _, img := range images {
			pin.MediaSource.Items = append(pin.MediaSource.Items, transfer.PinterestMediaItem{URL: img.URL})
		}
	}

	var out transfer.PinterestPin
	if err := a.r.postJSON(ctx, a.baseURL+"/v5/pins", bearer(cred.AccessToken), pin, true, &out); err != nil {
		return Result{}, err
	}
	if out.ID == "" {
		return Result{}, Errorf(KindUnknown, "pinterest returned no pin id")
	}
	return Completed(out.ID, pinterestWebURL+"/pin/"+out.ID+"/"), nil
}

func (a *PinterestAdapter) Refresh(ctx context.Context, cred Credential) (*Token, error) {
	return refreshOAuth2(ctx, a.r, a.oauth, cred.RefreshToken)
}
