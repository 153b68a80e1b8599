package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/maheshrc27/postflow/internal/transfer"
)

// graphAPI is the container/publish dialect shared by Instagram, Threads and
// Facebook pages.
type graphAPI struct {
	r       requester
	baseURL string
	version string
	// proof signs every call when set (Facebook appsecret_proof).
	proof func(token string) string
}

func decodeGraphError(status int, body []byte) *PublishError {
	var env transfer.GraphErrorResponse
	if err := json.Unmarshal(body, &env); err != nil {
		return nil
	}
	e := env.Error
	if e.Code == 0 && e.Message == "" {
		return nil
	}
	msg := e.Message
	if e.ErrorUserMsg != "" {
		msg = e.ErrorUserMsg
	}
	return &PublishError{Kind: graphKind(status, e), Message: msg}
}

func graphKind(status int, e transfer.GraphError) ErrorKind {
	switch {
	case e.Code == 190 || e.Code == 102:
		return KindAuthExpired
	case e.Code == 4 || e.Code == 17 || e.Code == 32 || e.Code == 613 || (e.Code >= 80001 && e.Code <= 80014):
		return KindRateLimited
	case e.Code == 10 || (e.Code >= 200 && e.Code < 300):
		return KindReconnectRequired
	case e.IsTransient || e.Code == 1 || e.Code == 2:
		return KindTransientNetwork
	case e.Code == 100 || e.Code == 368 || e.Code == 506 || e.Code == 9004 || e.Code == 36003:
		return KindContentRejected
	}
	return KindForStatus(status)
}

func (g graphAPI) endpoint(path string) string {
	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(g.baseURL, "/"), g.version, strings.TrimLeft(path, "/"))
}

func (g graphAPI) sign(params url.Values, token string) url.Values {
	if params == nil {
		params = url.Values{}
	}
	params.Set("access_token", token)
	if g.proof != nil {
		params.Set("appsecret_proof", g.proof(token))
	}
	return params
}

func (g graphAPI) post(ctx context.Context, path, token string, params url.Values, media bool) (transfer.GraphID, error) {
	var out transfer.GraphID
	err := g.r.postForm(ctx, g.endpoint(path), nil, g.sign(params, token), media, &out)
	if err != nil {
		return out, err
	}
	if out.ID == "" {
		return out, Errorf(KindUnknown, "no id returned from %s", path)
	}
	return out, nil
}

func (g graphAPI) get(ctx context.Context, path, token string, fields string, out any) error {
	params := g.sign(url.Values{"fields": {fields}}, token)
	return g.r.getJSON(ctx, g.endpoint(path)+"?"+params.Encode(), nil, out)
}

// permalink is best-effort: a missing link never fails a publish that
// already happened.
func (g graphAPI) permalink(ctx context.Context, mediaID, token string) string {
	var out transfer.GraphPermalink
	if err := g.get(ctx, mediaID, token, "permalink", &out); err != nil {
		return ""
	}
	return out.Permalink
}

func (g graphAPI) refresh(ctx context.Context, grantType, token string) (transfer.GraphRefreshResponse, error) {
	var out transfer.GraphRefreshResponse
	params := url.Values{"grant_type": {grantType}, "access_token": {token}}
	rawURL := strings.TrimRight(g.baseURL, "/") + "/refresh_access_token?" + params.Encode()
	if err := g.r.getJSON(ctx, rawURL, nil, &out); err != nil {
		return out, err
	}
	if out.AccessToken == "" {
		return out, Errorf(KindAuthExpired, "refresh returned no access token")
	}
	return out, nil
}
