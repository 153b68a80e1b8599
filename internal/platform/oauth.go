package platform

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// refreshOAuth2 runs a refresh_token grant against conf. A rejected grant means
// the user has to connect the account again.
func refreshOAuth2(ctx context.Context, r requester, conf *oauth2.Config, refreshToken string) (*Token, error) {
	if refreshToken == "" {
		return nil, Errorf(KindReconnectRequired, "no refresh token stored")
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.hc)

	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, oauth2Error(err)
	}
	out := &Token{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken, ExpiresAt: tok.Expiry}
	if out.RefreshToken == "" {
		out.RefreshToken = refreshToken
	}
	return out, nil
}

func oauth2Error(err error) *PublishError {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) || re.Response == nil {
		return AsPublishError(err)
	}
	pe := &PublishError{Kind: KindForStatus(re.Response.StatusCode), Message: err.Error(), StatusCode: re.Response.StatusCode, Err: err}
	switch {
	case re.ErrorCode == "invalid_grant" || re.ErrorCode == "invalid_client" || re.ErrorCode == "unauthorized_client":
		pe.Kind = KindReconnectRequired
	case re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized:
		pe.Kind = KindReconnectRequired
	case pe.Kind == KindRateLimited:
		pe.RetryAfter = RetryAfter(re.Response.Header, time.Now())
	}
	return pe
}
