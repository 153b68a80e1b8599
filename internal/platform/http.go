package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultTimeout      = 30 * time.Second
	DefaultMediaTimeout = 120 * time.Second
	maxResponseBytes    = 4 << 20
)

// HTTPConfig is shared by every adapter. A nil Client means a fresh
// http.Client per adapter.
type HTTPConfig struct {
	Client       *http.Client
	Timeout      time.Duration
	MediaTimeout time.Duration
}

// errorDecoder turns a non-2xx body into a PublishError, or returns nil to
// fall back to KindForStatus.
type errorDecoder func(status int, body []byte) *PublishError

type requester struct {
	hc           *http.Client
	timeout      time.Duration
	mediaTimeout time.Duration
	decode       errorDecoder
}

func newRequester(cfg HTTPConfig, decode errorDecoder) requester {
	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{}
	}
	r := requester{hc: hc, timeout: cfg.Timeout, mediaTimeout: cfg.MediaTimeout, decode: decode}
	if r.timeout <= 0 {
		r.timeout = DefaultTimeout
	}
	if r.mediaTimeout <= 0 {
		r.mediaTimeout = DefaultMediaTimeout
	}
	return r
}

// withClient returns a copy that sends through hc, keeping timeouts and the
// error decoder.
func (r requester) withClient(hc *http.Client) requester {
	r.hc = hc
	return r
}

func (r requester) do(ctx context.Context, req *http.Request, media bool, out any) error {
	timeout := r.timeout
	if media {
		timeout = r.mediaTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := r.hc.Do(req.WithContext(ctx))
	if err != nil {
		return AsPublishError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return AsPublishError(err)
	}

	if resp.StatusCode >= 300 {
		var pe *PublishError
		if r.decode != nil {
			pe = r.decode(resp.StatusCode, body)
		}
		if pe == nil {
			pe = &PublishError{Kind: KindForStatus(resp.StatusCode), Message: snippet(body)}
		}
		pe.StatusCode = resp.StatusCode
		if pe.Kind == KindRateLimited && pe.RetryAfter == 0 {
			pe.RetryAfter = RetryAfter(resp.Header, time.Now())
		}
		return pe
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &PublishError{Kind: KindUnknown, Message: "decode response: " + err.Error(), StatusCode: resp.StatusCode, Err: err}
	}
	return nil
}

func (r requester) getJSON(ctx context.Context, rawURL string, headers http.Header, out any) error {
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	copyHeaders(req, headers)
	return r.do(ctx, req, false, out)
}

func (r requester) postJSON(ctx context.Context, rawURL string, headers http.Header, payload any, media bool, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	copyHeaders(req, headers)
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	return r.do(ctx, req, media, out)
}

func (r requester) postForm(ctx context.Context, rawURL string, headers http.Header, form url.Values, media bool, out any) error {
	req, err := http.NewRequest(http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	copyHeaders(req, headers)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return r.do(ctx, req, media, out)
}

func (r requester) postRaw(ctx context.Context, rawURL string, headers http.Header, contentType string, body []byte, media bool, out any) error {
	req, err := http.NewRequest(http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	copyHeaders(req, headers)
	req.Header.Set("Content-Type", contentType)
	return r.do(ctx, req, media, out)
}

// fetch downloads a media URL for platforms that need the bytes uploaded
// rather than pulled. Bodies over limit are rejected as content errors.
func (r requester) fetch(ctx context.Context, rawURL string, limit int64) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.mediaTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := r.hc.Do(req)
	if err != nil {
		return nil, "", AsPublishError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		// a media URL we cannot read is ours to fix, not the platform's
		return nil, "", &PublishError{Kind: KindTransientNetwork, Message: fmt.Sprintf("fetch media: status %d", resp.StatusCode), StatusCode: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", AsPublishError(err)
	}
	if int64(len(body)) > limit {
		return nil, "", Errorf(KindContentRejected, "media exceeds %d bytes", limit)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func bearer(token string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h
}

func copyHeaders(req *http.Request, h http.Header) {
	for k, vs := range h {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 300 {
		s = s[:300]
	}
	return s
}
