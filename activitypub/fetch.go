package activitypub

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/avast/retry-go/v4"
)

// FetchResult is a dereferenced document and the URL it was finally served from.
type FetchResult struct {
	URL  *url.URL
	Body []byte
}

// Fetcher dereferences remote documents.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, accept string) (*FetchResult, error)
}

type FetchConfig struct {
	Timeout      time.Duration
	Attempts     uint
	Delay        time.Duration
	UserAgent    string
	MaxBodyBytes int64
}

// HTTPFetcher fetches over HTTP with bounded retries. 404 and 410 map to ErrNotFound, other 4xx
// responses are not retried.
type HTTPFetcher struct {
	client *http.Client
	conf   FetchConfig
	keyID  string
	key    *rsa.PrivateKey
}

func NewHTTPFetcher(conf FetchConfig) *HTTPFetcher {
	if conf.Timeout == 0 {
		conf.Timeout = 10 * time.Second
	}
	if conf.Attempts == 0 {
		conf.Attempts = 3
	}
	if conf.Delay == 0 {
		conf.Delay = 200 * time.Millisecond
	}
	if conf.UserAgent == "" {
		conf.UserAgent = "fedengine"
	}
	if conf.MaxBodyBytes == 0 {
		conf.MaxBodyBytes = 1 << 20
	}
	return &HTTPFetcher{client: &http.Client{Timeout: conf.Timeout}, conf: conf}
}

// SignWith makes every GET a signed fetch, for servers running in authorized fetch mode.
func (h *HTTPFetcher) SignWith(keyID string, key *rsa.PrivateKey) {
	h.keyID, h.key = keyID, key
}

func (h *HTTPFetcher) Fetch(ctx context.Context, rawURL string, accept string) (*FetchResult, error) {
	var res *FetchResult
	err := retry.Do(
		func() error {
			var err error
			res, err = h.fetchOnce(ctx, rawURL, accept)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(h.conf.Attempts),
		retry.Delay(h.conf.Delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (h *HTTPFetcher) fetchOnce(ctx context.Context, rawURL string, accept string) (*FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, retry.Unrecoverable(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", h.conf.UserAgent)
	if h.key != nil {
		if err := SignRequest(req, h.key, h.keyID, nil); err != nil {
			return nil, retry.Unrecoverable(err)
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, retry.Unrecoverable(err)
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return nil, retry.Unrecoverable(fmt.Errorf("%w: %s returned %d", ErrNotFound, rawURL, resp.StatusCode))
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return nil, retry.Unrecoverable(fmt.Errorf("fetch %s failed with status: %d", rawURL, resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("fetch %s failed with status: %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, h.conf.MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) > h.conf.MaxBodyBytes {
		return nil, retry.Unrecoverable(fmt.Errorf("%w: %s is larger than %d bytes", ErrMalformed, rawURL, h.conf.MaxBodyBytes))
	}
	return &FetchResult{URL: resp.Request.URL, Body: body}, nil
}
