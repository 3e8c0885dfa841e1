package activitypub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
)

const (
	WebfingerContentType = "application/jrd+json"
	// Link property naming the actor type behind a webfinger link.
	WebfingerTypeProperty = "https://www.w3.org/ns/activitystreams#type"
)

// WebfingerLink is one entry of a JRD links array.
type WebfingerLink struct {
	Rel        string            `json:"rel"`
	Type       string            `json:"type,omitempty"`
	Href       string            `json:"href,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

// WebfingerResponse is the JRD document served at /.well-known/webfinger.
type WebfingerResponse struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []WebfingerLink `json:"links"`
}

// Discovery maps a name@host handle to the canonical actor URL.
type Discovery interface {
	Discover(ctx context.Context, name, host, objectType string) (string, error)
}

// Webfinger is the Discovery used against real servers.
type Webfinger struct {
	fetcher Fetcher
	scheme  string
}

// NewWebfinger queries scheme://host/.well-known/webfinger. scheme is "https" outside of tests.
func NewWebfinger(fetcher Fetcher, scheme string) *Webfinger {
	return &Webfinger{fetcher: fetcher, scheme: scheme}
}

func (w *Webfinger) Discover(ctx context.Context, name, host, objectType string) (string, error) {
	q := url.Values{"resource": {fmt.Sprintf("acct:%s@%s", name, host)}}
	u := url.URL{Scheme: w.scheme, Host: host, Path: "/.well-known/webfinger", RawQuery: q.Encode()}

	res, err := w.fetcher.Fetch(ctx, u.String(), WebfingerContentType)
	if err != nil {
		return "", fmt.Errorf("webfinger %s@%s: %w", name, host, err)
	}
	var jrd WebfingerResponse
	if err := json.Unmarshal(res.Body, &jrd); err != nil {
		return "", fmt.Errorf("%w: webfinger %s@%s: %v", ErrMalformed, name, host, err)
	}
	href := jrd.selfLink(objectType)
	if href == "" {
		return "", fmt.Errorf("%w: no activitypub link for %s@%s", ErrNotFound, name, host)
	}
	return href, nil
}

// selfLink picks the rel=self ActivityPub link, preferring one whose type property matches.
func (r *WebfingerResponse) selfLink(objectType string) string {
	var fallback string
	for _, l := range r.Links {
		if l.Rel != "self" || l.Href == "" {
			continue
		}
		if l.Type != ContentType && l.Type != LDContentType {
			continue
		}
		t, typed := l.Properties[WebfingerTypeProperty]
		if objectType != "" && typed && t == objectType {
			return l.Href
		}
		if fallback == "" && (!typed || objectType == "") {
			fallback = l.Href
		}
	}
	return fallback
}
