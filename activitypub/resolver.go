package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/deemkeen/fedengine/domain"
)

// ObjectMeta is what the resolver needs to know about a stored object.
type ObjectMeta struct {
	ID              string
	Local           bool
	Deleted         bool
	LastRefreshedAt time.Time
}

// ObjectKind teaches the resolver one object type: how to read a stored copy, how to check a
// fetched wire document W and how to persist it as T.
type ObjectKind[T any, W any] interface {
	Name() string
	// ObjectType is the activity streams type preferred during webfinger discovery.
	ObjectType() string
	ReadByURI(f *Federation, uri string) (T, error)
	ReadByName(f *Federation, name, host string) (T, error)
	Meta(obj T) ObjectMeta
	WireID(wire *W) string
	Verify(ctx context.Context, f *Federation, wire *W) error
	Persist(ctx context.Context, f *Federation, wire *W) (T, error)
}

// Lookup tunes a single resolution.
type Lookup struct {
	// AllowFetch permits network access. Without it only stored copies are returned.
	AllowFetch bool
	// IncludeDeleted returns stored copies flagged deleted instead of ErrNotFound.
	IncludeDeleted bool
	// MaxAge re-fetches stored remote copies older than this. Zero never re-fetches.
	MaxAge time.Duration
	// Refresh forces a re-fetch of remote objects.
	Refresh bool
}

// Resolve turns an identifier into a stored object. Identifiers are a canonical URL, a local name,
// or name@domain. A leading ! or @ is ignored. Without a viewer nothing is fetched: unauthenticated
// callers only see what is stored already.
func Resolve[T any, W any](ctx context.Context, f *Federation, kind ObjectKind[T, W], identifier string, viewer *domain.Actor, lk Lookup) (T, error) {
	var zero T
	ident := strings.TrimLeft(strings.TrimSpace(identifier), "!@")
	if viewer == nil {
		lk.AllowFetch = false
		lk.Refresh = false
	}

	if strings.HasPrefix(ident, "https://") || strings.HasPrefix(ident, "http://") {
		return Dereference(ctx, f, kind, ident, lk)
	}

	name, host, err := parseHandle(ident)
	if err != nil {
		return zero, err
	}
	if host == "" || f.isLocalHost(host) {
		obj, err := kind.ReadByName(f, name, f.conf.Domain)
		if err != nil {
			return zero, notFoundf(err, "%s %s", kind.Name(), ident)
		}
		return filterDeleted(kind, obj, lk)
	}

	obj, err := kind.ReadByName(f, name, host)
	if err == nil {
		return filterDeleted(kind, obj, lk)
	}
	if !IsNotFound(err) {
		return zero, err
	}
	if !lk.AllowFetch {
		return zero, fmt.Errorf("%w: %s %s", ErrNotFound, kind.Name(), ident)
	}

	href, err := f.discovery.Discover(ctx, name, host, kind.ObjectType())
	if err != nil {
		return zero, err
	}
	if !strings.EqualFold(hostOf(href), host) {
		return zero, verificationErr(CheckDomain, "webfinger for %s pointed to %s", ident, href)
	}
	return Dereference(ctx, f, kind, href, lk)
}

// Dereference returns the object with the given canonical id, from storage when the stored copy
// is fresh enough and from the network otherwise. Fetched documents are verified before they are
// persisted. The local domain is never fetched.
func Dereference[T any, W any](ctx context.Context, f *Federation, kind ObjectKind[T, W], id string, lk Lookup) (T, error) {
	var zero T
	u, err := parseApubID(id)
	if err != nil {
		return zero, fmt.Errorf("%w: %q", ErrInvalidIdentifier, id)
	}

	stored, err := kind.ReadByURI(f, id)
	if err != nil && !IsNotFound(err) {
		return zero, err
	}
	found := err == nil
	if found {
		meta := kind.Meta(stored)
		if meta.Local || (!lk.Refresh && !f.isStale(meta, lk.MaxAge)) {
			return filterDeleted(kind, stored, lk)
		}
	}
	if f.isLocalHost(u.Host) || !lk.AllowFetch {
		if found {
			return filterDeleted(kind, stored, lk)
		}
		return zero, fmt.Errorf("%w: %s %s", ErrNotFound, kind.Name(), id)
	}

	obj, err := fetchObject(ctx, f, kind, u, id, lk.Refresh)
	if err != nil {
		var verr *VerificationError
		if found && !IsNotFound(err) && !errors.As(err, &verr) {
			f.log.Debug("Refresh failed, using stored copy", "kind", kind.Name(), "id", id, "error", err)
			return filterDeleted(kind, stored, lk)
		}
		return zero, err
	}
	return obj, nil
}

func fetchObject[T any, W any](ctx context.Context, f *Federation, kind ObjectKind[T, W], requested *url.URL, id string, refresh bool) (T, error) {
	var zero T
	if inv, ok := f.fetcher.(interface{ Invalidate(string) }); ok && refresh {
		inv.Invalidate(id)
	}
	res, err := f.fetcher.Fetch(ctx, id, ContentType)
	if err != nil {
		return zero, fmt.Errorf("fetch %s %s: %w", kind.Name(), id, err)
	}

	var wire W
	if err := json.Unmarshal(res.Body, &wire); err != nil {
		return zero, fmt.Errorf("%w: %s %s: %v", ErrMalformed, kind.Name(), id, err)
	}

	wireID := kind.WireID(&wire)
	claimed, err := f.verifyIsApubID(wireID, true)
	if err != nil {
		return zero, err
	}
	// the document must come from the domain it claims to live on
	if err := verifyDomainsMatch(claimed, res.URL); err != nil {
		return zero, err
	}
	if err := verifyDomainsMatch(claimed, requested); err != nil {
		return zero, err
	}
	if err := kind.Verify(ctx, f, &wire); err != nil {
		return zero, wrapVerification(CheckIdentity, err)
	}
	return kind.Persist(ctx, f, &wire)
}

func (f *Federation) isStale(meta ObjectMeta, maxAge time.Duration) bool {
	if maxAge <= 0 || meta.LastRefreshedAt.IsZero() {
		return false
	}
	return f.now().Sub(meta.LastRefreshedAt) > maxAge
}

func filterDeleted[T any, W any](kind ObjectKind[T, W], obj T, lk Lookup) (T, error) {
	if kind.Meta(obj).Deleted && !lk.IncludeDeleted {
		var zero T
		return zero, fmt.Errorf("%w: %s %s is deleted", ErrNotFound, kind.Name(), kind.Meta(obj).ID)
	}
	return obj, nil
}

// parseHandle splits name or name@host. Anything else is ErrInvalidIdentifier.
func parseHandle(ident string) (name, host string, err error) {
	name, host, hasHost := strings.Cut(ident, "@")
	switch {
	case name == "",
		strings.ContainsAny(name, "/ \t:"),
		hasHost && host == "",
		strings.ContainsAny(host, "@/ \t"):
		return "", "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, ident)
	}
	return name, strings.ToLower(host), nil
}

func notFoundf(err error, format string, args ...any) error {
	if IsNotFound(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
	}
	return err
}
