package activitypub

import (
	"context"
	"fmt"
	"net/url"
)

// ResolveInstanceActor returns the instance id of the server objectID lives on. The instance root
// is dereferenced as a site actor. If that fails for any reason the bare domain is recorded
// instead, so only a malformed objectID is an error.
func (f *Federation) ResolveInstanceActor(ctx context.Context, objectID string) (int64, error) {
	u, err := url.Parse(objectID)
	if err != nil || u.Host == "" {
		return 0, fmt.Errorf("%w: no domain in %q", ErrInvalidIdentifier, objectID)
	}
	root := (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"}).String()

	site, err := Dereference(ctx, f, SiteKind, root, Lookup{AllowFetch: true, MaxAge: f.conf.ActorMaxAge})
	if err == nil {
		return site.InstanceId, nil
	}
	f.log.Debug("Instance actor unavailable, using bare domain", "domain", u.Host, "error", err)

	inst, err := f.store.ReadOrCreateInstance(u.Host)
	if err != nil {
		return 0, fmt.Errorf("instance %s: %w", u.Host, err)
	}
	return inst.Id, nil
}
