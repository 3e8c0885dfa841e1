package activitypub

import (
	"net/url"
	"strings"
)

func parseApubID(id string) (*url.URL, error) {
	u, err := url.Parse(id)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return nil, verificationErr(CheckIdentity, "%q is not an absolute http(s) url", id)
	}
	return u, nil
}

// verifyIsApubID checks that id is a usable federated identifier. With strict set, ids on the
// local domain are rejected too. Ids on blocked or deleted instances never pass.
func (f *Federation) verifyIsApubID(id string, strict bool) (*url.URL, error) {
	u, err := parseApubID(id)
	if err != nil {
		return nil, err
	}
	if f.isLocalHost(u.Host) {
		if strict {
			return nil, verificationErr(CheckIdentity, "%s is a local id", id)
		}
		return u, nil
	}
	inst, err := f.store.ReadInstanceByDomain(u.Host)
	switch {
	case IsNotFound(err):
		return u, nil
	case err != nil:
		return nil, err
	case inst.Blocked:
		return nil, verificationErr(CheckBlocked, "instance %s is blocked", u.Host)
	case inst.Deleted:
		return nil, verificationErr(CheckBlocked, "instance %s is deleted", u.Host)
	}
	return u, nil
}

func verifyDomainsMatch(a, b *url.URL) error {
	if !strings.EqualFold(a.Host, b.Host) {
		return verificationErr(CheckDomain, "domains do not match: %s vs %s", a.Host, b.Host)
	}
	return nil
}

func verifyURLsMatch(a, b string) error {
	if a != b {
		return verificationErr(CheckURLs, "urls do not match: %s vs %s", a, b)
	}
	return nil
}

// verifyIsRemoteObject rejects objects claiming to live on this server.
func (f *Federation) verifyIsRemoteObject(id *url.URL) error {
	if f.isLocalHost(id.Host) {
		return verificationErr(CheckRemote, "object %s claims to be local", id)
	}
	return nil
}

// checkContent applies the configured deny pattern to free text fields.
func (f *Federation) checkContent(fields ...string) error {
	if f.conf.ContentFilter == nil {
		return nil
	}
	for _, field := range fields {
		if field != "" && f.conf.ContentFilter.MatchString(field) {
			return verificationErr(CheckContent, "content matches filter")
		}
	}
	return nil
}

func (f *Federation) isLocalHost(host string) bool {
	return strings.EqualFold(host, f.conf.Domain)
}

func (f *Federation) isLocalID(id string) bool {
	return f.isLocalHost(hostOf(id))
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}
