package activitypub

import (
	"fmt"
	"strings"

	"github.com/deemkeen/fedengine/domain"
	"github.com/google/uuid"
)

// LocalActorURI is the canonical id of a local actor.
func LocalActorURI(host string, kind domain.ActorKind, name string) string {
	switch kind {
	case domain.SiteActor:
		return fmt.Sprintf("https://%s/", host)
	case domain.CommunityActor:
		return fmt.Sprintf("https://%s/c/%s", host, name)
	case domain.MultiCommunityActor:
		return fmt.Sprintf("https://%s/m/%s", host, name)
	default:
		return fmt.Sprintf("https://%s/u/%s", host, name)
	}
}

// LocalInboxURI is the personal inbox of a local actor.
func LocalInboxURI(host string, kind domain.ActorKind, name string) string {
	if kind == domain.SiteActor {
		return fmt.Sprintf("https://%s/site_inbox", host)
	}
	return LocalActorURI(host, kind, name) + "/inbox"
}

func SharedInboxURI(host string) string {
	return fmt.Sprintf("https://%s/inbox", host)
}

// NewLocalActor fills in the federation urls of a local actor. Keys are the caller's job.
func NewLocalActor(host string, kind domain.ActorKind, name string) *domain.Actor {
	if kind == domain.SiteActor {
		name = host
	}
	return &domain.Actor{
		Kind:           kind,
		Name:           name,
		Domain:         host,
		ActorURI:       LocalActorURI(host, kind, name),
		InboxURI:       LocalInboxURI(host, kind, name),
		SharedInboxURI: SharedInboxURI(host),
		Local:          true,
	}
}

func (f *Federation) newActivityID(kind Kind) string {
	return fmt.Sprintf("https://%s/activities/%s/%s", f.conf.Domain, strings.ToLower(string(kind)), uuid.New())
}

func (f *Federation) newObjectID(path string) string {
	return fmt.Sprintf("https://%s/%s/%s", f.conf.Domain, path, uuid.New())
}
