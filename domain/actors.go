package domain

import (
	"fmt"
	"time"
)

// ActorKind discriminates the actor variants the federation engine knows about.
type ActorKind uint

const (
	PersonActor ActorKind = iota
	CommunityActor
	SiteActor
	MultiCommunityActor
)

func (k ActorKind) String() string {
	switch k {
	case PersonActor:
		return "person"
	case CommunityActor:
		return "community"
	case SiteActor:
		return "site"
	case MultiCommunityActor:
		return "multi_community"
	default:
		return fmt.Sprintf("actor_kind(%d)", uint(k))
	}
}

// ParseActorKind is the inverse of ActorKind.String.
func ParseActorKind(s string) (ActorKind, error) {
	switch s {
	case "person":
		return PersonActor, nil
	case "community":
		return CommunityActor, nil
	case "site":
		return SiteActor, nil
	case "multi_community":
		return MultiCommunityActor, nil
	}
	return 0, fmt.Errorf("unknown actor kind %q", s)
}

// Actor is a federated identity, either local (has a private key) or a materialized remote copy.
type Actor struct {
	Id              int64
	Kind            ActorKind
	Name            string // preferredUsername
	DisplayName     string
	Summary         string
	Domain          string
	ActorURI        string
	InboxURI        string
	SharedInboxURI  string
	PublicKeyPem    string
	PrivateKeyPem   string // local actors only
	Email           string // local persons only, used for notifications
	InstanceId      int64
	Local           bool
	Deleted         bool
	LastRefreshedAt time.Time
	CreatedAt       time.Time
}

// SharedInboxOrInbox returns the shared inbox if the actor exposes one.
func (a *Actor) SharedInboxOrInbox() string {
	if a.SharedInboxURI != "" {
		return a.SharedInboxURI
	}
	return a.InboxURI
}

// KeyID is the id of the actor's main key as published in its actor document.
func (a *Actor) KeyID() string {
	return a.ActorURI + "#main-key"
}

// Handle returns name@domain.
func (a *Actor) Handle() string {
	return fmt.Sprintf("%s@%s", a.Name, a.Domain)
}

func (a *Actor) ToString() string {
	return fmt.Sprintf("\n\tId: %d \n\tKind: %s \n\tHandle: %s \n\tActorURI: %s \n\tLocal: %v)", a.Id, a.Kind, a.Handle(), a.ActorURI, a.Local)
}

// Instance anchors all actors of one domain.
type Instance struct {
	Id        int64
	Domain    string
	Software  string
	Version   string
	Blocked   bool
	Deleted   bool
	CreatedAt time.Time
	UpdatedAt *time.Time
}
