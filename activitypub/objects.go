package activitypub

import (
	"context"
	"fmt"
	"net/url"

	"github.com/deemkeen/fedengine/domain"
	"github.com/deemkeen/fedengine/util"
)

type actorKind struct {
	kind     domain.ActorKind
	wildcard bool
}

// Resolvable actor kinds. AnyActorKind accepts whatever actor type the document declares.
var (
	PersonKind         ObjectKind[*domain.Actor, ActorObject] = actorKind{kind: domain.PersonActor}
	CommunityKind      ObjectKind[*domain.Actor, ActorObject] = actorKind{kind: domain.CommunityActor}
	SiteKind           ObjectKind[*domain.Actor, ActorObject] = actorKind{kind: domain.SiteActor}
	MultiCommunityKind ObjectKind[*domain.Actor, ActorObject] = actorKind{kind: domain.MultiCommunityActor}
	AnyActorKind       ObjectKind[*domain.Actor, ActorObject] = actorKind{wildcard: true}
)

// ActorKindFor returns the resolver kind for an actor kind.
func ActorKindFor(k domain.ActorKind) ObjectKind[*domain.Actor, ActorObject] {
	return actorKind{kind: k}
}

// actorKindFromType maps an activity streams actor type to the stored kind.
func actorKindFromType(t string) (domain.ActorKind, error) {
	switch t {
	case TypePerson:
		return domain.PersonActor, nil
	case TypeGroup:
		return domain.CommunityActor, nil
	case TypeApplication, TypeService:
		return domain.SiteActor, nil
	case TypeFeed:
		return domain.MultiCommunityActor, nil
	}
	return 0, fmt.Errorf("%w: actor type %q", ErrMalformed, t)
}

// ActorType is the activity streams type published for a stored kind.
func ActorType(k domain.ActorKind) string {
	switch k {
	case domain.CommunityActor:
		return TypeGroup
	case domain.SiteActor:
		return TypeApplication
	case domain.MultiCommunityActor:
		return TypeFeed
	default:
		return TypePerson
	}
}

// NewActorObject renders the published document of an actor.
func NewActorObject(a *domain.Actor) ActorObject {
	obj := ActorObject{
		Context:           defaultContext(),
		ID:                a.ActorURI,
		Type:              ActorType(a.Kind),
		PreferredUsername: a.Name,
		Name:              a.DisplayName,
		Summary:           a.Summary,
		Inbox:             a.InboxURI,
		PublicKey: PublicKey{
			ID:           a.KeyID(),
			Owner:        a.ActorURI,
			PublicKeyPem: a.PublicKeyPem,
		},
	}
	if a.SharedInboxURI != "" {
		obj.Endpoints = &Endpoints{SharedInbox: a.SharedInboxURI}
	}
	if a.Kind != domain.SiteActor {
		obj.Outbox = a.ActorURI + "/outbox"
		obj.Followers = a.ActorURI + "/followers"
	}
	if !a.CreatedAt.IsZero() {
		published := a.CreatedAt.UTC()
		obj.Published = &published
	}
	return obj
}

func (k actorKind) Name() string {
	if k.wildcard {
		return "actor"
	}
	return k.kind.String()
}

func (k actorKind) ObjectType() string {
	if k.wildcard {
		return ""
	}
	return ActorType(k.kind)
}

func (k actorKind) ReadByURI(f *Federation, uri string) (*domain.Actor, error) {
	a, err := f.store.ReadActorByURI(uri)
	if err != nil {
		return nil, err
	}
	if !k.wildcard && a.Kind != k.kind {
		return nil, fmt.Errorf("%w: %s is a %s, not a %s", ErrNotFound, uri, a.Kind, k.kind)
	}
	return a, nil
}

func (k actorKind) ReadByName(f *Federation, name, host string) (*domain.Actor, error) {
	if !k.wildcard {
		return f.store.ReadActorByName(k.kind, name, host)
	}
	for _, kind := range []domain.ActorKind{domain.PersonActor, domain.CommunityActor, domain.MultiCommunityActor} {
		a, err := f.store.ReadActorByName(kind, name, host)
		if err == nil || !IsNotFound(err) {
			return a, err
		}
	}
	return nil, fmt.Errorf("%w: actor %s@%s", ErrNotFound, name, host)
}

func (k actorKind) Meta(a *domain.Actor) ObjectMeta {
	return ObjectMeta{ID: a.ActorURI, Local: a.Local, Deleted: a.Deleted, LastRefreshedAt: a.LastRefreshedAt}
}

func (k actorKind) WireID(w *ActorObject) string {
	return w.ID
}

func (k actorKind) Verify(ctx context.Context, f *Federation, w *ActorObject) error {
	kind, err := actorKindFromType(w.Type)
	if err != nil {
		return wrapVerification(CheckIdentity, err)
	}
	if !k.wildcard && kind != k.kind {
		return verificationErr(CheckIdentity, "%s is a %s, expected %s", w.ID, w.Type, ActorType(k.kind))
	}

	id, err := parseApubID(w.ID)
	if err != nil {
		return err
	}
	if kind == domain.SiteActor {
		if err := f.verifyIsRemoteObject(id); err != nil {
			return err
		}
	} else if w.PreferredUsername == "" {
		return verificationErr(CheckIdentity, "%s has no preferredUsername", w.ID)
	}

	inbox, err := parseApubID(w.Inbox)
	if err != nil {
		return err
	}
	if err := verifyDomainsMatch(id, inbox); err != nil {
		return err
	}
	if shared := w.SharedInbox(); shared != "" {
		u, err := parseApubID(shared)
		if err != nil {
			return err
		}
		if err := verifyDomainsMatch(id, u); err != nil {
			return err
		}
	}

	if err := verifyURLsMatch(w.PublicKey.Owner, w.ID); err != nil {
		return err
	}
	if _, err := ParsePublicKey(w.PublicKey.PublicKeyPem); err != nil {
		return verificationErr(CheckSignature, "public key of %s: %v", w.ID, err)
	}
	return f.checkContent(w.Name, w.Summary)
}

func (k actorKind) Persist(ctx context.Context, f *Federation, w *ActorObject) (*domain.Actor, error) {
	kind, err := actorKindFromType(w.Type)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(w.ID)
	if err != nil {
		return nil, err
	}

	var instanceID int64
	name := util.StripHTML(w.PreferredUsername)
	if kind == domain.SiteActor {
		inst, err := f.store.ReadOrCreateInstance(u.Host)
		if err != nil {
			return nil, err
		}
		instanceID = inst.Id
		if name == "" {
			name = u.Host
		}
	} else {
		if instanceID, err = f.ResolveInstanceActor(ctx, w.ID); err != nil {
			return nil, err
		}
	}

	return f.store.UpsertRemoteActor(&domain.Actor{
		Kind:            kind,
		Name:            name,
		DisplayName:     util.StripHTML(w.Name),
		Summary:         util.SanitizeHTML(w.Summary),
		Domain:          u.Host,
		ActorURI:        w.ID,
		InboxURI:        w.Inbox,
		SharedInboxURI:  w.SharedInbox(),
		PublicKeyPem:    w.PublicKey.PublicKeyPem,
		InstanceId:      instanceID,
		LastRefreshedAt: f.now(),
	})
}

type postKind struct{}

// PostKind resolves posts (Page and Note objects addressed to a community).
var PostKind ObjectKind[*domain.Post, Note] = postKind{}

func (postKind) Name() string       { return "post" }
func (postKind) ObjectType() string { return TypePage }

func (postKind) ReadByURI(f *Federation, uri string) (*domain.Post, error) {
	return f.store.ReadPostByApId(uri)
}

func (postKind) ReadByName(f *Federation, name, host string) (*domain.Post, error) {
	return nil, fmt.Errorf("%w: posts are only addressable by url", ErrInvalidIdentifier)
}

func (postKind) Meta(p *domain.Post) ObjectMeta {
	return ObjectMeta{ID: p.ApId, Local: p.Local, Deleted: p.Deleted}
}

func (postKind) WireID(n *Note) string {
	return n.ID
}

func (postKind) Verify(ctx context.Context, f *Federation, n *Note) error {
	if n.Type != TypePage && n.Type != TypeNote {
		return verificationErr(CheckIdentity, "%s is a %s, expected a post", n.ID, n.Type)
	}
	id, err := parseApubID(n.ID)
	if err != nil {
		return err
	}
	creator, err := parseApubID(n.AttributedTo)
	if err != nil {
		return err
	}
	if err := verifyDomainsMatch(id, creator); err != nil {
		return err
	}
	return f.checkContent(n.Name)
}

func (postKind) Persist(ctx context.Context, f *Federation, n *Note) (*domain.Post, error) {
	creator, err := Dereference(ctx, f, PersonKind, n.AttributedTo, Lookup{AllowFetch: true})
	if err != nil {
		return nil, fmt.Errorf("post creator: %w", err)
	}
	community, err := f.communityOf(ctx, n)
	if err != nil {
		return nil, err
	}
	if err := f.checkNotBanned(community, creator); err != nil {
		return nil, err
	}
	return f.storePost(n, creator, community)
}

func (f *Federation) checkNotBanned(community, person *domain.Actor) error {
	banned, err := f.store.IsBannedFromCommunity(community.Id, person.Id)
	if err != nil {
		return err
	}
	if banned {
		return verificationErr(CheckPermission, "%s is banned from %s", person.ActorURI, community.ActorURI)
	}
	return nil
}

func (f *Federation) storePost(n *Note, creator, community *domain.Actor) (*domain.Post, error) {
	post := &domain.Post{
		ApId:        n.ID,
		CreatorId:   creator.Id,
		CommunityId: community.Id,
		Name:        util.StripHTML(n.Name),
		Body:        util.SanitizeHTML(n.Content),
		UpdatedAt:   n.Updated,
	}
	if n.Published != nil {
		post.PublishedAt = *n.Published
	}
	return f.store.UpsertPost(post)
}

// communityOf finds the community a post is addressed to: audience first, then to and cc.
func (f *Federation) communityOf(ctx context.Context, n *Note) (*domain.Actor, error) {
	candidates := make([]string, 0, 1+len(n.To)+len(n.Cc))
	if n.Audience != "" {
		candidates = append(candidates, n.Audience)
	}
	candidates = append(candidates, n.To...)
	candidates = append(candidates, n.Cc...)

	for _, c := range candidates {
		if c == PublicCollection {
			continue
		}
		community, err := Dereference(ctx, f, CommunityKind, c, Lookup{AllowFetch: true})
		if err == nil {
			return community, nil
		}
		f.log.Debug("Not a community", "id", c, "error", err)
	}
	return nil, verificationErr(CheckTarget, "post %s is not addressed to a known community", n.ID)
}
