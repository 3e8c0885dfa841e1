package activitypub

import (
	"context"
	"fmt"

	"github.com/deemkeen/fedengine/domain"
	"github.com/deemkeen/fedengine/util"
)

// verifyModAction checks that actor may moderate community: a stored moderator, or any actor of
// the community's home instance when the community is remote.
func (f *Federation) verifyModAction(actor, community *domain.Actor) error {
	isMod, err := f.store.IsModerator(community.Id, actor.Id)
	if err != nil {
		return err
	}
	if isMod {
		return nil
	}
	if !community.Local && actor.Domain == community.Domain {
		return nil
	}
	return verificationErr(CheckPermission, "%s does not moderate %s", actor.ActorURI, community.ActorURI)
}

func (a *Lock) verify(ctx context.Context, f *Federation, sender *domain.Actor) error {
	post, err := Dereference(ctx, f, PostKind, a.Object, Lookup{AllowFetch: true})
	if err != nil {
		return err
	}
	community, err := f.store.ReadActorById(post.CommunityId)
	if err != nil {
		return fmt.Errorf("community of %s: %w", post.ApId, err)
	}
	if err := f.checkNotBanned(community, sender); err != nil {
		return err
	}
	if err := f.verifyModAction(sender, community); err != nil {
		return err
	}
	a.post = post
	return nil
}

func (a *Lock) receive(ctx context.Context, f *Federation, sender *domain.Actor) error {
	return a.apply(ctx, f, sender, true)
}

func (a *Lock) apply(ctx context.Context, f *Federation, sender *domain.Actor, locked bool) error {
	reason := ""
	if locked {
		reason = util.StripHTML(a.Summary)
	}
	if err := f.store.LockPost(a.post.Id, locked, reason); err != nil {
		return err
	}
	post := *a.post
	post.Locked, post.LockReason = locked, reason
	f.notify(ctx, "post_locked", func(ctx context.Context, n Notifier) error {
		return n.PostLocked(ctx, &post, sender, locked)
	})
	return nil
}
