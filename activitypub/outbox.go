package activitypub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/deemkeen/fedengine/domain"
)

// submit serializes an outbound activity and hands it to the delivery engine.
func (f *Federation) submit(ctx context.Context, sender *domain.Actor, act Activity, inboxes []string) error {
	if !sender.Local {
		return fmt.Errorf("cannot send as remote actor %s", sender.ActorURI)
	}
	if len(inboxes) == 0 {
		f.log.Debug("Outbox: nobody to deliver to", "kind", act.Kind(), "id", act.ActivityID())
		return nil
	}
	body, err := json.Marshal(act)
	if err != nil {
		return fmt.Errorf("failed to marshal activity: %w", err)
	}
	if f.delivery == nil {
		f.log.Warn("Outbox: no delivery engine, dropping activity", "kind", act.Kind(), "id", act.ActivityID())
		return nil
	}
	return f.delivery.Submit(ctx, sender, act.ActivityID(), body, inboxes)
}

func (f *Federation) envelope(kind Kind, actor *domain.Actor, to ...string) Envelope {
	return Envelope{
		Context: defaultContext(),
		ID:      f.newActivityID(kind),
		Type:    kind,
		Actor:   actor.ActorURI,
		To:      to,
	}
}

// SendFollow records a pending follow of target and sends the Follow.
func (f *Federation) SendFollow(ctx context.Context, follower, target *domain.Actor) error {
	follow := &Follow{Envelope: f.envelope(KindFollow, follower, target.ActorURI), Object: target.ActorURI}
	if err := f.store.CreateFollow(follower.Id, target.Id, follow.ID, true); err != nil {
		return err
	}
	return f.submit(ctx, follower, follow, f.ComputeTargets([]*domain.Actor{target}))
}

// SendUndoFollow removes the follow and tells the target.
func (f *Federation) SendUndoFollow(ctx context.Context, follower, target *domain.Actor) error {
	inner := Follow{Envelope: f.envelope(KindFollow, follower, target.ActorURI), Object: target.ActorURI}
	inner.Context = nil
	if existing, err := f.store.ReadFollow(follower.Id, target.Id); err == nil && existing.URI != "" {
		inner.ID = existing.URI
	}
	if err := f.store.DeleteFollow(follower.Id, target.Id); err != nil {
		return err
	}
	undo := &Undo{Envelope: f.envelope(KindUndo, follower, target.ActorURI), Object: UndoObject{Follow: &inner}}
	return f.submit(ctx, follower, undo, f.ComputeTargets([]*domain.Actor{target}))
}

// SendAccept answers follow, addressed to the follower's shared or personal inbox.
func (f *Federation) SendAccept(ctx context.Context, target *domain.Actor, follow Follow, follower *domain.Actor) error {
	follow.Context = nil
	accept := &Accept{Envelope: f.envelope(KindAccept, target, follower.ActorURI), Object: follow}
	if len(f.ComputeTargets([]*domain.Actor{follower})) == 0 {
		return nil
	}
	return f.submit(ctx, target, accept, []string{follower.SharedInboxOrInbox()})
}

// lockAudience is who hears about moderation of a post: the community itself when it is remote,
// its followers when it is ours.
func (f *Federation) lockAudience(post *domain.Post) (*domain.Actor, []*domain.Actor, error) {
	community, err := f.store.ReadActorById(post.CommunityId)
	if err != nil {
		return nil, nil, err
	}
	if !community.Local {
		return community, []*domain.Actor{community}, nil
	}
	followers, err := f.store.ReadFollowers(community.Id)
	if err != nil {
		return nil, nil, err
	}
	recipients := make([]*domain.Actor, 0, len(followers)+1)
	for i := range followers {
		recipients = append(recipients, &followers[i])
	}
	if creator, err := f.store.ReadActorById(post.CreatorId); err == nil {
		recipients = append(recipients, creator)
	}
	return community, recipients, nil
}

// SendLock locks post locally and federates the Lock.
func (f *Federation) SendLock(ctx context.Context, moderator *domain.Actor, post *domain.Post, reason string) error {
	community, recipients, err := f.lockAudience(post)
	if err != nil {
		return err
	}
	if err := f.verifyModAction(moderator, community); err != nil {
		return err
	}
	if err := f.store.LockPost(post.Id, true, reason); err != nil {
		return err
	}
	lock := &Lock{Envelope: f.envelope(KindLock, moderator, community.ActorURI), Object: post.ApId, Summary: reason}
	lock.Cc = URLList{PublicCollection}
	return f.submit(ctx, moderator, lock, f.ComputeTargets(recipients))
}

// SendUnlock reverts a lock with an Undo.
func (f *Federation) SendUnlock(ctx context.Context, moderator *domain.Actor, post *domain.Post) error {
	community, recipients, err := f.lockAudience(post)
	if err != nil {
		return err
	}
	if err := f.verifyModAction(moderator, community); err != nil {
		return err
	}
	if err := f.store.LockPost(post.Id, false, ""); err != nil {
		return err
	}
	inner := Lock{Envelope: f.envelope(KindLock, moderator, community.ActorURI), Object: post.ApId}
	inner.Context = nil
	undo := &Undo{Envelope: f.envelope(KindUndo, moderator, community.ActorURI), Object: UndoObject{Lock: &inner}}
	undo.Cc = URLList{PublicCollection}
	return f.submit(ctx, moderator, undo, f.ComputeTargets(recipients))
}

// SendPrivateMessage stores a private message from sender and delivers it to recipient.
func (f *Federation) SendPrivateMessage(ctx context.Context, sender, recipient *domain.Actor, content string) (*domain.PrivateMessage, error) {
	now := f.now().UTC()
	pm, _, err := f.store.CreatePrivateMessage(&domain.PrivateMessage{
		ApId:        f.newObjectID("private_message"),
		CreatorId:   sender.Id,
		RecipientId: recipient.Id,
		Content:     content,
		Local:       true,
		PublishedAt: now,
	})
	if err != nil {
		return nil, err
	}
	create := &Create{
		Envelope: f.envelope(KindCreate, sender, recipient.ActorURI),
		Object: Note{
			ID:           pm.ApId,
			Type:         TypeChatMessage,
			AttributedTo: sender.ActorURI,
			To:           URLList{recipient.ActorURI},
			Content:      content,
			MediaType:    "text/html",
			Published:    &now,
		},
	}
	return pm, f.submit(ctx, sender, create, f.ComputeTargets([]*domain.Actor{recipient}))
}

// SendDelete announces that actor deleted objectID to recipients.
func (f *Federation) SendDelete(ctx context.Context, actor *domain.Actor, objectID string, recipients []*domain.Actor) error {
	del := &Delete{Envelope: f.envelope(KindDelete, actor, PublicCollection), Object: ObjectRef{ID: objectID}}
	return f.submit(ctx, actor, del, f.ComputeTargets(recipients))
}
