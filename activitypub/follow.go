package activitypub

import (
	"context"
	"fmt"

	"github.com/deemkeen/fedengine/domain"
)

// localActor reads a stored actor that must belong to this instance.
func (f *Federation) localActor(uri string, kinds ...domain.ActorKind) (*domain.Actor, error) {
	if !f.isLocalID(uri) {
		return nil, verificationErr(CheckTarget, "%s is not a local actor", uri)
	}
	a, err := f.store.ReadActorByURI(uri)
	if err != nil {
		if IsNotFound(err) {
			return nil, verificationErr(CheckTarget, "no local actor %s", uri)
		}
		return nil, err
	}
	if !a.Local || a.Deleted {
		return nil, verificationErr(CheckTarget, "%s is not an active local actor", uri)
	}
	if len(kinds) == 0 {
		return a, nil
	}
	for _, k := range kinds {
		if a.Kind == k {
			return a, nil
		}
	}
	return nil, verificationErr(CheckTarget, "%s is a %s", uri, a.Kind)
}

func (a *Follow) verify(ctx context.Context, f *Federation, sender *domain.Actor) error {
	target, err := f.localActor(a.Object, domain.PersonActor, domain.CommunityActor)
	if err != nil {
		return err
	}
	if target.Kind == domain.CommunityActor {
		if err := f.checkNotBanned(target, sender); err != nil {
			return err
		}
	}
	a.target = target
	return nil
}

// Follows are accepted right away and answered with an Accept.
func (a *Follow) receive(ctx context.Context, f *Federation, sender *domain.Actor) error {
	if err := f.store.CreateFollow(sender.Id, a.target.Id, a.ID, false); err != nil {
		return fmt.Errorf("store follow: %w", err)
	}
	target := a.target
	f.notify(ctx, "new_follower", func(ctx context.Context, n Notifier) error {
		return n.NewFollower(ctx, target, sender)
	})
	if err := f.SendAccept(ctx, target, *a, sender); err != nil {
		f.log.Error("Failed to queue Accept", "follow", a.ID, "error", err)
	}
	return nil
}

// verifyAnswer holds the rules shared by Accept and Reject.
func verifyAnswer(f *Federation, env *Envelope, follow *Follow) (*domain.Actor, error) {
	if err := verifyURLsMatch(env.Actor, follow.Object); err != nil {
		return nil, err
	}
	if len(env.To) > 0 {
		if err := verifyURLsMatch(env.To.First(), follow.Actor); err != nil {
			return nil, err
		}
	}
	return f.localActor(follow.Actor, domain.PersonActor)
}

func (a *Accept) verify(ctx context.Context, f *Federation, sender *domain.Actor) error {
	follower, err := verifyAnswer(f, &a.Envelope, &a.Object)
	if err != nil {
		return err
	}
	a.follower = follower
	return nil
}

func (a *Accept) receive(ctx context.Context, f *Federation, sender *domain.Actor) error {
	// fails when no follow was requested
	if err := f.store.FollowAccepted(a.follower.Id, sender.Id); err != nil {
		return err
	}
	follower := a.follower
	f.notify(ctx, "follow_accepted", func(ctx context.Context, n Notifier) error {
		return n.FollowAccepted(ctx, follower, sender)
	})
	return nil
}

func (a *Reject) verify(ctx context.Context, f *Federation, sender *domain.Actor) error {
	follower, err := verifyAnswer(f, &a.Envelope, &a.Object)
	if err != nil {
		return err
	}
	a.follower = follower
	return nil
}

func (a *Reject) receive(ctx context.Context, f *Federation, sender *domain.Actor) error {
	return f.store.DeleteFollow(a.follower.Id, sender.Id)
}

func (a *Undo) verify(ctx context.Context, f *Federation, sender *domain.Actor) error {
	inner := a.Object.activity()
	if inner == nil {
		return fmt.Errorf("%w: undo without object", ErrMalformed)
	}
	if err := verifyURLsMatch(a.Actor, inner.ActorID()); err != nil {
		return err
	}
	innerID, err := parseApubID(inner.ActivityID())
	if err != nil {
		return err
	}
	actorURL, err := parseApubID(a.Actor)
	if err != nil {
		return err
	}
	if err := verifyDomainsMatch(actorURL, innerID); err != nil {
		return err
	}

	switch {
	case a.Object.Follow != nil:
		// a banned follower may still unfollow
		target, err := f.localActor(a.Object.Follow.Object, domain.PersonActor, domain.CommunityActor)
		if err != nil {
			return err
		}
		a.Object.Follow.target = target
		return nil
	default:
		return a.Object.Lock.verify(ctx, f, sender)
	}
}

func (a *Undo) receive(ctx context.Context, f *Federation, sender *domain.Actor) error {
	switch {
	case a.Object.Follow != nil:
		return f.store.DeleteFollow(sender.Id, a.Object.Follow.target.Id)
	default:
		return a.Object.Lock.apply(ctx, f, sender, false)
	}
}
