package activitypub

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/deemkeen/fedengine/domain"
)

// Outcome is the terminal state of an inbound activity.
type Outcome int

const (
	Applied Outcome = iota
	Duplicate
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	default:
		return "rejected"
	}
}

// Result is what the router hands back to the transport.
type Result struct {
	Outcome    Outcome
	Kind       Kind
	ActivityID string
	Err        error
}

// HTTPStatus is the status to answer the sending server with. Duplicates count as success so the
// sender stops retrying.
func (r Result) HTTPStatus() int {
	if r.Outcome == Rejected {
		return StatusForError(r.Err)
	}
	return http.StatusAccepted
}

// SignatureVerifier is the signature material the transport extracted from the request.
// *RequestSignature implements it.
type SignatureVerifier interface {
	KeyID() string
	Verify(publicKeyPem string) error
}

// Receive runs one inbound payload through parse, sender check, kind verification,
// deduplication and effect application. It never panics on hostile input and always returns
// a terminal Result.
func (f *Federation) Receive(ctx context.Context, body []byte, sig SignatureVerifier) Result {
	res := f.receive(ctx, body, sig)
	log := f.log.With("outcome", res.Outcome.String(), "kind", res.Kind, "id", res.ActivityID)
	switch res.Outcome {
	case Rejected:
		log.Warn("Inbox: activity rejected", "error", res.Err)
	default:
		log.Info("Inbox: activity processed")
	}
	return res
}

func (f *Federation) receive(ctx context.Context, body []byte, sig SignatureVerifier) Result {
	act, err := ParseActivity(body)
	if err != nil {
		return Result{Outcome: Rejected, Err: err}
	}
	res := Result{Kind: act.Kind(), ActivityID: act.ActivityID()}
	reject := func(err error) Result {
		res.Outcome, res.Err = Rejected, err
		return res
	}

	sender, err := f.verifySender(ctx, act, sig)
	if err != nil {
		return reject(err)
	}
	if err := act.verify(ctx, f, sender); err != nil {
		return reject(err)
	}

	id := act.ActivityID()
	for {
		fl, owner := f.inflight.claim(id)
		if owner {
			outcome, err := f.apply(ctx, act, sender)
			f.inflight.finish(id, fl, outcome == Rejected)
			res.Outcome, res.Err = outcome, err
			return res
		}
		select {
		case <-fl.done:
		case <-ctx.Done():
			return reject(ctx.Err())
		}
		if !fl.released {
			res.Outcome = Duplicate
			return res
		}
	}
}

// apply records the activity id and runs the handler. A failed handler gives the id back so a
// redelivery is processed again.
func (f *Federation) apply(ctx context.Context, act Activity, sender *domain.Actor) (Outcome, error) {
	if err := f.dedup.InsertIfAbsent(ctx, act.ActivityID()); err != nil {
		if errors.Is(err, ErrAlreadyProcessed) {
			return Duplicate, nil
		}
		return Rejected, err
	}

	if err := act.receive(ctx, f, sender); err != nil {
		if rerr := f.dedup.Remove(context.WithoutCancel(ctx), act.ActivityID()); rerr != nil {
			f.log.Error("Failed to release activity id", "id", act.ActivityID(), "error", rerr)
		}
		return Rejected, err
	}
	return Applied, nil
}

// verifySender authenticates the activity: id and actor live on one domain, the signing key
// belongs to that domain and the signature checks out against the actor's key.
func (f *Federation) verifySender(ctx context.Context, act Activity, sig SignatureVerifier) (*domain.Actor, error) {
	if sig == nil {
		return nil, verificationErr(CheckSignature, "request is not signed")
	}
	id, err := parseApubID(act.ActivityID())
	if err != nil {
		return nil, err
	}
	actorURL, err := f.verifyIsApubID(act.ActorID(), true)
	if err != nil {
		return nil, err
	}
	if err := verifyDomainsMatch(id, actorURL); err != nil {
		return nil, err
	}
	keyOwner, err := url.Parse(KeyOwner(sig.KeyID()))
	if err != nil || keyOwner.Host == "" {
		return nil, verificationErr(CheckSignature, "unusable key id %q", sig.KeyID())
	}
	if err := verifyDomainsMatch(actorURL, keyOwner); err != nil {
		return nil, wrapVerification(CheckSignature, err)
	}

	lk := Lookup{AllowFetch: true, MaxAge: f.conf.ActorMaxAge, IncludeDeleted: act.Kind() == KindDelete}
	sender, err := Dereference(ctx, f, AnyActorKind, act.ActorID(), lk)
	if err != nil {
		if sender, err = f.departedSender(act, err); err != nil {
			return nil, err
		}
	}
	if err := sig.Verify(sender.PublicKeyPem); err != nil {
		// the key may have been rotated since we stored it
		lk.Refresh = true
		refreshed, rerr := Dereference(ctx, f, AnyActorKind, act.ActorID(), lk)
		if rerr != nil || refreshed.PublicKeyPem == sender.PublicKeyPem {
			return nil, verificationErr(CheckSignature, "%v", err)
		}
		if err := sig.Verify(refreshed.PublicKeyPem); err != nil {
			return nil, verificationErr(CheckSignature, "%v", err)
		}
		sender = refreshed
	}
	return sender, nil
}

// departedSender returns the stored copy of an actor announcing its own deletion once its server
// no longer serves the actor document. Any other lookup error is returned unchanged.
func (f *Federation) departedSender(act Activity, lookupErr error) (*domain.Actor, error) {
	del, ok := act.(*Delete)
	if !ok || del.Object.ID != del.Actor || !IsNotFound(lookupErr) {
		return nil, lookupErr
	}
	stored, err := AnyActorKind.ReadByURI(f, del.Actor)
	if err != nil {
		return nil, lookupErr
	}
	f.log.Debug("Actor gone upstream, verifying its delete with the stored key", "actor", del.Actor)
	return stored, nil
}
