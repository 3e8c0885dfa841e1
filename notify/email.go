package notify

import (
	"context"
	"fmt"
	"html"
	"log/slog"

	"github.com/deemkeen/fedengine/activitypub"
	"github.com/deemkeen/fedengine/domain"
	"github.com/resend/resend-go/v2"
)

// Mailer is the part of the resend client used here.
type Mailer interface {
	Send(params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

// ActorReader looks up the local owner of a post.
type ActorReader interface {
	ReadActorById(id int64) (*domain.Actor, error)
}

// EmailNotifier mails local persons that have an address on file. Everyone else is skipped.
type EmailNotifier struct {
	mailer Mailer
	actors ActorReader
	from   string
	log    *slog.Logger
}

var _ activitypub.Notifier = &EmailNotifier{}

// NewEmailNotifier sends through the resend API.
func NewEmailNotifier(apiKey, from string, actors ActorReader, log *slog.Logger) *EmailNotifier {
	return NewEmailNotifierWithMailer(resend.NewClient(apiKey).Emails, from, actors, log)
}

func NewEmailNotifierWithMailer(mailer Mailer, from string, actors ActorReader, log *slog.Logger) *EmailNotifier {
	return &EmailNotifier{mailer: mailer, actors: actors, from: from, log: log}
}

func (e *EmailNotifier) send(to *domain.Actor, subject, body string) error {
	if to == nil || !to.Local || to.Email == "" {
		return nil
	}
	_, err := e.mailer.Send(&resend.SendEmailRequest{
		From:    e.from,
		To:      []string{to.Email},
		Subject: subject,
		Text:    body,
		Html:    "<p>" + html.EscapeString(body) + "</p>",
	})
	if err != nil {
		return fmt.Errorf("error sending email to %s: %w", to.Handle(), err)
	}
	e.log.Debug("Notification mailed", "to", to.Handle(), "subject", subject)
	return nil
}

func (e *EmailNotifier) NewPrivateMessage(ctx context.Context, recipient, sender *domain.Actor, pm *domain.PrivateMessage) error {
	return e.send(recipient, fmt.Sprintf("New message from %s", sender.Handle()),
		fmt.Sprintf("%s sent you a private message.", sender.Handle()))
}

func (e *EmailNotifier) NewFollower(ctx context.Context, target, follower *domain.Actor) error {
	return e.send(target, fmt.Sprintf("%s follows you", follower.Handle()),
		fmt.Sprintf("%s is now following %s.", follower.Handle(), target.Handle()))
}

func (e *EmailNotifier) FollowAccepted(ctx context.Context, follower, target *domain.Actor) error {
	return e.send(follower, fmt.Sprintf("You now follow %s", target.Handle()),
		fmt.Sprintf("%s accepted your follow request.", target.Handle()))
}

// PostLocked tells the post's author.
func (e *EmailNotifier) PostLocked(ctx context.Context, post *domain.Post, moderator *domain.Actor, locked bool) error {
	author, err := e.actors.ReadActorById(post.CreatorId)
	if err != nil {
		return fmt.Errorf("author of %s: %w", post.ApId, err)
	}
	if !locked {
		return e.send(author, "Your post was unlocked", fmt.Sprintf("%s unlocked %q.", moderator.Handle(), post.Name))
	}
	body := fmt.Sprintf("%s locked %q.", moderator.Handle(), post.Name)
	if post.LockReason != "" {
		body += " Reason: " + post.LockReason
	}
	return e.send(author, "Your post was locked", body)
}
