package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/deemkeen/fedengine/activitypub"
	"github.com/deemkeen/fedengine/domain"
)

// mergedNotifier fans every event out to several notifiers and joins their errors.
type mergedNotifier struct {
	notifiers []activitypub.Notifier
}

func NewMergedNotifier(notifiers ...activitypub.Notifier) activitypub.Notifier {
	return &mergedNotifier{notifiers: notifiers}
}

var _ activitypub.Notifier = &mergedNotifier{}

// fanout calls fn on all notifiers concurrently
func (m *mergedNotifier) fanout(fn func(n activitypub.Notifier) error) error {
	errs := make([]error, len(m.notifiers))
	var wg sync.WaitGroup
	for i, n := range m.notifiers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = fn(n)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (m *mergedNotifier) NewPrivateMessage(ctx context.Context, recipient, sender *domain.Actor, pm *domain.PrivateMessage) error {
	return m.fanout(func(n activitypub.Notifier) error { return n.NewPrivateMessage(ctx, recipient, sender, pm) })
}

func (m *mergedNotifier) NewFollower(ctx context.Context, target, follower *domain.Actor) error {
	return m.fanout(func(n activitypub.Notifier) error { return n.NewFollower(ctx, target, follower) })
}

func (m *mergedNotifier) FollowAccepted(ctx context.Context, follower, target *domain.Actor) error {
	return m.fanout(func(n activitypub.Notifier) error { return n.FollowAccepted(ctx, follower, target) })
}

func (m *mergedNotifier) PostLocked(ctx context.Context, post *domain.Post, moderator *domain.Actor, locked bool) error {
	return m.fanout(func(n activitypub.Notifier) error { return n.PostLocked(ctx, post, moderator, locked) })
}

// LogNotifier writes every event to a structured log.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(log *slog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (l *LogNotifier) NewPrivateMessage(ctx context.Context, recipient, sender *domain.Actor, pm *domain.PrivateMessage) error {
	l.log.Info("New private message", "to", recipient.Handle(), "from", sender.Handle(), "id", pm.ApId)
	return nil
}

func (l *LogNotifier) NewFollower(ctx context.Context, target, follower *domain.Actor) error {
	l.log.Info("New follower", "target", target.Handle(), "follower", follower.Handle())
	return nil
}

func (l *LogNotifier) FollowAccepted(ctx context.Context, follower, target *domain.Actor) error {
	l.log.Info("Follow accepted", "follower", follower.Handle(), "target", target.Handle())
	return nil
}

func (l *LogNotifier) PostLocked(ctx context.Context, post *domain.Post, moderator *domain.Actor, locked bool) error {
	l.log.Info("Post lock changed", "post", post.ApId, "moderator", moderator.Handle(), "locked", locked, "reason", post.LockReason)
	return nil
}
