package activitypub

import (
	"context"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/deemkeen/fedengine/domain"
	"github.com/deemkeen/fedengine/util"
)

// Activity is the closed set of inbound activity kinds. Each kind owns its verify and receive steps.
type Activity interface {
	ActivityID() string
	ActorID() string
	Kind() Kind
	envelope() *Envelope
	verify(ctx context.Context, f *Federation, sender *domain.Actor) error
	receive(ctx context.Context, f *Federation, sender *domain.Actor) error
}

// Notifier receives user facing events after an activity was applied. Errors are logged and dropped.
type Notifier interface {
	NewPrivateMessage(ctx context.Context, recipient, sender *domain.Actor, pm *domain.PrivateMessage) error
	NewFollower(ctx context.Context, target, follower *domain.Actor) error
	FollowAccepted(ctx context.Context, follower, target *domain.Actor) error
	PostLocked(ctx context.Context, post *domain.Post, moderator *domain.Actor, locked bool) error
}

type nopNotifier struct{}

func (nopNotifier) NewPrivateMessage(context.Context, *domain.Actor, *domain.Actor, *domain.PrivateMessage) error {
	return nil
}
func (nopNotifier) NewFollower(context.Context, *domain.Actor, *domain.Actor) error    { return nil }
func (nopNotifier) FollowAccepted(context.Context, *domain.Actor, *domain.Actor) error { return nil }
func (nopNotifier) PostLocked(context.Context, *domain.Post, *domain.Actor, bool) error {
	return nil
}

// Config holds the engine settings that do not come from collaborators.
type Config struct {
	// Domain is the local instance domain. Objects on it are never fetched.
	Domain string
	// ContentFilter rejects remote objects whose name or summary matches. Optional.
	ContentFilter *regexp.Regexp
	// ActorMaxAge is the refresh window for signing actors.
	ActorMaxAge time.Duration
}

// Federation wires resolver, verification, deduplication, dispatch and delivery together.
type Federation struct {
	conf      Config
	store     Store
	fetcher   Fetcher
	discovery Discovery
	dedup     Deduplicator
	notifier  Notifier
	delivery  *DeliveryEngine
	log       *slog.Logger
	now       func() time.Time

	inflight      inFlight
	notifications sync.WaitGroup
}

type Option func(*Federation)

func WithFetcher(fetcher Fetcher) Option {
	return func(f *Federation) { f.fetcher = fetcher }
}

func WithDiscovery(d Discovery) Option {
	return func(f *Federation) { f.discovery = d }
}

func WithDeduplicator(d Deduplicator) Option {
	return func(f *Federation) { f.dedup = d }
}

func WithNotifier(n Notifier) Option {
	return func(f *Federation) { f.notifier = n }
}

func WithDelivery(d *DeliveryEngine) Option {
	return func(f *Federation) { f.delivery = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(f *Federation) { f.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(f *Federation) { f.now = now }
}

// New builds an engine over store. Without WithDeduplicator the store must also implement
// ReceivedActivityStore.
func New(conf Config, store Store, opts ...Option) *Federation {
	f := &Federation{
		conf:     conf,
		store:    store,
		notifier: nopNotifier{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.log == nil {
		f.log = util.NewLogger("federation")
	}
	if f.fetcher == nil {
		f.fetcher = NewHTTPFetcher(FetchConfig{})
	}
	if f.discovery == nil {
		f.discovery = NewWebfinger(f.fetcher, "https")
	}
	if f.dedup == nil {
		if rs, ok := store.(ReceivedActivityStore); ok {
			f.dedup = NewStoreDeduplicator(rs, f.now)
		} else {
			f.dedup = NewMemoryDeduplicator(7*24*time.Hour, f.now)
		}
	}
	if f.conf.ActorMaxAge == 0 {
		f.conf.ActorMaxAge = 24 * time.Hour
	}
	return f
}

func (f *Federation) Domain() string {
	return f.conf.Domain
}

// Drain waits for pending notifications.
func (f *Federation) Drain() {
	f.notifications.Wait()
}

// notify runs fn in the background. Its error never reaches the activity outcome.
func (f *Federation) notify(ctx context.Context, event string, fn func(ctx context.Context, n Notifier) error) {
	ctx = context.WithoutCancel(ctx)
	f.notifications.Add(1)
	go func() {
		defer f.notifications.Done()
		if err := fn(ctx, f.notifier); err != nil {
			f.log.Warn("Notification failed", "event", event, "error", err)
		}
	}()
}
