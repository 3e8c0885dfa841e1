package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/deemkeen/fedengine/activitypub"
	"github.com/deemkeen/fedengine/db"
	"github.com/deemkeen/fedengine/domain"
	"github.com/deemkeen/fedengine/notify"
	"github.com/deemkeen/fedengine/util"
)

// pruner is implemented by deduplicators whose records do not expire on their own.
type pruner interface {
	Prune(ctx context.Context, retention time.Duration) (int64, error)
}

// app is one wired engine: storage, fetch chain, deduplicator, notifiers, delivery and router.
type app struct {
	conf     *util.AppConfig
	log      *slog.Logger
	db       *db.DB
	site     *domain.Actor
	cache    *activitypub.CachingFetcher
	dedup    activitypub.Deduplicator
	delivery *activitypub.DeliveryEngine
	fed      *activitypub.Federation

	closers []func() error
}

func newApp(conf *util.AppConfig, log *slog.Logger) (*app, error) {
	c := conf.Conf
	if c.SslDomain == "" {
		return nil, errors.New("sslDomain is not configured")
	}

	database, err := openDB(&RootOptions{conf: conf})
	if err != nil {
		return nil, err
	}
	a := &app{conf: conf, log: log, db: database}
	a.closers = append(a.closers, database.Close)

	if a.site, err = bootstrapSiteActor(database, c.SslDomain); err != nil {
		a.Close()
		return nil, err
	}

	var filter *regexp.Regexp
	if c.ContentFilter != "" {
		if filter, err = regexp.Compile(c.ContentFilter); err != nil {
			a.Close()
			return nil, fmt.Errorf("contentFilter: %w", err)
		}
	}

	fetcher := activitypub.NewHTTPFetcher(activitypub.FetchConfig{
		Timeout:      c.Fetch.Timeout,
		Attempts:     c.Fetch.Attempts,
		UserAgent:    c.UserAgent,
		MaxBodyBytes: c.MaxBodyBytes,
	})
	key, err := activitypub.ParsePrivateKey(a.site.PrivateKeyPem)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("site actor key: %w", err)
	}
	fetcher.SignWith(a.site.KeyID(), key)

	if a.cache, err = activitypub.NewCachingFetcher(fetcher, activitypub.CacheConfig{
		MaxEntries: c.Cache.MaxEntries,
		TTL:        c.Cache.TTL,
	}); err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, func() error { a.cache.Close(); return nil })

	if a.dedup, err = a.newDeduplicator(); err != nil {
		a.Close()
		return nil, err
	}

	a.delivery = activitypub.NewDeliveryEngine(database, database, activitypub.DeliveryConfig{
		Workers:      c.Delivery.Workers,
		MaxAttempts:  c.Delivery.MaxAttempts,
		PollInterval: c.Delivery.PollInterval,
		Timeout:      c.Delivery.Timeout,
		Backoff:      c.Delivery.Backoff,
		UserAgent:    c.UserAgent,
	}, activitypub.WithDeliveryLogger(util.SubLogger(log, "delivery")))

	a.fed = activitypub.New(activitypub.Config{
		Domain:        c.SslDomain,
		ContentFilter: filter,
		ActorMaxAge:   c.Actor.MaxAge,
	}, database,
		activitypub.WithFetcher(a.cache),
		activitypub.WithDiscovery(activitypub.NewWebfinger(a.cache, "https")),
		activitypub.WithDeduplicator(a.dedup),
		activitypub.WithNotifier(a.newNotifier()),
		activitypub.WithDelivery(a.delivery),
		activitypub.WithLogger(util.SubLogger(log, "inbox")),
	)
	return a, nil
}

func (a *app) newDeduplicator() (activitypub.Deduplicator, error) {
	d := a.conf.Conf.Dedup
	switch d.Backend {
	case "", "sqlite":
		return activitypub.NewStoreDeduplicator(a.db, nil), nil
	case "memory":
		return activitypub.NewMemoryDeduplicator(d.Retention, nil), nil
	case "redis":
		r, err := activitypub.NewRedisDeduplicator(d.RedisAddr, d.Retention)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, r.Close)
		return r, nil
	}
	return nil, fmt.Errorf("unknown dedup backend %q", d.Backend)
}

func (a *app) newNotifier() activitypub.Notifier {
	notifiers := []activitypub.Notifier{notify.NewLogNotifier(util.SubLogger(a.log, "notify"))}
	if e := a.conf.Conf.Email; e.ResendApiKey != "" && e.From != "" {
		notifiers = append(notifiers, notify.NewEmailNotifier(e.ResendApiKey, e.From, a.db, util.SubLogger(a.log, "email")))
	}
	return notify.NewMergedNotifier(notifiers...)
}

// prune drops received activity ids past retention and failed deliveries older than a week.
func (a *app) prune(ctx context.Context) (received, failed int64, err error) {
	if p, ok := a.dedup.(pruner); ok {
		if received, err = p.Prune(ctx, a.conf.Conf.Dedup.Retention); err != nil {
			return 0, 0, fmt.Errorf("prune received activities: %w", err)
		}
	}
	if failed, err = a.db.PruneFailedDeliveries(time.Now().Add(-7 * 24 * time.Hour)); err != nil {
		return received, 0, fmt.Errorf("prune failed deliveries: %w", err)
	}
	return received, failed, nil
}

func (a *app) Close() error {
	if a.fed != nil {
		a.fed.Drain()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

// openDB opens the configured database. Relative paths resolve like the config file does.
func openDB(opts *RootOptions) (*db.DB, error) {
	database, err := db.Open(util.ResolveFilePath(opts.conf.Conf.DatabasePath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return database, nil
}

// bootstrapSiteActor returns the instance actor, creating it with a fresh key pair on first start.
func bootstrapSiteActor(database *db.DB, host string) (*domain.Actor, error) {
	site, err := database.ReadActorByName(domain.SiteActor, host, host)
	if err == nil {
		return site, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	return createLocalActor(database, host, domain.SiteActor, host, "")
}

func createLocalActor(database *db.DB, host string, kind domain.ActorKind, name, email string) (*domain.Actor, error) {
	inst, err := database.ReadOrCreateInstance(host)
	if err != nil {
		return nil, err
	}
	keys, err := util.GeneratePemKeypair(2048)
	if err != nil {
		return nil, fmt.Errorf("generate keys: %w", err)
	}
	a := activitypub.NewLocalActor(host, kind, name)
	a.PublicKeyPem = keys.Public
	a.PrivateKeyPem = keys.Private
	a.Email = email
	a.InstanceId = inst.Id
	return database.CreateActor(a)
}
