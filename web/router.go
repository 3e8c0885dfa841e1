package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/deemkeen/fedengine/activitypub"
	"github.com/deemkeen/fedengine/domain"
	"github.com/deemkeen/fedengine/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// ActorStore is the read side the public endpoints need. *db.DB implements it.
type ActorStore interface {
	ReadActorByName(kind domain.ActorKind, name, host string) (*domain.Actor, error)
}

// Inbox hands a signed inbound payload to the federation engine.
// *activitypub.Federation implements it.
type Inbox interface {
	Receive(ctx context.Context, body []byte, sig activitypub.SignatureVerifier) activitypub.Result
}

type Config struct {
	// Domain is the local instance domain actors and handles are looked up on.
	Domain       string
	MaxBodyBytes int64
}

type server struct {
	conf   Config
	inbox  Inbox
	actors ActorStore
	log    *slog.Logger
}

// NewRouter builds the federation facing HTTP surface: inboxes, actor documents and webfinger.
func NewRouter(conf Config, inbox Inbox, actors ActorStore, limiter *RateLimiter, log *slog.Logger) *gin.Engine {
	if conf.MaxBodyBytes <= 0 {
		conf.MaxBodyBytes = 1 << 20
	}
	s := &server{conf: conf, inbox: inbox, actors: actors, log: log}

	g := gin.New()
	g.Use(gin.Recovery(), RequestLogger(log))
	g.Use(gzip.Gzip(gzip.DefaultCompression))
	if limiter != nil {
		g.Use(RateLimitMiddleware(limiter))
	}

	g.GET("/.well-known/webfinger", s.handleWebfinger)

	g.GET("/", s.handleActor(domain.SiteActor))
	g.GET("/u/:name", s.handleActor(domain.PersonActor))
	g.GET("/c/:name", s.handleActor(domain.CommunityActor))
	g.GET("/m/:name", s.handleActor(domain.MultiCommunityActor))

	maxBody := MaxBytesMiddleware(conf.MaxBodyBytes)
	for _, path := range []string{"/inbox", "/site_inbox", "/u/:name/inbox", "/c/:name/inbox", "/m/:name/inbox"} {
		g.POST(path, maxBody, s.handleInbox)
	}
	return g
}

// Router serves NewRouter on the configured address until ctx is cancelled.
func Router(ctx context.Context, conf *util.AppConfig, inbox Inbox, actors ActorStore) error {
	log := util.NewLogger("web")
	gin.SetMode(gin.ReleaseMode)

	var limiter *RateLimiter
	if rl := conf.Conf.RateLimit; rl.PerSecond > 0 {
		limiter = NewRateLimiter(rate.Limit(rl.PerSecond), max(rl.Burst, 1))
		go limiter.RunEvictions(ctx, 5*time.Minute)
	}

	handler := NewRouter(Config{
		Domain:       conf.Conf.SslDomain,
		MaxBodyBytes: conf.Conf.MaxBodyBytes,
	}, inbox, actors, limiter, log)

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", conf.Conf.Host, conf.Conf.HttpPort),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("Starting HTTP server", "addr", srv.Addr, "domain", conf.Conf.SslDomain)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Info("Stopping HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
