package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/fedengine/activitypub"
	"github.com/deemkeen/fedengine/db"
	"github.com/deemkeen/fedengine/domain"
	"github.com/deemkeen/fedengine/util"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

const testDomain = "local.test"

var (
	keysOnce sync.Once
	keys     *util.RsaKeyPair
	keysErr  error
)

// offline fails every fetch, so tests never leave the process.
type offline struct{}

func (offline) Fetch(context.Context, string, string) (*activitypub.FetchResult, error) {
	return nil, activitypub.ErrNotFound
}

type fixture struct {
	router *gin.Engine
	db     *db.DB
	alice  *domain.Actor
	bob    *domain.Actor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	keysOnce.Do(func() { keys, keysErr = util.GeneratePemKeypair(2048) })
	require.NoError(t, keysErr)

	database, err := db.Open(filepath.Join(t.TempDir(), "web.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	create := func(kind domain.ActorKind, name string) *domain.Actor {
		inst, err := database.ReadOrCreateInstance(testDomain)
		require.NoError(t, err)
		a := activitypub.NewLocalActor(testDomain, kind, name)
		a.PublicKeyPem, a.PrivateKeyPem, a.InstanceId = keys.Public, keys.Private, inst.Id
		created, err := database.CreateActor(a)
		require.NoError(t, err)
		return created
	}
	create(domain.SiteActor, testDomain)
	alice := create(domain.PersonActor, "alice")
	create(domain.CommunityActor, "alice")
	create(domain.CommunityActor, "news")

	inst, err := database.ReadOrCreateInstance("remote.test")
	require.NoError(t, err)
	bob, err := database.UpsertRemoteActor(&domain.Actor{
		Kind:         domain.PersonActor,
		Name:         "bob",
		Domain:       "remote.test",
		ActorURI:     "https://remote.test/u/bob",
		InboxURI:     "https://remote.test/u/bob/inbox",
		PublicKeyPem: keys.Public,
		InstanceId:   inst.Id,
	})
	require.NoError(t, err)

	log := util.NewLogger("test")
	fed := activitypub.New(activitypub.Config{Domain: testDomain, ActorMaxAge: time.Hour}, database,
		activitypub.WithLogger(log), activitypub.WithFetcher(offline{}))
	t.Cleanup(fed.Drain)

	conf := Config{Domain: testDomain, MaxBodyBytes: 4096}
	return &fixture{
		router: NewRouter(conf, fed, database, nil, log),
		db:     database,
		alice:  alice,
		bob:    bob,
	}
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func signedPost(t *testing.T, path string, body []byte) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "https://"+testDomain+path, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", activitypub.ContentType)
	key, err := activitypub.ParsePrivateKey(keys.Private)
	require.NoError(t, err)
	require.NoError(t, activitypub.SignRequest(req, key, "https://remote.test/u/bob#main-key", body))
	return req
}

func followBody(t *testing.T, id, object string) []byte {
	t.Helper()
	buf, err := json.Marshal(map[string]any{
		"@context": activitypub.ActivityStreamsContext,
		"id":       id,
		"type":     "Follow",
		"actor":    "https://remote.test/u/bob",
		"to":       []string{object},
		"object":   object,
	})
	require.NoError(t, err)
	return buf
}

func TestInboxRoutes(t *testing.T) {
	f := newFixture(t)

	for i, path := range []string{"/inbox", "/u/alice/inbox", "/site_inbox"} {
		body := followBody(t, "https://remote.test/activities/follow/"+string(rune('a'+i)), f.alice.ActorURI)
		w := f.do(signedPost(t, path, body))
		assert.Equal(t, http.StatusAccepted, w.Code, path)
	}

	follow, err := f.db.ReadFollow(f.bob.Id, f.alice.Id)
	require.NoError(t, err)
	assert.False(t, follow.Pending)
}

func TestInboxDuplicateIsAccepted(t *testing.T) {
	f := newFixture(t)
	body := followBody(t, "https://remote.test/activities/follow/1", f.alice.ActorURI)

	assert.Equal(t, http.StatusAccepted, f.do(signedPost(t, "/inbox", body)).Code)
	assert.Equal(t, http.StatusAccepted, f.do(signedPost(t, "/inbox", body)).Code)
}

func TestInboxRejections(t *testing.T) {
	f := newFixture(t)

	t.Run("unsigned", func(t *testing.T) {
		body := followBody(t, "https://remote.test/activities/follow/2", f.alice.ActorURI)
		req := httptest.NewRequest(http.MethodPost, "/inbox", bytes.NewReader(body))
		assert.Equal(t, http.StatusUnauthorized, f.do(req).Code)
	})

	t.Run("tampered body", func(t *testing.T) {
		body := followBody(t, "https://remote.test/activities/follow/3", f.alice.ActorURI)
		req := signedPost(t, "/inbox", body)
		other := followBody(t, "https://remote.test/activities/follow/4", f.alice.ActorURI)
		req.Body, req.ContentLength = io.NopCloser(bytes.NewReader(other)), int64(len(other))
		w := f.do(req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), "error")
	})

	t.Run("malformed", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, f.do(signedPost(t, "/inbox", []byte(`{"type":`))).Code)
	})

	t.Run("unknown kind", func(t *testing.T) {
		body := []byte(`{"id":"https://remote.test/a/1","type":"Like","actor":"https://remote.test/u/bob","object":"https://local.test/post/1"}`)
		assert.Equal(t, http.StatusBadRequest, f.do(signedPost(t, "/inbox", body)).Code)
	})

	t.Run("follow of a stranger", func(t *testing.T) {
		body := followBody(t, "https://remote.test/activities/follow/5", "https://local.test/u/nobody")
		assert.Equal(t, http.StatusForbidden, f.do(signedPost(t, "/inbox", body)).Code)
	})

	t.Run("too large", func(t *testing.T) {
		body := bytes.Repeat([]byte("x"), 8192)
		assert.Equal(t, http.StatusRequestEntityTooLarge, f.do(signedPost(t, "/inbox", body)).Code)
	})

	_, err := f.db.ReadFollow(f.bob.Id, f.alice.Id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestActorDocuments(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		path   string
		status int
		typ    string
		id     string
	}{
		{"/u/alice", http.StatusOK, activitypub.TypePerson, "https://local.test/u/alice"},
		{"/c/news", http.StatusOK, activitypub.TypeGroup, "https://local.test/c/news"},
		{"/", http.StatusOK, activitypub.TypeApplication, "https://local.test/"},
		{"/u/nobody", http.StatusNotFound, "", ""},
		{"/c/bob", http.StatusNotFound, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := f.do(httptest.NewRequest(http.MethodGet, tt.path, nil))
			require.Equal(t, tt.status, w.Code)
			if tt.status != http.StatusOK {
				return
			}
			assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), activitypub.ContentType))
			var obj activitypub.ActorObject
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &obj))
			assert.Equal(t, tt.typ, obj.Type)
			assert.Equal(t, tt.id, obj.ID)
			assert.Equal(t, tt.id+"#main-key", obj.PublicKey.ID)
			assert.Equal(t, keys.Public, obj.PublicKey.PublicKeyPem)
			assert.Equal(t, "https://local.test/inbox", obj.SharedInbox())
		})
	}

	t.Run("remote actors are not served", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, f.do(httptest.NewRequest(http.MethodGet, "/u/bob", nil)).Code)
	})

	t.Run("deleted", func(t *testing.T) {
		require.NoError(t, f.db.MarkActorDeleted(f.alice.Id))
		assert.Equal(t, http.StatusGone, f.do(httptest.NewRequest(http.MethodGet, "/u/alice", nil)).Code)
	})
}

func TestWebfinger(t *testing.T) {
	f := newFixture(t)

	get := func(resource string) *httptest.ResponseRecorder {
		return f.do(httptest.NewRequest(http.MethodGet, "/.well-known/webfinger?resource="+resource, nil))
	}

	w := get("acct:alice@local.test")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), activitypub.WebfingerContentType))
	var jrd activitypub.WebfingerResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &jrd))
	assert.Equal(t, "acct:alice@local.test", jrd.Subject)

	selfLinks := map[string]string{}
	for _, l := range jrd.Links {
		if l.Rel == "self" {
			selfLinks[l.Properties[activitypub.WebfingerTypeProperty]] = l.Href
		}
	}
	assert.Equal(t, map[string]string{
		activitypub.TypePerson: "https://local.test/u/alice",
		activitypub.TypeGroup:  "https://local.test/c/alice",
	}, selfLinks, "a person and a community sharing a name are both listed")

	w = get("acct:local.test@local.test")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"href":"https://local.test/"`)

	for _, resource := range []string{"", "alice@local.test", "acct:alice@remote.test", "acct:bob@remote.test", "acct:nobody@local.test", "acct:@local.test"} {
		assert.Equal(t, http.StatusNotFound, get(resource).Code, resource)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := NewRateLimiter(rate.Limit(1), 3)
	g := gin.New()
	g.Use(RateLimitMiddleware(rl))
	g.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 5)
	for range 5 {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "192.0.2.1:1234"
		g.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{200, 200, 200, 429, 429}, codes)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.2:1234"
	g.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code, "buckets are per client")
}

func TestRateLimiterEvict(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(10), 20)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	first := rl.getLimiter("192.0.2.1")
	assert.Same(t, first, rl.getLimiter("192.0.2.1"))
	now = now.Add(10 * time.Minute)
	rl.getLimiter("192.0.2.2")

	assert.Equal(t, 1, rl.Evict(5*time.Minute))
	assert.NotSame(t, first, rl.getLimiter("192.0.2.1"), "an evicted client starts with a fresh bucket")
}
