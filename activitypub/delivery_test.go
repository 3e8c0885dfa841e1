package activitypub

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/fedengine/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// inboxServer answers each path with a fixed status and checks every signature it sees.
type inboxServer struct {
	*httptest.Server
	mu       sync.Mutex
	received map[string]int
	badSigs  int
}

func newInboxServer(t *testing.T, statuses map[string]int) *inboxServer {
	t.Helper()
	s := &inboxServer{received: make(map[string]int)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		sig, err := NewRequestSignature(r, body)
		s.mu.Lock()
		if err != nil || sig.Verify(localKeys.Public) != nil || r.Header.Get("Content-Type") != ContentType {
			s.badSigs++
		}
		s.received[r.URL.Path]++
		s.mu.Unlock()
		status, ok := statuses[r.URL.Path]
		if !ok {
			status = http.StatusAccepted
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *inboxServer) count(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received[path]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestDeliveryIsolatesInboxes(t *testing.T) {
	h := newHarness(t)
	srv := newInboxServer(t, map[string]int{
		"/t1": http.StatusOK,
		"/t2": http.StatusBadRequest,
		"/t3": http.StatusServiceUnavailable,
	})
	clock := &fakeClock{now: time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)}
	engine := NewDeliveryEngine(h.db, h.db, DeliveryConfig{
		MaxAttempts: 3,
		Backoff:     []time.Duration{time.Minute},
	}, WithDeliveryClock(clock.Now))

	inboxes := []string{srv.URL + "/t1", srv.URL + "/t2", srv.URL + "/t3"}
	body := []byte(`{"type":"Delete","id":"https://local.test/activities/delete/1"}`)
	require.NoError(t, engine.Submit(t.Context(), h.alice, "https://local.test/activities/delete/1", body, inboxes))

	n, err := engine.ProcessOnce(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	for _, p := range []string{"/t1", "/t2", "/t3"} {
		assert.Equal(t, 1, srv.count(p), p)
	}

	failed, err := h.db.ReadDeliveriesByStatus(domain.DeliveryFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, srv.URL+"/t2", failed[0].InboxURI)
	assert.Contains(t, failed[0].LastError, "400")

	pending := h.pendingDeliveries()
	require.Len(t, pending, 1)
	assert.Equal(t, srv.URL+"/t3", pending[0].InboxURI)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.True(t, pending[0].NextRetryAt.Equal(clock.Now().Add(time.Minute)), "next retry %s", pending[0].NextRetryAt)

	// not due yet
	n, err = engine.ProcessOnce(t.Context())
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(2 * time.Minute)
	_, err = engine.ProcessOnce(t.Context())
	require.NoError(t, err)
	pending = h.pendingDeliveries()
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].Attempts)

	clock.Advance(2 * time.Minute)
	_, err = engine.ProcessOnce(t.Context())
	require.NoError(t, err)
	assert.Empty(t, h.pendingDeliveries())

	failed, err = h.db.ReadDeliveriesByStatus(domain.DeliveryFailed)
	require.NoError(t, err)
	require.Len(t, failed, 2)
	for _, item := range failed {
		if item.InboxURI == srv.URL+"/t3" {
			assert.Equal(t, 3, item.Attempts)
			assert.True(t, strings.HasPrefix(item.LastError, "gave up"), item.LastError)
		}
	}

	assert.Equal(t, 1, srv.count("/t1"))
	assert.Equal(t, 1, srv.count("/t2"))
	assert.Equal(t, 3, srv.count("/t3"))
	assert.Zero(t, srv.badSigs)
}

func TestDeliveryLeavesRowsOnShutdown(t *testing.T) {
	h := newHarness(t)
	srv := newInboxServer(t, nil)
	engine := NewDeliveryEngine(h.db, h.db, DeliveryConfig{})
	require.NoError(t, engine.Submit(t.Context(), h.alice, "https://local.test/a/1", []byte(`{}`), []string{srv.URL + "/inbox"}))

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := engine.ProcessOnce(ctx)
	require.NoError(t, err)

	pending := h.pendingDeliveries()
	require.Len(t, pending, 1)
	assert.Zero(t, pending[0].Attempts)
	assert.Empty(t, pending[0].LastError)
}

func TestDeliverySenderProblems(t *testing.T) {
	h := newHarness(t)
	srv := newInboxServer(t, nil)
	engine := NewDeliveryEngine(h.db, h.db, DeliveryConfig{})

	remoteActor := &domain.Actor{ActorURI: "https://remote.example/u/x"}
	err := engine.Submit(t.Context(), remoteActor, "https://local.test/a/1", []byte(`{}`), []string{srv.URL + "/inbox"})
	require.Error(t, err)
	assert.Empty(t, h.pendingDeliveries())

	// a row whose sender disappeared fails for good on the first attempt
	require.NoError(t, h.db.EnqueueDelivery(&domain.DeliveryQueueItem{
		InboxURI:     srv.URL + "/inbox",
		ActivityId:   "https://local.test/a/2",
		ActivityJSON: `{}`,
		SenderURI:    "https://local.test/u/ghost",
		NextRetryAt:  time.Now(),
		CreatedAt:    time.Now(),
	}))
	_, err = engine.ProcessOnce(t.Context())
	require.NoError(t, err)
	failed, err := h.db.ReadDeliveriesByStatus(domain.DeliveryFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].Attempts)
	assert.Zero(t, srv.count("/inbox"))
}

func TestDeliveryRunWakesOnSubmit(t *testing.T) {
	h := newHarness(t)
	srv := newInboxServer(t, nil)
	engine := NewDeliveryEngine(h.db, h.db, DeliveryConfig{PollInterval: time.Hour})

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()

	require.NoError(t, engine.Submit(t.Context(), h.alice, "https://local.test/a/1", []byte(`{}`), []string{srv.URL + "/inbox"}))
	require.Eventually(t, func() bool {
		return srv.count("/inbox") == 1 && len(h.pendingDeliveries()) == 0
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		code      int
		ok        bool
		transient bool
	}{
		{http.StatusOK, true, false},
		{http.StatusAccepted, true, false},
		{http.StatusBadRequest, false, false},
		{http.StatusUnauthorized, false, false},
		{http.StatusGone, false, false},
		{http.StatusRequestTimeout, false, true},
		{http.StatusTooManyRequests, false, true},
		{http.StatusInternalServerError, false, true},
		{http.StatusBadGateway, false, true},
		{http.StatusFound, false, true},
	}
	for _, tt := range tests {
		err := classifyStatus("https://remote.example/inbox", tt.code)
		if tt.ok {
			assert.NoError(t, err, tt.code)
			continue
		}
		require.Error(t, err, tt.code)
		assert.Equal(t, tt.transient, IsTransient(err), tt.code)
		assert.Equal(t, !tt.transient, errors.Is(err, ErrPermanentDelivery), tt.code)
	}
}

func TestOutboxQueuesSignedActivities(t *testing.T) {
	h := newHarness(t)
	r := newRemote(t)
	bobDoc := r.addPerson("bob")
	carolDoc := r.addPerson("carol")

	bob, err := Dereference(t.Context(), h.f, PersonKind, bobDoc.ID, Lookup{AllowFetch: true})
	require.NoError(t, err)
	carol, err := Dereference(t.Context(), h.f, PersonKind, carolDoc.ID, Lookup{AllowFetch: true})
	require.NoError(t, err)

	pm, err := h.f.SendPrivateMessage(t.Context(), h.alice, bob, "hello bob")
	require.NoError(t, err)
	assert.True(t, pm.Local)
	assert.True(t, strings.HasPrefix(pm.ApId, "https://"+localDomain+"/private_message/"))

	pending := h.pendingDeliveries()
	require.Len(t, pending, 1)
	assert.Equal(t, bobDoc.Inbox, pending[0].InboxURI)
	act, err := ParseActivity([]byte(pending[0].ActivityJSON))
	require.NoError(t, err)
	create, ok := act.(*Create)
	require.True(t, ok)
	assert.Equal(t, TypeChatMessage, create.Object.Type)
	assert.Equal(t, pm.ApId, create.Object.ID)

	// two recipients behind one shared inbox get a single delivery
	require.NoError(t, h.f.SendDelete(t.Context(), h.alice, pm.ApId, []*domain.Actor{bob, carol, h.local}))
	pending = h.pendingDeliveries()
	require.Len(t, pending, 2)
	var deletes int
	for _, p := range pending {
		if strings.Contains(p.ActivityJSON, `"type":"Delete"`) {
			deletes++
			assert.Equal(t, r.id("/inbox"), p.InboxURI)
		}
	}
	assert.Equal(t, 1, deletes)

	err = h.f.SendDelete(t.Context(), bob, pm.ApId, []*domain.Actor{carol})
	assert.Error(t, err, "remote actors cannot send")
}

func TestSendLockAsModerator(t *testing.T) {
	h := newHarness(t)
	r := newRemote(t)
	bobDoc := r.addPerson("bob")
	bob, err := Dereference(t.Context(), h.f, PersonKind, bobDoc.ID, Lookup{AllowFetch: true})
	require.NoError(t, err)
	require.NoError(t, h.db.CreateFollow(bob.Id, h.local.Id, bobDoc.ID+"/follow/1", false))

	post, err := h.db.UpsertPost(&domain.Post{
		ApId:        "https://" + localDomain + "/post/1",
		CreatorId:   h.alice.Id,
		CommunityId: h.local.Id,
		Name:        "local post",
		Local:       true,
		PublishedAt: time.Now(),
	})
	require.NoError(t, err)

	err = h.f.SendLock(t.Context(), h.alice, post, "done")
	requireCheck(t, err, CheckPermission)

	require.NoError(t, h.db.AddModerator(h.local.Id, h.alice.Id))
	require.NoError(t, h.f.SendLock(t.Context(), h.alice, post, "done"))
	stored, err := h.db.ReadPostById(post.Id)
	require.NoError(t, err)
	assert.True(t, stored.Locked)

	pending := h.pendingDeliveries()
	require.Len(t, pending, 1)
	assert.Equal(t, bobDoc.Inbox, pending[0].InboxURI)
	assert.Contains(t, pending[0].ActivityJSON, `"type":"Lock"`)

	require.NoError(t, h.f.SendUnlock(t.Context(), h.alice, post))
	stored, err = h.db.ReadPostById(post.Id)
	require.NoError(t, err)
	assert.False(t, stored.Locked)
	assert.Len(t, h.pendingDeliveries(), 2)
}
