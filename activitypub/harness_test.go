package activitypub

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/fedengine/db"
	"github.com/deemkeen/fedengine/domain"
	"github.com/deemkeen/fedengine/util"
	"github.com/stretchr/testify/require"
)

const localDomain = "local.test"

var (
	keysOnce    sync.Once
	remoteKeys  *util.RsaKeyPair
	spoofKeys   *util.RsaKeyPair
	localKeys   *util.RsaKeyPair
	keyGenError error
)

// testKeys generates the key pairs once per test binary.
func testKeys(t *testing.T) {
	t.Helper()
	keysOnce.Do(func() {
		for _, k := range []**util.RsaKeyPair{&remoteKeys, &spoofKeys, &localKeys} {
			if *k, keyGenError = util.GeneratePemKeypair(2048); keyGenError != nil {
				return
			}
		}
	})
	require.NoError(t, keyGenError)
}

// remote is an httptest server playing a federated instance.
type remote struct {
	*httptest.Server
	mu     sync.Mutex
	docs   map[string]any
	hits   map[string]int
	down   bool
	noSite bool
	// intercept may answer a request itself and return true.
	intercept func(w http.ResponseWriter, req *http.Request) bool
}

func newRemote(t *testing.T) *remote {
	t.Helper()
	testKeys(t)
	r := &remote{docs: make(map[string]any), hits: make(map[string]int)}
	r.Server = httptest.NewServer(http.HandlerFunc(r.serve))
	t.Cleanup(r.Close)
	r.addSite()
	return r
}

func (r *remote) serve(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	r.hits[req.URL.Path]++
	down, noSite := r.down, r.noSite
	doc, ok := r.docs[req.URL.Path]
	intercept := r.intercept
	r.mu.Unlock()

	if intercept != nil && intercept(w, req) {
		return
	}
	if down {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	if req.URL.Path == "/.well-known/webfinger" {
		r.webfinger(w, req)
		return
	}
	if req.URL.Path == "/" && noSite {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>not a federated server</html>"))
		return
	}
	if !ok {
		http.NotFound(w, req)
		return
	}
	w.Header().Set("Content-Type", ContentType)
	json.NewEncoder(w).Encode(doc)
}

func (r *remote) webfinger(w http.ResponseWriter, req *http.Request) {
	resource := strings.TrimPrefix(req.URL.Query().Get("resource"), "acct:")
	name, _, _ := strings.Cut(resource, "@")
	var jrd WebfingerResponse
	jrd.Subject = "acct:" + resource
	for _, prefix := range []string{"/u/", "/c/"} {
		r.mu.Lock()
		doc, ok := r.docs[prefix+name].(*ActorObject)
		r.mu.Unlock()
		if ok {
			jrd.Links = append(jrd.Links, WebfingerLink{
				Rel:        "self",
				Type:       ContentType,
				Href:       doc.ID,
				Properties: map[string]string{WebfingerTypeProperty: doc.Type},
			})
		}
	}
	if len(jrd.Links) == 0 {
		http.NotFound(w, req)
		return
	}
	w.Header().Set("Content-Type", WebfingerContentType)
	json.NewEncoder(w).Encode(jrd)
}

func (r *remote) host() string {
	return strings.TrimPrefix(r.URL, "http://")
}

func (r *remote) id(path string) string {
	return r.URL + path
}

func (r *remote) hitCount(path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hits[path]
}

func (r *remote) totalHits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, v := range r.hits {
		n += v
	}
	return n
}

func (r *remote) setDown(down bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.down = down
}

func (r *remote) put(path string, doc any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs[path] = doc
}

func (r *remote) remove(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.docs, path)
}

func (r *remote) actorDoc(path, typ, name string) *ActorObject {
	id := r.id(path)
	return &ActorObject{
		Context:           defaultContext(),
		ID:                id,
		Type:              typ,
		PreferredUsername: name,
		Name:              name,
		Inbox:             id + "/inbox",
		Endpoints:         &Endpoints{SharedInbox: r.id("/inbox")},
		PublicKey: PublicKey{
			ID:           id + "#main-key",
			Owner:        id,
			PublicKeyPem: remoteKeys.Public,
		},
	}
}

func (r *remote) addSite() *ActorObject {
	doc := r.actorDoc("/", TypeApplication, "")
	doc.ID = r.URL + "/"
	doc.Inbox = r.id("/site_inbox")
	doc.PublicKey.ID = doc.ID + "#main-key"
	doc.PublicKey.Owner = doc.ID
	r.put("/", doc)
	return doc
}

func (r *remote) addPerson(name string) *ActorObject {
	doc := r.actorDoc("/u/"+name, TypePerson, name)
	r.put("/u/"+name, doc)
	return doc
}

func (r *remote) addGroup(name string) *ActorObject {
	doc := r.actorDoc("/c/"+name, TypeGroup, name)
	r.put("/c/"+name, doc)
	return doc
}

// signed builds a signed inbox request for act, the way a remote server would send it.
func signed(t *testing.T, act any, keyID string, keyPem string) ([]byte, *RequestSignature) {
	t.Helper()
	body, err := json.Marshal(act)
	require.NoError(t, err)
	return signedBody(t, body, keyID, keyPem)
}

func signedBody(t *testing.T, body []byte, keyID string, keyPem string) ([]byte, *RequestSignature) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "https://"+localDomain+"/inbox", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", ContentType)
	key, err := ParsePrivateKey(keyPem)
	require.NoError(t, err)
	require.NoError(t, SignRequest(req, key, keyID, body))
	sig, err := NewRequestSignature(req, body)
	require.NoError(t, err)
	return body, sig
}

// harness is a local instance backed by a temporary database.
type harness struct {
	t        *testing.T
	f        *Federation
	db       *db.DB
	delivery *DeliveryEngine
	site     *domain.Actor
	alice    *domain.Actor
	local    *domain.Actor
}

type harnessOption func(*harnessConf)

type harnessConf struct {
	fedOpts []Option
	conf    Config
}

func withFedOption(o Option) harnessOption {
	return func(c *harnessConf) { c.fedOpts = append(c.fedOpts, o) }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	testKeys(t)
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	hc := harnessConf{conf: Config{Domain: localDomain, ActorMaxAge: time.Hour}}
	for _, o := range opts {
		o(&hc)
	}

	fetcher := NewHTTPFetcher(FetchConfig{Attempts: 1, Timeout: 2 * time.Second})
	delivery := NewDeliveryEngine(database, database, DeliveryConfig{})
	base := []Option{
		WithFetcher(fetcher),
		WithDiscovery(NewWebfinger(fetcher, "http")),
		WithDelivery(delivery),
		WithLogger(util.NewLogger("test")),
	}
	f := New(hc.conf, database, append(base, hc.fedOpts...)...)

	h := &harness{t: t, f: f, db: database, delivery: delivery}
	h.site = h.createLocal(domain.SiteActor, localDomain)
	h.alice = h.createLocal(domain.PersonActor, "alice")
	h.local = h.createLocal(domain.CommunityActor, "localnews")
	t.Cleanup(f.Drain)
	return h
}

func (h *harness) createLocal(kind domain.ActorKind, name string) *domain.Actor {
	h.t.Helper()
	inst, err := h.db.ReadOrCreateInstance(localDomain)
	require.NoError(h.t, err)
	a := NewLocalActor(localDomain, kind, name)
	a.PublicKeyPem = localKeys.Public
	a.PrivateKeyPem = localKeys.Private
	a.InstanceId = inst.Id
	created, err := h.db.CreateActor(a)
	require.NoError(h.t, err)
	return created
}

// pendingDeliveries lists every pending row regardless of its retry time.
func (h *harness) pendingDeliveries() []domain.DeliveryQueueItem {
	h.t.Helper()
	items, err := h.db.ReadPendingDeliveries(time.Now().Add(48*time.Hour), 1000)
	require.NoError(h.t, err)
	return items
}

func (h *harness) receive(act any, keyID string) Result {
	h.t.Helper()
	body, sig := signed(h.t, act, keyID, remoteKeys.Private)
	return h.f.Receive(h.t.Context(), body, sig)
}

func env(kind Kind, id, actor string, to ...string) Envelope {
	return Envelope{Context: defaultContext(), ID: id, Type: kind, Actor: actor, To: to}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func regexpMust(t *testing.T, expr string) *regexp.Regexp {
	t.Helper()
	re, err := regexp.Compile(expr)
	require.NoError(t, err)
	return re
}

// discoveryFunc answers every webfinger lookup with a fixed href.
type discoveryFunc func(name, host string) string

func (d discoveryFunc) Discover(_ context.Context, name, host, _ string) (string, error) {
	return d(name, host), nil
}
