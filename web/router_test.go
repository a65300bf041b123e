package web

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/deemkeen/stegofed/activitypub"
	"github.com/deemkeen/stegofed/db"
	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/util"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testDomain = "local.example"

var testStart = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeReceiver struct {
	out   activitypub.Outcome
	err   error
	calls int
	body  []byte
}

func (f *fakeReceiver) Receive(ctx context.Context, req *http.Request, body []byte) (activitypub.Outcome, error) {
	f.calls++
	f.body = body
	return f.out, f.err
}

type testServer struct {
	db     *db.DB
	router *gin.Engine
}

func testConf() *util.AppConfig {
	conf := &util.AppConfig{}
	conf.Conf.SslDomain = testDomain
	conf.Conf.WithAp = true
	return conf
}

func newTestServer(t *testing.T, receiver InboxReceiver) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	database, err := db.Open(":memory:", domain.IRI{Domain: testDomain}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return &testServer{
		db:     database,
		router: NewServer(testConf(), database, receiver, zap.NewNop()).Handler(),
	}
}

func (ts *testServer) createAccount(t *testing.T, username string, actorType domain.ActorType) *domain.Account {
	t.Helper()
	acc, err := ts.db.CreateAccount(context.Background(), username, actorType, "", &util.RsaKeyPair{
		Public:  "public-" + username,
		Private: "private-" + username,
	})
	require.NoError(t, err)
	return acc
}

func (ts *testServer) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m), w.Body.String())
	return m
}

func TestActorDocument(t *testing.T) {
	ts := newTestServer(t, &fakeReceiver{})
	ts.createAccount(t, "alice", domain.ActorPerson)
	ts.createAccount(t, "golang", domain.ActorGroup)

	w := ts.get(t, "/users/alice")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), activitypub.ContentType))

	doc, err := activitypub.ParseDocument(w.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "https://local.example/users/alice", doc.Id)
	assert.Equal(t, "Person", doc.Type)
	assert.Equal(t, "https://local.example/users/alice/inbox", doc.Inbox)
	require.NotNil(t, doc.Endpoints)
	assert.Equal(t, "https://local.example/inbox", doc.Endpoints.SharedInbox)
	require.NotNil(t, doc.PublicKey)
	assert.Equal(t, "https://local.example/users/alice#main-key", doc.PublicKey.Id)
	assert.Equal(t, "public-alice", doc.PublicKey.PublicKeyPem)

	w = ts.get(t, "/c/golang")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Group", decode(t, w)["type"])

	assert.Equal(t, http.StatusNotFound, ts.get(t, "/c/alice").Code)
	assert.Equal(t, http.StatusNotFound, ts.get(t, "/users/golang").Code)
	assert.Equal(t, http.StatusNotFound, ts.get(t, "/users/nobody").Code)
}

func TestObjectDocument(t *testing.T) {
	ts := newTestServer(t, &fakeReceiver{})
	ctx := context.Background()
	alice := ts.createAccount(t, "alice", domain.ActorPerson)
	golang := ts.createAccount(t, "golang", domain.ActorGroup)

	post := &domain.Post{Kind: domain.EntityPost, AuthorId: alice.Id, CommunityId: &golang.Id, Name: "Hello", Content: "first"}
	require.NoError(t, ts.db.CreatePost(ctx, post))

	w := ts.get(t, "/post/"+post.Id.String())
	require.Equal(t, http.StatusOK, w.Code)
	m := decode(t, w)
	assert.Equal(t, "Page", m["type"])
	assert.Equal(t, "https://local.example/users/alice", m["attributedTo"])
	assert.Equal(t, "https://local.example/c/golang", m["audience"])
	assert.Equal(t, "first", m["content"])

	assert.Equal(t, http.StatusNotFound, ts.get(t, "/comment/"+post.Id.String()).Code)
	assert.Equal(t, http.StatusNotFound, ts.get(t, "/post/not-a-uuid").Code)
	assert.Equal(t, http.StatusNotFound, ts.get(t, "/post/"+uuid.NewString()).Code)

	require.NoError(t, ts.db.DeletePost(ctx, post.Id))
	w = ts.get(t, "/post/"+post.Id.String())
	require.Equal(t, http.StatusGone, w.Code)
	m = decode(t, w)
	assert.Equal(t, "Tombstone", m["type"])
	assert.Equal(t, "Page", m["formerType"])
	assert.NotContains(t, m, "content")
}

func TestWebfinger(t *testing.T) {
	ts := newTestServer(t, &fakeReceiver{})
	ts.createAccount(t, "alice", domain.ActorPerson)
	ts.createAccount(t, "golang", domain.ActorGroup)

	tests := []struct {
		name     string
		resource string
		status   int
		self     string
	}{
		{"person", "acct:alice@local.example", http.StatusOK, "https://local.example/users/alice"},
		{"community", "acct:golang@local.example", http.StatusOK, "https://local.example/c/golang"},
		{"host is case insensitive", "acct:alice@LOCAL.example", http.StatusOK, "https://local.example/users/alice"},
		{"unknown user", "acct:nobody@local.example", http.StatusNotFound, ""},
		{"other host", "acct:alice@remote.example", http.StatusNotFound, ""},
		{"not an acct uri", "https://local.example/users/alice", http.StatusBadRequest, ""},
		{"missing", "", http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.get(t, "/.well-known/webfinger?resource="+tt.resource)
			require.Equal(t, tt.status, w.Code, w.Body.String())
			if tt.status != http.StatusOK {
				return
			}
			assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), activitypub.JRDContentType))
			var jrd activitypub.JRD
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &jrd))
			assert.Equal(t, tt.self, jrd.SelfLink())
			assert.True(t, strings.HasSuffix(jrd.Subject, "@local.example"))
		})
	}
}

func TestFollowersCollection(t *testing.T) {
	ts := newTestServer(t, &fakeReceiver{})
	ctx := context.Background()
	ts.createAccount(t, "alice", domain.ActorPerson)
	aliceURI := "https://local.example/users/alice"

	require.NoError(t, ts.db.CreateFollow(ctx, &domain.Follow{ActorURI: "https://a.example/users/bob", TargetURI: aliceURI, URI: "https://a.example/f/1", Accepted: true}))
	require.NoError(t, ts.db.CreateFollow(ctx, &domain.Follow{ActorURI: "https://a.example/users/eve", TargetURI: aliceURI, URI: "https://a.example/f/2"}))

	w := ts.get(t, "/users/alice/followers")
	require.Equal(t, http.StatusOK, w.Code)
	m := decode(t, w)
	assert.Equal(t, "OrderedCollection", m["type"])
	assert.Equal(t, aliceURI+"/followers", m["id"])
	assert.EqualValues(t, 1, m["totalItems"])
	assert.Equal(t, []any{"https://a.example/users/bob"}, m["orderedItems"])

	assert.Equal(t, http.StatusNotFound, ts.get(t, "/users/nobody/followers").Code)
}

func TestInboxStatus(t *testing.T) {
	tests := []struct {
		name   string
		out    activitypub.Outcome
		err    error
		status int
	}{
		{"applied", activitypub.Outcome{State: activitypub.StateApplied}, nil, http.StatusAccepted},
		{"duplicate", activitypub.Outcome{State: activitypub.StateApplied, Duplicate: true}, nil, http.StatusOK},
		{"malformed", activitypub.Outcome{}, &activitypub.ValidationError{Msg: "bad json"}, http.StatusBadRequest},
		{"signature", activitypub.Outcome{}, &activitypub.SignatureError{Kind: activitypub.SigInvalid, Err: errors.New("x")}, http.StatusUnauthorized},
		{"expired", activitypub.Outcome{}, &activitypub.SignatureError{Kind: activitypub.SigExpired, Err: errors.New("x")}, http.StatusUnauthorized},
		{"forbidden", activitypub.Outcome{}, &activitypub.ForbiddenError{Msg: "foreign object"}, http.StatusForbidden},
		{"blocked", activitypub.Outcome{}, &activitypub.ResolveError{Kind: activitypub.Blocked, URI: "https://b.example"}, http.StatusForbidden},
		{"blocked behind forbidden", activitypub.Outcome{}, &activitypub.ForbiddenError{Msg: "signer", Err: &activitypub.ResolveError{Kind: activitypub.Blocked}}, http.StatusForbidden},
		{"unreachable", activitypub.Outcome{}, &activitypub.ResolveError{Kind: activitypub.Unreachable, URI: "https://u.example"}, http.StatusServiceUnavailable},
		{"gone", activitypub.Outcome{}, &activitypub.ResolveError{Kind: activitypub.Gone, URI: "https://g.example"}, http.StatusBadRequest},
		{"storage", activitypub.Outcome{}, &activitypub.PersistError{Op: "apply", Err: errors.New("disk full")}, http.StatusAccepted},
		{"storage half applied", activitypub.Outcome{}, &activitypub.PersistError{Op: "enqueue accept", Err: errors.New("disk full"), Temporary: true}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, InboxStatus(tt.out, tt.err))
		})
	}
}

func TestInboxRouting(t *testing.T) {
	receiver := &fakeReceiver{out: activitypub.Outcome{State: activitypub.StateApplied}}
	ts := newTestServer(t, receiver)
	ts.createAccount(t, "alice", domain.ActorPerson)

	post := func(path, body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		req.Header.Set("Content-Type", activitypub.ContentType)
		ts.router.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusAccepted, post("/inbox", `{"type":"Like"}`).Code)
	assert.Equal(t, `{"type":"Like"}`, string(receiver.body))
	assert.Equal(t, http.StatusAccepted, post("/users/alice/inbox", `{}`).Code)
	assert.Equal(t, http.StatusNotFound, post("/users/nobody/inbox", `{}`).Code)
	assert.Equal(t, http.StatusNotFound, post("/c/alice/inbox", `{}`).Code)
	assert.Equal(t, 2, receiver.calls)

	receiver.err = &activitypub.ResolveError{Kind: activitypub.Unreachable, URI: "https://u.example/users/x"}
	w := post("/inbox", `{}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, retryAfter, w.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusRequestEntityTooLarge, post("/inbox", strings.Repeat("x", maxBodySize+1)).Code)
	assert.Equal(t, 3, receiver.calls)
}

func TestInboxDisabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	conf := testConf()
	conf.Conf.WithAp = false
	router := NewServer(conf, nil, &fakeReceiver{}, nil).Handler()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/inbox", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func newKeyPair(t *testing.T, actorURI string) *domain.KeyPair {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pub, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	return &domain.KeyPair{
		ActorURI:   actorURI,
		KeyId:      actorURI + "#main-key",
		PrivatePem: string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})),
		PublicPem:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pub})),
	}
}

// TestInboxFollow runs a signed follow from a remote instance through the
// whole stack down to sqlite.
func TestInboxFollow(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	iri := domain.IRI{Domain: testDomain}
	clock := util.NewFakeClock(testStart)

	database, err := db.Open(":memory:", iri, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	var bobDoc []byte
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/bob" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", activitypub.ContentType)
		_, _ = w.Write(bobDoc)
	}))
	t.Cleanup(remote.Close)

	bobURI := remote.URL + "/users/bob"
	bobKey := newKeyPair(t, bobURI)
	bobDoc, err = json.Marshal(activitypub.ActorDocument(&domain.Actor{
		URI:            bobURI,
		Type:           domain.ActorPerson,
		Username:       "bob",
		InboxURI:       bobURI + "/inbox",
		SharedInboxURI: remote.URL + "/inbox",
		PublicKeyId:    bobKey.KeyId,
		PublicKeyPem:   bobKey.PublicPem,
	}))
	require.NoError(t, err)

	policy := activitypub.NewPolicy(true, testDomain, nil, nil)
	resolver := activitypub.NewResolver(activitypub.ResolverConfig{CacheTTL: time.Hour, NegativeTTL: time.Minute},
		iri, database, policy, nil, clock, zap.NewNop())
	registry := activitypub.NewDefaultRegistry(iri, clock)
	sender := activitypub.NewSender(database, database, resolver, policy, iri, clock, zap.NewNop())
	receiver := activitypub.NewReceiver(&activitypub.Env{
		Store:    database,
		Resolver: resolver,
		Sender:   sender,
		Registry: registry,
		IRI:      iri,
		Clock:    clock,
	}, policy, time.Hour)
	router := NewServer(testConf(), database, receiver, zap.NewNop()).Handler()

	_, err = database.CreateAccount(ctx, "alice", domain.ActorPerson, "", &util.RsaKeyPair{Public: "pub", Private: "priv"})
	require.NoError(t, err)
	aliceURI := "https://local.example/users/alice"

	body := []byte(fmt.Sprintf(`{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id": "%s/activities/follow/1",
		"type": "Follow",
		"actor": "%s",
		"object": "%s"
	}`, remote.URL, bobURI, aliceURI))

	send := func(sign bool) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "https://local.example/users/alice/inbox", bytes.NewReader(body))
		req.Header.Set("Content-Type", activitypub.ContentType)
		if sign {
			require.NoError(t, activitypub.SignRequest(req, body, bobKey, clock.Now()))
			req.Header.Del("Host")
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	w := send(false)
	assert.Equal(t, http.StatusUnauthorized, w.Code, w.Body.String())

	w = send(true)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	followers, err := database.ReadFollowers(ctx, aliceURI)
	require.NoError(t, err)
	require.Len(t, followers, 1)
	assert.Equal(t, bobURI, followers[0].ActorURI)

	pending, err := database.PendingDeliveries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending, "the accept is queued for bob")

	w = send(true)
	assert.Equal(t, http.StatusOK, w.Code, "redelivery is a duplicate")

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/users/alice/followers", nil))
	require.Equal(t, http.StatusOK, w.Code)
	b, err := io.ReadAll(w.Body)
	require.NoError(t, err)
	assert.Contains(t, string(b), bobURI)
}
