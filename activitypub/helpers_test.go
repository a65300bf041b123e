package activitypub

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/util"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const localDomain = "local.example"

var testStart = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// newTestKey generates a key pair for actorURI.
func newTestKey(t *testing.T, actorURI string) *domain.KeyPair {
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

type appliedEffect struct {
	kind   domain.ActivityKind
	effect *domain.SideEffect
}

// memStore is an in-memory Store.
type memStore struct {
	mu        sync.Mutex
	local     map[string]*domain.Entity
	keys      map[string]*domain.KeyPair
	seen      map[string]bool
	remote    map[string]*domain.Actor
	followers map[string][]domain.Recipient
	applied   []appliedEffect
	applyErr  error
}

func newMemStore() *memStore {
	return &memStore{
		local:     make(map[string]*domain.Entity),
		keys:      make(map[string]*domain.KeyPair),
		seen:      make(map[string]bool),
		remote:    make(map[string]*domain.Actor),
		followers: make(map[string][]domain.Recipient),
	}
}

// addLocalActor registers a local person with a fresh key.
func (s *memStore) addLocalActor(t *testing.T, username string) (*domain.Actor, *domain.KeyPair) {
	t.Helper()
	iri := domain.IRI{Domain: localDomain}
	acc := &domain.Account{Username: username, Type: domain.ActorPerson}
	uri := iri.Actor(acc)
	key := newTestKey(t, uri)
	actor := &domain.Actor{
		URI:            uri,
		Kind:           domain.EntityPerson,
		Type:           domain.ActorPerson,
		Username:       username,
		Domain:         localDomain,
		InboxURI:       iri.Inbox(acc),
		SharedInboxURI: iri.SharedInbox(),
		PublicKeyId:    key.KeyId,
		PublicKeyPem:   key.PublicPem,
		Local:          true,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.local[uri] = &domain.Entity{Actor: actor}
	s.keys[uri] = key
	return actor, key
}

func (s *memStore) addLocalObject(obj *domain.RemoteObject) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj.Local = true
	s.local[obj.URI] = &domain.Entity{Object: obj}
}

func (s *memStore) LoadLocalEntity(ctx context.Context, uri string) (*domain.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.local[uri]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return e, nil
}

func (s *memStore) ApplySideEffect(ctx context.Context, kind domain.ActivityKind, effect *domain.SideEffect) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applyErr != nil {
		return s.applyErr
	}
	s.applied = append(s.applied, appliedEffect{kind: kind, effect: effect})
	return nil
}

func (s *memStore) effects() []appliedEffect {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]appliedEffect(nil), s.applied...)
}

func (s *memStore) RecordSeen(ctx context.Context, activityURI string) error {
	_, err := s.MarkSeen(ctx, activityURI)
	return err
}

func (s *memStore) HasSeen(ctx context.Context, activityURI string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen[activityURI], nil
}

func (s *memStore) MarkSeen(ctx context.Context, activityURI string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen[activityURI] {
		return false, nil
	}
	s.seen[activityURI] = true
	return true, nil
}

func (s *memStore) ForgetSeen(ctx context.Context, activityURI string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seen, activityURI)
	return nil
}

func (s *memStore) LocalKeyPair(ctx context.Context, actorURI string) (*domain.KeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[actorURI]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return key, nil
}

func (s *memStore) SaveRemoteActor(ctx context.Context, actor *domain.Actor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *actor
	s.remote[actor.URI] = &cp
	return nil
}

func (s *memStore) LoadRemoteActor(ctx context.Context, uri string) (*domain.Actor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.remote[uri]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *memStore) FollowerRecipients(ctx context.Context, actorURI string) ([]domain.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.followers[actorURI], nil
}

type deadLetter struct {
	task   domain.DeliveryTask
	reason string
}

// memQueue is an in-memory Queue without per-inbox ordering.
type memQueue struct {
	mu         sync.Mutex
	tasks      map[uuid.UUID]*domain.DeliveryTask
	order      []uuid.UUID
	completed  []domain.DeliveryTask
	dead       []deadLetter
	enqueueErr error
}

func newMemQueue() *memQueue {
	return &memQueue{tasks: make(map[uuid.UUID]*domain.DeliveryTask)}
}

func (q *memQueue) Enqueue(ctx context.Context, tasks []*domain.DeliveryTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	for _, t := range tasks {
		t.Id = uuid.New()
		cp := *t
		q.tasks[t.Id] = &cp
		q.order = append(q.order, t.Id)
	}
	return nil
}

func (q *memQueue) Claim(ctx context.Context, owner string, now time.Time, lease time.Duration, limit int) ([]*domain.DeliveryTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*domain.DeliveryTask
	for _, id := range q.order {
		t, ok := q.tasks[id]
		if !ok || t.NextRetryAt.After(now) || (t.LockedUntil != nil && t.LockedUntil.After(now)) {
			continue
		}
		until := now.Add(lease)
		t.LockedBy = owner
		t.LockedUntil = &until
		cp := *t
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (q *memQueue) Complete(ctx context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return domain.ErrNotFound
	}
	q.completed = append(q.completed, *t)
	delete(q.tasks, id)
	return nil
}

func (q *memQueue) Reschedule(ctx context.Context, id uuid.UUID, attempts int, next time.Time, lastErr string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return domain.ErrNotFound
	}
	t.Attempts = attempts
	t.NextRetryAt = next
	t.LastError = lastErr
	t.LockedBy = ""
	t.LockedUntil = nil
	return nil
}

func (q *memQueue) DeadLetter(ctx context.Context, task *domain.DeliveryTask, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.tasks[task.Id]; !ok {
		return domain.ErrNotFound
	}
	q.dead = append(q.dead, deadLetter{task: *task, reason: reason})
	delete(q.tasks, task.Id)
	return nil
}

func (q *memQueue) pending() []domain.DeliveryTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []domain.DeliveryTask
	for _, id := range q.order {
		if t, ok := q.tasks[id]; ok {
			out = append(out, *t)
		}
	}
	return out
}

// peer is a fake remote instance.
type peer struct {
	*httptest.Server
	t *testing.T

	mu       sync.Mutex
	docs     map[string][]byte
	statuses map[string]int
	gets     map[string]int
	// gate, when set, holds every GET until it is closed
	gate        chan struct{}
	inboxStatus int
	inboxDelay  time.Duration
	lastGet     http.Header
	received    []*http.Request
	bodies      [][]byte
	keys        map[string]*domain.KeyPair
}

func newPeer(t *testing.T) *peer {
	t.Helper()
	p := &peer{
		t:           t,
		docs:        make(map[string][]byte),
		statuses:    make(map[string]int),
		gets:        make(map[string]int),
		inboxStatus: http.StatusAccepted,
		keys:        make(map[string]*domain.KeyPair),
	}
	p.Server = httptest.NewServer(http.HandlerFunc(p.handle))
	t.Cleanup(p.Close)
	return p
}

func (p *peer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		body, _ := io.ReadAll(r.Body)
		p.mu.Lock()
		p.received = append(p.received, r.Clone(context.Background()))
		p.bodies = append(p.bodies, body)
		status, delay := p.inboxStatus, p.inboxDelay
		p.mu.Unlock()
		time.Sleep(delay)
		w.WriteHeader(status)
		return
	}

	path := r.URL.Path
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	p.mu.Lock()
	p.gets[path]++
	p.lastGet = r.Header.Clone()
	gate := p.gate
	doc, ok := p.docs[path]
	status, hasStatus := p.statuses[path]
	p.mu.Unlock()

	if gate != nil {
		<-gate
	}
	switch {
	case hasStatus:
		w.WriteHeader(status)
	case ok:
		w.Header().Set("Content-Type", ContentType)
		_, _ = w.Write(doc)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (p *peer) url(path string) string {
	return p.URL + path
}

func (p *peer) host() string {
	return strings.TrimPrefix(p.URL, "http://")
}

func (p *peer) serve(path string, doc any) {
	p.t.Helper()
	b, err := json.Marshal(doc)
	require.NoError(p.t, err)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.docs[path] = b
}

func (p *peer) setStatus(path string, status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses[path] = status
}

func (p *peer) getCount(path string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gets[path]
}

func (p *peer) posts() ([]*http.Request, [][]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*http.Request(nil), p.received...), append([][]byte(nil), p.bodies...)
}

// addActor publishes a person at /users/<name> with its own inbox and the
// peer's shared inbox.
func (p *peer) addActor(name string) (*domain.Actor, *domain.KeyPair) {
	p.t.Helper()
	uri := p.url("/users/" + name)
	key := newTestKey(p.t, uri)
	actor := &domain.Actor{
		URI:            uri,
		Kind:           domain.EntityPerson,
		Type:           domain.ActorPerson,
		Username:       name,
		DisplayName:    strings.ToUpper(name[:1]) + name[1:],
		InboxURI:       uri + "/inbox",
		OutboxURI:      uri + "/outbox",
		FollowersURI:   uri + "/followers",
		SharedInboxURI: p.url("/inbox"),
		PublicKeyId:    key.KeyId,
		PublicKeyPem:   key.PublicPem,
	}
	p.serve("/users/"+name, ActorDocument(actor))
	p.mu.Lock()
	p.keys[uri] = key
	p.mu.Unlock()
	return actor, key
}

// fixture wires the engine against memStore and memQueue.
type fixture struct {
	clock    *util.FakeClock
	store    *memStore
	queue    *memQueue
	policy   *Policy
	resolver *Resolver
	registry *Registry
	sender   *Sender
	receiver *Receiver
	env      *Env
	iri      domain.IRI
}

func newFixture(t *testing.T, blocked ...string) *fixture {
	t.Helper()
	f := &fixture{
		clock: util.NewFakeClock(testStart),
		store: newMemStore(),
		queue: newMemQueue(),
		iri:   domain.IRI{Domain: localDomain},
	}
	f.policy = NewPolicy(true, localDomain, nil, blocked)
	f.resolver = NewResolver(ResolverConfig{
		CacheTTL:        time.Hour,
		NegativeTTL:     10 * time.Minute,
		CacheSize:       100,
		FetchTimeout:    5 * time.Second,
		WebfingerScheme: "http",
	}, f.iri, f.store, f.policy, nil, f.clock, zap.NewNop())
	f.registry = NewDefaultRegistry(f.iri, f.clock)
	f.sender = NewSender(f.queue, f.store, f.resolver, f.policy, f.iri, f.clock, zap.NewNop())
	f.env = &Env{
		Store:    f.store,
		Resolver: f.resolver,
		Sender:   f.sender,
		Registry: f.registry,
		IRI:      f.iri,
		Clock:    f.clock,
		Log:      zap.NewNop(),
	}
	f.receiver = NewReceiver(f.env, f.policy, time.Hour)
	return f
}

// activity builds an activity document from a JSON template.
func activity(t *testing.T, format string, args ...any) []byte {
	t.Helper()
	body := []byte(fmt.Sprintf(format, args...))
	require.True(t, json.Valid(body), "invalid test json: %s", body)
	return body
}

// signedPost builds an inbox request signed with key at now.
func signedPost(t *testing.T, key *domain.KeyPair, body []byte, now time.Time) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "https://"+localDomain+"/inbox", bytes.NewReader(body))
	req.Header.Set("Content-Type", ContentType)
	require.NoError(t, SignRequest(req, body, key, now))
	// a server sees Host only in req.Host
	req.Header.Del("Host")
	return req
}
