package activitypub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/util"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// documents larger than this are refused
const maxDocumentSize = 1 << 20

type ResolverConfig struct {
	CacheTTL     time.Duration
	NegativeTTL  time.Duration
	CacheSize    int
	FetchTimeout time.Duration
	// InstanceActor is the local actor whose key signs fetches. Fetches are
	// unsigned when it is empty or has no key.
	InstanceActor string
	// WebfingerScheme is the scheme discovery requests use, "https" by default.
	WebfingerScheme string
}

type cacheEntry struct {
	entity *domain.Entity
	at     time.Time
}

// Resolver turns identifiers into verified actors and objects. Results are
// cached for CacheTTL, permanent failures for NegativeTTL. Concurrent
// resolutions of one id share a single fetch.
type Resolver struct {
	iri      domain.IRI
	store    Store
	policy   *Policy
	client   *http.Client
	clock    util.Clock
	log      *zap.Logger
	cfg      ResolverConfig
	positive *expirable.LRU[string, cacheEntry]
	negative *expirable.LRU[string, time.Time]
	group    singleflight.Group
}

func NewResolver(cfg ResolverConfig, iri domain.IRI, store Store, policy *Policy, client *http.Client, clock util.Clock, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if client == nil {
		client = &http.Client{}
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	if cfg.CacheSize < 1 {
		cfg.CacheSize = 1000
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	if cfg.WebfingerScheme == "" {
		cfg.WebfingerScheme = "https"
	}

	// The LRU's own expiry runs on wall time and only bounds memory;
	// freshness is judged against the injected clock.
	return &Resolver{
		iri:      iri,
		store:    store,
		policy:   policy,
		client:   client,
		clock:    clock,
		log:      logger,
		cfg:      cfg,
		positive: expirable.NewLRU[string, cacheEntry](cfg.CacheSize, nil, cfg.CacheTTL),
		negative: expirable.NewLRU[string, time.Time](cfg.CacheSize, nil, cfg.NegativeTTL),
	}
}

// Resolve returns the entity id names. With expect given, an entity of any
// other kind is a ValidationError.
func (r *Resolver) Resolve(ctx context.Context, id string, expect ...domain.EntityKind) (*domain.Entity, error) {
	if _, err := extractDomain(id); err != nil {
		return nil, err
	}

	entity, err := r.resolve(ctx, id, expect)
	if err != nil {
		return nil, err
	}
	if !accepts(expect, entity.Kind()) {
		return nil, kindMismatch(id, entity.Kind(), expect)
	}
	return entity, nil
}

// ResolveActor resolves a person or community.
func (r *Resolver) ResolveActor(ctx context.Context, id string) (*domain.Actor, error) {
	entity, err := r.Resolve(ctx, id, domain.EntityPerson, domain.EntityCommunity)
	if err != nil {
		return nil, err
	}
	return entity.Actor, nil
}

func kindMismatch(id string, kind domain.EntityKind, expect []domain.EntityKind) error {
	return invalid("%s is a %s, expected one of %v", id, kind, expect)
}

func accepts(expect []domain.EntityKind, kind domain.EntityKind) bool {
	if len(expect) == 0 {
		return true
	}
	for _, k := range expect {
		if k == kind {
			return true
		}
	}
	return false
}

func (r *Resolver) cached(id string) (*domain.Entity, bool) {
	if c, ok := r.positive.Get(id); ok && r.clock.Now().Sub(c.at) < r.cfg.CacheTTL {
		return c.entity, true
	}
	return nil, false
}

func (r *Resolver) resolve(ctx context.Context, id string, expect []domain.EntityKind) (*domain.Entity, error) {
	now := r.clock.Now()

	if entity, ok := r.cached(id); ok {
		return entity, nil
	}
	if at, ok := r.negative.Get(id); ok && now.Sub(at) < r.cfg.NegativeTTL {
		return nil, &ResolveError{Kind: KnownUnavailable, URI: id}
	}

	if r.iri.IsLocal(id) {
		return r.resolveLocal(ctx, id)
	}

	if err := r.policy.Check(id); err != nil {
		return nil, &ResolveError{Kind: Blocked, URI: id, Err: err}
	}

	// a persisted actor that is still fresh saves the round trip
	if actor, err := r.store.LoadRemoteActor(ctx, id); err == nil && now.Sub(actor.LastFetchedAt) < r.cfg.CacheTTL {
		entity := &domain.Entity{Actor: actor}
		r.positive.Add(id, cacheEntry{entity: entity, at: actor.LastFetchedAt})
		return entity, nil
	}

	return r.shared(ctx, id, expect)
}

// shared runs one fetch per id and expected kinds however many callers wait
// on it. The fetch has its own context so one caller giving up does not fail
// the others.
func (r *Resolver) shared(ctx context.Context, id string, expect []domain.EntityKind) (*domain.Entity, error) {
	key := id
	if len(expect) > 0 {
		key += " " + fmt.Sprint(expect)
	}
	ch := r.group.DoChan(key, func() (any, error) {
		// a flight that ended after our cache miss may have stored it
		if entity, ok := r.cached(id); ok {
			return entity, nil
		}
		fctx, cancel := context.WithTimeout(context.Background(), r.cfg.FetchTimeout)
		defer cancel()
		return r.fetch(fctx, id, expect)
	})

	select {
	case <-ctx.Done():
		return nil, &ResolveError{Kind: Unreachable, URI: id, Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*domain.Entity), nil
	}
}

func (r *Resolver) resolveLocal(ctx context.Context, id string) (*domain.Entity, error) {
	entity, err := r.store.LoadLocalEntity(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, &ResolveError{Kind: Gone, URI: id, Err: err}
	}
	if err != nil {
		return nil, &ResolveError{Kind: Unreachable, URI: id, Err: err}
	}
	if entity.Object != nil && entity.Object.Tombstone {
		return nil, &ResolveError{Kind: Gone, URI: id, Err: errors.New("deleted")}
	}
	return entity, nil
}

// fetch retrieves id and caches it once its kind is one of expect.
func (r *Resolver) fetch(ctx context.Context, id string, expect []domain.EntityKind) (*domain.Entity, error) {
	doc, err := r.fetchDocument(ctx, id)
	if err != nil {
		var resolveErr *ResolveError
		if errors.As(err, &resolveErr) && resolveErr.Kind == Gone {
			r.MarkGone(id)
		}
		return nil, err
	}

	if doc.Type == "Tombstone" {
		r.MarkGone(id)
		return nil, &ResolveError{Kind: Gone, URI: id, Err: errors.New("tombstone")}
	}

	now := r.clock.Now()
	entity, err := entityFromDocument(doc, now)
	if err != nil {
		return nil, err
	}
	if !accepts(expect, entity.Kind()) {
		return nil, kindMismatch(id, entity.Kind(), expect)
	}

	r.positive.Add(id, cacheEntry{entity: entity, at: now})
	if entity.URI() != id {
		r.positive.Add(entity.URI(), cacheEntry{entity: entity, at: now})
	}

	if entity.Actor != nil {
		if err := r.store.SaveRemoteActor(ctx, entity.Actor); err != nil {
			r.log.Warn("Resolver: failed to persist actor", zap.String("actor", entity.Actor.URI), zap.Error(err))
		}
	}

	r.log.Debug("Resolver: fetched", zap.String("id", id), zap.Stringer("kind", entity.Kind()))
	return entity, nil
}

// FetchDocument performs a signed GET of id and returns the document as
// served, bypassing the caches. The instance policy applies.
func (r *Resolver) FetchDocument(ctx context.Context, id string) (*Document, error) {
	if err := r.policy.Check(id); err != nil {
		return nil, &ResolveError{Kind: Blocked, URI: id, Err: err}
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
	defer cancel()
	return r.fetchDocument(ctx, id)
}

func (r *Resolver) fetchDocument(ctx context.Context, id string) (*Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, id, nil)
	if err != nil {
		return nil, &ValidationError{Msg: "invalid id " + id, Err: err}
	}
	req.Header.Set("Accept", ContentType+", "+LDContentType)
	req.Header.Set("User-Agent", util.UserAgent())

	if key := r.instanceKey(ctx); key != nil {
		if err := SignRequest(req, nil, key, r.clock.Now()); err != nil {
			r.log.Warn("Resolver: failed to sign fetch", zap.String("id", id), zap.Error(err))
		}
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, &ResolveError{Kind: Unreachable, URI: id, Err: &TransportError{URL: id, Err: err}}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &ResolveError{Kind: Unreachable, URI: id, Err: &TransportError{URL: id, Status: resp.StatusCode}}
	default:
		// 404, 410 and every other refusal is permanent
		return nil, &ResolveError{Kind: Gone, URI: id, Err: &TransportError{URL: id, Status: resp.StatusCode}}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize+1))
	if err != nil {
		return nil, &ResolveError{Kind: Unreachable, URI: id, Err: &TransportError{URL: id, Err: err}}
	}
	if len(body) > maxDocumentSize {
		return nil, invalid("document %s exceeds %d bytes", id, maxDocumentSize)
	}

	doc, err := ParseDocument(body)
	if err != nil {
		return nil, &ValidationError{Msg: fmt.Sprintf("unparseable document at %s", id), Err: err}
	}
	if doc.Id == "" {
		return nil, invalid("document at %s has no id", id)
	}
	if !sameHost(doc.Id, id) {
		return nil, invalid("document at %s claims foreign id %s", id, doc.Id)
	}
	return doc, nil
}

func (r *Resolver) instanceKey(ctx context.Context) *domain.KeyPair {
	if r.cfg.InstanceActor == "" {
		return nil
	}
	key, err := r.store.LocalKeyPair(ctx, r.cfg.InstanceActor)
	if err != nil {
		r.log.Debug("Resolver: no instance key, fetching unsigned", zap.Error(err))
		return nil
	}
	return key
}

// Refresh refetches id, skipping the caches and the persisted copy.
func (r *Resolver) Refresh(ctx context.Context, id string, expect ...domain.EntityKind) (*domain.Entity, error) {
	if _, err := extractDomain(id); err != nil {
		return nil, err
	}
	r.Invalidate(id)
	if r.iri.IsLocal(id) {
		return r.resolveLocal(ctx, id)
	}
	if err := r.policy.Check(id); err != nil {
		return nil, &ResolveError{Kind: Blocked, URI: id, Err: err}
	}
	entity, err := r.shared(ctx, id, expect)
	if err != nil {
		return nil, err
	}
	if !accepts(expect, entity.Kind()) {
		return nil, kindMismatch(id, entity.Kind(), expect)
	}
	return entity, nil
}

// Invalidate drops every cached result for id.
func (r *Resolver) Invalidate(id string) {
	r.positive.Remove(id)
	r.negative.Remove(id)
}

// MarkGone records id as permanently unavailable for NegativeTTL.
func (r *Resolver) MarkGone(id string) {
	r.positive.Remove(id)
	r.negative.Add(id, r.clock.Now())
}
