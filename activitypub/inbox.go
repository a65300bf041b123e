package activitypub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/util"
	"go.uber.org/zap"
)

// State is a step of the receive pipeline.
type State int

const (
	StateReceived State = iota
	StateSignatureVerified
	StateDeduplicated
	StateObjectsResolved
	StateDispatched
	StateApplied
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateSignatureVerified:
		return "signature-verified"
	case StateDeduplicated:
		return "deduplicated"
	case StateObjectsResolved:
		return "objects-resolved"
	case StateDispatched:
		return "dispatched"
	case StateApplied:
		return "applied"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Outcome is the result of one delivery to the inbox. State is Applied or
// Rejected; Reached is the last step passed before that.
type Outcome struct {
	State      State
	Reached    State
	ActivityId string
	Kind       domain.ActivityKind
	Actor      string
	Duplicate  bool
}

// Receiver authenticates, deduplicates and applies inbound activities.
type Receiver struct {
	env    *Env
	policy *Policy
	skew   time.Duration
}

// NewReceiver wires a receiver to env. Announced activities found by the
// handlers in env are run through this receiver.
func NewReceiver(env *Env, policy *Policy, skew time.Duration) *Receiver {
	if env.Log == nil {
		env.Log = zap.NewNop()
	}
	if env.Clock == nil {
		env.Clock = util.RealClock{}
	}
	r := &Receiver{env: env, policy: policy, skew: skew}
	env.inner = r.receiveAnnounced
	return r
}

// Receive processes one POST to an inbox. body is the full request body.
// Every error returned is one of the engine's typed errors.
func (r *Receiver) Receive(ctx context.Context, req *http.Request, body []byte) (Outcome, error) {
	out := Outcome{State: StateReceived, Reached: StateReceived}
	reject := func(err error) (Outcome, error) {
		out.State = StateRejected
		r.logRejection(out, err)
		return out, err
	}

	doc, err := ParseDocument(body)
	if err != nil {
		return reject(&ValidationError{Msg: "unparseable activity", Err: err})
	}
	out.ActivityId = doc.Id
	out.Actor = doc.ActorID()
	out.Kind, _ = doc.Kind()

	if doc.Id == "" || doc.Type == "" || doc.ActorID() == "" {
		return reject(invalid("activity without id, type or actor"))
	}
	if _, err := extractDomain(doc.ActorID()); err != nil {
		return reject(err)
	}
	if !sameHost(doc.Id, doc.ActorID()) {
		return reject(forbidden("activity %s is not hosted by its actor %s", doc.Id, doc.ActorID()))
	}
	if err := r.policy.Check(doc.ActorID()); err != nil {
		return reject(&ForbiddenError{Msg: "actor instance not allowed", Err: err})
	}

	signer, err := r.verify(ctx, req, body)
	if err != nil {
		return reject(err)
	}
	if signer.URI != doc.ActorID() {
		return reject(&SignatureError{Kind: SigInvalid, KeyId: signer.PublicKeyId,
			Err: fmt.Errorf("signed by %s on behalf of %s", signer.URI, doc.ActorID())})
	}
	out.Reached = StateSignatureVerified

	fresh, err := r.env.Store.MarkSeen(ctx, doc.Id)
	if err != nil {
		return reject(&PersistError{Op: "mark seen", Err: err})
	}
	out.Reached = StateDeduplicated
	if !fresh {
		out.State = StateApplied
		out.Duplicate = true
		r.env.Log.Debug("Inbox: duplicate", zap.String("id", doc.Id))
		return out, nil
	}

	out.Reached, err = r.process(ctx, doc, signer, 0)
	if err != nil {
		if IsRetryable(err) {
			if ferr := r.env.Store.ForgetSeen(ctx, doc.Id); ferr != nil {
				r.env.Log.Error("Inbox: failed to clear seen mark", zap.String("id", doc.Id), zap.Error(ferr))
			}
		}
		return reject(err)
	}

	out.State = StateApplied
	r.env.Log.Info("Inbox: applied", zap.String("type", doc.Type), zap.String("id", doc.Id), zap.String("actor", signer.URI))
	return out, nil
}

// process runs a deduplicated activity through lookup, validation,
// resolution and its handler. It returns the last state reached.
func (r *Receiver) process(ctx context.Context, doc *Document, actor *domain.Actor, depth int) (State, error) {
	spec, err := r.env.Registry.lookupType(doc.Type)
	if err != nil {
		return StateDeduplicated, err
	}
	if spec.Validate != nil {
		if err := spec.Validate(doc); err != nil {
			return StateDeduplicated, err
		}
	}

	resolved := make(map[Ref]*domain.Entity, len(spec.Requires))
	for _, req := range spec.Requires {
		id := req.Ref.of(doc)
		if id == "" {
			if req.Optional {
				continue
			}
			return StateDeduplicated, invalid("%s without %s", doc.Type, req.Ref)
		}
		entity, err := r.env.Resolver.Resolve(ctx, id, req.Expect...)
		if err != nil {
			if req.Optional {
				r.env.Log.Debug("Inbox: skipping optional reference", zap.String("ref", req.Ref.String()), zap.Error(err))
				continue
			}
			return StateDeduplicated, err
		}
		resolved[req.Ref] = entity
	}

	in := &Incoming{Doc: doc, Kind: spec.Kind, Actor: actor, Resolved: resolved, Depth: depth}
	if err := spec.Handle(ctx, r.env, in); err != nil {
		return StateObjectsResolved, err
	}
	return StateDispatched, nil
}

// receiveAnnounced handles an activity embedded in an Announce. One the
// announcer does not share a host with is refetched from its origin.
func (r *Receiver) receiveAnnounced(ctx context.Context, inner *Document, announcer *domain.Actor, depth int) error {
	if inner.Id == "" || inner.ActorID() == "" {
		return invalid("announced %s without id or actor", inner.Type)
	}

	doc := inner
	if !sameHost(inner.ActorID(), announcer.URI) {
		fetched, err := r.env.Resolver.FetchDocument(ctx, inner.Id)
		if err != nil {
			return err
		}
		if fetched.Id != inner.Id || fetched.Type != inner.Type || fetched.ActorID() != inner.ActorID() {
			return forbidden("announced %s does not match its origin copy", inner.Id)
		}
		doc = fetched
	}
	if !sameHost(doc.Id, doc.ActorID()) {
		return forbidden("announced %s is not hosted by its actor %s", doc.Id, doc.ActorID())
	}
	if err := r.policy.Check(doc.ActorID()); err != nil {
		return &ForbiddenError{Msg: "announced actor instance not allowed", Err: err}
	}

	actor, err := r.env.Resolver.ResolveActor(ctx, doc.ActorID())
	if err != nil {
		return err
	}

	fresh, err := r.env.Store.MarkSeen(ctx, doc.Id)
	if err != nil {
		return &PersistError{Op: "mark seen", Err: err}
	}
	if !fresh {
		r.env.Log.Debug("Inbox: duplicate announced activity", zap.String("id", doc.Id))
		return nil
	}

	if _, err := r.process(ctx, doc, actor, depth); err != nil {
		if IsRetryable(err) {
			if ferr := r.env.Store.ForgetSeen(ctx, doc.Id); ferr != nil {
				r.env.Log.Error("Inbox: failed to clear seen mark", zap.String("id", doc.Id), zap.Error(ferr))
			}
		}
		return err
	}
	r.env.Log.Info("Inbox: applied announced", zap.String("type", doc.Type), zap.String("id", doc.Id), zap.String("announcer", announcer.URI))
	return nil
}

// verify authenticates the request and returns the signing actor. A key
// that fails to verify is refetched once in case it was rotated.
func (r *Receiver) verify(ctx context.Context, req *http.Request, body []byte) (*domain.Actor, error) {
	now := r.env.Clock.Now()
	keyId, err := checkEnvelope(req, body, now, r.skew)
	if err != nil {
		return nil, err
	}
	owner := KeyOwner(keyId)

	actor, err := r.signer(ctx, owner, keyId, false)
	if err != nil {
		return nil, err
	}
	_, err = VerifyRequest(req, body, actor.PublicKeyPem, now, r.skew)
	if err == nil {
		return actor, nil
	}

	var sigErr *SignatureError
	if !errors.As(err, &sigErr) || sigErr.Kind != SigInvalid || r.env.IRI.IsLocal(owner) {
		return nil, err
	}
	refreshed, rerr := r.signer(ctx, owner, keyId, true)
	if rerr != nil {
		return nil, err
	}
	if _, err := VerifyRequest(req, body, refreshed.PublicKeyPem, now, r.skew); err != nil {
		return nil, err
	}
	return refreshed, nil
}

// signer resolves the owner of keyId, mapping resolution failures onto
// authentication failures.
func (r *Receiver) signer(ctx context.Context, owner, keyId string, refresh bool) (*domain.Actor, error) {
	var (
		entity *domain.Entity
		err    error
	)
	if refresh {
		entity, err = r.env.Resolver.Refresh(ctx, owner, actorKinds...)
	} else {
		entity, err = r.env.Resolver.Resolve(ctx, owner, actorKinds...)
	}
	if err != nil {
		var resolveErr *ResolveError
		if errors.As(err, &resolveErr) {
			switch resolveErr.Kind {
			case Blocked:
				return nil, &ForbiddenError{Msg: "signer instance not allowed", Err: err}
			case Unreachable:
				return nil, err
			}
		}
		return nil, &SignatureError{Kind: SigInvalid, KeyId: keyId, Err: fmt.Errorf("signer unavailable: %w", err)}
	}

	actor := entity.Actor
	if actor.PublicKeyId != "" && actor.PublicKeyId != keyId {
		return nil, &SignatureError{Kind: SigInvalid, KeyId: keyId, Err: fmt.Errorf("%s publishes key %s", actor.URI, actor.PublicKeyId)}
	}
	return actor, nil
}

func (r *Receiver) logRejection(out Outcome, err error) {
	fields := []zap.Field{
		zap.String("id", out.ActivityId),
		zap.String("actor", out.Actor),
		zap.Stringer("reached", out.Reached),
		zap.Error(err),
	}
	switch Classify(err) {
	case PersistenceFailure:
		r.env.Log.Error("Inbox: storage failure", fields...)
	case AuthenticityFailure:
		r.env.Log.Warn("Inbox: authentication failed", fields...)
	default:
		if IsRetryable(err) {
			r.env.Log.Info("Inbox: deferred", fields...)
			return
		}
		r.env.Log.Info("Inbox: rejected", fields...)
	}
}
