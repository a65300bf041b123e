package activitypub

import (
	"context"
	"errors"
	"fmt"

	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/util"
	"go.uber.org/zap"
)

// announced activities nest at most this deep
const maxAnnounceDepth = 1

// Broadcaster queues an activity for delivery.
type Broadcaster interface {
	Broadcast(ctx context.Context, doc *Document, recipients []domain.Recipient) error
}

// Env is what handlers work with.
type Env struct {
	Store    Store
	Resolver *Resolver
	Sender   Broadcaster
	Registry *Registry
	IRI      domain.IRI
	Clock    util.Clock
	Log      *zap.Logger

	// inner runs an announced activity through the receive pipeline.
	inner func(ctx context.Context, doc *Document, announcer *domain.Actor, depth int) error
}

func (env *Env) apply(ctx context.Context, kind domain.ActivityKind, e *domain.SideEffect) error {
	if err := env.Store.ApplySideEffect(ctx, kind, e); err != nil {
		return &PersistError{Op: "apply " + string(kind), Err: err}
	}
	return nil
}

var (
	actorKinds  = []domain.EntityKind{domain.EntityPerson, domain.EntityCommunity}
	objectKinds = []domain.EntityKind{domain.EntityPost, domain.EntityComment}
)

func defaultSpecs() []KindSpec {
	return []KindSpec{
		{Kind: domain.KindCreate, Validate: requireEmbedded, Handle: handleCreate},
		{Kind: domain.KindUpdate, Validate: requireEmbedded, Handle: handleUpdate},
		{Kind: domain.KindDelete, Validate: requireObject, Handle: handleDelete},
		{Kind: domain.KindUndo, Validate: validateUndo, Handle: handleUndo},
		{
			Kind:     domain.KindFollow,
			Validate: requireObject,
			Requires: []Requirement{{Ref: RefObject, Expect: actorKinds}},
			Handle:   handleFollow,
		},
		{Kind: domain.KindAccept, Validate: requireObject, Handle: handleFollowResponse},
		{Kind: domain.KindReject, Validate: requireObject, Handle: handleFollowResponse},
		{
			Kind:     domain.KindLike,
			Validate: requireObject,
			Requires: []Requirement{{Ref: RefObject, Expect: objectKinds}},
			Handle:   handleVote,
		},
		{
			Kind:     domain.KindDislike,
			Validate: requireObject,
			Requires: []Requirement{{Ref: RefObject, Expect: objectKinds}},
			Handle:   handleVote,
		},
		{Kind: domain.KindAnnounce, Validate: requireObject, Handle: handleAnnounce},
	}
}

func requireObject(doc *Document) error {
	if doc.ObjectID() == "" {
		return invalid("%s without object", doc.Type)
	}
	return nil
}

func requireEmbedded(doc *Document) error {
	if err := requireObject(doc); err != nil {
		return err
	}
	obj := doc.Object.Embedded()
	if obj == nil {
		return invalid("%s requires an embedded object", doc.Type)
	}
	if obj.Type == "" {
		return invalid("%s object %s has no type", doc.Type, obj.Id)
	}
	return nil
}

func validateUndo(doc *Document) error {
	if err := requireEmbedded(doc); err != nil {
		return err
	}
	switch doc.Object.Embedded().Type {
	case string(domain.KindFollow), string(domain.KindLike), string(domain.KindDislike), string(domain.KindAnnounce):
		return nil
	default:
		return invalid("cannot undo %q", doc.Object.Embedded().Type)
	}
}

func forbidden(format string, args ...any) *ForbiddenError {
	return &ForbiddenError{Msg: fmt.Sprintf(format, args...)}
}

// embeddedEntity converts an embedded post, comment or actor, which must live
// on the activity actor's host.
func embeddedEntity(env *Env, in *Incoming) (*domain.Entity, error) {
	obj := in.Doc.Object.Embedded()
	if !sameHost(obj.Id, in.Actor.URI) {
		return nil, forbidden("%s cannot %s %s", in.Actor.URI, in.Kind, obj.Id)
	}
	return entityFromDocument(obj, env.Clock.Now())
}

func handleCreate(ctx context.Context, env *Env, in *Incoming) error {
	entity, err := embeddedEntity(env, in)
	if err != nil {
		return err
	}
	if entity.Object == nil {
		return invalid("Create of a %s", entity.Kind())
	}
	if author := entity.Object.AttributedTo; author != "" && author != in.Actor.URI {
		return forbidden("%s cannot create on behalf of %s", in.Actor.URI, author)
	}

	e := in.effect()
	e.ObjectURI = entity.URI()
	e.Object = entity
	return env.apply(ctx, in.Kind, e)
}

func handleUpdate(ctx context.Context, env *Env, in *Incoming) error {
	obj := in.Doc.Object.Embedded()
	e := in.effect()
	e.ObjectURI = obj.Id

	if domain.EntityKindForType(obj.Type).IsActor() {
		if obj.Id != in.Actor.URI {
			return forbidden("%s cannot update actor %s", in.Actor.URI, obj.Id)
		}
		entity, err := env.Resolver.Refresh(ctx, obj.Id, actorKinds...)
		if err != nil {
			return err
		}
		e.Object = entity
		return env.apply(ctx, in.Kind, e)
	}

	entity, err := embeddedEntity(env, in)
	if err != nil {
		return err
	}
	env.Resolver.Invalidate(entity.URI())
	e.Object = entity
	return env.apply(ctx, in.Kind, e)
}

func handleDelete(ctx context.Context, env *Env, in *Incoming) error {
	e := in.effect()
	if e.ObjectURI == in.Actor.URI {
		env.Resolver.MarkGone(e.ObjectURI)
		return env.apply(ctx, in.Kind, e)
	}
	if !sameHost(e.ObjectURI, in.Actor.URI) {
		return forbidden("%s cannot delete %s", in.Actor.URI, e.ObjectURI)
	}
	env.Resolver.MarkGone(e.ObjectURI)
	return env.apply(ctx, in.Kind, e)
}

func handleUndo(ctx context.Context, env *Env, in *Incoming) error {
	inner := in.Doc.Object.Embedded()
	if actor := inner.ActorID(); actor != "" && actor != in.Actor.URI {
		return forbidden("%s cannot undo an activity of %s", in.Actor.URI, actor)
	}
	innerKind, _ := inner.Kind()

	e := in.effect()
	e.InnerKind = innerKind
	e.InnerURI = inner.Id
	e.ObjectURI = inner.ObjectID()
	return env.apply(ctx, in.Kind, e)
}

func handleFollow(ctx context.Context, env *Env, in *Incoming) error {
	target := in.Resolved[RefObject].Actor
	if !target.Local {
		return invalid("follow of %s which is not on this instance", target.URI)
	}

	e := in.effect()
	e.ObjectURI = target.URI
	if err := env.apply(ctx, in.Kind, e); err != nil {
		return err
	}

	// follows are accepted right away
	follow := *in.Doc
	follow.Context = nil
	follow.raw = nil
	accept, err := env.Registry.Build(domain.KindAccept, target.URI, &follow, BuildOptions{To: []string{in.Actor.URI}})
	if err != nil {
		return err
	}
	if err := env.Sender.Broadcast(ctx, accept, []domain.Recipient{in.Actor.Recipient()}); err != nil {
		// the follow is stored already and storing it again is harmless
		var persistErr *PersistError
		if errors.As(err, &persistErr) {
			return &PersistError{Op: "enqueue accept", Err: err, Temporary: true}
		}
		return err
	}
	env.Log.Info("Inbox: accepted follow", zap.String("follower", in.Actor.URI), zap.String("target", target.URI))
	return nil
}

// handleFollowResponse applies an Accept or Reject of a follow sent from
// this instance.
func handleFollowResponse(ctx context.Context, env *Env, in *Incoming) error {
	e := in.effect()
	e.InnerURI = in.Doc.ObjectID()

	if follow := in.Doc.Object.Embedded(); follow != nil {
		if follow.Type != string(domain.KindFollow) {
			return invalid("%s of a %q", in.Kind, follow.Type)
		}
		if target := follow.ObjectID(); target != "" && target != in.Actor.URI {
			return forbidden("%s cannot %s a follow of %s", in.Actor.URI, in.Kind, target)
		}
		follower := follow.ActorID()
		if !env.IRI.IsLocal(follower) {
			return invalid("%s of a follow by %s which is not on this instance", in.Kind, follower)
		}
		e.TargetURI = follower
	} else if !env.IRI.IsLocal(e.InnerURI) {
		return invalid("%s of %s which was not sent from this instance", in.Kind, e.InnerURI)
	}
	return env.apply(ctx, in.Kind, e)
}

func handleVote(ctx context.Context, env *Env, in *Incoming) error {
	e := in.effect()
	e.ObjectURI = in.Resolved[RefObject].URI()
	return env.apply(ctx, in.Kind, e)
}

// handleAnnounce records a boost of a post or comment, or runs an announced
// activity as if it had been delivered directly.
func handleAnnounce(ctx context.Context, env *Env, in *Incoming) error {
	if inner := in.Doc.Object.Embedded(); inner != nil && inner.IsActivity() {
		if in.Depth >= maxAnnounceDepth {
			return invalid("announce nested deeper than %d", maxAnnounceDepth)
		}
		if env.inner == nil {
			return invalid("announced activities are not accepted here")
		}
		return env.inner(ctx, inner, in.Actor, in.Depth+1)
	}

	entity, err := env.Resolver.Resolve(ctx, in.Doc.ObjectID(), objectKinds...)
	if err != nil {
		return err
	}
	e := in.effect()
	e.ObjectURI = entity.URI()
	e.Object = entity
	return env.apply(ctx, in.Kind, e)
}
