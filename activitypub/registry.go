package activitypub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/util"
)

// Ref names a reference property of an activity.
type Ref int

const (
	RefObject Ref = iota
	RefTarget
	RefInReplyTo
)

func (r Ref) String() string {
	switch r {
	case RefObject:
		return "object"
	case RefTarget:
		return "target"
	case RefInReplyTo:
		return "inReplyTo"
	default:
		return "unknown"
	}
}

func (r Ref) of(doc *Document) string {
	switch r {
	case RefObject:
		return doc.ObjectID()
	case RefTarget:
		return doc.Target.ID()
	case RefInReplyTo:
		return doc.InReplyTo.ID()
	default:
		return ""
	}
}

// Requirement is a reference that must resolve before the handler runs.
// An Optional reference that fails to resolve is left out.
type Requirement struct {
	Ref      Ref
	Expect   []domain.EntityKind
	Optional bool
}

// Handler applies a verified activity. It is the only step with effects.
type Handler func(ctx context.Context, env *Env, in *Incoming) error

// KindSpec describes one activity kind: its required fields, the references
// to resolve and its handler.
type KindSpec struct {
	Kind     domain.ActivityKind
	Validate func(doc *Document) error
	Requires []Requirement
	Handle   Handler
}

// Incoming is an activity that passed signature verification and
// deduplication.
type Incoming struct {
	Doc      *Document
	Kind     domain.ActivityKind
	Actor    *domain.Actor
	Resolved map[Ref]*domain.Entity
	// Depth counts the Announce envelopes around the activity.
	Depth int
}

// effect starts the side effect every handler hands to the store.
func (in *Incoming) effect() *domain.SideEffect {
	e := &domain.SideEffect{
		ActivityURI: in.Doc.Id,
		ActorURI:    in.Actor.URI,
		ObjectURI:   in.Doc.ObjectID(),
		TargetURI:   in.Doc.Target.ID(),
		RawJSON:     string(in.Doc.Raw()),
	}
	if in.Doc.Published != nil {
		e.Published = *in.Doc.Published
	}
	return e
}

// Registry maps activity kinds to their specs and builds outgoing
// activities. Kinds without a spec are unsupported.
type Registry struct {
	mu    sync.RWMutex
	specs map[domain.ActivityKind]KindSpec
	iri   domain.IRI
	clock util.Clock
	newID func(domain.ActivityKind) string
}

func NewRegistry(iri domain.IRI, clock util.Clock) *Registry {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Registry{
		specs: make(map[domain.ActivityKind]KindSpec),
		iri:   iri,
		clock: clock,
		newID: iri.Activity,
	}
}

// NewDefaultRegistry returns a registry with every built-in kind registered.
func NewDefaultRegistry(iri domain.IRI, clock util.Clock) *Registry {
	r := NewRegistry(iri, clock)
	for _, spec := range defaultSpecs() {
		if err := r.Register(spec); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds or replaces the KindSpec for its kind.
func (r *Registry) Register(spec KindSpec) error {
	if spec.Kind == "" {
		return fmt.Errorf("kind spec without kind")
	}
	if spec.Handle == nil {
		return fmt.Errorf("kind spec %s without handler", spec.Kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[spec.Kind] = spec
	return nil
}

func (r *Registry) Lookup(kind domain.ActivityKind) (KindSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[kind]
	return spec, ok
}

func (r *Registry) Supports(kind domain.ActivityKind) bool {
	_, ok := r.Lookup(kind)
	return ok
}

// lookupType maps a wire type to a registered spec.
func (r *Registry) lookupType(t string) (KindSpec, error) {
	kind, ok := domain.ParseActivityKind(t)
	if !ok {
		return KindSpec{}, invalid("unsupported activity type %q", t)
	}
	spec, ok := r.Lookup(kind)
	if !ok {
		return KindSpec{}, invalid("unsupported activity type %q", t)
	}
	return spec, nil
}

type BuildOptions struct {
	To        []string
	Cc        []string
	Audience  string
	Target    string
	Published *time.Time
}

// Build creates the canonical document of an outgoing activity. object is
// either an id or an embedded *Document.
func (r *Registry) Build(kind domain.ActivityKind, actorURI string, object any, opts BuildOptions) (*Document, error) {
	spec, ok := r.Lookup(kind)
	if !ok {
		return nil, invalid("unsupported activity type %q", kind)
	}
	if actorURI == "" {
		return nil, invalid("%s without actor", kind)
	}

	var ref *ObjectRef
	switch o := object.(type) {
	case string:
		if o == "" {
			return nil, invalid("%s without object", kind)
		}
		ref = IDRef(o)
	case *Document:
		if o == nil {
			return nil, invalid("%s without object", kind)
		}
		ref = Embed(o)
	default:
		return nil, invalid("%s object of unsupported type %T", kind, object)
	}

	published := r.clock.Now().UTC()
	if opts.Published != nil {
		published = opts.Published.UTC()
	}

	doc := &Document{
		Context:   ActivityStreamsContext,
		Id:        r.newID(kind),
		Type:      string(kind),
		Actor:     IDRef(actorURI),
		Object:    ref,
		To:        Addresses(opts.To),
		Cc:        Addresses(opts.Cc),
		Published: &published,
	}
	if opts.Target != "" {
		doc.Target = IDRef(opts.Target)
	}
	if opts.Audience != "" {
		doc.Audience = IDRef(opts.Audience)
	}

	if spec.Validate != nil {
		if err := spec.Validate(doc); err != nil {
			return nil, err
		}
	}
	return doc, nil
}
