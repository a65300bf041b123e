package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/util"
	"go.uber.org/zap"
)

// Sender turns an outgoing activity into delivery tasks, one per distinct
// remote inbox.
type Sender struct {
	queue    Queue
	store    Store
	resolver *Resolver
	policy   *Policy
	iri      domain.IRI
	clock    util.Clock
	log      *zap.Logger
	wake     chan struct{}
}

func NewSender(queue Queue, store Store, resolver *Resolver, policy *Policy, iri domain.IRI, clock util.Clock, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Sender{
		queue:    queue,
		store:    store,
		resolver: resolver,
		policy:   policy,
		iri:      iri,
		clock:    clock,
		log:      logger,
		wake:     make(chan struct{}, 1),
	}
}

// Wake signals that new tasks were queued.
func (s *Sender) Wake() <-chan struct{} {
	return s.wake
}

// Broadcast queues doc for every recipient. Recipients sharing an inbox get
// one delivery; inboxes on this instance or on a blocked instance are
// skipped. The tasks are queued all or nothing.
func (s *Sender) Broadcast(ctx context.Context, doc *Document, recipients []domain.Recipient) error {
	actorURI := doc.ActorID()
	if doc.Id == "" || actorURI == "" {
		return invalid("cannot send %s without id or actor", doc.Type)
	}
	if !s.iri.IsLocal(actorURI) {
		return invalid("cannot send on behalf of %s", actorURI)
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return &ValidationError{Msg: "unencodable activity " + doc.Id, Err: err}
	}

	now := s.clock.Now()
	seen := make(map[string]struct{}, len(recipients))
	tasks := make([]*domain.DeliveryTask, 0, len(recipients))
	for _, rcpt := range recipients {
		inbox := rcpt.DeliveryInbox()
		if inbox == "" {
			s.log.Warn("Outbox: recipient without inbox", zap.String("recipient", rcpt.ActorURI))
			continue
		}
		if _, ok := seen[inbox]; ok {
			continue
		}
		seen[inbox] = struct{}{}

		if s.iri.IsLocal(inbox) {
			continue
		}
		if err := s.policy.Check(inbox); err != nil {
			s.log.Info("Outbox: skipping inbox", zap.String("inbox", inbox), zap.Error(err))
			continue
		}

		tasks = append(tasks, &domain.DeliveryTask{
			ActivityURI:  doc.Id,
			ActivityJSON: body,
			InboxURI:     inbox,
			ActorURI:     actorURI,
			ObjectURI:    doc.ObjectID(),
			NextRetryAt:  now,
			CreatedAt:    now,
		})
	}

	if len(tasks) == 0 {
		s.log.Debug("Outbox: no remote recipients", zap.String("id", doc.Id))
		return nil
	}

	if err := s.queue.Enqueue(ctx, tasks); err != nil {
		return &PersistError{Op: "enqueue " + doc.Id, Err: err}
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}

	s.log.Info("Outbox: queued", zap.String("type", doc.Type), zap.String("id", doc.Id), zap.Int("inboxes", len(tasks)))
	return nil
}

// BroadcastToFollowers sends doc to the followers of its actor.
func (s *Sender) BroadcastToFollowers(ctx context.Context, doc *Document) error {
	recipients, err := s.store.FollowerRecipients(ctx, doc.ActorID())
	if err != nil {
		return &PersistError{Op: "read followers of " + doc.ActorID(), Err: err}
	}
	return s.Broadcast(ctx, doc, recipients)
}

// SendToActors resolves each actor and sends doc to all of them. Actors that
// fail to resolve are skipped; it fails only if none resolve.
func (s *Sender) SendToActors(ctx context.Context, doc *Document, actorURIs []string) error {
	var (
		recipients []domain.Recipient
		errs       []error
	)
	for _, uri := range actorURIs {
		actor, err := s.resolver.ResolveActor(ctx, uri)
		if err != nil {
			s.log.Warn("Outbox: cannot resolve recipient", zap.String("recipient", uri), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		recipients = append(recipients, actor.Recipient())
	}
	if len(recipients) == 0 && len(errs) > 0 {
		return fmt.Errorf("no recipient of %s resolved: %w", doc.Id, errors.Join(errs...))
	}
	return s.Broadcast(ctx, doc, recipients)
}
