package activitypub

import (
	"context"
	"time"

	"github.com/deemkeen/stegofed/domain"
	"github.com/google/uuid"
)

// Store is the persistence the engine needs. Lookups that match nothing
// return domain.ErrNotFound.
type Store interface {
	// LoadLocalEntity maps a URL on this instance to its actor or object.
	LoadLocalEntity(ctx context.Context, uri string) (*domain.Entity, error)
	ApplySideEffect(ctx context.Context, kind domain.ActivityKind, effect *domain.SideEffect) error

	RecordSeen(ctx context.Context, activityURI string) error
	HasSeen(ctx context.Context, activityURI string) (bool, error)
	// MarkSeen records the id and reports whether it was new, atomically.
	MarkSeen(ctx context.Context, activityURI string) (bool, error)
	ForgetSeen(ctx context.Context, activityURI string) error

	LocalKeyPair(ctx context.Context, actorURI string) (*domain.KeyPair, error)
	SaveRemoteActor(ctx context.Context, actor *domain.Actor) error
	LoadRemoteActor(ctx context.Context, uri string) (*domain.Actor, error)
	FollowerRecipients(ctx context.Context, actorURI string) ([]domain.Recipient, error)
}

// Queue holds outbound delivery tasks.
type Queue interface {
	Enqueue(ctx context.Context, tasks []*domain.DeliveryTask) error
	// Claim leases due tasks to owner. A leased task is handed to nobody else
	// until the lease expires or the task is rescheduled.
	Claim(ctx context.Context, owner string, now time.Time, lease time.Duration, limit int) ([]*domain.DeliveryTask, error)
	Complete(ctx context.Context, id uuid.UUID) error
	Reschedule(ctx context.Context, id uuid.UUID, attempts int, next time.Time, lastErr string) error
	DeadLetter(ctx context.Context, task *domain.DeliveryTask, reason string) error
}
