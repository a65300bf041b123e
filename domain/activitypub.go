package domain

import (
	"github.com/google/uuid"
	"time"
)

// ActivityKind is the wire-level type tag of an activity. The set is closed:
// anything not listed here is rejected as unsupported.
type ActivityKind string

const (
	KindCreate   ActivityKind = "Create"
	KindUpdate   ActivityKind = "Update"
	KindDelete   ActivityKind = "Delete"
	KindUndo     ActivityKind = "Undo"
	KindFollow   ActivityKind = "Follow"
	KindAccept   ActivityKind = "Accept"
	KindReject   ActivityKind = "Reject"
	KindLike     ActivityKind = "Like"
	KindDislike  ActivityKind = "Dislike"
	KindAnnounce ActivityKind = "Announce"
)

var activityKinds = map[string]ActivityKind{
	string(KindCreate):   KindCreate,
	string(KindUpdate):   KindUpdate,
	string(KindDelete):   KindDelete,
	string(KindUndo):     KindUndo,
	string(KindFollow):   KindFollow,
	string(KindAccept):   KindAccept,
	string(KindReject):   KindReject,
	string(KindLike):     KindLike,
	string(KindDislike):  KindDislike,
	string(KindAnnounce): KindAnnounce,
}

// ParseActivityKind maps a wire type to a known kind.
func ParseActivityKind(s string) (ActivityKind, bool) {
	k, ok := activityKinds[s]
	return k, ok
}

// EntityKind classifies what a resolved identifier points at.
type EntityKind uint8

const (
	EntityUnknown EntityKind = iota
	EntityPerson
	EntityCommunity
	EntityPost
	EntityComment
)

func (k EntityKind) String() string {
	switch k {
	case EntityPerson:
		return "person"
	case EntityCommunity:
		return "community"
	case EntityPost:
		return "post"
	case EntityComment:
		return "comment"
	default:
		return "unknown"
	}
}

// IsActor reports whether the kind is a person or community.
func (k EntityKind) IsActor() bool {
	return k == EntityPerson || k == EntityCommunity
}

// EntityKindForType maps an ActivityStreams object type to an EntityKind.
func EntityKindForType(t string) EntityKind {
	switch t {
	case string(ActorPerson), string(ActorService), string(ActorApplication):
		return EntityPerson
	case string(ActorGroup):
		return EntityCommunity
	case "Page", "Article", "Question", "Video":
		return EntityPost
	case "Note":
		return EntityComment
	default:
		return EntityUnknown
	}
}

// Activity is a received or sent activity, kept for logging.
type Activity struct {
	Id          uuid.UUID
	ActivityURI string
	Kind        ActivityKind
	ActorURI    string
	ObjectURI   string
	RawJSON     string
	Published   time.Time
	CreatedAt   time.Time
	Local       bool // true if originated from this server
}

// Actor is a federated person or community. Remote actors are owned by the
// resolver cache and are replaced as a whole on refetch.
type Actor struct {
	URI            string
	Kind           EntityKind
	Type           ActorType
	Username       string
	Domain         string
	DisplayName    string
	Summary        string
	InboxURI       string
	OutboxURI      string
	SharedInboxURI string
	FollowersURI   string
	PublicKeyId    string
	PublicKeyPem   string
	LastFetchedAt  time.Time
	Local          bool
}

// Recipient returns the delivery address set of the actor.
func (a *Actor) Recipient() Recipient {
	return Recipient{ActorURI: a.URI, InboxURI: a.InboxURI, SharedInboxURI: a.SharedInboxURI}
}

// RemoteObject is a verified non-actor entity: a post or a comment.
type RemoteObject struct {
	URI          string
	Kind         EntityKind
	Type         string
	AttributedTo string
	InReplyTo    string
	Audience     string
	Name         string
	Content      string
	Published    time.Time
	Updated      *time.Time
	FetchedAt    time.Time
	RawJSON      string
	Tombstone    bool
	Local        bool
}

// Entity is the result of resolving an identifier. Exactly one of Actor and
// Object is set.
type Entity struct {
	Actor  *Actor
	Object *RemoteObject
}

func (e *Entity) Kind() EntityKind {
	if e.Actor != nil {
		return e.Actor.Kind
	}
	if e.Object != nil {
		return e.Object.Kind
	}
	return EntityUnknown
}

func (e *Entity) URI() string {
	if e.Actor != nil {
		return e.Actor.URI
	}
	if e.Object != nil {
		return e.Object.URI
	}
	return ""
}

// Recipient is one addressee of a broadcast.
type Recipient struct {
	ActorURI       string
	InboxURI       string
	SharedInboxURI string
}

// DeliveryInbox is the endpoint a delivery to this recipient goes to.
func (r Recipient) DeliveryInbox() string {
	if r.SharedInboxURI != "" {
		return r.SharedInboxURI
	}
	return r.InboxURI
}

// Follow represents a follow relationship
type Follow struct {
	Id        uuid.UUID
	ActorURI  string // the follower
	TargetURI string // the followed actor
	URI       string // ActivityPub Follow activity URI
	CreatedAt time.Time
	Accepted  bool
}

// Vote is a Like (+1) or Dislike (-1) on a post or comment.
type Vote struct {
	Id        uuid.UUID
	ActorURI  string
	ObjectURI string
	URI       string
	Score     int
	CreatedAt time.Time
}

// Announce is a boost of an object by an actor.
type Announce struct {
	Id        uuid.UUID
	ActorURI  string
	ObjectURI string
	URI       string
	CreatedAt time.Time
}

// DeliveryTask is one (activity, inbox) pair awaiting transmission.
type DeliveryTask struct {
	Id           uuid.UUID
	ActivityURI  string
	ActivityJSON []byte // shared between all tasks of one broadcast, read-only
	InboxURI     string
	ActorURI     string // local actor whose key signs the request
	ObjectURI    string // ordering key within one inbox
	Attempts     int
	NextRetryAt  time.Time
	LastError    string
	LockedBy     string
	LockedUntil  *time.Time
	CreatedAt    time.Time
}

// DeadLetter is a delivery task retired without success.
type DeadLetter struct {
	Id          uuid.UUID
	ActivityURI string
	InboxURI    string
	Attempts    int
	Reason      string
	CreatedAt   time.Time
}

// KeyPair is a local actor's signing key. It never leaves the instance; only
// the public half is published in the actor document.
type KeyPair struct {
	ActorURI   string
	KeyId      string
	PrivatePem string
	PublicPem  string
}

// SideEffect is the verified, resolved content of an activity handed to the
// persistence layer.
type SideEffect struct {
	ActivityURI string
	ActorURI    string
	ObjectURI   string
	TargetURI   string
	Object      *Entity
	InnerKind   ActivityKind // Undo only: the kind being undone
	InnerURI    string       // Undo/Accept/Reject: id of the referenced activity
	RawJSON     string
	Published   time.Time
}
