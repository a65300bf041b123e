package domain

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

type action uint

const (
	id action = iota
	inbox
	outbox
	followers
	following
)

// IRI builds and parses the URLs this instance publishes its entities under.
type IRI struct {
	Domain string
}

func (i IRI) base() string {
	return fmt.Sprintf("https://%s", i.Domain)
}

func actorPrefix(t ActorType) string {
	if t == ActorGroup {
		return "c"
	}
	return "users"
}

func (i IRI) actor(t ActorType, username string, a action) string {
	prefix := fmt.Sprintf("%s/%s/%s", i.base(), actorPrefix(t), username)
	switch a {
	case inbox:
		return prefix + "/inbox"
	case outbox:
		return prefix + "/outbox"
	case followers:
		return prefix + "/followers"
	case following:
		return prefix + "/following"
	default:
		return prefix
	}
}

func (i IRI) Actor(acc *Account) string     { return i.actor(acc.Type, acc.Username, id) }
func (i IRI) Inbox(acc *Account) string     { return i.actor(acc.Type, acc.Username, inbox) }
func (i IRI) Outbox(acc *Account) string    { return i.actor(acc.Type, acc.Username, outbox) }
func (i IRI) Followers(acc *Account) string { return i.actor(acc.Type, acc.Username, followers) }
func (i IRI) Following(acc *Account) string { return i.actor(acc.Type, acc.Username, following) }
func (i IRI) SharedInbox() string           { return i.base() + "/inbox" }
func (i IRI) KeyId(acc *Account) string     { return i.Actor(acc) + "#main-key" }

// Object returns the URL of a local post or comment.
func (i IRI) Object(p *Post) string {
	if p.Kind == EntityComment {
		return fmt.Sprintf("%s/comment/%s", i.base(), p.Id)
	}
	return fmt.Sprintf("%s/post/%s", i.base(), p.Id)
}

// Activity returns a fresh activity id for the given kind.
func (i IRI) Activity(kind ActivityKind) string {
	return fmt.Sprintf("%s/activities/%s/%s", i.base(), strings.ToLower(string(kind)), uuid.New())
}

// IsLocal reports whether raw points at this instance.
func (i IRI) IsLocal(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, i.Domain)
}

// LocalRef is a parsed local URL.
type LocalRef struct {
	Kind     EntityKind
	Username string
	Id       uuid.UUID
}

// Parse maps a local URL back to the entity it names. The fragment is ignored,
// so key ids parse to their owner.
func (i IRI) Parse(raw string) (*LocalRef, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if !strings.EqualFold(u.Host, i.Domain) {
		return nil, fmt.Errorf("url %q is not local", raw)
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) != 2 || parts[1] == "" {
		return nil, fmt.Errorf("url %q does not name an entity", raw)
	}

	switch parts[0] {
	case "users":
		return &LocalRef{Kind: EntityPerson, Username: parts[1]}, nil
	case "c":
		return &LocalRef{Kind: EntityCommunity, Username: parts[1]}, nil
	case "post", "comment":
		objId, err := uuid.Parse(parts[1])
		if err != nil {
			return nil, fmt.Errorf("invalid object id in %q: %w", raw, err)
		}
		kind := EntityPost
		if parts[0] == "comment" {
			kind = EntityComment
		}
		return &LocalRef{Kind: kind, Id: objId}, nil
	default:
		return nil, fmt.Errorf("url %q does not name an entity", raw)
	}
}
