package activitypub

import (
	"net/url"
	"strings"
	"time"

	"github.com/deemkeen/stegofed/domain"
)

// actorFromDocument validates a fetched actor document and converts it.
func actorFromDocument(doc *Document, fetchedAt time.Time) (*domain.Actor, error) {
	kind := domain.EntityKindForType(doc.Type)
	if !kind.IsActor() {
		return nil, invalid("%s is a %q, not an actor", doc.Id, doc.Type)
	}

	// Validate required fields
	if doc.Id == "" || doc.Inbox == "" || doc.PublicKey == nil || doc.PublicKey.PublicKeyPem == "" {
		return nil, invalid("actor %s missing required fields", doc.Id)
	}
	if doc.PublicKey.Owner != "" && doc.PublicKey.Owner != doc.Id {
		return nil, invalid("key %s of %s is owned by %s", doc.PublicKey.Id, doc.Id, doc.PublicKey.Owner)
	}

	domainName, err := extractDomain(doc.Id)
	if err != nil {
		return nil, err
	}

	username := doc.PreferredUsername
	if username == "" {
		username = extractUsername(doc.Id)
	}

	actor := &domain.Actor{
		URI:           doc.Id,
		Kind:          kind,
		Type:          domain.ActorType(doc.Type),
		Username:      username,
		Domain:        domainName,
		DisplayName:   doc.Name,
		Summary:       doc.Summary,
		InboxURI:      doc.Inbox,
		OutboxURI:     doc.Outbox,
		FollowersURI:  doc.Followers,
		PublicKeyId:   doc.PublicKey.Id,
		PublicKeyPem:  doc.PublicKey.PublicKeyPem,
		LastFetchedAt: fetchedAt,
	}
	if doc.Endpoints != nil {
		actor.SharedInboxURI = doc.Endpoints.SharedInbox
	}
	return actor, nil
}

// objectFromDocument converts a post or comment document.
func objectFromDocument(doc *Document, fetchedAt time.Time) (*domain.RemoteObject, error) {
	kind := domain.EntityKindForType(doc.Type)
	if kind != domain.EntityPost && kind != domain.EntityComment {
		return nil, invalid("%s is a %q, not a post or comment", doc.Id, doc.Type)
	}
	if doc.Id == "" {
		return nil, invalid("object without id")
	}

	obj := &domain.RemoteObject{
		URI:          doc.Id,
		Kind:         kind,
		Type:         doc.Type,
		AttributedTo: doc.AttributedTo.ID(),
		InReplyTo:    doc.InReplyTo.ID(),
		Audience:     doc.Audience.ID(),
		Name:         doc.Name,
		Content:      doc.Content,
		Updated:      doc.Updated,
		FetchedAt:    fetchedAt,
		RawJSON:      string(doc.Raw()),
	}
	if doc.Published != nil {
		obj.Published = *doc.Published
	}
	return obj, nil
}

// entityFromDocument converts any supported non-activity document.
func entityFromDocument(doc *Document, fetchedAt time.Time) (*domain.Entity, error) {
	if domain.EntityKindForType(doc.Type).IsActor() {
		actor, err := actorFromDocument(doc, fetchedAt)
		if err != nil {
			return nil, err
		}
		return &domain.Entity{Actor: actor}, nil
	}
	obj, err := objectFromDocument(doc, fetchedAt)
	if err != nil {
		return nil, err
	}
	return &domain.Entity{Object: obj}, nil
}

// ActorDocument renders a local actor, public key included.
func ActorDocument(a *domain.Actor) *Document {
	doc := &Document{
		Context:           []any{ActivityStreamsContext, SecurityContext},
		Id:                a.URI,
		Type:              string(a.Type),
		PreferredUsername: a.Username,
		Name:              a.DisplayName,
		Summary:           a.Summary,
		Inbox:             a.InboxURI,
		Outbox:            a.OutboxURI,
		Followers:         a.FollowersURI,
		PublicKey: &PublicKey{
			Id:           a.PublicKeyId,
			Owner:        a.URI,
			PublicKeyPem: a.PublicKeyPem,
		},
	}
	if a.SharedInboxURI != "" {
		doc.Endpoints = &Endpoints{SharedInbox: a.SharedInboxURI}
	}
	return doc
}

// ObjectDocument renders a post or comment, or its tombstone once deleted.
func ObjectDocument(o *domain.RemoteObject) *Document {
	if o.Tombstone {
		return &Document{
			Context:    ActivityStreamsContext,
			Id:         o.URI,
			Type:       "Tombstone",
			FormerType: o.Type,
			Deleted:    o.Updated,
		}
	}

	doc := &Document{
		Context:      ActivityStreamsContext,
		Id:           o.URI,
		Type:         o.Type,
		AttributedTo: IDRef(o.AttributedTo),
		Name:         o.Name,
		Content:      o.Content,
		MediaType:    "text/html",
		To:           Addresses{PublicAddress},
		Updated:      o.Updated,
	}
	if !o.Published.IsZero() {
		published := o.Published
		doc.Published = &published
	}
	if o.InReplyTo != "" {
		doc.InReplyTo = IDRef(o.InReplyTo)
	}
	if o.Audience != "" {
		doc.Audience = IDRef(o.Audience)
		doc.Cc = Addresses{o.Audience}
	}
	return doc
}

// extractDomain returns the host of a URL, port included.
func extractDomain(actorURI string) (string, error) {
	u, err := url.Parse(actorURI)
	if err != nil {
		return "", invalid("invalid url %q", actorURI)
	}
	if u.Host == "" {
		return "", invalid("url %q has no host", actorURI)
	}
	return strings.ToLower(u.Host), nil
}

// extractUsername returns the last path segment of a URI
func extractUsername(uri string) string {
	parts := strings.Split(strings.TrimRight(uri, "/"), "/")
	if len(parts) > 0 {
		return parts[len(parts)-1]
	}
	return ""
}

// sameHost reports whether both URLs live on the same instance.
func sameHost(a, b string) bool {
	ha, err := extractDomain(a)
	if err != nil {
		return false
	}
	hb, err := extractDomain(b)
	if err != nil {
		return false
	}
	return ha == hb
}

// KeyOwner strips the fragment from a key id, leaving the actor URL.
func KeyOwner(keyId string) string {
	owner, _, _ := strings.Cut(keyId, "#")
	return owner
}
