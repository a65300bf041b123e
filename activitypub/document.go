package activitypub

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/deemkeen/stegofed/domain"
)

const (
	ContentType   = "application/activity+json"
	LDContentType = `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`

	ActivityStreamsContext = "https://www.w3.org/ns/activitystreams"
	SecurityContext        = "https://w3id.org/security/v1"
	PublicAddress          = "https://www.w3.org/ns/activitystreams#Public"
)

type PublicKey struct {
	Id           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

type Endpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

// Document is the wire form of every ActivityStreams object the engine reads
// or writes: activities, actors, posts, comments and tombstones. Unknown
// properties are ignored on input.
type Document struct {
	Context           any        `json:"@context,omitempty"`
	Id                string     `json:"id,omitempty"`
	Type              string     `json:"type"`
	Actor             *ObjectRef `json:"actor,omitempty"`
	Object            *ObjectRef `json:"object,omitempty"`
	Target            *ObjectRef `json:"target,omitempty"`
	AttributedTo      *ObjectRef `json:"attributedTo,omitempty"`
	InReplyTo         *ObjectRef `json:"inReplyTo,omitempty"`
	Audience          *ObjectRef `json:"audience,omitempty"`
	To                Addresses  `json:"to,omitempty"`
	Cc                Addresses  `json:"cc,omitempty"`
	Name              string     `json:"name,omitempty"`
	Content           string     `json:"content,omitempty"`
	MediaType         string     `json:"mediaType,omitempty"`
	FormerType        string     `json:"formerType,omitempty"`
	Published         *time.Time `json:"published,omitempty"`
	Updated           *time.Time `json:"updated,omitempty"`
	Deleted           *time.Time `json:"deleted,omitempty"`
	PreferredUsername string     `json:"preferredUsername,omitempty"`
	Summary           string     `json:"summary,omitempty"`
	Inbox             string     `json:"inbox,omitempty"`
	Outbox            string     `json:"outbox,omitempty"`
	Followers         string     `json:"followers,omitempty"`
	Following         string     `json:"following,omitempty"`
	Endpoints         *Endpoints `json:"endpoints,omitempty"`
	PublicKey         *PublicKey `json:"publicKey,omitempty"`

	raw json.RawMessage
}

// ParseDocument decodes a document and keeps the original bytes.
func ParseDocument(b []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (d *Document) UnmarshalJSON(b []byte) error {
	type plain Document
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*d = Document(p)
	d.raw = append(json.RawMessage(nil), b...)
	return nil
}

// Raw returns the bytes the document was parsed from, or its encoding if it
// was built locally.
func (d *Document) Raw() []byte {
	if d.raw != nil {
		return d.raw
	}
	b, _ := json.Marshal(d)
	return b
}

func (d *Document) ActorID() string  { return d.Actor.ID() }
func (d *Document) ObjectID() string { return d.Object.ID() }

// Kind maps the document type to an activity kind.
func (d *Document) Kind() (domain.ActivityKind, bool) {
	return domain.ParseActivityKind(d.Type)
}

// IsActivity reports whether the document is one of the supported activities.
func (d *Document) IsActivity() bool {
	_, ok := d.Kind()
	return ok
}

// ObjectRef is a reference that is either a bare id or an embedded document.
// Arrays are reduced to their first element.
type ObjectRef struct {
	Id  string
	Doc *Document
}

// IDRef references an object by id only.
func IDRef(id string) *ObjectRef {
	return &ObjectRef{Id: id}
}

func Embed(doc *Document) *ObjectRef {
	return &ObjectRef{Id: doc.Id, Doc: doc}
}

// ID is nil safe.
func (r *ObjectRef) ID() string {
	if r == nil {
		return ""
	}
	return r.Id
}

// Embedded returns the embedded document, if any.
func (r *ObjectRef) Embedded() *Document {
	if r == nil {
		return nil
	}
	return r.Doc
}

func (r ObjectRef) MarshalJSON() ([]byte, error) {
	if r.Doc != nil {
		return json.Marshal(r.Doc)
	}
	return json.Marshal(r.Id)
}

func (r *ObjectRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil
	}
	switch b[0] {
	case '"':
		return json.Unmarshal(b, &r.Id)
	case '{':
		var doc Document
		if err := json.Unmarshal(b, &doc); err != nil {
			return err
		}
		r.Doc = &doc
		r.Id = doc.Id
		return nil
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(b, &items); err != nil {
			return err
		}
		for _, item := range items {
			var inner ObjectRef
			if err := inner.UnmarshalJSON(item); err != nil {
				return err
			}
			if inner.Id != "" || inner.Doc != nil {
				*r = inner
				return nil
			}
		}
		return nil
	default:
		// null and other scalars carry no reference
		return nil
	}
}

// Addresses is an audience list that also accepts a single string.
type Addresses []string

func (a *Addresses) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*a = Addresses{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err != nil {
		return err
	}
	*a = list
	return nil
}
