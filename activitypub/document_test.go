package activitypub

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/deemkeen/stegofed/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectRefForms(t *testing.T) {
	tests := []struct {
		name     string
		json     string
		wantId   string
		embedded bool
	}{
		{"bare id", `{"type":"Like","object":"https://a.example/post/1"}`, "https://a.example/post/1", false},
		{"embedded", `{"type":"Like","object":{"id":"https://a.example/post/1","type":"Page"}}`, "https://a.example/post/1", true},
		{"array of ids", `{"type":"Like","object":["https://a.example/post/1","https://a.example/post/2"]}`, "https://a.example/post/1", false},
		{"array skips empties", `{"type":"Like","object":[null,{"id":"https://a.example/post/3","type":"Note"}]}`, "https://a.example/post/3", true},
		{"null", `{"type":"Like","object":null}`, "", false},
		{"missing", `{"type":"Like"}`, "", false},
		{"number", `{"type":"Like","object":7}`, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := ParseDocument([]byte(tt.json))
			require.NoError(t, err)
			assert.Equal(t, tt.wantId, doc.ObjectID())
			assert.Equal(t, tt.embedded, doc.Object.Embedded() != nil)
		})
	}
}

func TestObjectRefMarshal(t *testing.T) {
	doc := &Document{
		Type:   "Announce",
		Actor:  IDRef("https://a.example/users/bob"),
		Object: Embed(&Document{Id: "https://a.example/post/1", Type: "Page"}),
	}
	b, err := json.Marshal(doc)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type": "Announce",
		"actor": "https://a.example/users/bob",
		"object": {"id": "https://a.example/post/1", "type": "Page"}
	}`, string(b))
}

func TestAddresses(t *testing.T) {
	doc, err := ParseDocument([]byte(`{"type":"Note","to":"https://a.example/users/bob","cc":["x","y"]}`))
	require.NoError(t, err)
	assert.Equal(t, Addresses{"https://a.example/users/bob"}, doc.To)
	assert.Equal(t, Addresses{"x", "y"}, doc.Cc)

	_, err = ParseDocument([]byte(`{"type":"Note","to":5}`))
	assert.Error(t, err)
}

func TestRawKeepsInputBytes(t *testing.T) {
	in := `{"type":"Like","id":"https://a.example/1","extension":{"kept":true}}`
	doc, err := ParseDocument([]byte(in))
	require.NoError(t, err)
	assert.Equal(t, in, string(doc.Raw()))

	built := &Document{Type: "Like", Id: "https://a.example/2"}
	assert.JSONEq(t, `{"type":"Like","id":"https://a.example/2"}`, string(built.Raw()))
}

func TestActorFromDocument(t *testing.T) {
	valid := func() *Document {
		return &Document{
			Id:                "https://a.example/users/bob",
			Type:              "Person",
			PreferredUsername: "bob",
			Inbox:             "https://a.example/users/bob/inbox",
			Endpoints:         &Endpoints{SharedInbox: "https://a.example/inbox"},
			PublicKey: &PublicKey{
				Id:           "https://a.example/users/bob#main-key",
				Owner:        "https://a.example/users/bob",
				PublicKeyPem: "pem",
			},
		}
	}

	actor, err := actorFromDocument(valid(), testStart)
	require.NoError(t, err)
	assert.Equal(t, domain.EntityPerson, actor.Kind)
	assert.Equal(t, "a.example", actor.Domain)
	assert.Equal(t, "bob", actor.Username)
	assert.Equal(t, "https://a.example/inbox", actor.SharedInboxURI)
	assert.Equal(t, testStart, actor.LastFetchedAt)

	group := valid()
	group.Type = "Group"
	group.PreferredUsername = ""
	actor, err = actorFromDocument(group, testStart)
	require.NoError(t, err)
	assert.Equal(t, domain.EntityCommunity, actor.Kind)
	assert.Equal(t, "bob", actor.Username)

	tests := []struct {
		name   string
		mutate func(*Document)
	}{
		{"not an actor", func(d *Document) { d.Type = "Note" }},
		{"no inbox", func(d *Document) { d.Inbox = "" }},
		{"no key", func(d *Document) { d.PublicKey = nil }},
		{"empty pem", func(d *Document) { d.PublicKey.PublicKeyPem = "" }},
		{"foreign key owner", func(d *Document) { d.PublicKey.Owner = "https://a.example/users/eve" }},
		{"no host", func(d *Document) { d.Id = "/users/bob" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := valid()
			tt.mutate(doc)
			_, err := actorFromDocument(doc, testStart)
			var validErr *ValidationError
			assert.ErrorAs(t, err, &validErr)
		})
	}
}

func TestObjectDocument(t *testing.T) {
	updated := testStart.Add(time.Hour)
	obj := &domain.RemoteObject{
		URI:          "https://local.example/comment/1",
		Kind:         domain.EntityComment,
		Type:         "Note",
		AttributedTo: "https://local.example/users/alice",
		InReplyTo:    "https://local.example/post/1",
		Audience:     "https://local.example/c/golang",
		Content:      "hi",
		Published:    testStart,
	}

	doc := ObjectDocument(obj)
	assert.Equal(t, "Note", doc.Type)
	assert.Equal(t, obj.AttributedTo, doc.AttributedTo.ID())
	assert.Equal(t, obj.InReplyTo, doc.InReplyTo.ID())
	assert.Equal(t, Addresses{obj.Audience}, doc.Cc)
	require.NotNil(t, doc.Published)
	assert.Equal(t, testStart, *doc.Published)

	back, err := objectFromDocument(doc, testStart)
	require.NoError(t, err)
	assert.Equal(t, obj.AttributedTo, back.AttributedTo)
	assert.Equal(t, obj.Audience, back.Audience)

	obj.Tombstone = true
	obj.Updated = &updated
	tomb := ObjectDocument(obj)
	assert.Equal(t, "Tombstone", tomb.Type)
	assert.Equal(t, "Note", tomb.FormerType)
	assert.Equal(t, &updated, tomb.Deleted)
	assert.Nil(t, tomb.AttributedTo)
}

func TestSameHost(t *testing.T) {
	assert.True(t, sameHost("https://A.example/users/bob", "https://a.example/post/1"))
	assert.False(t, sameHost("https://a.example/users/bob", "https://a.example:8443/users/bob"))
	assert.False(t, sameHost("https://a.example/users/bob", "not a url"))
	assert.Equal(t, "https://a.example/users/bob", KeyOwner("https://a.example/users/bob#main-key"))
}
