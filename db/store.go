package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/stegofed/domain"
	"github.com/google/uuid"
)

// LoadLocalEntity maps a local URL to the actor or object it names. Deleted
// posts come back as tombstones.
func (db *DB) LoadLocalEntity(ctx context.Context, uri string) (*domain.Entity, error) {
	ref, err := db.iri.Parse(uri)
	if err != nil {
		return nil, domain.ErrNotFound
	}

	switch ref.Kind {
	case domain.EntityPerson, domain.EntityCommunity:
		acc, err := db.ReadAccByUsername(ctx, ref.Username)
		if err != nil {
			return nil, err
		}
		if acc.IsCommunity() != (ref.Kind == domain.EntityCommunity) {
			return nil, domain.ErrNotFound
		}
		return &domain.Entity{Actor: db.LocalActor(acc)}, nil

	default:
		p, err := db.ReadPostById(ctx, ref.Id)
		if err != nil {
			return nil, err
		}
		if p.Kind != ref.Kind {
			return nil, domain.ErrNotFound
		}
		obj, err := db.localObject(ctx, p)
		if err != nil {
			return nil, err
		}
		return &domain.Entity{Object: obj}, nil
	}
}

// LocalActor builds the federated view of a local account.
func (db *DB) LocalActor(acc *domain.Account) *domain.Actor {
	kind := domain.EntityPerson
	if acc.IsCommunity() {
		kind = domain.EntityCommunity
	}
	return &domain.Actor{
		URI:            db.iri.Actor(acc),
		Kind:           kind,
		Type:           acc.Type,
		Username:       acc.Username,
		Domain:         db.iri.Domain,
		DisplayName:    acc.DisplayName,
		Summary:        acc.Summary,
		InboxURI:       db.iri.Inbox(acc),
		OutboxURI:      db.iri.Outbox(acc),
		SharedInboxURI: db.iri.SharedInbox(),
		FollowersURI:   db.iri.Followers(acc),
		PublicKeyId:    db.iri.KeyId(acc),
		PublicKeyPem:   acc.WebPublicKey,
		LastFetchedAt:  time.Now().UTC(),
		Local:          true,
	}
}

func (db *DB) localObject(ctx context.Context, p *domain.Post) (*domain.RemoteObject, error) {
	author, err := db.ReadAccById(ctx, p.AuthorId)
	if err != nil {
		return nil, fmt.Errorf("author of %s: %w", p.Id, err)
	}

	objType := "Page"
	if p.Kind == domain.EntityComment {
		objType = "Note"
	}
	obj := &domain.RemoteObject{
		URI:          db.iri.Object(p),
		Kind:         p.Kind,
		Type:         objType,
		AttributedTo: db.iri.Actor(author),
		InReplyTo:    p.InReplyToURI,
		Name:         p.Name,
		Content:      p.Content,
		Published:    p.CreatedAt,
		Updated:      p.EditedAt,
		FetchedAt:    time.Now().UTC(),
		Tombstone:    p.Deleted,
		Local:        true,
	}
	if p.CommunityId != nil {
		community, err := db.ReadAccById(ctx, *p.CommunityId)
		if err != nil {
			return nil, fmt.Errorf("community of %s: %w", p.Id, err)
		}
		obj.Audience = db.iri.Actor(community)
	}
	return obj, nil
}

// LocalKeyPair returns the signing key of a local actor.
func (db *DB) LocalKeyPair(ctx context.Context, actorURI string) (*domain.KeyPair, error) {
	ref, err := db.iri.Parse(actorURI)
	if err != nil || !ref.Kind.IsActor() {
		return nil, domain.ErrNotFound
	}
	acc, err := db.ReadAccByUsername(ctx, ref.Username)
	if err != nil {
		return nil, err
	}
	return &domain.KeyPair{
		ActorURI:   db.iri.Actor(acc),
		KeyId:      db.iri.KeyId(acc),
		PrivatePem: acc.WebPrivateKey,
		PublicPem:  acc.WebPublicKey,
	}, nil
}

// Received activities
const (
	sqlInsertSeen = `INSERT OR IGNORE INTO received_activities(activity_uri, received_at) VALUES (?, ?)`
	sqlSelectSeen = `SELECT 1 FROM received_activities WHERE activity_uri = ?`
	sqlDeleteSeen = `DELETE FROM received_activities WHERE activity_uri = ?`
)

// MarkSeen records an activity id and reports whether it was new. It is a
// single statement, so concurrent deliveries of one id see exactly one true.
func (db *DB) MarkSeen(ctx context.Context, activityURI string) (bool, error) {
	res, err := db.db.ExecContext(ctx, sqlInsertSeen, activityURI, millis(time.Now()))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (db *DB) RecordSeen(ctx context.Context, activityURI string) error {
	_, err := db.db.ExecContext(ctx, sqlInsertSeen, activityURI, millis(time.Now()))
	return err
}

func (db *DB) HasSeen(ctx context.Context, activityURI string) (bool, error) {
	var one int
	err := db.db.QueryRowContext(ctx, sqlSelectSeen, activityURI).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (db *DB) ForgetSeen(ctx context.Context, activityURI string) error {
	_, err := db.db.ExecContext(ctx, sqlDeleteSeen, activityURI)
	return err
}

// Remote actors
const (
	sqlUpsertRemoteActor = `INSERT INTO remote_actors(actor_uri, actor_type, username, domain, display_name, summary,
		inbox_uri, outbox_uri, shared_inbox_uri, followers_uri, public_key_id, public_key_pem, last_fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(actor_uri) DO UPDATE SET actor_type = excluded.actor_type, username = excluded.username,
		domain = excluded.domain, display_name = excluded.display_name, summary = excluded.summary,
		inbox_uri = excluded.inbox_uri, outbox_uri = excluded.outbox_uri, shared_inbox_uri = excluded.shared_inbox_uri,
		followers_uri = excluded.followers_uri, public_key_id = excluded.public_key_id,
		public_key_pem = excluded.public_key_pem, last_fetched_at = excluded.last_fetched_at`
	sqlSelectRemoteActor = `SELECT actor_uri, actor_type, username, domain, display_name, summary, inbox_uri, outbox_uri,
		shared_inbox_uri, followers_uri, public_key_id, public_key_pem, last_fetched_at FROM remote_actors WHERE actor_uri = ?`
	sqlDeleteRemoteActor = `DELETE FROM remote_actors WHERE actor_uri = ?`
)

// SaveRemoteActor replaces the stored copy of a remote actor as a whole.
func (db *DB) SaveRemoteActor(ctx context.Context, a *domain.Actor) error {
	if a.Local {
		return nil
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		return upsertRemoteActor(tx, a)
	})
}

func upsertRemoteActor(tx *sql.Tx, a *domain.Actor) error {
	_, err := tx.Exec(sqlUpsertRemoteActor, a.URI, string(a.Type), nullString(a.Username), a.Domain,
		nullString(a.DisplayName), nullString(a.Summary), a.InboxURI, nullString(a.OutboxURI),
		nullString(a.SharedInboxURI), nullString(a.FollowersURI), nullString(a.PublicKeyId), a.PublicKeyPem,
		millis(a.LastFetchedAt))
	return err
}

// LoadRemoteActor returns the persisted copy of a remote actor.
func (db *DB) LoadRemoteActor(ctx context.Context, uri string) (*domain.Actor, error) {
	var (
		a                                      domain.Actor
		actorType                              string
		username, displayName, summary, outbox sql.NullString
		sharedInbox, followers, keyId          sql.NullString
		lastFetched                            int64
	)
	err := db.db.QueryRowContext(ctx, sqlSelectRemoteActor, uri).Scan(&a.URI, &actorType, &username, &a.Domain,
		&displayName, &summary, &a.InboxURI, &outbox, &sharedInbox, &followers, &keyId, &a.PublicKeyPem, &lastFetched)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Type = domain.ActorType(actorType)
	a.Kind = domain.EntityKindForType(actorType)
	a.Username = username.String
	a.DisplayName = displayName.String
	a.Summary = summary.String
	a.OutboxURI = outbox.String
	a.SharedInboxURI = sharedInbox.String
	a.FollowersURI = followers.String
	a.PublicKeyId = keyId.String
	a.LastFetchedAt = fromMillis(lastFetched)
	return &a, nil
}

const sqlSelectFollowerRecipients = `SELECT ra.actor_uri, ra.inbox_uri, ra.shared_inbox_uri FROM follows f
	INNER JOIN remote_actors ra ON ra.actor_uri = f.actor_uri
	WHERE f.target_uri = ? AND f.accepted = 1 ORDER BY f.created_at, f.rowid`

// FollowerRecipients returns the delivery addresses of the remote followers
// of actorURI. Local followers need no delivery and are left out.
func (db *DB) FollowerRecipients(ctx context.Context, actorURI string) ([]domain.Recipient, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectFollowerRecipients, actorURI)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recipients []domain.Recipient
	for rows.Next() {
		var (
			r           domain.Recipient
			sharedInbox sql.NullString
		)
		if err := rows.Scan(&r.ActorURI, &r.InboxURI, &sharedInbox); err != nil {
			return nil, err
		}
		r.SharedInboxURI = sharedInbox.String
		recipients = append(recipients, r)
	}
	return recipients, rows.Err()
}

// Remote objects
const (
	// A tombstoned row is never revived, and an older revision never
	// overwrites a newer one, so Create, Update and Delete may arrive in any
	// order.
	sqlUpsertRemoteObject = `INSERT INTO remote_objects(uri, object_type, attributed_to, in_reply_to, audience, name,
		content, raw_json, published, updated, fetched_at, tombstone) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(uri) DO UPDATE SET object_type = excluded.object_type, attributed_to = excluded.attributed_to,
		in_reply_to = excluded.in_reply_to, audience = excluded.audience, name = excluded.name,
		content = excluded.content, raw_json = excluded.raw_json, published = excluded.published,
		updated = excluded.updated, fetched_at = excluded.fetched_at
		WHERE remote_objects.tombstone = 0
		AND COALESCE(excluded.updated, excluded.published, 0) >= COALESCE(remote_objects.updated, remote_objects.published, 0)`
	sqlTombstoneRemoteObject = `INSERT INTO remote_objects(uri, object_type, fetched_at, tombstone) VALUES (?, 'Tombstone', ?, 1)
		ON CONFLICT(uri) DO UPDATE SET tombstone = 1, content = NULL, raw_json = NULL, fetched_at = excluded.fetched_at`
	sqlSelectRemoteObject = `SELECT uri, object_type, attributed_to, in_reply_to, audience, name, content, raw_json,
		published, updated, fetched_at, tombstone FROM remote_objects WHERE uri = ?`
)

func upsertRemoteObject(tx *sql.Tx, o *domain.RemoteObject) error {
	var published sql.NullInt64
	if !o.Published.IsZero() {
		published = sql.NullInt64{Int64: millis(o.Published), Valid: true}
	}
	_, err := tx.Exec(sqlUpsertRemoteObject, o.URI, o.Type, nullString(o.AttributedTo), nullString(o.InReplyTo),
		nullString(o.Audience), nullString(o.Name), nullString(o.Content), nullString(o.RawJSON), published,
		nullMillis(o.Updated), millis(o.FetchedAt))
	return err
}

func (db *DB) ReadRemoteObject(ctx context.Context, uri string) (*domain.RemoteObject, error) {
	var (
		o                                       domain.RemoteObject
		attributedTo, inReplyTo, audience, name sql.NullString
		content, rawJSON                        sql.NullString
		published, updated                      sql.NullInt64
		fetchedAt                               int64
		tombstone                               int
	)
	err := db.db.QueryRowContext(ctx, sqlSelectRemoteObject, uri).Scan(&o.URI, &o.Type, &attributedTo, &inReplyTo,
		&audience, &name, &content, &rawJSON, &published, &updated, &fetchedAt, &tombstone)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	o.Kind = domain.EntityKindForType(o.Type)
	o.AttributedTo = attributedTo.String
	o.InReplyTo = inReplyTo.String
	o.Audience = audience.String
	o.Name = name.String
	o.Content = content.String
	o.RawJSON = rawJSON.String
	if published.Valid {
		o.Published = fromMillis(published.Int64)
	}
	o.Updated = timePtr(updated)
	o.FetchedAt = fromMillis(fetchedAt)
	o.Tombstone = tombstone == 1
	return &o, nil
}

// Side effects
const (
	sqlLogActivity = `INSERT OR IGNORE INTO activities(id, activity_uri, activity_type, actor_uri, object_uri, raw_json, created_at, local)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	sqlAcceptFollow      = `UPDATE follows SET accepted = 1 WHERE target_uri = ? AND (uri = ? OR actor_uri = ?)`
	sqlRejectFollow      = `DELETE FROM follows WHERE target_uri = ? AND (uri = ? OR actor_uri = ?)`
	sqlUndoFollow        = `DELETE FROM follows WHERE actor_uri = ? AND (uri = ? OR target_uri = ?)`
	sqlUndoVote          = `DELETE FROM votes WHERE actor_uri = ? AND (uri = ? OR object_uri = ?)`
	sqlUndoAnnounce      = `DELETE FROM announces WHERE actor_uri = ? AND (uri = ? OR object_uri = ?)`
	sqlInsertAnnounce    = `INSERT OR IGNORE INTO announces(id, actor_uri, object_uri, uri, created_at) VALUES (?, ?, ?, ?, ?)`
	sqlDeleteActorFollow = `DELETE FROM follows WHERE actor_uri = ? OR target_uri = ?`
	sqlDeleteActorVotes  = `DELETE FROM votes WHERE actor_uri = ?`
	sqlDeleteActorBoosts = `DELETE FROM announces WHERE actor_uri = ?`
)

// ApplySideEffect persists the effect of one verified inbound activity and
// logs the activity, all in one transaction.
//
// Field use per kind: Follow targets ObjectURI; Accept and Reject name the
// Follow in InnerURI and the follower in TargetURI; Undo names the undone
// activity in InnerURI and its object in ObjectURI; Delete with ObjectURI ==
// ActorURI removes the actor.
func (db *DB) ApplySideEffect(ctx context.Context, kind domain.ActivityKind, e *domain.SideEffect) error {
	now := time.Now().UTC()
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		if e.ActivityURI != "" {
			if _, err := tx.Exec(sqlLogActivity, uuid.New().String(), e.ActivityURI, string(kind), e.ActorURI,
				nullString(e.ObjectURI), e.RawJSON, millis(now), 0); err != nil {
				return err
			}
		}

		switch kind {
		case domain.KindCreate, domain.KindUpdate:
			if e.Object == nil {
				return fmt.Errorf("%s without object", kind)
			}
			if e.Object.Actor != nil {
				return upsertRemoteActor(tx, e.Object.Actor)
			}
			if e.Object.Object != nil && !e.Object.Object.Local {
				return upsertRemoteObject(tx, e.Object.Object)
			}
			return nil

		case domain.KindDelete:
			if e.ObjectURI == e.ActorURI {
				for _, q := range []string{sqlDeleteActorVotes, sqlDeleteActorBoosts, sqlDeleteRemoteActor} {
					if _, err := tx.Exec(q, e.ActorURI); err != nil {
						return err
					}
				}
				_, err := tx.Exec(sqlDeleteActorFollow, e.ActorURI, e.ActorURI)
				return err
			}
			_, err := tx.Exec(sqlTombstoneRemoteObject, e.ObjectURI, millis(now))
			return err

		case domain.KindFollow:
			return upsertFollow(tx, &domain.Follow{
				ActorURI:  e.ActorURI,
				TargetURI: e.ObjectURI,
				URI:       e.ActivityURI,
				CreatedAt: now,
				Accepted:  true,
			})

		case domain.KindAccept:
			_, err := tx.Exec(sqlAcceptFollow, e.ActorURI, e.InnerURI, e.TargetURI)
			return err

		case domain.KindReject:
			_, err := tx.Exec(sqlRejectFollow, e.ActorURI, e.InnerURI, e.TargetURI)
			return err

		case domain.KindUndo:
			var q string
			switch e.InnerKind {
			case domain.KindFollow:
				q = sqlUndoFollow
			case domain.KindLike, domain.KindDislike:
				q = sqlUndoVote
			case domain.KindAnnounce:
				q = sqlUndoAnnounce
			default:
				return fmt.Errorf("cannot undo %s", e.InnerKind)
			}
			_, err := tx.Exec(q, e.ActorURI, e.InnerURI, e.ObjectURI)
			return err

		case domain.KindLike, domain.KindDislike:
			score := 1
			if kind == domain.KindDislike {
				score = -1
			}
			return upsertVote(tx, &domain.Vote{
				ActorURI:  e.ActorURI,
				ObjectURI: e.ObjectURI,
				URI:       e.ActivityURI,
				Score:     score,
				CreatedAt: now,
			})

		case domain.KindAnnounce:
			_, err := tx.Exec(sqlInsertAnnounce, uuid.New().String(), e.ActorURI, e.ObjectURI, e.ActivityURI, millis(now))
			return err

		default:
			return fmt.Errorf("no side effect for %s", kind)
		}
	})
}

// LogActivity records an outbound activity.
func (db *DB) LogActivity(ctx context.Context, a *domain.Activity) error {
	if a.Id == uuid.Nil {
		a.Id = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := db.db.ExecContext(ctx, sqlLogActivity, a.Id.String(), a.ActivityURI, string(a.Kind), a.ActorURI,
		nullString(a.ObjectURI), a.RawJSON, millis(a.CreatedAt), boolInt(a.Local))
	return err
}

const sqlSelectActivityByURI = `SELECT id, activity_uri, activity_type, actor_uri, object_uri, raw_json, created_at, local
	FROM activities WHERE activity_uri = ?`

func (db *DB) ReadActivityByURI(ctx context.Context, uri string) (*domain.Activity, error) {
	var (
		a         domain.Activity
		id, kind  string
		objectURI sql.NullString
		createdAt int64
		local     int
	)
	err := db.db.QueryRowContext(ctx, sqlSelectActivityByURI, uri).Scan(&id, &a.ActivityURI, &kind, &a.ActorURI,
		&objectURI, &a.RawJSON, &createdAt, &local)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Id, err = uuid.Parse(id)
	if err != nil {
		return nil, err
	}
	a.Kind = domain.ActivityKind(kind)
	a.ObjectURI = objectURI.String
	a.CreatedAt = fromMillis(createdAt)
	a.Local = local == 1
	return &a, nil
}
