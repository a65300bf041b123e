package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/util"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// DB is the database struct.
type DB struct {
	db  *sql.DB
	iri domain.IRI
	log *zap.Logger
}

const maxBusyRetries = 5

// Open opens (or creates) the sqlite database at path and runs the
// migrations. iri tells the store which URLs are local.
func Open(path string, iri domain.IRI, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection serializes writers, so claims and dedup marks never
	// race on the sqlite write lock. It is also what keeps ":memory:" one
	// database.
	sqlDB.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA temp_store = MEMORY",
	}
	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			logger.Warn("Database: pragma failed", zap.String("pragma", p), zap.Error(err))
		}
	}

	db := &DB{db: sqlDB, iri: iri, log: logger}
	if err := db.RunMigrations(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	logger.Info("Database: ready", zap.String("path", path))
	return db, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// wrapTransaction runs the given function within a transaction. A transaction
// that hits SQLITE_BUSY is rolled back and started over.
func (db *DB) wrapTransaction(ctx context.Context, f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	for attempt := 0; ; attempt++ {
		tx, err := db.db.BeginTx(ctx, nil)
		if err != nil {
			db.log.Error("Database: error starting transaction", zap.Error(err))
			return err
		}

		err = f(tx)
		if err == nil {
			err = tx.Commit()
			if err == nil {
				return nil
			}
		} else {
			tx.Rollback()
		}

		if isBusy(err) && attempt < maxBusyRetries {
			continue
		}
		if !errors.Is(err, domain.ErrNotFound) {
			db.log.Error("Database: error in transaction", zap.Error(err))
		}
		return err
	}
}

func isBusy(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		return serr.Code()&0xff == sqlitelib.SQLITE_BUSY
	}
	return false
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Accounts
const (
	sqlInsertAccount = `INSERT INTO accounts(id, username, actor_type, display_name, summary, web_public_key, web_private_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectAccount           = `SELECT id, username, actor_type, display_name, summary, web_public_key, web_private_key, created_at FROM accounts`
	sqlSelectAccountById       = sqlSelectAccount + ` WHERE id = ?`
	sqlSelectAccountByUsername = sqlSelectAccount + ` WHERE username = ?`
	sqlSelectAllAccounts       = sqlSelectAccount + ` ORDER BY created_at, rowid`
)

// CreateAccount creates a local person or community with the given signing keys.
func (db *DB) CreateAccount(ctx context.Context, username string, actorType domain.ActorType, displayName string, keyPair *util.RsaKeyPair) (*domain.Account, error) {
	acc := &domain.Account{
		Id:            uuid.New(),
		Username:      username,
		Type:          actorType,
		DisplayName:   displayName,
		WebPublicKey:  keyPair.Public,
		WebPrivateKey: keyPair.Private,
		CreatedAt:     time.Now().UTC().Truncate(time.Millisecond),
	}
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertAccount, acc.Id.String(), acc.Username, string(acc.Type),
			nullString(acc.DisplayName), nullString(acc.Summary), acc.WebPublicKey, acc.WebPrivateKey, millis(acc.CreatedAt))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create account %s: %w", username, err)
	}
	return acc, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*domain.Account, error) {
	var (
		acc                  domain.Account
		id, actorType        string
		displayName, summary sql.NullString
		createdAt            int64
	)
	err := row.Scan(&id, &acc.Username, &actorType, &displayName, &summary, &acc.WebPublicKey, &acc.WebPrivateKey, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	acc.Id, err = uuid.Parse(id)
	if err != nil {
		return nil, err
	}
	acc.Type = domain.ActorType(actorType)
	acc.DisplayName = displayName.String
	acc.Summary = summary.String
	acc.CreatedAt = fromMillis(createdAt)
	return &acc, nil
}

func (db *DB) ReadAccById(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	return scanAccount(db.db.QueryRowContext(ctx, sqlSelectAccountById, id.String()))
}

func (db *DB) ReadAccByUsername(ctx context.Context, username string) (*domain.Account, error) {
	return scanAccount(db.db.QueryRowContext(ctx, sqlSelectAccountByUsername, username))
}

func (db *DB) ReadAllAccounts(ctx context.Context) ([]domain.Account, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectAllAccounts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *acc)
	}
	return accounts, rows.Err()
}

// Posts
const (
	sqlInsertPost = `INSERT INTO posts(id, kind, author_id, community_id, name, content, in_reply_to_uri, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectPostById = `SELECT posts.id, posts.kind, posts.author_id, accounts.username, posts.community_id, posts.name,
		posts.content, posts.in_reply_to_uri, posts.created_at, posts.edited_at, posts.deleted
		FROM posts INNER JOIN accounts ON accounts.id = posts.author_id WHERE posts.id = ?`
	sqlUpdatePost = `UPDATE posts SET name = ?, content = ?, edited_at = ? WHERE id = ? AND deleted = 0`
	sqlDeletePost = `UPDATE posts SET deleted = 1, content = '', edited_at = ? WHERE id = ?`
)

func (db *DB) CreatePost(ctx context.Context, p *domain.Post) error {
	if p.Id == uuid.Nil {
		p.Id = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)
	}
	var community sql.NullString
	if p.CommunityId != nil {
		community = sql.NullString{String: p.CommunityId.String(), Valid: true}
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertPost, p.Id.String(), p.Kind.String(), p.AuthorId.String(), community,
			nullString(p.Name), p.Content, nullString(p.InReplyToURI), millis(p.CreatedAt))
		return err
	})
}

func (db *DB) ReadPostById(ctx context.Context, id uuid.UUID) (*domain.Post, error) {
	var (
		p                          domain.Post
		postId, kind, authorId     string
		community, name, inReplyTo sql.NullString
		createdAt                  int64
		editedAt                   sql.NullInt64
		deleted                    int
	)
	err := db.db.QueryRowContext(ctx, sqlSelectPostById, id.String()).Scan(&postId, &kind, &authorId, &p.CreatedBy,
		&community, &name, &p.Content, &inReplyTo, &createdAt, &editedAt, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	p.Id = uuid.MustParse(postId)
	p.AuthorId = uuid.MustParse(authorId)
	p.Kind = domain.EntityPost
	if kind == domain.EntityComment.String() {
		p.Kind = domain.EntityComment
	}
	if community.Valid {
		cid, err := uuid.Parse(community.String)
		if err != nil {
			return nil, err
		}
		p.CommunityId = &cid
	}
	p.Name = name.String
	p.InReplyToURI = inReplyTo.String
	p.CreatedAt = fromMillis(createdAt)
	p.EditedAt = timePtr(editedAt)
	p.Deleted = deleted == 1
	return &p, nil
}

func (db *DB) UpdatePost(ctx context.Context, id uuid.UUID, name, content string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlUpdatePost, nullString(name), content, millis(time.Now()), id.String())
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

func (db *DB) DeletePost(ctx context.Context, id uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlDeletePost, millis(time.Now()), id.String())
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Follows
const (
	sqlUpsertFollow = `INSERT INTO follows(id, actor_uri, target_uri, uri, created_at, accepted) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(actor_uri, target_uri) DO UPDATE SET uri = excluded.uri, accepted = excluded.accepted`
	sqlSelectFollow      = `SELECT id, actor_uri, target_uri, uri, created_at, accepted FROM follows`
	sqlSelectFollowByURI = sqlSelectFollow + ` WHERE uri = ?`
	sqlSelectFollowers   = sqlSelectFollow + ` WHERE target_uri = ? AND accepted = 1 ORDER BY created_at, rowid`
	sqlSelectFollowing   = sqlSelectFollow + ` WHERE actor_uri = ? ORDER BY created_at, rowid`
)

// CreateFollow records a follow. Re-following the same target replaces the
// earlier record.
func (db *DB) CreateFollow(ctx context.Context, f *domain.Follow) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		return upsertFollow(tx, f)
	})
}

func upsertFollow(tx *sql.Tx, f *domain.Follow) error {
	if f.Id == uuid.Nil {
		f.Id = uuid.New()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	_, err := tx.Exec(sqlUpsertFollow, f.Id.String(), f.ActorURI, f.TargetURI, f.URI, millis(f.CreatedAt), boolInt(f.Accepted))
	return err
}

func scanFollow(row rowScanner) (*domain.Follow, error) {
	var (
		f         domain.Follow
		id        string
		createdAt int64
		accepted  int
	)
	err := row.Scan(&id, &f.ActorURI, &f.TargetURI, &f.URI, &createdAt, &accepted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	f.Id, err = uuid.Parse(id)
	if err != nil {
		return nil, err
	}
	f.CreatedAt = fromMillis(createdAt)
	f.Accepted = accepted == 1
	return &f, nil
}

func (db *DB) ReadFollowByURI(ctx context.Context, uri string) (*domain.Follow, error) {
	return scanFollow(db.db.QueryRowContext(ctx, sqlSelectFollowByURI, uri))
}

func (db *DB) readFollows(ctx context.Context, query string, arg string) ([]domain.Follow, error) {
	rows, err := db.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var follows []domain.Follow
	for rows.Next() {
		f, err := scanFollow(rows)
		if err != nil {
			return nil, err
		}
		follows = append(follows, *f)
	}
	return follows, rows.Err()
}

// ReadFollowers returns the accepted followers of targetURI.
func (db *DB) ReadFollowers(ctx context.Context, targetURI string) ([]domain.Follow, error) {
	return db.readFollows(ctx, sqlSelectFollowers, targetURI)
}

// ReadFollowing returns every follow actorURI has sent, accepted or not.
func (db *DB) ReadFollowing(ctx context.Context, actorURI string) ([]domain.Follow, error) {
	return db.readFollows(ctx, sqlSelectFollowing, actorURI)
}

// Votes
const (
	sqlUpsertVote = `INSERT INTO votes(id, actor_uri, object_uri, uri, score, created_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(actor_uri, object_uri) DO UPDATE SET uri = excluded.uri, score = excluded.score`
	sqlSelectScore = `SELECT COALESCE(SUM(score), 0) FROM votes WHERE object_uri = ?`
)

// CreateVote records a like or dislike. A later vote by the same actor on the
// same object replaces the earlier one.
func (db *DB) CreateVote(ctx context.Context, v *domain.Vote) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		return upsertVote(tx, v)
	})
}

func upsertVote(tx *sql.Tx, v *domain.Vote) error {
	if v.Id == uuid.Nil {
		v.Id = uuid.New()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	_, err := tx.Exec(sqlUpsertVote, v.Id.String(), v.ActorURI, v.ObjectURI, v.URI, v.Score, millis(v.CreatedAt))
	return err
}

// ReadScore sums the votes on an object.
func (db *DB) ReadScore(ctx context.Context, objectURI string) (int, error) {
	var score int
	err := db.db.QueryRowContext(ctx, sqlSelectScore, objectURI).Scan(&score)
	return score, err
}
