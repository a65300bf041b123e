package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/stegofed/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	sqlInsertOutboundActivity = `INSERT OR IGNORE INTO activities(id, activity_uri, activity_type, actor_uri, object_uri, raw_json, created_at, local)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1)`
	sqlInsertDelivery = `INSERT INTO delivery_queue(id, activity_uri, inbox_uri, actor_uri, object_uri, attempts, next_retry_at, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)`

	// Only the head of each (inbox, object) chain is eligible, which keeps
	// deliveries about one object in creation order per inbox.
	sqlSelectClaimable = `SELECT q.id, q.activity_uri, a.raw_json, q.inbox_uri, q.actor_uri, q.object_uri, q.attempts,
		q.next_retry_at, q.last_error, q.created_at
		FROM delivery_queue q INNER JOIN activities a ON a.activity_uri = q.activity_uri
		WHERE q.next_retry_at <= ? AND (q.locked_until IS NULL OR q.locked_until <= ?)
		AND NOT EXISTS (SELECT 1 FROM delivery_queue p
			WHERE p.inbox_uri = q.inbox_uri AND p.object_uri = q.object_uri AND p.seq < q.seq)
		ORDER BY q.seq LIMIT ?`
	sqlLeaseDelivery      = `UPDATE delivery_queue SET locked_by = ?, locked_until = ? WHERE id = ?`
	sqlDeleteDelivery     = `DELETE FROM delivery_queue WHERE id = ?`
	sqlRescheduleDelivery = `UPDATE delivery_queue SET attempts = ?, next_retry_at = ?, last_error = ?, locked_by = NULL, locked_until = NULL
		WHERE id = ?`
	sqlInsertDeadLetter  = `INSERT INTO dead_letters(id, activity_uri, inbox_uri, attempts, reason, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	sqlSelectDeadLetters = `SELECT id, activity_uri, inbox_uri, attempts, reason, created_at FROM dead_letters ORDER BY created_at`
	sqlCountDeliveries   = `SELECT COUNT(*) FROM delivery_queue`
)

// Enqueue stores delivery tasks in one transaction. The activity payload is
// written once per activity id no matter how many inboxes it goes to.
func (db *DB) Enqueue(ctx context.Context, tasks []*domain.DeliveryTask) error {
	if len(tasks) == 0 {
		return nil
	}
	now := time.Now().UTC()

	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		stored := make(map[string]bool)
		for _, t := range tasks {
			if !stored[t.ActivityURI] {
				var head struct {
					Type string `json:"type"`
				}
				if err := json.Unmarshal(t.ActivityJSON, &head); err != nil {
					return fmt.Errorf("activity %s: %w", t.ActivityURI, err)
				}
				if _, err := tx.Exec(sqlInsertOutboundActivity, uuid.New().String(), t.ActivityURI, head.Type,
					t.ActorURI, nullString(t.ObjectURI), string(t.ActivityJSON), millis(now)); err != nil {
					return err
				}
				stored[t.ActivityURI] = true
			}

			if t.Id == uuid.Nil {
				t.Id = uuid.New()
			}
			if t.NextRetryAt.IsZero() {
				t.NextRetryAt = now
			}
			t.CreatedAt = now
			if _, err := tx.Exec(sqlInsertDelivery, t.Id.String(), t.ActivityURI, t.InboxURI, t.ActorURI, t.ObjectURI,
				millis(t.NextRetryAt), millis(now)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Claim leases up to limit due tasks to owner until now+lease. A leased task
// is invisible to other claimers until the lease runs out, so an abandoned
// attempt is picked up again later.
func (db *DB) Claim(ctx context.Context, owner string, now time.Time, lease time.Duration, limit int) ([]*domain.DeliveryTask, error) {
	var tasks []*domain.DeliveryTask
	until := now.Add(lease)

	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		tasks = tasks[:0]
		rows, err := tx.Query(sqlSelectClaimable, millis(now), millis(now), limit)
		if err != nil {
			return err
		}
		for rows.Next() {
			var (
				t                  domain.DeliveryTask
				id, raw            string
				lastError          sql.NullString
				nextRetry, created int64
			)
			if err := rows.Scan(&id, &t.ActivityURI, &raw, &t.InboxURI, &t.ActorURI, &t.ObjectURI, &t.Attempts,
				&nextRetry, &lastError, &created); err != nil {
				rows.Close()
				return err
			}
			t.Id, err = uuid.Parse(id)
			if err != nil {
				rows.Close()
				return err
			}
			t.ActivityJSON = []byte(raw)
			t.NextRetryAt = fromMillis(nextRetry)
			t.LastError = lastError.String
			t.CreatedAt = fromMillis(created)
			t.LockedBy = owner
			t.LockedUntil = &until
			tasks = append(tasks, &t)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, t := range tasks {
			if _, err := tx.Exec(sqlLeaseDelivery, owner, millis(until), t.Id.String()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// Complete removes a delivered task.
func (db *DB) Complete(ctx context.Context, id uuid.UUID) error {
	_, err := db.db.ExecContext(ctx, sqlDeleteDelivery, id.String())
	return err
}

// Reschedule releases the lease and sets the next attempt time.
func (db *DB) Reschedule(ctx context.Context, id uuid.UUID, attempts int, next time.Time, lastErr string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlRescheduleDelivery, attempts, millis(next), nullString(lastErr), id.String())
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

// DeadLetter retires a task for good.
func (db *DB) DeadLetter(ctx context.Context, task *domain.DeliveryTask, reason string) error {
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(sqlInsertDeadLetter, uuid.New().String(), task.ActivityURI, task.InboxURI, task.Attempts,
			reason, millis(time.Now())); err != nil {
			return err
		}
		_, err := tx.Exec(sqlDeleteDelivery, task.Id.String())
		return err
	})
	if err == nil {
		db.log.Warn("DeliveryQueue: dead-lettered",
			zap.String("activity", task.ActivityURI),
			zap.String("inbox", task.InboxURI),
			zap.Int("attempts", task.Attempts),
			zap.String("reason", reason))
	}
	return err
}

func (db *DB) ReadDeadLetters(ctx context.Context) ([]domain.DeadLetter, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectDeadLetters)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var letters []domain.DeadLetter
	for rows.Next() {
		var (
			d       domain.DeadLetter
			id      string
			reason  sql.NullString
			created int64
		)
		if err := rows.Scan(&id, &d.ActivityURI, &d.InboxURI, &d.Attempts, &reason, &created); err != nil {
			return nil, err
		}
		d.Id, err = uuid.Parse(id)
		if err != nil {
			return nil, err
		}
		d.Reason = reason.String
		d.CreatedAt = fromMillis(created)
		letters = append(letters, d)
	}
	return letters, rows.Err()
}

// PendingDeliveries counts queued tasks, leased or not.
func (db *DB) PendingDeliveries(ctx context.Context) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, sqlCountDeliveries).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}
