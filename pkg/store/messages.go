package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/agentctl/agentctl/pkg/errdefs"
	"github.com/agentctl/agentctl/pkg/types"
	"github.com/google/uuid"
)

// MessageStore is the per-recipient message queue.
type MessageStore struct {
	db *sql.DB
}

func (s *MessageStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS messages (
			id           TEXT PRIMARY KEY,
			from_account TEXT NOT NULL,
			to_account   TEXT NOT NULL,
			type         TEXT NOT NULL DEFAULT '',
			content      TEXT NOT NULL,
			timestamp    TEXT NOT NULL,
			read         INTEGER NOT NULL DEFAULT 0,
			archived     INTEGER NOT NULL DEFAULT 0,
			dedupe_key   TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_messages_inbox ON messages(to_account, archived, read);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_dedupe
			ON messages(to_account, dedupe_key) WHERE dedupe_key != '';
	`)
	return err
}

// Send queues a message. A repeated dedupe_key for the same recipient is a
// no-op; the second return reports whether the message was actually stored.
func (s *MessageStore) Send(ctx context.Context, msg types.Message) (types.Message, bool, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp == "" {
		msg.Timestamp = types.Timestamp(time.Now())
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, from_account, to_account, type, content, timestamp, read, archived, dedupe_key)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?)
		ON CONFLICT(to_account, dedupe_key) WHERE dedupe_key != '' DO NOTHING`,
		msg.ID, msg.From, msg.To, msg.Type, msg.Content, msg.Timestamp, msg.DedupeKey)
	if err != nil {
		return types.Message{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return types.Message{}, false, err
	}
	return msg, n > 0, nil
}

// Inbox returns the recipient's unarchived messages, oldest first. With
// unreadOnly set, already-read messages are skipped.
func (s *MessageStore) Inbox(ctx context.Context, account string, unreadOnly bool) ([]types.Message, error) {
	q := `
		SELECT id, from_account, to_account, type, content, timestamp, read, dedupe_key
		FROM messages WHERE to_account = ? AND archived = 0`
	if unreadOnly {
		q += ` AND read = 0`
	}
	q += ` ORDER BY timestamp ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, q, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.Message
	for rows.Next() {
		var m types.Message
		if err := rows.Scan(&m.ID, &m.From, &m.To, &m.Type, &m.Content, &m.Timestamp, &m.Read, &m.DedupeKey); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UnreadCount reports the recipient's unread, unarchived message count.
func (s *MessageStore) UnreadCount(ctx context.Context, account string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE to_account = ? AND archived = 0 AND read = 0`,
		account).Scan(&n)
	return n, err
}

// MarkRead flags the given messages as read for the recipient. Ids belonging
// to other recipients are ignored.
func (s *MessageStore) MarkRead(ctx context.Context, account string, ids ...string) error {
	if len(ids) == 0 {
		_, err := s.db.ExecContext(ctx,
			`UPDATE messages SET read = 1 WHERE to_account = ? AND read = 0`, account)
		return err
	}
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE messages SET read = 1 WHERE id = ? AND to_account = ?`, id, account); err != nil {
			return err
		}
	}
	return nil
}

// ArchiveOlderThan sweeps read messages older than the cutoff out of every
// inbox and reports how many it moved. The daemon runs this periodically.
func (s *MessageStore) ArchiveOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET archived = 1 WHERE archived = 0 AND read = 1 AND timestamp < ?`,
		types.Timestamp(cutoff))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Archive moves a message out of the inbox without deleting it.
func (s *MessageStore) Archive(ctx context.Context, account, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET archived = 1, read = 1 WHERE id = ? AND to_account = ?`, id, account)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.NotFoundf("message %s not found for %s", id, account)
	}
	return nil
}
