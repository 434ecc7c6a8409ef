package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/agentctl/agentctl/pkg/errdefs"
	"github.com/agentctl/agentctl/pkg/types"
	"github.com/google/uuid"
)

// SessionStore persists named daemon sessions.
type SessionStore struct {
	db *sql.DB
}

func (s *SessionStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL DEFAULT '',
			account    TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			meta       TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_account ON sessions(account);
	`)
	return err
}

// Create registers a session; a missing id is generated.
func (s *SessionStore) Create(ctx context.Context, rec types.SessionRecord) (types.SessionRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt == "" {
		rec.CreatedAt = types.Timestamp(time.Now())
	}
	rec.UpdatedAt = rec.CreatedAt
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, name, account, created_at, updated_at, meta)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Name, rec.Account, rec.CreatedAt, rec.UpdatedAt, rec.Meta)
	if err != nil {
		return types.SessionRecord{}, err
	}
	return rec, nil
}

// SetName renames a session and bumps its updated_at.
func (s *SessionStore) SetName(ctx context.Context, id, name string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET name = ?, updated_at = ? WHERE id = ?`,
		name, types.Timestamp(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.NotFoundf("session %s not found", id)
	}
	return nil
}

// Touch records activity on a session.
func (s *SessionStore) Touch(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`,
		types.Timestamp(time.Now()), id)
	return err
}

// Get returns one session by id.
func (s *SessionStore) Get(ctx context.Context, id string) (types.SessionRecord, error) {
	var rec types.SessionRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, account, created_at, updated_at, meta
		FROM sessions WHERE id = ?`, id).
		Scan(&rec.ID, &rec.Name, &rec.Account, &rec.CreatedAt, &rec.UpdatedAt, &rec.Meta)
	if errors.Is(err, sql.ErrNoRows) {
		return types.SessionRecord{}, errdefs.NotFoundf("session %s not found", id)
	}
	return rec, err
}

// List returns all sessions, most recently updated first.
func (s *SessionStore) List(ctx context.Context) ([]types.SessionRecord, error) {
	return s.query(ctx, `
		SELECT id, name, account, created_at, updated_at, meta
		FROM sessions ORDER BY updated_at DESC`)
}

// Search matches sessions whose name or meta contains the query,
// case-insensitively.
func (s *SessionStore) Search(ctx context.Context, query string) ([]types.SessionRecord, error) {
	pattern := "%" + query + "%"
	return s.query(ctx, `
		SELECT id, name, account, created_at, updated_at, meta
		FROM sessions
		WHERE name LIKE ? COLLATE NOCASE OR meta LIKE ? COLLATE NOCASE
		ORDER BY updated_at DESC`, pattern, pattern)
}

func (s *SessionStore) query(ctx context.Context, q string, args ...any) ([]types.SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.SessionRecord
	for rows.Next() {
		var rec types.SessionRecord
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Account, &rec.CreatedAt, &rec.UpdatedAt, &rec.Meta); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ConfigStore is a small key/value overlay persisted next to the sessions so
// runtime config_set survives restarts.
type ConfigStore struct {
	db *sql.DB
}

func (s *ConfigStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS config (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)
	return err
}

// Set upserts one key.
func (s *ConfigStore) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// Get returns one key's value; absent keys are not_found.
func (s *ConfigStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errdefs.NotFoundf("config key %s not set", key)
	}
	return value, err
}

// All returns every persisted override.
func (s *ConfigStore) All(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM config`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}
