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

// RetroStore persists post-workflow reflection sessions.
type RetroStore struct {
	db *sql.DB
}

func (s *RetroStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS retro_sessions (
			id         TEXT PRIMARY KEY,
			run_id     TEXT NOT NULL,
			status     TEXT NOT NULL,
			created_at TEXT NOT NULL,
			closed_at  TEXT NOT NULL DEFAULT ''
		);
		CREATE TABLE IF NOT EXISTS retro_reviews (
			id         TEXT PRIMARY KEY,
			retro_id   TEXT NOT NULL,
			account    TEXT NOT NULL,
			went_well  TEXT NOT NULL DEFAULT '',
			went_wrong TEXT NOT NULL DEFAULT '',
			actions    TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_retro_reviews_retro ON retro_reviews(retro_id);
		CREATE TABLE IF NOT EXISTS retro_documents (
			id         TEXT PRIMARY KEY,
			retro_id   TEXT NOT NULL UNIQUE,
			content    TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
	`)
	return err
}

// CreateSession opens a retro for a workflow run.
func (s *RetroStore) CreateSession(ctx context.Context, runID string) (types.RetroSession, error) {
	sess := types.RetroSession{
		ID:        uuid.NewString(),
		RunID:     runID,
		Status:    "open",
		CreatedAt: types.Timestamp(time.Now()),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO retro_sessions (id, run_id, status, created_at, closed_at)
		VALUES (?, ?, ?, ?, '')`,
		sess.ID, sess.RunID, sess.Status, sess.CreatedAt)
	if err != nil {
		return types.RetroSession{}, err
	}
	return sess, nil
}

// GetSession returns one retro session.
func (s *RetroStore) GetSession(ctx context.Context, id string) (types.RetroSession, error) {
	var sess types.RetroSession
	err := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, status, created_at, closed_at
		FROM retro_sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.RunID, &sess.Status, &sess.CreatedAt, &sess.ClosedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return types.RetroSession{}, errdefs.NotFoundf("retro %s not found", id)
	}
	return sess, err
}

// AddReview records one member's submission. Closed retros refuse reviews.
func (s *RetroStore) AddReview(ctx context.Context, review types.RetroReview) (types.RetroReview, error) {
	sess, err := s.GetSession(ctx, review.RetroID)
	if err != nil {
		return types.RetroReview{}, err
	}
	if sess.Status != "open" {
		return types.RetroReview{}, errdefs.Validationf("retro %s is closed", review.RetroID)
	}
	if review.ID == "" {
		review.ID = uuid.NewString()
	}
	if review.CreatedAt == "" {
		review.CreatedAt = types.Timestamp(time.Now())
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO retro_reviews (id, retro_id, account, went_well, went_wrong, actions, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		review.ID, review.RetroID, review.Account, review.WentWell,
		review.WentWrong, review.Actions, review.CreatedAt)
	if err != nil {
		return types.RetroReview{}, err
	}
	return review, nil
}

// Reviews returns every submission for a retro, oldest first.
func (s *RetroStore) Reviews(ctx context.Context, retroID string) ([]types.RetroReview, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, retro_id, account, went_well, went_wrong, actions, created_at
		FROM retro_reviews WHERE retro_id = ? ORDER BY created_at ASC, rowid ASC`, retroID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.RetroReview
	for rows.Next() {
		var r types.RetroReview
		if err := rows.Scan(&r.ID, &r.RetroID, &r.Account, &r.WentWell,
			&r.WentWrong, &r.Actions, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveDocument stores the synthesized document and closes the session.
func (s *RetroStore) SaveDocument(ctx context.Context, retroID, content string) (types.RetroDocument, error) {
	if _, err := s.GetSession(ctx, retroID); err != nil {
		return types.RetroDocument{}, err
	}
	doc := types.RetroDocument{
		ID:        uuid.NewString(),
		RetroID:   retroID,
		Content:   content,
		CreatedAt: types.Timestamp(time.Now()),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO retro_documents (id, retro_id, content, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(retro_id) DO UPDATE SET content = excluded.content, created_at = excluded.created_at`,
		doc.ID, doc.RetroID, doc.Content, doc.CreatedAt)
	if err != nil {
		return types.RetroDocument{}, err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE retro_sessions SET status = 'closed', closed_at = ? WHERE id = ?`,
		doc.CreatedAt, retroID)
	if err != nil {
		return types.RetroDocument{}, err
	}
	return doc, nil
}

// Document returns the synthesized output for a retro.
func (s *RetroStore) Document(ctx context.Context, retroID string) (types.RetroDocument, error) {
	var doc types.RetroDocument
	err := s.db.QueryRowContext(ctx, `
		SELECT id, retro_id, content, created_at
		FROM retro_documents WHERE retro_id = ?`, retroID).
		Scan(&doc.ID, &doc.RetroID, &doc.Content, &doc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return types.RetroDocument{}, errdefs.NotFoundf("retro %s has no document", retroID)
	}
	return doc, err
}
