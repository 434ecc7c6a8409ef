package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/agentctl/agentctl/pkg/types"
	"github.com/google/uuid"
)

// CouncilStore persists multi-agent review sessions: per-member analyses and
// verification outcomes, queryable by session or by topic.
type CouncilStore struct {
	db *sql.DB
}

func (s *CouncilStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS council_analyses (
			id         TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			topic      TEXT NOT NULL,
			member     TEXT NOT NULL,
			stage      TEXT NOT NULL,
			content    TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_council_session ON council_analyses(session_id);
		CREATE INDEX IF NOT EXISTS idx_council_topic ON council_analyses(topic, created_at);
		CREATE TABLE IF NOT EXISTS council_verifications (
			id         TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			criterion  TEXT NOT NULL,
			passed     INTEGER NOT NULL,
			detail     TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_council_verif_session ON council_verifications(session_id);
	`)
	return err
}

// SaveAnalysis records one member's contribution for a stage.
func (s *CouncilStore) SaveAnalysis(ctx context.Context, a types.CouncilAnalysis) (types.CouncilAnalysis, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt == "" {
		a.CreatedAt = types.Timestamp(time.Now())
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO council_analyses (id, session_id, topic, member, stage, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.SessionID, a.Topic, a.Member, a.Stage, a.Content, a.CreatedAt)
	if err != nil {
		return types.CouncilAnalysis{}, err
	}
	return a, nil
}

// Analyses returns every contribution in a session, oldest first.
func (s *CouncilStore) Analyses(ctx context.Context, sessionID string) ([]types.CouncilAnalysis, error) {
	return s.queryAnalyses(ctx, `
		SELECT id, session_id, topic, member, stage, content, created_at
		FROM council_analyses WHERE session_id = ?
		ORDER BY created_at ASC, rowid ASC`, sessionID)
}

// History returns the most recent analyses on a topic, newest first, capped
// at limit.
func (s *CouncilStore) History(ctx context.Context, topic string, limit int) ([]types.CouncilAnalysis, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryAnalyses(ctx, `
		SELECT id, session_id, topic, member, stage, content, created_at
		FROM council_analyses WHERE topic = ?
		ORDER BY created_at DESC, rowid DESC LIMIT ?`, topic, limit)
}

func (s *CouncilStore) queryAnalyses(ctx context.Context, q string, args ...any) ([]types.CouncilAnalysis, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.CouncilAnalysis
	for rows.Next() {
		var a types.CouncilAnalysis
		if err := rows.Scan(&a.ID, &a.SessionID, &a.Topic, &a.Member, &a.Stage,
			&a.Content, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SaveVerification records one criterion's verify outcome.
func (s *CouncilStore) SaveVerification(ctx context.Context, v types.CouncilVerification) (types.CouncilVerification, error) {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.CreatedAt == "" {
		v.CreatedAt = types.Timestamp(time.Now())
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO council_verifications (id, session_id, criterion, passed, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		v.ID, v.SessionID, v.Criterion, v.Passed, v.Detail, v.CreatedAt)
	if err != nil {
		return types.CouncilVerification{}, err
	}
	return v, nil
}

// Verifications returns a session's verify outcomes, oldest first.
func (s *CouncilStore) Verifications(ctx context.Context, sessionID string) ([]types.CouncilVerification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, criterion, passed, detail, created_at
		FROM council_verifications WHERE session_id = ?
		ORDER BY created_at ASC, rowid ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.CouncilVerification
	for rows.Next() {
		var v types.CouncilVerification
		if err := rows.Scan(&v.ID, &v.SessionID, &v.Criterion, &v.Passed,
			&v.Detail, &v.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
