// Package sqlite archives sessions, branches, messages, and rounds so a
// conversation survives process restarts and can be inspected afterwards.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"parlor/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	generation INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	reset_at INTEGER NULL
);

CREATE TABLE IF NOT EXISTS branches (
	id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	parent_id TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL,
	anchor TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	PRIMARY KEY(session_id, id),
	FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_branches_session ON branches(session_id, created_at);

CREATE TABLE IF NOT EXISTS messages (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	session_id TEXT NOT NULL,
	branch_id TEXT NOT NULL,
	role TEXT NOT NULL,
	type TEXT NOT NULL,
	slot INTEGER NOT NULL DEFAULT 0,
	author TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	parts TEXT NOT NULL,
	outcome TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_messages_branch ON messages(branch_id, seq);

CREATE TABLE IF NOT EXISTS rounds (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	branch_id TEXT NOT NULL,
	number INTEGER NOT NULL,
	started_at INTEGER NOT NULL,
	completed_at INTEGER NULL,
	FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_rounds_branch ON rounds(branch_id, number);
`

// Branch mirrors one conversation node for archival.
type Branch struct {
	ID        string
	SessionID string
	ParentID  string
	Kind      domain.BranchKind
	Anchor    string
	CreatedAt time.Time
}

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) CreateSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO sessions(id, generation, created_at) VALUES(?, 0, ?)`,
		sessionID, time.Now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// MarkSessionReset records a reset and returns the new generation number.
func (s *Store) MarkSessionReset(ctx context.Context, sessionID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx session reset: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(
		ctx,
		`UPDATE sessions SET generation = generation + 1, reset_at = ? WHERE id = ?`,
		time.Now().UTC().Unix(), sessionID,
	); err != nil {
		return 0, fmt.Errorf("update session generation: %w", err)
	}

	var generation int
	if err := tx.QueryRowContext(ctx, `SELECT generation FROM sessions WHERE id = ?`, sessionID).Scan(&generation); err != nil {
		return 0, fmt.Errorf("read session generation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit session reset: %w", err)
	}
	return generation, nil
}

func (s *Store) CreateBranch(ctx context.Context, b Branch) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO branches(id, session_id, parent_id, kind, anchor, created_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		b.ID, b.SessionID, b.ParentID, string(b.Kind), b.Anchor, b.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create branch: %w", err)
	}
	return nil
}

// RecordBranch is the flat-argument form of CreateBranch used by the
// scheduler.
func (s *Store) RecordBranch(ctx context.Context, sessionID, branchID, parentID string, kind domain.BranchKind, anchor string) error {
	return s.CreateBranch(ctx, Branch{
		ID:        branchID,
		SessionID: sessionID,
		ParentID:  parentID,
		Kind:      kind,
		Anchor:    anchor,
	})
}

func (s *Store) ListBranches(ctx context.Context, sessionID string) ([]Branch, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, session_id, parent_id, kind, anchor, created_at
		FROM branches WHERE session_id = ? ORDER BY created_at ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	defer rows.Close()

	result := make([]Branch, 0)
	for rows.Next() {
		var b Branch
		var kind string
		var created int64
		if err := rows.Scan(&b.ID, &b.SessionID, &b.ParentID, &kind, &b.Anchor, &created); err != nil {
			return nil, fmt.Errorf("scan branch: %w", err)
		}
		b.Kind = domain.BranchKind(kind)
		b.CreatedAt = unixToTime(created)
		result = append(result, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate branches: %w", err)
	}
	return result, nil
}

func (s *Store) AppendMessage(ctx context.Context, sessionID, branchID string, msg domain.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	parts, err := json.Marshal(msg.Parts)
	if err != nil {
		return fmt.Errorf("marshal message parts: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO messages(id, session_id, branch_id, role, type, slot, author, model, parts, outcome, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, sessionID, branchID, string(msg.Role), string(msg.Type), msg.Slot,
		msg.Author, msg.Model, string(parts), string(msg.Outcome), msg.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// UpdateMessageParts replaces the archived content of one message, used when
// a streamed turn is finalized with its directives stripped.
func (s *Store) UpdateMessageParts(ctx context.Context, messageID string, msgParts []domain.Part) error {
	parts, err := json.Marshal(msgParts)
	if err != nil {
		return fmt.Errorf("marshal message parts: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`UPDATE messages SET parts = ? WHERE id = ?`,
		string(parts), messageID,
	)
	if err != nil {
		return fmt.Errorf("update message parts: %w", err)
	}
	return nil
}

// DeleteMessage removes one message, used when an empty turn's placeholder
// is withdrawn.
func (s *Store) DeleteMessage(ctx context.Context, messageID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, messageID); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, sessionID, branchID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, role, type, slot, author, model, parts, outcome, created_at
		FROM messages WHERE session_id = ? AND branch_id = ? ORDER BY seq ASC`,
		sessionID, branchID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Message, 0)
	for rows.Next() {
		var m domain.Message
		var role, typ, outcome, parts string
		var created int64
		if err := rows.Scan(&m.ID, &role, &typ, &m.Slot, &m.Author, &m.Model, &parts, &outcome, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if err := json.Unmarshal([]byte(parts), &m.Parts); err != nil {
			return nil, fmt.Errorf("unmarshal message parts: %w", err)
		}
		m.Role = domain.Role(role)
		m.Type = domain.MessageType(typ)
		m.Outcome = domain.Outcome(outcome)
		m.CreatedAt = unixToTime(created)
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return result, nil
}

func (s *Store) StartRound(ctx context.Context, sessionID, branchID string, number int) (int64, error) {
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO rounds(session_id, branch_id, number, started_at) VALUES(?, ?, ?, ?)`,
		sessionID, branchID, number, time.Now().UTC().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("start round: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("round id: %w", err)
	}
	return id, nil
}

func (s *Store) CompleteRound(ctx context.Context, roundID int64) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE rounds SET completed_at = ? WHERE id = ?`,
		time.Now().UTC().Unix(), roundID,
	)
	if err != nil {
		return fmt.Errorf("complete round: %w", err)
	}
	return nil
}

// CountCompletedRounds reports finished rounds on one branch.
func (s *Store) CountCompletedRounds(ctx context.Context, sessionID, branchID string) (int, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT COUNT(*) FROM rounds WHERE session_id = ? AND branch_id = ? AND completed_at IS NOT NULL`,
		sessionID, branchID,
	)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count completed rounds: %w", err)
	}
	return count, nil
}

func unixToTime(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}
