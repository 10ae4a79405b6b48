// Package store persists sessions, their event logs and their final
// documents in Postgres.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/mohammad-safakhou/deepresearch/internal/research"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionActive    = errors.New("session is active")
	ErrSessionTerminal  = errors.New("session already in a terminal status")
	ErrDocumentNotFound = errors.New("document not found")
)

// Store wraps the Postgres connection.
type Store struct {
	DB *sql.DB
}

// NewWithDSN connects to Postgres with the given DSN and verifies the
// connection.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &Store{DB: db}, nil
}

// Document is a stored artifact of a completed session.
type Document struct {
	ID        string                 `json:"document_id"`
	SessionID string                 `json:"session_id"`
	DocType   string                 `json:"doc_type"`
	Title     string                 `json:"title"`
	Content   string                 `json:"content"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// User is an account allowed to drive research sessions.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, sess research.Session) error {
	opts, err := json.Marshal(sess.Options)
	if err != nil {
		return fmt.Errorf("encoding options: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
        INSERT INTO sessions (id, query, status, options_json, iteration, finder_retries, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())`,
		sess.ID, sess.Query, sess.Status, opts, sess.Iteration, sess.FinderRetries)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// UpdateSessionStatus moves a session to a new status. Sessions already in a
// terminal status are left untouched and ErrSessionTerminal is returned.
func (s *Store) UpdateSessionStatus(ctx context.Context, id, status, errMsg string) error {
	res, err := s.DB.ExecContext(ctx, `
        UPDATE sessions SET status = $2, error = NULLIF($3, ''), updated_at = NOW()
        WHERE id = $1 AND status NOT IN ('completed', 'stopped', 'error')`,
		id, status, errMsg)
	if err != nil {
		return fmt.Errorf("updating session status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating session status: %w", err)
	}
	if n == 0 {
		if _, err := s.GetSession(ctx, id); err != nil {
			return err
		}
		return ErrSessionTerminal
	}
	return nil
}

// UpdateSessionProgress records the engine's loop counters.
func (s *Store) UpdateSessionProgress(ctx context.Context, id string, iteration, finderRetries int) error {
	_, err := s.DB.ExecContext(ctx, `
        UPDATE sessions SET iteration = $2, finder_retries = $3, updated_at = NOW() WHERE id = $1`,
		id, iteration, finderRetries)
	if err != nil {
		return fmt.Errorf("updating session progress: %w", err)
	}
	return nil
}

const sessionColumns = `id, query, status, options_json, iteration, finder_retries, error, created_at, updated_at`

func scanSession(row interface {
	Scan(dest ...interface{}) error
}) (research.Session, error) {
	var (
		sess    research.Session
		opts    []byte
		errText sql.NullString
	)
	err := row.Scan(&sess.ID, &sess.Query, &sess.Status, &opts, &sess.Iteration, &sess.FinderRetries, &errText, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return research.Session{}, err
	}
	if len(opts) > 0 {
		if err := json.Unmarshal(opts, &sess.Options); err != nil {
			return research.Session{}, fmt.Errorf("decoding options: %w", err)
		}
	}
	if errText.Valid {
		sess.Error = errText.String
	}
	return sess, nil
}

// GetSession loads one session by id.
func (s *Store) GetSession(ctx context.Context, id string) (research.Session, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return research.Session{}, ErrSessionNotFound
	}
	if err != nil {
		return research.Session{}, fmt.Errorf("loading session: %w", err)
	}
	return sess, nil
}

// ListSessions returns all sessions, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]research.Session, error) {
	return s.querySessions(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY created_at DESC`)
}

// ListSessionsByStatus returns sessions in the given status, newest first.
func (s *Store) ListSessionsByStatus(ctx context.Context, status string) ([]research.Session, error) {
	return s.querySessions(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE status = $1 ORDER BY created_at DESC`, status)
}

// ListCompletedSessions returns the most recently completed sessions, used
// to build session memory context.
func (s *Store) ListCompletedSessions(ctx context.Context, limit int) ([]research.Session, error) {
	return s.querySessions(ctx, `
        SELECT `+sessionColumns+` FROM sessions WHERE status = 'completed'
        ORDER BY updated_at DESC LIMIT $1`, limit)
}

// ListTerminalBefore returns terminal sessions not updated since cutoff,
// used by retention cleanup.
func (s *Store) ListTerminalBefore(ctx context.Context, cutoff time.Time) ([]research.Session, error) {
	return s.querySessions(ctx, `
        SELECT `+sessionColumns+` FROM sessions
        WHERE status IN ('completed', 'stopped', 'error') AND updated_at < $1
        ORDER BY updated_at ASC`, cutoff)
}

func (s *Store) querySessions(ctx context.Context, query string, args ...interface{}) ([]research.Session, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()
	var out []research.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// DeleteSession removes a session and its events and documents. Running
// sessions cannot be deleted.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status == research.StatusRunning || sess.Status == research.StatusPending {
		return ErrSessionActive
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM session_events WHERE session_id = $1`, id); err != nil {
		return fmt.Errorf("deleting session events: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM session_documents WHERE session_id = $1`, id); err != nil {
		return fmt.Errorf("deleting session documents: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return tx.Commit()
}

// SaveReportDocuments marks the session completed and stores the report's
// JSON and markdown renditions in one transaction, so a completed session
// always has its documents.
func (s *Store) SaveReportDocuments(ctx context.Context, sessionID string, report research.Report, markdown string) error {
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	meta, err := json.Marshal(map[string]interface{}{
		"word_count": report.WordCount,
		"iterations": report.Iterations,
		"sources":    len(report.Sources),
	})
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
        UPDATE sessions SET status = 'completed', updated_at = NOW()
        WHERE id = $1 AND status NOT IN ('completed', 'stopped', 'error')`, sessionID)
	if err != nil {
		return fmt.Errorf("completing session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrSessionTerminal
	}

	insert := `
        INSERT INTO session_documents (document_id, session_id, doc_type, title, content, metadata_json, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, NOW())`
	if _, err := tx.ExecContext(ctx, insert, sessionID+"-json", sessionID, "report_json", report.Title, string(reportJSON), meta); err != nil {
		return fmt.Errorf("inserting json document: %w", err)
	}
	if _, err := tx.ExecContext(ctx, insert, sessionID+"-markdown", sessionID, "report_markdown", report.Title, markdown, meta); err != nil {
		return fmt.Errorf("inserting markdown document: %w", err)
	}
	return tx.Commit()
}

// ListDocuments returns a session's documents.
func (s *Store) ListDocuments(ctx context.Context, sessionID string) ([]Document, error) {
	rows, err := s.DB.QueryContext(ctx, `
        SELECT document_id, session_id, doc_type, title, content, metadata_json, created_at
        FROM session_documents WHERE session_id = $1 ORDER BY document_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()
	var out []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// GetDocument loads one document of a session.
func (s *Store) GetDocument(ctx context.Context, sessionID, documentID string) (Document, error) {
	row := s.DB.QueryRowContext(ctx, `
        SELECT document_id, session_id, doc_type, title, content, metadata_json, created_at
        FROM session_documents WHERE session_id = $1 AND document_id = $2`, sessionID, documentID)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrDocumentNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("loading document: %w", err)
	}
	return doc, nil
}

func scanDocument(row interface {
	Scan(dest ...interface{}) error
}) (Document, error) {
	var (
		doc  Document
		meta []byte
	)
	if err := row.Scan(&doc.ID, &doc.SessionID, &doc.DocType, &doc.Title, &doc.Content, &meta, &doc.CreatedAt); err != nil {
		return Document{}, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &doc.Metadata); err != nil {
			return Document{}, fmt.Errorf("decoding document metadata: %w", err)
		}
	}
	return doc, nil
}

// AppendEvent stores one event, allocating the next per-session sequence
// number in the insert itself.
func (s *Store) AppendEvent(ctx context.Context, sessionID, eventType string, payload []byte) (int64, error) {
	var seq int64
	err := s.DB.QueryRowContext(ctx, `
        INSERT INTO session_events (session_id, seq, event_type, payload_json, created_at)
        VALUES ($1, (SELECT COALESCE(MAX(seq), 0) + 1 FROM session_events WHERE session_id = $1), $2, $3, NOW())
        RETURNING seq`,
		sessionID, eventType, payload).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("appending event: %w", err)
	}
	return seq, nil
}

// ListEvents returns a session's events with seq > after, in order.
func (s *Store) ListEvents(ctx context.Context, sessionID string, after int64) ([]research.Event, error) {
	rows, err := s.DB.QueryContext(ctx, `
        SELECT seq, event_type, payload_json, created_at
        FROM session_events WHERE session_id = $1 AND seq > $2 ORDER BY seq ASC`, sessionID, after)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()
	var out []research.Event
	for rows.Next() {
		var (
			ev      research.Event
			payload []byte
		)
		if err := rows.Scan(&ev.Sequence, &ev.Type, &payload, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		ev.SessionID = sessionID
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, fmt.Errorf("decoding event payload: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// DeleteEvents drops a session's event log.
func (s *Store) DeleteEvents(ctx context.Context, sessionID string) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM session_events WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("deleting events: %w", err)
	}
	return nil
}

// CreateUser inserts a new account.
func (s *Store) CreateUser(ctx context.Context, id, email, passwordHash string) error {
	_, err := s.DB.ExecContext(ctx, `
        INSERT INTO users (id, email, password_hash, created_at) VALUES ($1, $2, $3, NOW())`,
		id, email, passwordHash)
	if err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

// GetUserByEmail loads an account by email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var u User
	err := s.DB.QueryRowContext(ctx, `
        SELECT id, email, password_hash, created_at FROM users WHERE email = $1`, email).
		Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, err
		}
		return User{}, fmt.Errorf("loading user: %w", err)
	}
	return u, nil
}
